package forwarder

import "strings"

// channelTag and messageTag delimit the control tokens a legacy
// model family (the "harmony"-style multi-channel chat format) emits
// around each reasoning channel: "<|channel|>analysis<|message|>...text
// ...<|channel|>final<|message|>final text". Only the final channel's
// payload is meant for the client.
const (
	channelTag  = "<|channel|>"
	messageTag  = "<|message|>"
	finalChannel = "final"
)

// stripChannelTokens removes every non-final channel segment from s and
// returns only the final-channel payload (or the final trailing segment,
// if no channel tag is present at all — plain models never emit these
// markers, so this is then a no-op).
func stripChannelTokens(s string) string {
	if !strings.Contains(s, channelTag) {
		return s
	}

	var finalText strings.Builder
	rest := s
	foundFinal := false
	for {
		idx := strings.Index(rest, channelTag)
		if idx < 0 {
			break
		}
		rest = rest[idx+len(channelTag):]
		msgIdx := strings.Index(rest, messageTag)
		if msgIdx < 0 {
			break
		}
		name := strings.TrimSpace(rest[:msgIdx])
		rest = rest[msgIdx+len(messageTag):]

		next := strings.Index(rest, channelTag)
		var segment string
		if next < 0 {
			segment = rest
			rest = ""
		} else {
			segment = rest[:next]
			rest = rest[next:]
		}

		if name == finalChannel {
			finalText.WriteString(segment)
			foundFinal = true
		}
		if next < 0 {
			break
		}
	}

	if !foundFinal {
		// No final channel seen: return what is left unparsed, which is
		// the text after a channel tag that has no message tag yet, or ""
		// when the last channel segment was complete.
		return rest
	}
	return finalText.String()
}
