package forwarder

import (
	"bufio"
	"io"
	"strings"
)

// sseDataLines scans an SSE byte stream and invokes onData for the payload
// of every "data: <payload>" line, stopping when the reader is exhausted,
// onData returns false, or ctx-equivalent cancellation closes r. Lines
// without the "data: " prefix (blank separators, comments, event: lines)
// are ignored, matching the minimal framing spec section 4.6 describes.
func sseDataLines(r io.Reader, onData func(data string) (cont bool)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if !onData(data) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}
