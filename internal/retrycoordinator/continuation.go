package retrycoordinator

import "github.com/arcrelay/inferd/internal/models"

const continuationInstruction = "Continue generating from exactly where you left off. Do not repeat any text."

// continuationRequest builds the "effective request" for a streaming
// retry attempt after accumulated text has already been yielded to the
// caller, per spec section 4.7.1. The original request is never mutated.
func continuationRequest(original models.CompletionRequest, accumulated string) models.CompletionRequest {
	next := original.Clone()
	if len(original.Messages) > 0 {
		next.Messages = append(next.Messages,
			models.ChatMessage{Role: "assistant", Content: accumulated},
			models.ChatMessage{Role: "user", Content: continuationInstruction},
		)
		return next
	}
	next.Prompt = original.Prompt + "\nAssistant (partial, continue from here): " + accumulated
	return next
}
