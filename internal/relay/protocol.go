package relay

import "encoding/json"

// envelope is the wire shape of every frame exchanged on the back-channel:
// a type discriminator plus a raw payload, decoded leniently per spec
// section 9 ("Dynamic typing of wire payloads... parse leniently —
// unknown message types are logged and ignored, never fatal").
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Worker -> gateway message types.
const (
	msgTypeAuth     = "auth"
	msgTypeResponse = "response"
	msgTypeChunk    = "chunk"
	msgTypeDone     = "done"
	msgTypeError    = "error"
	msgTypePing     = "ping"
)

// Gateway -> worker message types.
const (
	msgTypeAuthOK    = "auth_ok"
	msgTypeAuthError = "auth_error"
	msgTypeRequest   = "request"
	msgTypePong      = "pong"
)

// authFrame is the first frame a worker must send.
type authFrame struct {
	Address   string `json:"address"`
	Model     string `json:"model"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// authErrorFrame is sent back when the handshake is rejected.
type authErrorFrame struct {
	Message string `json:"message"`
}

// requestFrame is the gateway's dispatch to a worker.
type requestFrame struct {
	ID          string        `json:"id"`
	Messages    []chatMessage `json:"messages,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	MaxTokens   int           `json:"maxTokens"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"topP,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responseFrame is a worker's unary reply.
type responseFrame struct {
	ID      string       `json:"id"`
	Choices []choiceWire `json:"choices"`
}

type choiceWire struct {
	Message chatMessage `json:"message"`
}

// chunkFrame is one streamed fragment.
type chunkFrame struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// doneFrame finalizes a stream.
type doneFrame struct {
	ID    string         `json:"id"`
	Usage map[string]int `json:"usage,omitempty"`
}

// errorFrame fails a pending unary request or stream.
type errorFrame struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: msgType, Payload: raw})
}
