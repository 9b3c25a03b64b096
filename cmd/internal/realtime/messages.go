package realtime

import "encoding/json"

// serverMessage is the outbound wire shape. Payload carries event data for
// pushes; Message carries human-readable text for notices.
type serverMessage struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	msgTypeAuthSuccess = "auth_success"
	msgTypeRateLimit   = "rate_limit"
)

// clientMessage is the inbound wire shape. The gateway only cares that the
// frame is valid JSON with a type; payloads are for future consumers.
type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeServerMessage(m serverMessage) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// All fields are marshalable types; this cannot fail at runtime.
		panic(err)
	}
	return b
}
