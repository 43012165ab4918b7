package queue

import "encoding/json"

// Kind is the message class on the wire.
type Kind string

const (
	KindIntermediate Kind = "intermediate"
	KindFinal        Kind = "final"
	KindHeartbeat    Kind = "heartbeat"
	KindResume       Kind = "resume"
)

// Message is one outbound unit on a connection's queue.
type Message struct {
	ID           string          `json:"message_id"`
	ConnectionID string          `json:"connection_id"`
	TenantID     string          `json:"tenant_id"`
	Kind         Kind            `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Sequence     uint64          `json:"sequence_number"`
	IsFinal      bool            `json:"is_final"`
	EnqueuedAtMS int64           `json:"enqueued_at_ms"`
}

func encode(m *Message) (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

func decode(s string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
