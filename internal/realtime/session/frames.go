package session

import "encoding/json"

// Inbound frame types. Anything else is dropped and counted.
const (
	FrameAck  = "ack"
	FramePing = "ping"
	FramePong = "pong"
	FrameApp  = "app"
)

// InboundFrame is the tagged union clients send.
type InboundFrame struct {
	Type     string          `json:"type"`
	Sequence uint64          `json:"sequence,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Envelope is the outbound wire format. Sequence is zero for frames that do
// not ride the queue (heartbeats, pongs, resume notices).
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Sequence  uint64          `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	IsFinal   bool            `json:"is_final"`
	TenantID  string          `json:"tenant_id"`
}
