package protocol

import "encoding/json"

// Message types.
const (
	TypeState    = "state"
	TypeSnapshot = "snapshot"
	TypePong     = "pong"
	TypePing     = "ping"
	TypeResync   = "resync"
)

// Snapshot phases.
const (
	SnapshotBegin = "begin"
	SnapshotEnd   = "end"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
