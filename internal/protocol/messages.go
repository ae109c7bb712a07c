package protocol

// STATE (server -> client): one object change. Snapshot entries carry
// previous=0 and the full sanitized values.
type StateMsg struct {
	Type      string       `json:"type"`
	Timestamp int64        `json:"timestamp"`
	State     StatePayload `json:"state"`
}

type StatePayload struct {
	Key      string         `json:"key"`
	Previous int64          `json:"previous"`
	Version  int64          `json:"version"`
	Values   map[string]any `json:"values"`
}

// NewStateMsg builds a state message from raw values, sanitizing them for
// clients.
func NewStateMsg(ts int64, key string, previous, version int64, values map[string]any) StateMsg {
	return StateMsg{
		Type:      TypeState,
		Timestamp: ts,
		State: StatePayload{
			Key:      key,
			Previous: previous,
			Version:  version,
			Values:   SanitizeValues(values),
		},
	}
}

// SNAPSHOT (server -> client): brackets the state messages of a full
// snapshot. A client replaces its view with the entries between begin and
// end; count on begin is the number of entries that follow.
type SnapshotMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Phase     string `json:"phase"`
	Count     int    `json:"count"`
}

// PONG (server -> client)
type PongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PING / RESYNC (client -> server)
type PingMsg struct {
	Type string `json:"type"`
}

type ResyncMsg struct {
	Type string `json:"type"`
}
