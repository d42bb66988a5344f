package chat

// Phase is the lifecycle position of a chat session's broker link.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// ConnectionState is a snapshot published on every phase or subscription change.
type ConnectionState struct {
	Phase Phase `json:"phase"`
	// Subscribed lists the rooms believed to hold a live broker subscription, sorted.
	Subscribed []string `json:"subscribed"`
	// DirectoryStale is set once room discovery has failed for longer than the configured grace period.
	DirectoryStale bool   `json:"directoryStale,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	// Delivered and Malformed count inbound frames since the session started. They are read
	// when the snapshot is taken; a dropped frame publishes a fresh snapshot.
	Delivered int64 `json:"delivered"`
	Malformed int64 `json:"malformed"`
}
