package connectors

import "time"

// ConnectionState describes a link lifecycle state reported on the bus.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateFailed       ConnectionState = "failed"
)

// ConnectionStatus is a bus event snapshot of current radio link status.
type ConnectionStatus struct {
	State         ConnectionState `json:"state"`
	Err           string          `json:"error,omitempty"`
	TransportName string          `json:"transport"`
	Target        string          `json:"target,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SessionState describes the Matrix session lifecycle.
type SessionState string

const (
	SessionStateStarting      SessionState = "starting"
	SessionStateAuthenticated SessionState = "authenticated"
	SessionStateReady         SessionState = "ready"
	SessionStateSyncError     SessionState = "sync_error"
	SessionStateAuthFailed    SessionState = "auth_failed"
	SessionStateStopped       SessionState = "stopped"
)

// SessionStatus is a bus event snapshot of the Matrix session.
type SessionStatus struct {
	State     SessionState `json:"state"`
	UserID    string       `json:"user_id,omitempty"`
	DeviceID  string       `json:"device_id,omitempty"`
	Err       string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// RelayEvent reports a single relay outcome for diagnostics.
type RelayEvent struct {
	Direction string
	Channel   int
	RoomID    string
	Outcome   string
	Timestamp time.Time
}
