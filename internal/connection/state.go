package connection

import "errors"

// Status is the user-facing connection phase.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusOffline      Status = "offline"
)

// State is published to status subscribers. It is a value; subscribers
// cannot mutate the connection through it.
type State struct {
	Status     Status
	RetryCount int
	LastError  error
}

var (
	// ErrNotOpen is wrapped by SendError when no socket is open.
	ErrNotOpen = errors.New("connection: not open")
	// ErrHostOffline is recorded as LastError while the host reports no network.
	ErrHostOffline = errors.New("connection: host offline")
)
