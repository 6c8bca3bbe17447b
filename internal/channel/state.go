package channel

import "errors"

// State is the connection lifecycle state of the duplex channel. Consumers
// learn about connectivity only through state transitions, never by inferring
// it from an absence of events.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is delivered to subscribers on every transition. Attempt counts
// consecutive failed reconnect attempts and is zero outside Reconnecting.
type StateChange struct {
	State   State
	Attempt int
	Err     error
}

var (
	// ErrNotConnected is returned by Invoke while the channel is not Connected.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrConnectionLost fails invokes that were in flight when the connection dropped.
	ErrConnectionLost = errors.New("channel: connection lost")
	// ErrRemoteRejected wraps an application-level error returned by the server.
	ErrRemoteRejected = errors.New("channel: remote rejected")
	// ErrTimeout is returned when no acknowledgment arrives within the invoke timeout.
	ErrTimeout = errors.New("channel: invoke timeout")
)
