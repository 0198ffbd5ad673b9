package hub

import "errors"

var (
	// ErrHubNotRunning means there is no socket or nothing accepts on it.
	// Callers fall back to the room log.
	ErrHubNotRunning = errors.New("hub not running")

	// ErrConnectionLost means the hub closed the connection or a read or
	// write on it failed.
	ErrConnectionLost = errors.New("connection to hub lost")

	// ErrTimeout means no reply arrived within the allowed window.
	ErrTimeout = errors.New("timed out waiting for hub")

	// ErrRejected means the hub refused a message.
	ErrRejected = errors.New("message rejected by hub")

	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("client closed")
)
