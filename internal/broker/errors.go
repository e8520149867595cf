package broker

import "errors"

// Error taxonomy for broker operations. Callers branch with errors.Is.
var (
	// ErrNotFound means the hub id is unknown.
	ErrNotFound = errors.New("hub not found")

	// ErrForbidden means the hub exists but is not claimed by a tenant.
	ErrForbidden = errors.New("hub not claimed")

	// ErrAlreadyConnected means the hub is already bound to a live socket.
	ErrAlreadyConnected = errors.New("hub already connected")

	// ErrUnavailable means no socket is attached, or session restore found
	// no authenticated session.
	ErrUnavailable = errors.New("hub unavailable")

	// ErrTimeout means the acknowledgment deadline elapsed.
	ErrTimeout = errors.New("command timed out")

	// ErrDisconnected means the session was torn down while the command was
	// pending.
	ErrDisconnected = errors.New("hub disconnected")
)
