package connect

import "errors"

var (
	// ErrBusyTimeout completes a job that held the busy gate past BusyTimeout.
	ErrBusyTimeout = errors.New("operation timed out holding the radio")
	// ErrManagerClosed is returned for jobs queued when the manager shuts down.
	ErrManagerClosed = errors.New("connection manager closed")
)
