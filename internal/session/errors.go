package session

import "errors"

var (
	// ErrBusy indicates a turn is already in flight for this session.
	// Callers must retry after the running turn ends; nothing is queued.
	ErrBusy = errors.New("session is busy")

	// ErrNotFound indicates an unknown session or approval id.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates the session has been closed.
	ErrClosed = errors.New("session is closed")
)
