package session

import "errors"

// Sentinel errors a Session can hand to a completion callback. The table
// package (and ultimately the root pegasus package) maps these onto the
// public ErrorKind enum; session itself stays free of any dependency on the
// root package to avoid an import cycle.
var (
	// ErrOverflow is returned synchronously when send() is called on a
	// Disconnected session whose pending-send buffer is already full.
	ErrOverflow = errors.New("session: pending-send buffer full")

	// ErrClosed is delivered to every outstanding request when a Session
	// is closed, and to any request enqueued afterward.
	ErrClosed = errors.New("session: closed")

	// ErrTimeout is delivered when a request's deadline elapses before a
	// response arrives.
	ErrTimeout = errors.New("session: deadline exceeded")

	// ErrConnDead is delivered to every pending request when the
	// underlying connection fails (write error, read error, or the
	// server closing the socket).
	ErrConnDead = errors.New("session: connection dead")
)
