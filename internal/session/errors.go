package session

import "errors"

// Domain-specific errors for session operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransport is returned when the transport cannot be dialled.
	ErrTransport = errors.New("session: transport failure")

	// ErrRequestTimedOut completes a Pending that was not acknowledged
	// within the request timeout.
	ErrRequestTimedOut = errors.New("session: request timed out")

	// ErrSessionLost completes a Pending whose session was torn down, or
	// one published while no session is up.
	ErrSessionLost = errors.New("session: session lost")

	// ErrQueueFull completes a Pending that could not be queued because
	// the outbound queue is at capacity.
	ErrQueueFull = errors.New("session: outbound queue full")

	// ErrIdleTimeout tears a session down when nothing was received or
	// acknowledged within the idle timeout.
	ErrIdleTimeout = errors.New("session: idle timeout")

	// ErrConnectionClosed is the teardown cause when the transport closes
	// a connection without reporting an error.
	ErrConnectionClosed = errors.New("session: connection closed")

	// ErrRejected marks a Send error that concerns one message only
	// (oversized, unencodable, unroutable). The message is failed and
	// dropped; the session stays up.
	ErrRejected = errors.New("session: message rejected")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrClosed is returned when starting a manager that has been closed.
	ErrClosed = errors.New("session: manager closed")
)
