package command

import "errors"

// Domain-specific errors for command dispatch.
var (
	// ErrMalformedRequest is returned when a command payload cannot be decoded.
	ErrMalformedRequest = errors.New("command: malformed request")

	// ErrHandlerTimeout is the cause recorded when a handler overruns the
	// command timeout.
	ErrHandlerTimeout = errors.New("command: handler timed out")
)
