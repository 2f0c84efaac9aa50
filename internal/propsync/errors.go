package propsync

import "errors"

// Domain-specific errors for property sync operations.
var (
	// ErrUnknownReportMode is returned by ParseReportMode.
	ErrUnknownReportMode = errors.New("propsync: unknown report mode")

	// ErrMalformedRequest is returned when an inbound payload cannot be
	// decoded.
	ErrMalformedRequest = errors.New("propsync: malformed request")
)
