package outbox

import "errors"

var (
	// ErrEmptyPayload is returned when appending a report with no body.
	ErrEmptyPayload = errors.New("outbox: empty payload")

	// ErrFull is returned when the journal holds MaxEntries reports.
	ErrFull = errors.New("outbox: journal full")
)
