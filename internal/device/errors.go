package device

import (
	"context"
	"errors"

	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/schema"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// Domain-specific errors for device operations.
var (
	// ErrInvalidConfig is returned by New when the configuration is unusable.
	ErrInvalidConfig = errors.New("device: invalid configuration")

	// ErrAlreadyInitialized is returned when Init is called twice.
	ErrAlreadyInitialized = errors.New("device: already initialized")

	// ErrClosed is returned when using a device after Close.
	ErrClosed = errors.New("device: closed")
)

// Process exit codes returned by ExitCode.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitConfig       = 2
	ExitTransport    = 3
	ExitRegistration = 4
)

// ExitCode maps an error from New, AddService or Init to a process exit
// code. A nil error or a cancelled context maps to ExitOK.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ExitOK
	case errors.Is(err, ErrInvalidConfig):
		return ExitConfig
	case errors.Is(err, session.ErrTransport):
		return ExitTransport
	case errors.Is(err, schema.ErrSchemaConflict),
		errors.Is(err, schema.ErrInvalidSpec),
		errors.Is(err, container.ErrDuplicateServiceName),
		errors.Is(err, container.ErrInvalidService):
		return ExitRegistration
	default:
		return ExitFailure
	}
}
