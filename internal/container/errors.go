package container

import (
	"context"
	"errors"

	"github.com/nerrad567/shadow-agent/internal/schema"
)

// Domain-specific errors for container operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDuplicateServiceName is returned when a service name is already taken.
	ErrDuplicateServiceName = errors.New("container: duplicate service name")

	// ErrInvalidService is returned when a service has no name or no schema.
	ErrInvalidService = errors.New("container: invalid service")

	// ErrUnknownService is returned when no service is registered under a name.
	ErrUnknownService = errors.New("container: unknown service")

	// ErrUnknownProperty is returned when a service has no such property.
	ErrUnknownProperty = errors.New("container: unknown property")

	// ErrUnknownCommand is returned when a service has no such command.
	ErrUnknownCommand = errors.New("container: unknown command")

	// ErrPropertyNotWritable is returned when the platform writes a
	// read-only property.
	ErrPropertyNotWritable = errors.New("container: property not writable")

	// ErrTypeMismatch is returned when a written value or command parameter
	// does not match its declared type. It is the same value as
	// schema.ErrTypeMismatch.
	ErrTypeMismatch = schema.ErrTypeMismatch

	// ErrServiceBusy is returned when a service's lock could not be taken
	// before the caller's context was done. It wraps the context error.
	ErrServiceBusy = errors.New("container: service busy")
)

// ErrServiceNotFound is an alias of ErrUnknownService for lookup call sites.
var ErrServiceNotFound = ErrUnknownService

// ResultCode maps a routing error to the result code sent to the platform.
func ResultCode(err error) int {
	switch {
	case err == nil:
		return schema.CodeSuccess
	case errors.Is(err, ErrUnknownService),
		errors.Is(err, ErrUnknownProperty),
		errors.Is(err, ErrUnknownCommand):
		return schema.CodeUnknownTarget
	case errors.Is(err, ErrTypeMismatch):
		return schema.CodeTypeMismatch
	case errors.Is(err, ErrServiceBusy), errors.Is(err, context.DeadlineExceeded):
		return schema.CodeTimeout
	default:
		return schema.CodeFailure
	}
}
