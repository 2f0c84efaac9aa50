package schema

import "errors"

// Domain-specific errors for schema operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrSchemaConflict is returned when a property or command name is
	// registered twice in the same schema.
	ErrSchemaConflict = errors.New("schema: name already registered")

	// ErrSchemaClosed is returned when registering on a schema that has
	// already been attached to a container.
	ErrSchemaClosed = errors.New("schema: schema is closed")

	// ErrInvalidSpec is returned when a property or command spec is
	// incomplete (missing name, accessor or handler).
	ErrInvalidSpec = errors.New("schema: invalid spec")

	// ErrTypeMismatch is returned when a value cannot be represented as
	// the declared type.
	ErrTypeMismatch = errors.New("schema: type mismatch")
)
