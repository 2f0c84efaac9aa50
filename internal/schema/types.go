package schema

import (
	"context"
	"fmt"
)

// ValueType is the wire-level type of a property or command parameter.
type ValueType string

// Supported value types.
const (
	TypeInteger ValueType = "int"
	TypeFloat   ValueType = "float"
	TypeString  ValueType = "string"
	TypeBoolean ValueType = "bool"
	TypeObject  ValueType = "object"
)

// Valid reports whether t is one of the supported value types.
func (t ValueType) Valid() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeString, TypeBoolean, TypeObject:
		return true
	}
	return false
}

// Result codes carried by command and write responses.
const (
	CodeSuccess         = 0
	CodeFailure         = 1
	CodeUnknownTarget   = 2
	CodeTypeMismatch    = 3
	CodeTimeout         = 4
	CodeHandlerPanicked = 5
)

// PropertySpec declares one property of a service.
type PropertySpec struct {
	Name     string
	Type     ValueType
	Writable bool

	// Get returns the current value. Required.
	Get func() any

	// Set applies a platform write. Required when Writable is true.
	// The value has already been coerced to Type.
	Set func(v any) error
}

// CommandHandler executes a command with coerced parameters.
type CommandHandler func(ctx context.Context, params map[string]any) (Response, error)

// CommandSpec declares one command of a service.
type CommandSpec struct {
	Name string

	// Params maps parameter name to its declared type. Parameters absent
	// from an invocation are passed through as missing; handlers decide
	// whether that is an error.
	Params map[string]ValueType

	Handler CommandHandler
}

// Response is the outcome of a command invocation.
type Response struct {
	Code    int            `json:"result_code"`
	Name    string         `json:"response_name,omitempty"`
	Payload map[string]any `json:"paras,omitempty"`
}

// OK returns a success response with an optional payload.
func OK(payload map[string]any) Response {
	return Response{Code: CodeSuccess, Payload: payload}
}

// Failure returns a response carrying the given non-zero code and a
// human-readable description in the payload.
func Failure(code int, format string, args ...any) Response {
	return Response{
		Code:    code,
		Payload: map[string]any{"error": fmt.Sprintf(format, args...)},
	}
}
