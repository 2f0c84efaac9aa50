package container

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/nerrad567/shadow-agent/internal/schema"
)

// CommandSpec returns the declaration of a command.
func (c *Container) CommandSpec(name, command string) (schema.CommandSpec, error) {
	e, err := c.lookup(name)
	if err != nil {
		return schema.CommandSpec{}, err
	}
	spec, ok := e.schema.Command(command)
	if !ok {
		return schema.CommandSpec{}, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, name, command)
	}
	return spec, nil
}

// CoerceParams normalizes command parameters against the declared schema.
// Parameters not declared by the command are passed through unchanged.
func CoerceParams(spec schema.CommandSpec, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		t, declared := spec.Params[k]
		if !declared {
			out[k] = v
			continue
		}
		cv, err := schema.Coerce(t, v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

// RouteCommand runs a command handler under the service lock.
//
// Lookup and parameter errors are returned as errors (ErrUnknownService,
// ErrUnknownCommand, ErrTypeMismatch) and the handler is not called.
// Once the handler runs, its outcome is always expressed as a Response:
// a returned error becomes CodeFailure and a panic becomes
// CodeHandlerPanicked. A panic never escapes.
//
// If ctx is done while waiting for the service lock, ErrServiceBusy
// wrapping ctx.Err() is returned.
func (c *Container) RouteCommand(ctx context.Context, name, command string, params map[string]any) (schema.Response, error) {
	e, err := c.lookup(name)
	if err != nil {
		return schema.Response{}, err
	}
	spec, ok := e.schema.Command(command)
	if !ok {
		return schema.Response{}, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, name, command)
	}
	coerced, err := CoerceParams(spec, params)
	if err != nil {
		return schema.Response{}, fmt.Errorf("%s.%s: %w", name, command, err)
	}

	if err := e.acquire(ctx); err != nil {
		return schema.Response{}, err
	}
	defer e.release()

	return c.invoke(ctx, e.name, spec, coerced), nil
}

func (c *Container) invoke(ctx context.Context, service string, spec schema.CommandSpec, params map[string]any) (resp schema.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("command handler panicked",
				"service", service,
				"command", spec.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			resp = schema.Failure(schema.CodeHandlerPanicked, "handler panicked: %v", r)
		}
	}()

	resp, err := spec.Handler(ctx, params)
	if err != nil {
		code := resp.Code
		if code == schema.CodeSuccess {
			code = schema.CodeFailure
		}
		return schema.Failure(code, "%v", err)
	}
	return resp
}
