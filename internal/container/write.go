package container

import (
	"context"
	"fmt"

	"github.com/nerrad567/shadow-agent/internal/schema"
)

// RouteWrite applies a single platform write to a property.
//
// Returns:
//   - ErrUnknownService / ErrUnknownProperty if the target does not exist
//   - ErrPropertyNotWritable if the property is read-only
//   - ErrTypeMismatch if value cannot be coerced to the declared type
//   - ErrServiceBusy if the service lock is still held when ctx is done
//   - the setter's error, wrapped
func (c *Container) RouteWrite(ctx context.Context, name, property string, value any) error {
	return c.ApplyWrites(ctx, name, map[string]any{property: value}, nil)
}

// ValidateWrites checks a batch of writes against the named service's
// schema without touching any value. It returns the coerced values.
func (c *Container) ValidateWrites(name string, values map[string]any) (map[string]any, error) {
	e, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return validate(e, values)
}

func validate(e *entry, values map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(values))
	for prop, raw := range values {
		spec, ok := e.schema.Property(prop)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, e.name, prop)
		}
		if !spec.Writable {
			return nil, fmt.Errorf("%w: %s.%s", ErrPropertyNotWritable, e.name, prop)
		}
		v, err := schema.Coerce(spec.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.name, prop, err)
		}
		coerced[prop] = v
	}
	return coerced, nil
}

// ApplyWrites validates and coerces every entry of values and, only if all
// pass, applies them through the setters under the service lock. If a
// setter fails part way, the properties already written are restored to
// the values read before the batch started.
//
// onApplied, if not nil, receives the coerced values after a successful
// batch and before the lock is released, so bookkeeping about the written
// values cannot interleave with a device-side update.
func (c *Container) ApplyWrites(ctx context.Context, name string, values map[string]any, onApplied func(map[string]any)) error {
	e, err := c.lookup(name)
	if err != nil {
		return err
	}

	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	coerced, err := validate(e, values)
	if err != nil {
		return err
	}

	previous := make(map[string]any, len(coerced))
	applied := make([]string, 0, len(coerced))
	for prop, v := range coerced {
		spec, _ := e.schema.Property(prop)
		if old, gerr := safeGet(spec); gerr == nil {
			previous[prop] = old
		}
		if err := safeSet(spec, v); err != nil {
			c.rollback(e, applied, previous)
			return fmt.Errorf("setting %s.%s: %w", e.name, prop, err)
		}
		applied = append(applied, prop)
	}
	if onApplied != nil {
		onApplied(coerced)
	}
	return nil
}

func (c *Container) rollback(e *entry, applied []string, previous map[string]any) {
	for _, prop := range applied {
		old, ok := previous[prop]
		if !ok {
			continue
		}
		spec, _ := e.schema.Property(prop)
		v, err := schema.Coerce(spec.Type, old)
		if err == nil {
			err = safeSet(spec, v)
		}
		if err != nil {
			c.logger.Error("rollback of property write failed",
				"service", e.name,
				"property", prop,
				"error", err,
			)
		}
	}
}

func safeSet(p schema.PropertySpec, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setter panicked: %v", r)
		}
	}()
	return p.Set(v)
}
