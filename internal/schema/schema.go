package schema

import (
	"fmt"
	"sync"
)

// Schema holds the property and command declarations of one service.
//
// Registration is safe for concurrent use. Lookups after Close take only
// a read lock.
type Schema struct {
	mu         sync.RWMutex
	closed     bool
	properties map[string]PropertySpec
	propOrder  []string
	commands   map[string]CommandSpec
	cmdOrder   []string
}

// New creates an empty, open schema.
func New() *Schema {
	return &Schema{
		properties: make(map[string]PropertySpec),
		commands:   make(map[string]CommandSpec),
	}
}

// RegisterProperty adds a property declaration.
//
// Returns:
//   - ErrSchemaClosed if the schema is attached to a container
//   - ErrInvalidSpec if the name, type or accessors are missing
//   - ErrSchemaConflict if a property of that name already exists
func (s *Schema) RegisterProperty(spec PropertySpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: property name is empty", ErrInvalidSpec)
	}
	if !spec.Type.Valid() {
		return fmt.Errorf("%w: property %q has unknown type %q", ErrInvalidSpec, spec.Name, spec.Type)
	}
	if spec.Get == nil {
		return fmt.Errorf("%w: property %q has no getter", ErrInvalidSpec, spec.Name)
	}
	if spec.Writable && spec.Set == nil {
		return fmt.Errorf("%w: writable property %q has no setter", ErrInvalidSpec, spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: property %q", ErrSchemaClosed, spec.Name)
	}
	if _, exists := s.properties[spec.Name]; exists {
		return fmt.Errorf("%w: property %q", ErrSchemaConflict, spec.Name)
	}

	s.properties[spec.Name] = spec
	s.propOrder = append(s.propOrder, spec.Name)
	return nil
}

// RegisterCommand adds a command declaration.
// Commands live in their own namespace, so a command may share a name
// with a property.
func (s *Schema) RegisterCommand(spec CommandSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: command name is empty", ErrInvalidSpec)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: command %q has no handler", ErrInvalidSpec, spec.Name)
	}
	params := make(map[string]ValueType, len(spec.Params))
	for name, t := range spec.Params {
		if !t.Valid() {
			return fmt.Errorf("%w: command %q parameter %q has unknown type %q",
				ErrInvalidSpec, spec.Name, name, t)
		}
		params[name] = t
	}
	spec.Params = params

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: command %q", ErrSchemaClosed, spec.Name)
	}
	if _, exists := s.commands[spec.Name]; exists {
		return fmt.Errorf("%w: command %q", ErrSchemaConflict, spec.Name)
	}

	s.commands[spec.Name] = spec
	s.cmdOrder = append(s.cmdOrder, spec.Name)
	return nil
}

// Close freezes the schema. It is idempotent.
func (s *Schema) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether the schema has been frozen.
func (s *Schema) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Property returns the declaration for name.
func (s *Schema) Property(name string) (PropertySpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[name]
	return p, ok
}

// Command returns the declaration for name.
func (s *Schema) Command(name string) (CommandSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[name]
	return c, ok
}

// Properties returns all property declarations in registration order.
func (s *Schema) Properties() []PropertySpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PropertySpec, 0, len(s.propOrder))
	for _, name := range s.propOrder {
		out = append(out, s.properties[name])
	}
	return out
}

// Commands returns all command declarations in registration order.
func (s *Schema) Commands() []CommandSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CommandSpec, 0, len(s.cmdOrder))
	for _, name := range s.cmdOrder {
		out = append(out, s.commands[name])
	}
	return out
}
