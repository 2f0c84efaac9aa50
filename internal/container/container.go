package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/shadow-agent/internal/schema"
)

// Service is a user-defined unit of properties and commands.
type Service interface {
	Schema() *schema.Schema
}

// Logger defines the logging interface used by the Container.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Snapshot is the point-in-time value of every property of one service.
type Snapshot struct {
	Service    string
	Properties map[string]any
	Time       time.Time
}

// entry is a registered service plus its exclusive lock.
// The lock is a one-slot channel so callers can give up on a cancelled
// context while waiting.
type entry struct {
	name   string
	svc    Service
	schema *schema.Schema
	lock   chan struct{}
}

// acquire takes the lock, giving up when ctx is done. A free lock is
// always taken, even with an expired ctx.
func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	default:
	}
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %q: %w", ErrServiceBusy, e.name, ctx.Err())
	}
}

func (e *entry) release() { <-e.lock }

// Container owns the services of one device.
//
// All public methods are thread-safe.
type Container struct {
	mu       sync.RWMutex
	services map[string]*entry
	order    []string
	logger   Logger
	now      func() time.Time
}

// New creates an empty container.
func New() *Container {
	return &Container{
		services: make(map[string]*entry),
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the container.
func (c *Container) SetLogger(logger Logger) {
	c.logger = logger
}

// AddService registers svc under name and closes its schema.
//
// Returns:
//   - ErrInvalidService if name is empty or svc has no schema
//   - ErrDuplicateServiceName if name is already registered
func (c *Container) AddService(name string, svc Service) error {
	if name == "" || svc == nil {
		return fmt.Errorf("%w: name and service are required", ErrInvalidService)
	}
	sch := svc.Schema()
	if sch == nil {
		return fmt.Errorf("%w: service %q has no schema", ErrInvalidService, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.services[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateServiceName, name)
	}

	sch.Close()
	c.services[name] = &entry{
		name:   name,
		svc:    svc,
		schema: sch,
		lock:   make(chan struct{}, 1),
	}
	c.order = append(c.order, name)

	c.logger.Debug("service added",
		"service", name,
		"properties", len(sch.Properties()),
		"commands", len(sch.Commands()),
	)
	return nil
}

// GetService returns the service registered under name.
func (c *Container) GetService(name string) (Service, error) {
	e, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.svc, nil
}

// Schema returns the closed schema of the named service.
func (c *Container) Schema(name string) (*schema.Schema, error) {
	e, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.schema, nil
}

// Names returns the registered service names in registration order.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of registered services.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

func (c *Container) lookup(name string) (*entry, error) {
	c.mu.RLock()
	e, ok := c.services[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return e, nil
}

// Update runs fn under the named service's lock. Application code uses it
// to change several fields and then fire a change notification without a
// platform write slipping in between.
func (c *Container) Update(name string, fn func() error) error {
	e, err := c.lookup(name)
	if err != nil {
		return err
	}
	e.lock <- struct{}{}
	defer e.release()
	return fn()
}
