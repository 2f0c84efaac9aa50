package container

import (
	"context"
	"fmt"

	"github.com/nerrad567/shadow-agent/internal/schema"
)

// Snapshot reads every property of the named service under its lock.
//
// Returns ErrUnknownService, or ErrServiceBusy if the lock is still held
// when ctx is done.
func (c *Container) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	return c.snapshot(ctx, name, nil)
}

// SnapshotProperties reads only the listed properties of the named service.
// Names not declared by the schema are skipped.
func (c *Container) SnapshotProperties(ctx context.Context, name string, props []string) (Snapshot, error) {
	want := make(map[string]struct{}, len(props))
	for _, p := range props {
		want[p] = struct{}{}
	}
	return c.snapshot(ctx, name, want)
}

func (c *Container) snapshot(ctx context.Context, name string, filter map[string]struct{}) (Snapshot, error) {
	e, err := c.lookup(name)
	if err != nil {
		return Snapshot{}, err
	}
	if err := e.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer e.release()
	return c.read(e, filter), nil
}

// SnapshotAll reads every service in registration order. Each service is
// read under its own lock; the result is not a single atomic cut across
// services. Services whose lock is still held when ctx is done are left
// out and named in busy.
func (c *Container) SnapshotAll(ctx context.Context) (snaps []Snapshot, busy []string) {
	names := c.Names()
	snaps = make([]Snapshot, 0, len(names))
	for _, name := range names {
		snap, err := c.Snapshot(ctx, name)
		if err != nil {
			busy = append(busy, name)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, busy
}

// read must be called with e's lock held. A nil filter reads everything.
func (c *Container) read(e *entry, filter map[string]struct{}) Snapshot {
	snap := Snapshot{
		Service:    e.name,
		Properties: make(map[string]any),
		Time:       c.now(),
	}
	for _, p := range e.schema.Properties() {
		if filter != nil {
			if _, ok := filter[p.Name]; !ok {
				continue
			}
		}
		v, err := safeGet(p)
		if err != nil {
			c.logger.Error("property getter failed",
				"service", e.name,
				"property", p.Name,
				"error", err,
			)
			continue
		}
		snap.Properties[p.Name] = v
	}
	return snap
}

func safeGet(p schema.PropertySpec) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("getter panicked: %v", r)
		}
	}()
	return p.Get(), nil
}
