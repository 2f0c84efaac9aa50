package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// OutboxEntry is a report journaled before sending.
type OutboxEntry struct {
	Seq       int64
	Service   string
	Payload   []byte
	CreatedAt time.Time
}

// Outbox journals property reports until the transport acknowledges them.
// Entries still present when a session is torn down are replayed on the
// next session.
type Outbox interface {
	Append(ctx context.Context, service string, payload []byte) (int64, error)
	Remove(ctx context.Context, seq int64) error
	List(ctx context.Context) ([]OutboxEntry, error)
}

// MemoryOutbox is an in-process Outbox. It survives reconnects but not
// restarts.
type MemoryOutbox struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]OutboxEntry
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[int64]OutboxEntry)}
}

// Append journals a report and returns its sequence number.
func (o *MemoryOutbox) Append(_ context.Context, service string, payload []byte) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	o.entries[o.next] = OutboxEntry{
		Seq:       o.next,
		Service:   service,
		Payload:   buf,
		CreatedAt: time.Now(),
	}
	return o.next, nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (o *MemoryOutbox) Remove(_ context.Context, seq int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, seq)
	return nil
}

// List returns all entries in append order.
func (o *MemoryOutbox) List(_ context.Context) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
