package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pending tracks one outbound message until it is acknowledged, times
// out or its session is lost.
type Pending struct {
	id     uint64
	kind   Kind
	issued time.Time

	once sync.Once
	done chan struct{}
	err  error
}

func newPending(id uint64, kind Kind) *Pending {
	return &Pending{
		id:     id,
		kind:   kind,
		issued: time.Now(),
		done:   make(chan struct{}),
	}
}

// CompletedPending returns a Pending that is already complete with err
// (nil for acknowledged). Publishers other than Manager use it, as do
// tests.
func CompletedPending(id uint64, kind Kind, err error) *Pending {
	p := newPending(id, kind)
	p.complete(err)
	return p
}

// ID returns the message ID.
func (p *Pending) ID() uint64 { return p.id }

// Kind returns the message kind.
func (p *Pending) Kind() Kind { return p.kind }

// Issued returns the time the message was published.
func (p *Pending) Issued() time.Time { return p.issued }

// Done is closed when the pending completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns nil on ack, or the failure reason. Only meaningful after
// Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the pending completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// pendingTable holds in-flight pendings keyed by message ID.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingEntry
	timeout time.Duration

	onTimeout func(*Pending)
}

type pendingEntry struct {
	p     *Pending
	timer *time.Timer
}

func newPendingTable(timeout time.Duration) *pendingTable {
	return &pendingTable{
		entries: make(map[uint64]*pendingEntry),
		timeout: timeout,
	}
}

// add registers p and arms its timeout.
func (t *pendingTable) add(p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &pendingEntry{p: p}
	if t.timeout > 0 {
		id := p.id
		e.timer = time.AfterFunc(t.timeout, func() {
			if t.resolve(id, fmt.Errorf("%w: message %d after %s", ErrRequestTimedOut, id, t.timeout)) && t.onTimeout != nil {
				t.onTimeout(p)
			}
		})
	}
	t.entries[p.id] = e
}

// resolve removes the entry for id and completes it with err. It returns
// false if the entry was already gone.
func (t *pendingTable) resolve(id uint64, err error) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.p.complete(err)
	return true
}

// failAll completes every entry with err and empties the table.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*pendingEntry)
	t.mu.Unlock()

	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.p.complete(err)
	}
	return len(entries)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
