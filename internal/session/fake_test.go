package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn. Send acks immediately unless gated.
type fakeConn struct {
	mu      sync.Mutex
	sent    []Message
	gate    chan struct{}
	sendErr error
	reject  func(Message) error
	err     error

	sending chan Message
	sentCh  chan Message
	inbound chan Message

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sending: make(chan Message, 100),
		sentCh:  make(chan Message, 100),
		inbound: make(chan Message, 10),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, msg Message) error {
	select {
	case c.sending <- msg:
	default:
	}

	c.mu.Lock()
	gate, sendErr, reject := c.gate, c.sendErr, c.reject
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if sendErr != nil {
		return sendErr
	}
	if reject != nil {
		if err := reject(msg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	select {
	case c.sentCh <- msg:
	default:
	}
	return nil
}

func (c *fakeConn) Inbound() <-chan Message { return c.inbound }
func (c *fakeConn) Done() <-chan struct{}   { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.drop(nil)
	return nil
}

// drop simulates the connection being lost with err.
func (c *fakeConn) drop(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) setGate(g chan struct{}) {
	c.mu.Lock()
	c.gate = g
	c.mu.Unlock()
}

func (c *fakeConn) sentMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

// fakeTransport hands out fakeConns and can refuse a number of dials.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	gate     chan struct{}
	conns    chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.gate = t.gate
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) setFailures(n int) {
	t.mu.Lock()
	t.failures = n
	t.mu.Unlock()
}

// nextConn returns the next dialled connection.
func (t *fakeTransport) nextConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

func testConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		QueueSize:      16,
		Backoff:        BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %s", what)
}

func waitPending(tb testing.TB, p *Pending) error {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		tb.Fatalf("pending %d never completed", p.ID())
	}
	return err
}
