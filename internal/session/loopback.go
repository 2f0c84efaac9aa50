package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNoConnection is returned by Loopback.Inject when nothing is dialled.
var ErrNoConnection = errors.New("session: loopback has no connection")

// Loopback is an in-process Transport. Every Send is acknowledged
// immediately and copied to Sent; Inject plays the platform side. The
// agent uses it when no broker is configured, and tests use it to drive a
// Device without a network.
type Loopback struct {
	mu     sync.Mutex
	conn   *loopConn
	refuse error
	dials  int
	sent   chan Message
}

// NewLoopback creates a loopback transport whose Sent channel buffers up
// to buffer messages. Messages sent while the buffer is full are still
// acknowledged but not recorded.
func NewLoopback(buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loopback{sent: make(chan Message, buffer)}
}

// Dial opens a new loopback connection.
func (l *Loopback) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dials++
	if l.refuse != nil {
		return nil, l.refuse
	}
	l.conn = &loopConn{
		sent:    l.sent,
		inbound: make(chan Message, 64),
		done:    make(chan struct{}),
	}
	return l.conn, nil
}

// Sent delivers every message the agent sent.
func (l *Loopback) Sent() <-chan Message { return l.sent }

// Inject delivers msg to the agent on the current connection.
func (l *Loopback) Inject(msg Message) error {
	l.mu.Lock()
	c := l.conn
	l.mu.Unlock()
	if c == nil {
		return ErrNoConnection
	}
	select {
	case c.inbound <- msg:
		return nil
	case <-c.done:
		return ErrNoConnection
	}
}

// Drop severs the current connection with err.
func (l *Loopback) Drop(err error) {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	l.mu.Unlock()
	if c != nil {
		c.close(err)
	}
}

// Refuse makes subsequent dials fail with err. Pass nil to accept again.
func (l *Loopback) Refuse(err error) {
	l.mu.Lock()
	l.refuse = err
	l.mu.Unlock()
}

// Dials returns the number of Dial calls so far.
func (l *Loopback) Dials() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dials
}

type loopConn struct {
	sent    chan Message
	inbound chan Message

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (c *loopConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.sent <- msg:
	default:
	}
	return nil
}

func (c *loopConn) Inbound() <-chan Message { return c.inbound }
func (c *loopConn) Done() <-chan struct{}   { return c.done }

func (c *loopConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *loopConn) Close() error {
	c.close(nil)
	return nil
}

func (c *loopConn) close(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
