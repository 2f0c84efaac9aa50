package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Manager.
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

// outbound is a queued message plus its outbox sequence (0 if none).
type outbound struct {
	msg Message
	seq int64
}

// session is one established connection and the goroutines serving it.
type session struct {
	id   string
	conn Conn
	out  chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failOnce sync.Once
	failed   chan struct{}
	err      error

	established time.Time

	lastActivity atomic.Int64
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}

func (s *session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// Manager owns the connection lifecycle and message correlation.
//
// All public methods are thread-safe. SetHandler, SetOutbox, SetLogger
// and the hook registration methods must be called before Start.
type Manager struct {
	transport Transport
	cfg       Config
	backoff   *Backoff
	table     *pendingTable
	nextID    atomic.Uint64

	mu          sync.RWMutex
	state       State
	current     *session
	started     bool
	closed      bool
	connectedAt time.Time

	queuedMu sync.Mutex
	queued   map[int64]struct{}

	handler        Handler
	outbox         Outbox
	onConnected    []func(ctx context.Context)
	onDisconnected []func(err error)
	logger         Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sessions   atomic.Uint64
	reconnects atomic.Uint64
	acked      atomic.Uint64
	timedOut   atomic.Uint64
	lost       atomic.Uint64
	rejected   atomic.Uint64
}

// New creates a Manager that dials transport. Zero Config fields take
// their defaults.
func New(transport Transport, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		backoff:   NewBackoff(cfg.Backoff),
		table:     newPendingTable(cfg.RequestTimeout),
		queued:    make(map[int64]struct{}),
		logger:    noopLogger{},
		ctx:       ctx,
		cancel:    cancel,
	}
	m.table.onTimeout = func(p *Pending) {
		m.timedOut.Add(1)
		m.logger.Warn("request timed out",
			"message_id", p.ID(),
			"kind", p.Kind().String(),
			"timeout", cfg.RequestTimeout,
		)
	}
	return m
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetHandler sets the receiver of inbound platform messages.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetOutbox enables journaling of property reports.
func (m *Manager) SetOutbox(o Outbox) {
	m.mu.Lock()
	m.outbox = o
	m.mu.Unlock()
}

// OnConnected registers fn to run, in registration order, each time a
// session is established (after outbox replay).
func (m *Manager) OnConnected(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.mu.Unlock()
}

// OnDisconnected registers fn to run each time a session is torn down.
func (m *Manager) OnDisconnected(fn func(err error)) {
	m.mu.Lock()
	m.onDisconnected = append(m.onDisconnected, fn)
	m.mu.Unlock()
}

// Start performs the first dial synchronously and, on success, hands the
// session to the background loop that keeps it alive until Close.
// OnConnected hooks have run when Start returns. Outbox replay is sent by
// the session's writer and does not hold Start up.
//
// Returns:
//   - ErrTransport (wrapping the dial error) if the first dial fails
//   - ErrAlreadyStarted or ErrClosed on misuse
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.state = StateConnecting
	m.wg.Add(1)
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.started = false
		if !m.closed {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		m.wg.Done()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	s := m.establish(conn)
	go m.run(s)
	return nil
}

// Close stops reconnecting, tears down the current session and waits for
// the background loop to exit. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SessionID returns the ID of the current session, or "" when offline.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.id
}

// Stats returns a diagnostics snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		State:       m.state,
		ConnectedAt: m.connectedAt,
	}
	if m.current != nil {
		st.SessionID = m.current.id
		st.Queued = len(m.current.out)
	}
	m.mu.RUnlock()

	st.Sessions = m.sessions.Load()
	st.Reconnects = m.reconnects.Load()
	st.Acked = m.acked.Load()
	st.TimedOut = m.timedOut.Load()
	st.Lost = m.lost.Load()
	st.Rejected = m.rejected.Load()
	st.Pending = m.table.len()
	return st
}

// Publish queues msg for the current session and returns its Pending
// without blocking. The message ID is assigned here.
//
// The Pending completes immediately with ErrSessionLost when no session
// is up and with ErrQueueFull when the outbound queue is at capacity.
// Property reports are journaled in the outbox (if set) before queueing.
func (m *Manager) Publish(msg Message) *Pending {
	msg.ID = m.nextID.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.current
	if s == nil {
		m.lost.Add(1)
		return CompletedPending(msg.ID, msg.Kind, ErrSessionLost)
	}

	ob := outbound{msg: msg}
	if msg.Kind == KindPropertyReport && m.outbox != nil {
		seq, err := m.outbox.Append(s.ctx, msg.Service, msg.Payload)
		if err != nil {
			m.logger.Warn("outbox append failed", "service", msg.Service, "error", err)
		} else {
			ob.seq = seq
			m.markQueued(seq)
		}
	}

	p := newPending(msg.ID, msg.Kind)
	m.table.add(p)

	select {
	case s.out <- ob:
	default:
		m.unmarkQueued(ob.seq)
		if ob.seq != 0 {
			if err := m.outbox.Remove(s.ctx, ob.seq); err != nil {
				m.logger.Warn("outbox remove failed", "seq", ob.seq, "error", err)
			}
		}
		m.table.resolve(msg.ID, ErrQueueFull)
	}
	return p
}

func (m *Manager) markQueued(seq int64) {
	m.queuedMu.Lock()
	m.queued[seq] = struct{}{}
	m.queuedMu.Unlock()
}

func (m *Manager) unmarkQueued(seq int64) {
	if seq == 0 {
		return
	}
	m.queuedMu.Lock()
	delete(m.queued, seq)
	m.queuedMu.Unlock()
}

func (m *Manager) isQueued(seq int64) bool {
	m.queuedMu.Lock()
	defer m.queuedMu.Unlock()
	_, ok := m.queued[seq]
	return ok
}

// dial runs one Transport.Dial bounded by ConnectTimeout. Close cancels
// an in-progress dial.
func (m *Manager) dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	return m.transport.Dial(dctx)
}

// run keeps a session alive until the manager is closed.
func (m *Manager) run(s *session) {
	defer m.wg.Done()

	for {
		err := m.await(s)
		if time.Since(s.established) >= m.cfg.StableAfter {
			m.backoff.Reset()
		}
		m.teardown(s, err)
		if m.ctx.Err() != nil {
			return
		}

		conn := m.reconnect()
		if conn == nil {
			return
		}
		s = m.establish(conn)
	}
}

// establish installs conn as the current session, starts its goroutines
// and runs the OnConnected hooks. Outbox entries left from earlier
// sessions are handed to the writer, which sends them ahead of anything
// the hooks publish.
func (m *Manager) establish(conn Conn) *session {
	s := &session{
		id:          uuid.NewString(),
		conn:        conn,
		out:         make(chan outbound, m.cfg.QueueSize),
		failed:      make(chan struct{}),
		established: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(m.ctx)
	s.touch()

	backlog := m.backlog(s)

	m.mu.Lock()
	m.current = s
	m.state = StateConnected
	m.connectedAt = s.established
	hooks := append([]func(context.Context){}, m.onConnected...)
	m.mu.Unlock()

	m.sessions.Add(1)
	m.logger.Info("session established", "session_id", s.id)
	if len(backlog) > 0 {
		m.logger.Info("replaying unacknowledged reports", "session_id", s.id, "count", len(backlog))
	}

	s.wg.Add(3)
	go m.writer(s, backlog)
	go m.reader(s)
	go m.keepalive(s)

	for _, fn := range hooks {
		m.runHook("on_connected", func() { fn(s.ctx) })
	}
	return s
}

// await blocks until s fails, its connection drops or the manager closes.
func (m *Manager) await(s *session) error {
	select {
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-s.conn.Done():
		if err := s.conn.Err(); err != nil {
			return err
		}
		return ErrConnectionClosed
	case <-s.failed:
		return s.err
	}
}

// teardown stops s and fails everything still outstanding on it.
func (m *Manager) teardown(s *session, cause error) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.state = StateDisconnected
	hooks := append([]func(error){}, m.onDisconnected...)
	m.mu.Unlock()

	s.fail(cause)
	s.cancel()
	if err := s.conn.Close(); err != nil {
		m.logger.Debug("closing connection", "session_id", s.id, "error", err)
	}
	s.wg.Wait()

	lost := 0
drain:
	for {
		select {
		case ob := <-s.out:
			m.unmarkQueued(ob.seq)
			if m.table.resolve(ob.msg.ID, ErrSessionLost) {
				lost++
			}
		default:
			break drain
		}
	}
	lost += m.table.failAll(ErrSessionLost)
	m.lost.Add(uint64(lost))

	m.logger.Warn("session lost",
		"session_id", s.id,
		"error", cause,
		"failed_requests", lost,
	)

	for _, fn := range hooks {
		m.runHook("on_disconnected", func() { fn(cause) })
	}
}

// reconnect dials with backoff until it succeeds or the manager closes.
func (m *Manager) reconnect() Conn {
	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	for {
		delay := m.backoff.Next()
		m.logger.Info("reconnecting",
			"attempt", m.backoff.Attempts(),
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := m.dial(m.ctx)
		if err == nil {
			m.reconnects.Add(1)
			return conn
		}
		m.logger.Warn("reconnect failed", "error", err)
	}
}

// backlog collects outbox entries left over from earlier sessions. It
// runs before s is installed, so nothing else is journaling yet.
func (m *Manager) backlog(s *session) []outbound {
	m.mu.RLock()
	outbox := m.outbox
	m.mu.RUnlock()
	if outbox == nil {
		return nil
	}

	entries, err := outbox.List(s.ctx)
	if err != nil {
		m.logger.Error("listing outbox", "session_id", s.id, "error", err)
		return nil
	}

	backlog := make([]outbound, 0, len(entries))
	for _, e := range entries {
		if m.isQueued(e.Seq) {
			continue
		}
		id := m.nextID.Add(1)
		m.table.add(newPending(id, KindPropertyReport))
		m.markQueued(e.Seq)
		backlog = append(backlog, outbound{
			msg: Message{ID: id, Kind: KindPropertyReport, Service: e.Service, Payload: e.Payload},
			seq: e.Seq,
		})
	}
	return backlog
}

// writer is the single sender for s; it sends the backlog first, then
// the queue in order.
func (m *Manager) writer(s *session, backlog []outbound) {
	defer s.wg.Done()

	for i, ob := range backlog {
		if s.ctx.Err() != nil || !m.send(s, ob) {
			// Pendings are failed by teardown.
			for _, rest := range backlog[i:] {
				m.unmarkQueued(rest.seq)
			}
			return
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ob := <-s.out:
			if !m.send(s, ob) {
				return
			}
		}
	}
}

func (m *Manager) send(s *session, ob outbound) bool {
	err := s.conn.Send(s.ctx, ob.msg)
	if errors.Is(err, ErrRejected) {
		m.reject(s, ob, err)
		return true
	}
	if err != nil {
		m.unmarkQueued(ob.seq)
		if m.table.resolve(ob.msg.ID, fmt.Errorf("%w: %w", ErrSessionLost, err)) {
			m.lost.Add(1)
		}
		s.fail(fmt.Errorf("sending %s: %w", ob.msg.Kind, err))
		return false
	}

	s.touch()
	m.acked.Add(1)

	// The ack removes the journal entry even if the pending already
	// timed out; the platform has the report.
	m.forget(s, ob.seq)
	m.table.resolve(ob.msg.ID, nil)
	return true
}

// reject fails one message the connection refused. Its journal entry is
// removed so it is not replayed.
func (m *Manager) reject(s *session, ob outbound, err error) {
	m.rejected.Add(1)
	m.logger.Warn("message rejected",
		"session_id", s.id,
		"message_id", ob.msg.ID,
		"kind", ob.msg.Kind.String(),
		"service", ob.msg.Service,
		"error", err,
	)
	m.forget(s, ob.seq)
	m.table.resolve(ob.msg.ID, err)
}

func (m *Manager) forget(s *session, seq int64) {
	if seq == 0 {
		return
	}
	if err := m.outbox.Remove(context.WithoutCancel(s.ctx), seq); err != nil {
		m.logger.Warn("outbox remove failed", "seq", seq, "error", err)
	}
	m.unmarkQueued(seq)
}

// reader forwards inbound platform requests to the handler.
func (m *Manager) reader(s *session) {
	defer s.wg.Done()

	in := s.conn.Inbound()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				if err := s.conn.Err(); err != nil {
					s.fail(err)
				} else {
					s.fail(ErrConnectionClosed)
				}
				return
			}
			s.touch()
			m.deliver(s, msg)
		}
	}
}

func (m *Manager) deliver(s *session, msg Message) {
	if !msg.Kind.Inbound() {
		m.logger.Debug("ignoring inbound message", "kind", msg.Kind.String())
		return
	}

	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h == nil {
		m.logger.Warn("no handler for inbound message",
			"kind", msg.Kind.String(),
			"request_id", msg.RequestID,
		)
		return
	}

	m.runHook("handler", func() { h.HandleMessage(s.ctx, msg) })
}

// keepalive sends heartbeats while idle and fails s when it goes silent.
func (m *Manager) keepalive(s *session) {
	defer s.wg.Done()

	interval := m.cfg.HeartbeatInterval
	idle := m.cfg.IdleTimeout
	if interval <= 0 && idle <= 0 {
		return
	}

	tick := interval
	if tick <= 0 || (idle > 0 && idle < tick) {
		tick = idle
	}
	tick /= 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastHeartbeat time.Time
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			quiet := s.idle(now)
			if idle > 0 && quiet >= idle {
				s.fail(fmt.Errorf("%w: no traffic for %s", ErrIdleTimeout, quiet.Round(time.Millisecond)))
				return
			}
			if interval > 0 && quiet >= interval && now.Sub(lastHeartbeat) >= interval {
				lastHeartbeat = now
				m.heartbeat(s)
			}
		}
	}
}

func (m *Manager) heartbeat(s *session) {
	id := m.nextID.Add(1)
	p := newPending(id, KindHeartbeat)
	m.table.add(p)

	select {
	case s.out <- outbound{msg: Message{ID: id, Kind: KindHeartbeat}}:
	default:
		m.table.resolve(id, ErrQueueFull)
	}
}

// runHook calls fn and logs (rather than propagates) a panic.
func (m *Manager) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session callback panicked",
				"callback", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
