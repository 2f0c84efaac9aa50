package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/schema"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// DefaultTimeout bounds a handler when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// State is the lifecycle position of an Invocation.
type State uint8

// Invocation states.
const (
	StateReceived State = iota
	StateExecuting
	StateResponded
	StateRejected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateExecuting:
		return "executing"
	case StateResponded:
		return "responded"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateReceived; c <= StateRejected; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown invocation state %q", text)
}

// Invocation describes one command request.
type Invocation struct {
	RequestID string    `json:"request_id"`
	Service   string    `json:"service"`
	Command   string    `json:"command"`
	State     State     `json:"state"`
	Received  time.Time `json:"received"`
}

// Publisher queues outbound messages. *session.Manager implements it.
type Publisher interface {
	Publish(msg session.Message) *session.Pending
}

// Logger defines the logging interface used by the Dispatcher.
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

// Stats counts invocations by outcome.
type Stats struct {
	Received  uint64 `json:"received"`
	Responded uint64 `json:"responded"`
	Rejected  uint64 `json:"rejected"`
	TimedOut  uint64 `json:"timed_out"`
	Inflight  int    `json:"inflight"`
}

// Dispatcher routes command requests to the container and publishes the
// responses.
//
// All public methods are thread-safe.
type Dispatcher struct {
	container *container.Container
	publisher Publisher
	codec     codec.Codec
	timeout   time.Duration
	logger    Logger

	mu       sync.Mutex
	seq      uint64
	inflight map[uint64]*Invocation
	stats    Stats

	wg sync.WaitGroup
}

// New creates a Dispatcher. A non-positive timeout selects DefaultTimeout.
func New(c *container.Container, pub Publisher, cd codec.Codec, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		container: c,
		publisher: pub,
		codec:     cd,
		timeout:   timeout,
		logger:    noopLogger{},
		inflight:  make(map[uint64]*Invocation),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Dispatch handles one inbound command request. Rejections are answered
// before Dispatch returns and reported as its error; accepted commands
// run asynchronously and Dispatch returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, msg session.Message) error {
	var req codec.CommandRequest
	if err := d.codec.Unmarshal(msg.Payload, &req); err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		inv := d.track(msg.RequestID, "", "")
		d.reject(msg, inv, schema.CodeFailure, err)
		return err
	}

	inv := d.track(msg.RequestID, req.ServiceID, req.CommandName)

	spec, err := d.container.CommandSpec(req.ServiceID, req.CommandName)
	if err != nil {
		d.reject(msg, inv, container.ResultCode(err), err)
		return err
	}
	params, err := container.CoerceParams(spec, req.Paras)
	if err != nil {
		err = fmt.Errorf("%s.%s: %w", req.ServiceID, req.CommandName, err)
		d.reject(msg, inv, container.ResultCode(err), err)
		return err
	}

	d.setState(inv, StateExecuting)
	d.wg.Add(1)
	go d.execute(ctx, msg, inv, params)
	return nil
}

// Wait blocks until every accepted invocation has been answered.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Inflight returns copies of the invocations not yet answered.
func (d *Dispatcher) Inflight() []Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Invocation, 0, len(d.inflight))
	for _, inv := range d.inflight {
		out = append(out, *inv)
	}
	return out
}

// Stats returns invocation counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	st.Inflight = len(d.inflight)
	return st
}

type tracked struct {
	key uint64
	inv *Invocation
}

func (d *Dispatcher) track(requestID, service, cmd string) tracked {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	inv := &Invocation{
		RequestID: requestID,
		Service:   service,
		Command:   cmd,
		State:     StateReceived,
		Received:  time.Now(),
	}
	d.inflight[d.seq] = inv
	d.stats.Received++
	return tracked{key: d.seq, inv: inv}
}

func (d *Dispatcher) setState(t tracked, s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t.inv.State = s
	switch s {
	case StateResponded:
		d.stats.Responded++
		delete(d.inflight, t.key)
	case StateRejected:
		d.stats.Rejected++
		delete(d.inflight, t.key)
	}
}

func (d *Dispatcher) reject(msg session.Message, t tracked, code int, cause error) {
	d.logger.Warn("command rejected",
		"request_id", msg.RequestID,
		"service", t.inv.Service,
		"command", t.inv.Command,
		"code", code,
		"error", cause,
	)
	d.respond(msg, t.inv.Service, schema.Failure(code, "%v", cause))
	d.setState(t, StateRejected)
}

type outcome struct {
	resp schema.Response
	err  error
}

func (d *Dispatcher) execute(ctx context.Context, msg session.Message, t tracked, params map[string]any) {
	defer d.wg.Done()

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		resp, err := d.container.RouteCommand(cctx, t.inv.Service, t.inv.Command, params)
		done <- outcome{resp: resp, err: err}
	}()

	var resp schema.Response
	select {
	case o := <-done:
		resp = o.resp
		if o.err != nil {
			resp = schema.Failure(container.ResultCode(o.err), "%v", o.err)
		}
	case <-cctx.Done():
		if !errors.Is(cctx.Err(), context.DeadlineExceeded) {
			resp = schema.Failure(schema.CodeFailure, "command cancelled: %v", cctx.Err())
			break
		}
		resp = schema.Failure(schema.CodeTimeout, "%v after %s", ErrHandlerTimeout, d.timeout)
		d.mu.Lock()
		d.stats.TimedOut++
		d.mu.Unlock()
		d.logger.Warn("command handler timed out",
			"request_id", msg.RequestID,
			"service", t.inv.Service,
			"command", t.inv.Command,
			"timeout", d.timeout,
		)
	}

	d.respond(msg, t.inv.Service, resp)
	d.setState(t, StateResponded)

	d.logger.Debug("command executed",
		"request_id", msg.RequestID,
		"service", t.inv.Service,
		"command", t.inv.Command,
		"code", resp.Code,
		"duration", time.Since(start),
	)
}

func (d *Dispatcher) respond(req session.Message, service string, resp schema.Response) {
	payload, err := d.codec.Marshal(codec.CommandResponse{
		ResultCode:   resp.Code,
		ResponseName: resp.Name,
		Paras:        resp.Payload,
	})
	if err != nil {
		d.logger.Error("encoding command response", "request_id", req.RequestID, "error", err)
		return
	}
	d.publisher.Publish(session.Message{
		Kind:      session.KindCommandResponse,
		RequestID: req.RequestID,
		Service:   service,
		Payload:   payload,
	})
}
