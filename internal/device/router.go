package device

import (
	"context"
	"sync"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// sharedQueue holds requests that target no single registered service
// (queries of every service, multi-service writes, unknown names).
const sharedQueue = ""

// router fans inbound platform requests out to one FIFO worker per
// service, so a service whose lock is held by a slow handler never delays
// requests for another service.
type router struct {
	d    *Device
	size int

	mu     sync.Mutex
	ctx    context.Context
	wg     *sync.WaitGroup
	queues map[string]chan session.Message
}

func newRouter(d *Device, size int) *router {
	return &router{
		d:      d,
		size:   size,
		queues: make(map[string]chan session.Message),
	}
}

func (r *router) start(ctx context.Context, wg *sync.WaitGroup) {
	r.mu.Lock()
	r.ctx = ctx
	r.wg = wg
	r.mu.Unlock()
}

// reset forgets the workers of a failed start.
func (r *router) reset() {
	r.mu.Lock()
	r.ctx = nil
	r.queues = make(map[string]chan session.Message)
	r.mu.Unlock()
}

// HandleMessage implements session.Handler. It never blocks: a request
// arriving at a full queue is dropped and logged.
func (r *router) HandleMessage(_ context.Context, msg session.Message) {
	service := msg.Service
	if service == "" {
		service = codec.ServiceOf(r.d.codec, msg.Payload)
	}
	if _, err := r.d.container.Schema(service); err != nil {
		service = sharedQueue
	}
	if msg.Service == "" {
		msg.Service = service
	}

	q := r.queue(service)
	if q == nil {
		r.d.logger.Warn("inbound request before init", "kind", msg.Kind.String())
		return
	}
	select {
	case q <- msg:
	default:
		r.d.logger.Warn("inbound queue full, dropping request",
			"service", service,
			"kind", msg.Kind.String(),
			"request_id", msg.RequestID,
		)
	}
}

// queue returns the worker queue for service, starting the worker on
// first use.
func (r *router) queue(service string) chan session.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil {
		return nil
	}
	q, ok := r.queues[service]
	if ok {
		return q
	}
	q = make(chan session.Message, r.size)
	r.queues[service] = q

	r.wg.Add(1)
	go r.work(r.ctx, q)
	return q
}

func (r *router) work(ctx context.Context, q chan session.Message) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			r.handle(ctx, msg)
		}
	}
}

func (r *router) handle(ctx context.Context, msg session.Message) {
	var err error
	switch msg.Kind {
	case session.KindPropertySet:
		err = r.d.engine.HandleWrite(ctx, msg)
	case session.KindPropertyGet:
		err = r.d.engine.HandleGet(ctx, msg)
	case session.KindCommand:
		err = r.d.commands.Dispatch(ctx, msg)
	default:
		r.d.logger.Debug("unroutable inbound message", "kind", msg.Kind.String())
		return
	}
	if err != nil {
		r.d.logger.Debug("inbound request rejected",
			"kind", msg.Kind.String(),
			"request_id", msg.RequestID,
			"error", err,
		)
	}
}
