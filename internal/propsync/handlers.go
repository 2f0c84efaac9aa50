package propsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/schema"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// writeWait bounds how long a write or query waits for a busy service.
const writeWait = 5 * time.Second

// HandleWrite applies a platform property write and publishes the
// response correlated by msg.RequestID.
//
// Every entry is validated before any value is set, so a validation
// failure applies nothing. Services are then applied one at a time and
// each is all-or-nothing: if a setter fails, services applied before it
// keep their new values and the error names them. Written properties are
// recorded as reported (the platform already holds those values) while
// the service lock is held, so a concurrent device update cannot be lost.
//
// The returned error describes a rejected write; the response has already
// been published either way.
func (e *Engine) HandleWrite(ctx context.Context, msg session.Message) error {
	var req codec.PropertySetRequest
	if err := e.codec.Unmarshal(msg.Payload, &req); err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedRequest, err)
		e.respondWrite(msg, schema.CodeFailure, err)
		return err
	}

	writes := make(map[string]map[string]any, len(req.Services))
	order := make([]string, 0, len(req.Services))
	for _, sp := range req.Services {
		coerced, err := e.container.ValidateWrites(sp.ServiceID, sp.Properties)
		if err != nil {
			e.respondWrite(msg, container.ResultCode(err), err)
			return err
		}
		if _, seen := writes[sp.ServiceID]; !seen {
			order = append(order, sp.ServiceID)
			writes[sp.ServiceID] = make(map[string]any)
		}
		for k, v := range coerced {
			writes[sp.ServiceID][k] = v
		}
	}

	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	applied := make([]string, 0, len(order))
	for _, service := range order {
		err := e.container.ApplyWrites(wctx, service, writes[service], func(values map[string]any) {
			e.recordWritten(service, values)
		})
		if err != nil {
			if len(applied) > 0 {
				err = fmt.Errorf("%w (already applied: %s)", err, strings.Join(applied, ", "))
			}
			e.respondWrite(msg, container.ResultCode(err), err)
			return err
		}
		applied = append(applied, service)
	}

	e.logger.Debug("property write applied",
		"request_id", msg.RequestID,
		"services", len(order),
	)
	e.respondWrite(msg, schema.CodeSuccess, nil)
	return nil
}

func (e *Engine) recordWritten(service string, values map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.serviceState(service)
	for name, v := range values {
		ps, ok := st[name]
		if !ok {
			ps = &propState{}
			st[name] = ps
		}
		ps.lastReported = v
		ps.reported = true
		ps.dirty = false
	}
}

func (e *Engine) respondWrite(req session.Message, code int, cause error) {
	resp := codec.PropertySetResponse{ResultCode: code}
	if cause != nil {
		resp.ResultDesc = cause.Error()
		e.logger.Warn("property write rejected",
			"request_id", req.RequestID,
			"code", code,
			"error", cause,
		)
	}
	e.respond(req, session.KindPropertySetResponse, resp)
}

// HandleGet answers a platform property query with the live shadow of
// the requested service, or of every service when none is named.
//
// A failed query is answered with a non-zero result code and no services,
// so it cannot be mistaken for an empty shadow. A whole-device query
// answers with every service it could read; busy services are named in
// result_desc with CodeTimeout.
func (e *Engine) HandleGet(ctx context.Context, msg session.Message) error {
	var req codec.PropertyGetRequest
	if len(msg.Payload) > 0 {
		if err := e.codec.Unmarshal(msg.Payload, &req); err != nil {
			err = fmt.Errorf("%w: %w", ErrMalformedRequest, err)
			e.respondGetError(msg, schema.CodeFailure, err)
			return err
		}
	}

	gctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	resp := codec.PropertyGetResponse{ResultCode: schema.CodeSuccess}
	var snaps []container.Snapshot
	if req.ServiceID == "" {
		var busy []string
		snaps, busy = e.container.SnapshotAll(gctx)
		if len(busy) > 0 {
			resp.ResultCode = schema.CodeTimeout
			resp.ResultDesc = fmt.Sprintf("%v: %s", container.ErrServiceBusy, strings.Join(busy, ", "))
		}
	} else {
		snap, err := e.container.Snapshot(gctx, req.ServiceID)
		if err != nil {
			e.respondGetError(msg, container.ResultCode(err), err)
			return err
		}
		snaps = []container.Snapshot{snap}
	}

	resp.Services = make([]codec.ServiceProperties, 0, len(snaps))
	for _, s := range snaps {
		resp.Services = append(resp.Services, codec.FromSnapshot(s))
	}
	e.respond(msg, session.KindPropertyGetResponse, resp)
	return nil
}

func (e *Engine) respondGetError(req session.Message, code int, cause error) {
	e.logger.Warn("property query failed",
		"request_id", req.RequestID,
		"code", code,
		"error", cause,
	)
	e.respond(req, session.KindPropertyGetResponse, codec.PropertyGetResponse{
		ResultCode: code,
		ResultDesc: cause.Error(),
		Services:   []codec.ServiceProperties{},
	})
}

func (e *Engine) respond(req session.Message, kind session.Kind, body any) {
	payload, err := e.codec.Marshal(body)
	if err != nil {
		e.logger.Error("encoding response", "kind", kind.String(), "error", err)
		return
	}
	e.publisher.Publish(session.Message{
		Kind:      kind,
		RequestID: req.RequestID,
		Service:   req.Service,
		Payload:   payload,
	})
}
