package propsync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/session"
)

const (
	// retryDelay is how long the flusher waits before retrying a report
	// that could not be queued or a service that was busy.
	retryDelay = 100 * time.Millisecond

	// lockWait bounds how long a report or a full snapshot waits for a
	// service whose lock is held, e.g. by a command handler that never
	// returns. The service stays dirty and is retried later.
	lockWait = 200 * time.Millisecond
)

// outcome is the result of one report attempt.
type outcome uint8

const (
	reportDone    outcome = iota
	reportBusy            // service lock not available
	reportBlocked         // session refused the report
)

// ReportMode selects which properties a change report carries.
type ReportMode string

const (
	// ReportModeService reports every dirty property of the service.
	// FireChanged marks all properties dirty, so this is the whole service.
	ReportModeService ReportMode = "service"

	// ReportModeChanged reports only properties whose value differs from
	// the last value reported.
	ReportModeChanged ReportMode = "changed"
)

// ParseReportMode validates a configured report mode. Empty selects
// ReportModeService.
func ParseReportMode(s string) (ReportMode, error) {
	switch ReportMode(s) {
	case "", ReportModeService:
		return ReportModeService, nil
	case ReportModeChanged:
		return ReportModeChanged, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownReportMode, s)
	}
}

// Publisher queues outbound messages. *session.Manager implements it.
type Publisher interface {
	Publish(msg session.Message) *session.Pending
}

// Observer is told about every report handed to the session.
type Observer interface {
	ObserveReport(snaps []container.Snapshot)
}

// Logger defines the logging interface used by the Engine.
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

// propState is the sync state of one property.
type propState struct {
	lastReported any
	reported     bool
	dirty        bool
	lastReportAt time.Time
}

// PropertyStatus is the exported view of a property's sync state.
type PropertyStatus struct {
	LastReported any       `json:"last_reported"`
	Dirty        bool      `json:"dirty"`
	LastReportAt time.Time `json:"last_report_at,omitempty"`
}

// Stats summarizes the Engine for diagnostics.
type Stats struct {
	Online        bool   `json:"online"`
	Reports       uint64 `json:"reports"`
	FullSnapshots uint64 `json:"full_snapshots"`
	DirtyServices int    `json:"dirty_services"`
}

// Engine batches and publishes property changes.
//
// All public methods are thread-safe.
type Engine struct {
	container *container.Container
	publisher Publisher
	codec     codec.Codec
	logger    Logger
	observer  Observer
	mode      ReportMode

	// flushMu serializes report production so per-service order holds.
	flushMu sync.Mutex

	mu     sync.Mutex
	state  map[string]map[string]*propState
	dirty  []string
	queued map[string]bool
	online bool

	// forced services report every property on their next report
	// regardless of mode; they missed the full snapshot.
	forced map[string]bool

	reports       uint64
	fullSnapshots uint64

	wake chan struct{}
}

// New creates an Engine over c that publishes through pub using cd.
func New(c *container.Container, pub Publisher, cd codec.Codec) *Engine {
	return &Engine{
		container: c,
		publisher: pub,
		codec:     cd,
		logger:    noopLogger{},
		mode:      ReportModeService,
		state:     make(map[string]map[string]*propState),
		queued:    make(map[string]bool),
		forced:    make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetObserver installs a report observer.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

// SetReportMode selects the report mode.
func (e *Engine) SetReportMode(mode ReportMode) {
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
}

// FireChanged marks every property of service dirty and wakes the
// flusher. It never blocks on the network and is idempotent until the
// next report is taken.
//
// Returns ErrUnknownService (from the container) if service is not
// registered.
func (e *Engine) FireChanged(service string) error {
	e.mu.Lock()
	err := e.markAllLocked(service)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.kick()
	return nil
}

// markAllLocked flags every property of service dirty and queues it.
// e.mu must be held.
func (e *Engine) markAllLocked(service string) error {
	sch, err := e.container.Schema(service)
	if err != nil {
		return err
	}
	props := e.serviceState(service)
	for _, p := range sch.Properties() {
		st, ok := props[p.Name]
		if !ok {
			st = &propState{}
			props[p.Name] = st
		}
		st.dirty = true
	}
	e.queueLocked(service)
	return nil
}

func (e *Engine) queueLocked(service string) {
	if !e.queued[service] {
		e.queued[service] = true
		e.dirty = append(e.dirty, service)
	}
}

// serviceState must be called with e.mu held.
func (e *Engine) serviceState(service string) map[string]*propState {
	props, ok := e.state[service]
	if !ok {
		props = make(map[string]*propState)
		e.state[service] = props
	}
	return props
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run is the flusher loop. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.Flush()
		}
	}
}

// Flush publishes a report for every dirty service, oldest first. It does
// nothing while offline. Run calls it; tests may call it directly.
//
// A service whose lock is held past lockWait is skipped and stays dirty,
// so one stuck service never holds back the others.
func (e *Engine) Flush() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	type skipped struct {
		service string
		props   []string
	}
	var busy []skipped
	retry := false

	for !retry {
		service, props, ok := e.takeDirty()
		if !ok {
			break
		}
		if len(props) == 0 {
			continue
		}
		switch e.report(service, props) {
		case reportBusy:
			busy = append(busy, skipped{service, props})
		case reportBlocked:
			retry = true
		}
	}

	for _, b := range busy {
		e.markDirty(b.service, b.props)
	}
	if retry || len(busy) > 0 {
		time.AfterFunc(retryDelay, e.kick)
	}
}

// takeDirty pops the oldest dirty service and clears its flags. Flags
// are cleared before the snapshot is read, so a change racing with the
// report marks the service dirty again rather than being lost.
func (e *Engine) takeDirty() (string, []string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.online || len(e.dirty) == 0 {
		return "", nil, false
	}
	service := e.dirty[0]
	e.dirty = e.dirty[1:]
	delete(e.queued, service)

	var props []string
	for name, st := range e.state[service] {
		if st.dirty {
			st.dirty = false
			props = append(props, name)
		}
	}
	return service, props, true
}

// markDirty re-flags props after a failed report.
func (e *Engine) markDirty(service string, props []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.serviceState(service)
	for _, name := range props {
		if ps, ok := st[name]; ok {
			ps.dirty = true
		}
	}
	e.queueLocked(service)
}

// report publishes one change report.
func (e *Engine) report(service string, props []string) outcome {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	snap, err := e.container.SnapshotProperties(ctx, service, props)
	cancel()
	if errors.Is(err, container.ErrServiceBusy) {
		e.logger.Debug("service busy, report deferred", "service", service)
		return reportBusy
	}
	if err != nil {
		e.logger.Error("snapshot for report failed", "service", service, "error", err)
		return reportDone
	}

	e.mu.Lock()
	forced := e.forced[service]
	if e.mode == ReportModeChanged && !forced {
		st := e.state[service]
		for name, v := range snap.Properties {
			if ps, ok := st[name]; ok && ps.reported && reflect.DeepEqual(ps.lastReported, v) {
				delete(snap.Properties, name)
			}
		}
	}
	e.mu.Unlock()

	if len(snap.Properties) == 0 {
		return reportDone
	}

	if err := e.publishReport(service, []container.Snapshot{snap}); err != nil {
		e.logger.Warn("property report not queued", "service", service, "error", err)
		e.markDirty(service, props)
		return reportBlocked
	}
	if forced {
		e.mu.Lock()
		delete(e.forced, service)
		e.mu.Unlock()
	}
	return reportDone
}

// publishReport encodes and publishes snaps as one report, then records
// the reported values.
func (e *Engine) publishReport(service string, snaps []container.Snapshot) error {
	payload, err := e.codec.Marshal(codec.NewReport(snaps...))
	if err != nil {
		return err
	}

	p := e.publisher.Publish(session.Message{
		Kind:    session.KindPropertyReport,
		Service: service,
		Payload: payload,
	})
	select {
	case <-p.Done():
		if err := p.Err(); err != nil {
			return err
		}
	default:
	}

	e.mu.Lock()
	for _, snap := range snaps {
		st := e.serviceState(snap.Service)
		for name, v := range snap.Properties {
			ps, ok := st[name]
			if !ok {
				ps = &propState{}
				st[name] = ps
			}
			ps.lastReported = v
			ps.reported = true
			ps.lastReportAt = snap.Time
		}
	}
	e.reports++
	observer := e.observer
	e.mu.Unlock()

	e.logger.Debug("property report queued",
		"service", service,
		"message_id", p.ID(),
		"services", len(snaps),
	)

	if observer != nil {
		observer.ObserveReport(snaps)
	}
	return nil
}

// SessionUp publishes one full report of every service, clears every
// dirty flag and resumes flushing. Register it as a session OnConnected
// hook.
//
// Services that are busy past lockWait are left out of the full report.
// If the report cannot be queued, every service is left out. Services
// left out are marked dirty and forced, so the flusher sends each of them
// in full as soon as it can.
func (e *Engine) SessionUp(ctx context.Context) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	for _, props := range e.state {
		for _, st := range props {
			st.dirty = false
		}
	}
	e.dirty = nil
	e.queued = make(map[string]bool)
	e.forced = make(map[string]bool)
	e.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, lockWait)
	snaps, missed := e.container.SnapshotAll(sctx)
	cancel()

	if len(snaps) > 0 {
		if err := e.publishReport("", snaps); err != nil {
			e.logger.Warn("full snapshot not queued, reporting services individually", "error", err)
			for _, snap := range snaps {
				missed = append(missed, snap.Service)
			}
		} else {
			e.mu.Lock()
			e.fullSnapshots++
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	for _, service := range missed {
		if err := e.markAllLocked(service); err == nil {
			e.forced[service] = true
		}
	}
	e.online = true
	e.mu.Unlock()

	if len(missed) > 0 {
		e.logger.Warn("services deferred from full snapshot", "services", missed)
		time.AfterFunc(retryDelay, e.kick)
	}
	e.kick()

	e.logger.Info("shadow synchronized", "services", len(snaps), "deferred", len(missed))
}

// SessionDown stops flushing until the next SessionUp. Register it as a
// session OnDisconnected hook.
func (e *Engine) SessionDown(error) {
	e.mu.Lock()
	e.online = false
	e.mu.Unlock()
}

// Online reports whether the engine is currently flushing.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Status returns the sync state of one property.
func (e *Engine) Status(service, property string) (PropertyStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.state[service][property]
	if !ok {
		return PropertyStatus{}, false
	}
	return PropertyStatus{
		LastReported: ps.lastReported,
		Dirty:        ps.dirty,
		LastReportAt: ps.lastReportAt,
	}, true
}

// Stats returns a diagnostics snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Online:        e.online,
		Reports:       e.reports,
		FullSnapshots: e.fullSnapshots,
		DirtyServices: len(e.dirty),
	}
}
