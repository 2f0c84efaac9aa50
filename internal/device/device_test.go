package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/schema"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// lamp is a minimal service: one writable property, one command.
type lamp struct {
	mu         sync.Mutex
	brightness int64
	blinks     int64
	s          *schema.Schema
}

func newLamp(t *testing.T) *lamp {
	t.Helper()
	l := &lamp{brightness: 10}
	s := schema.New()
	if err := s.RegisterProperty(schema.PropertySpec{
		Name:     "brightness",
		Type:     schema.TypeInteger,
		Writable: true,
		Get:      func() any { l.mu.Lock(); defer l.mu.Unlock(); return l.brightness },
		Set:      func(v any) error { l.mu.Lock(); defer l.mu.Unlock(); l.brightness = v.(int64); return nil },
	}); err != nil {
		t.Fatalf("RegisterProperty() error = %v", err)
	}
	if err := s.RegisterCommand(schema.CommandSpec{
		Name:   "blink",
		Params: map[string]schema.ValueType{"times": schema.TypeInteger},
		Handler: func(_ context.Context, p map[string]any) (schema.Response, error) {
			l.mu.Lock()
			l.blinks += p["times"].(int64)
			l.mu.Unlock()
			return schema.OK(nil), nil
		},
	}); err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}
	l.s = s
	return l
}

func (l *lamp) Schema() *schema.Schema { return l.s }

func (l *lamp) value() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.brightness
}

func testConfig() Config {
	return Config{
		ID: "dev-1",
		Session: session.Config{
			RequestTimeout: time.Second,
			Backoff:        session.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		},
		CommandTimeout: time.Second,
	}
}

func newTestDevice(t *testing.T) (*Device, *session.Loopback, *lamp) {
	t.Helper()
	lb := session.NewLoopback(64)
	d, err := New(testConfig(), lb, codec.JSON{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l := newLamp(t)
	if err := d.AddService("lamp", l); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, lb, l
}

func nextSent(t *testing.T, lb *session.Loopback) session.Message {
	t.Helper()
	select {
	case msg := <-lb.Sent():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return session.Message{}
	}
}

func expectQuiet(t *testing.T, lb *session.Loopback) {
	t.Helper()
	select {
	case msg := <-lb.Sent():
		t.Errorf("unexpected outbound %s message: %s", msg.Kind, msg.Payload)
	case <-time.After(30 * time.Millisecond):
	}
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{}, session.NewLoopback(1), nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
	}
	if code := ExitCode(err); code != ExitConfig {
		t.Errorf("ExitCode() = %d, want %d", code, ExitConfig)
	}

	if _, err := New(Config{ID: "x"}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() without transport error = %v, want ErrInvalidConfig", err)
	}
}

func TestAddService_Duplicate(t *testing.T) {
	d, _, _ := newTestDevice(t)
	err := d.AddService("lamp", newLamp(t))
	if !errors.Is(err, container.ErrDuplicateServiceName) {
		t.Fatalf("AddService() error = %v, want ErrDuplicateServiceName", err)
	}
	if code := ExitCode(err); code != ExitRegistration {
		t.Errorf("ExitCode() = %d, want %d", code, ExitRegistration)
	}
}

func TestInit_TransportFailure(t *testing.T) {
	d, lb, _ := newTestDevice(t)
	lb.Refuse(errors.New("no route to host"))

	err := d.Init(context.Background())
	if !errors.Is(err, session.ErrTransport) {
		t.Fatalf("Init() error = %v, want ErrTransport", err)
	}
	if code := ExitCode(err); code != ExitTransport {
		t.Errorf("ExitCode() = %d, want %d", code, ExitTransport)
	}

	lb.Refuse(nil)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() retry error = %v", err)
	}
	if err := d.Init(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Init() twice error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestClose(t *testing.T) {
	d, _, _ := newTestDevice(t)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() second call error = %v", err)
	}
	if d.State() != session.StateClosed {
		t.Errorf("State() = %s, want closed", d.State())
	}
	if err := d.AddService("other", newLamp(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("AddService() after Close error = %v, want ErrClosed", err)
	}
	if err := d.Init(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Init() after Close error = %v, want ErrClosed", err)
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != ExitOK {
		t.Error("ExitCode(nil) != ExitOK")
	}
	if ExitCode(context.Canceled) != ExitOK {
		t.Error("ExitCode(context.Canceled) != ExitOK")
	}
	if ExitCode(errors.New("boom")) != ExitFailure {
		t.Error("ExitCode(other) != ExitFailure")
	}
}

// ============================================================================
// End-to-end over the loopback transport
// ============================================================================

func TestInit_PushesSnapshotThenChanges(t *testing.T) {
	d, lb, l := newTestDevice(t)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	snap := nextSent(t, lb)
	if snap.Kind != session.KindPropertyReport {
		t.Fatalf("first message kind = %s, want property_report", snap.Kind)
	}

	if err := d.Update("lamp", func() error {
		l.brightness = 99
		return d.FireChanged("lamp")
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	msg := nextSent(t, lb)
	var r codec.Report
	if err := (codec.JSON{}).Unmarshal(msg.Payload, &r); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if got := r.Services[0].Properties["brightness"]; got == nil || got.(interface{ String() string }).String() != "99" {
		t.Errorf("reported brightness = %v, want 99", got)
	}
}

func TestPlatformWriteAndCommand(t *testing.T) {
	d, lb, l := newTestDevice(t)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	nextSent(t, lb) // initial snapshot

	write, _ := (codec.JSON{}).Marshal(codec.PropertySetRequest{Services: []codec.ServiceProperties{
		{ServiceID: "lamp", Properties: map[string]any{"brightness": 55}},
	}})
	if err := lb.Inject(session.Message{Kind: session.KindPropertySet, RequestID: "w1", Payload: write}); err != nil {
		t.Fatalf("Inject(write) error = %v", err)
	}
	resp := nextSent(t, lb)
	if resp.Kind != session.KindPropertySetResponse || resp.RequestID != "w1" {
		t.Fatalf("got %s/%s, want property_set_response/w1", resp.Kind, resp.RequestID)
	}
	if l.value() != 55 {
		t.Errorf("brightness = %d, want 55", l.value())
	}

	cmd, _ := (codec.JSON{}).Marshal(codec.CommandRequest{ServiceID: "lamp", CommandName: "blink", Paras: map[string]any{"times": 3}})
	if err := lb.Inject(session.Message{Kind: session.KindCommand, RequestID: "c1", Payload: cmd}); err != nil {
		t.Fatalf("Inject(command) error = %v", err)
	}
	resp = nextSent(t, lb)
	if resp.Kind != session.KindCommandResponse || resp.RequestID != "c1" {
		t.Fatalf("got %s/%s, want command_response/c1", resp.Kind, resp.RequestID)
	}
	var cr codec.CommandResponse
	if err := (codec.JSON{}).Unmarshal(resp.Payload, &cr); err != nil {
		t.Fatalf("decoding command response: %v", err)
	}
	if cr.ResultCode != schema.CodeSuccess {
		t.Errorf("command result_code = %d, want 0", cr.ResultCode)
	}
}

func TestReconnect_ExactlyOneSnapshot(t *testing.T) {
	d, lb, _ := newTestDevice(t)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	nextSent(t, lb)

	// Changes while offline accumulate and are folded into the snapshot.
	lb.Refuse(errors.New("broker restarting"))
	lb.Drop(errors.New("connection reset"))
	deadline := time.Now().Add(2 * time.Second)
	for d.State() == session.StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("device never noticed the dropped connection")
		}
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		if err := d.FireChanged("lamp"); err != nil {
			t.Fatalf("FireChanged() error = %v", err)
		}
	}
	lb.Refuse(nil)

	msg := nextSent(t, lb)
	var r codec.Report
	if err := (codec.JSON{}).Unmarshal(msg.Payload, &r); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if msg.Kind != session.KindPropertyReport || len(r.Services) != 1 {
		t.Fatalf("post-reconnect message = %s with %d services, want one full snapshot", msg.Kind, len(r.Services))
	}
	expectQuiet(t, lb)

	if st := d.Stats(); st.Sync.FullSnapshots != 2 || st.Session.Sessions != 2 {
		t.Errorf("Stats() snapshots=%d sessions=%d, want 2 and 2", st.Sync.FullSnapshots, st.Session.Sessions)
	}
}

// ============================================================================
// Stuck command handlers
// ============================================================================

// newStuckService returns a service whose "hang" command holds the service
// lock until release is closed, ignoring its context.
func newStuckService(t *testing.T, release <-chan struct{}) *lamp {
	t.Helper()
	l := &lamp{brightness: 1}
	s := schema.New()
	if err := s.RegisterProperty(schema.PropertySpec{
		Name: "brightness",
		Type: schema.TypeInteger,
		Get:  func() any { l.mu.Lock(); defer l.mu.Unlock(); return l.brightness },
	}); err != nil {
		t.Fatalf("RegisterProperty() error = %v", err)
	}
	if err := s.RegisterCommand(schema.CommandSpec{
		Name: "hang",
		Handler: func(context.Context, map[string]any) (schema.Response, error) {
			<-release
			return schema.OK(nil), nil
		},
	}); err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}
	l.s = s
	return l
}

func TestStuckHandler_DoesNotStallOtherServices(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	lb := session.NewLoopback(64)
	d, err := New(cfg, lb, codec.JSON{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	release := make(chan struct{})
	defer close(release)

	l := newLamp(t)
	if err := d.AddService("lamp", l); err != nil {
		t.Fatalf("AddService(lamp) error = %v", err)
	}
	if err := d.AddService("stuck", newStuckService(t, release)); err != nil {
		t.Fatalf("AddService(stuck) error = %v", err)
	}
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	nextSent(t, lb) // initial snapshot

	cmd, _ := (codec.JSON{}).Marshal(codec.CommandRequest{ServiceID: "stuck", CommandName: "hang"})
	if err := lb.Inject(session.Message{Kind: session.KindCommand, RequestID: "c1", Payload: cmd}); err != nil {
		t.Fatalf("Inject(command) error = %v", err)
	}
	resp := nextSent(t, lb)
	var cr codec.CommandResponse
	if err := (codec.JSON{}).Unmarshal(resp.Payload, &cr); err != nil {
		t.Fatalf("decoding command response: %v", err)
	}
	if resp.Kind != session.KindCommandResponse || cr.ResultCode != schema.CodeTimeout {
		t.Fatalf("got %s with code %d, want a timed out command response", resp.Kind, cr.ResultCode)
	}

	// The stuck service is dirty too; the lamp report must still go out.
	_ = d.FireChanged("stuck")
	_ = d.FireChanged("lamp")
	msg := nextSent(t, lb)
	if msg.Kind != session.KindPropertyReport || msg.Service != "lamp" {
		t.Fatalf("got %s for %q, want the lamp report", msg.Kind, msg.Service)
	}

	// Reconnect still pushes a snapshot of the services it can read.
	lb.Drop(errors.New("connection reset"))
	msg = nextSent(t, lb)
	var r codec.Report
	if err := (codec.JSON{}).Unmarshal(msg.Payload, &r); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if msg.Kind != session.KindPropertyReport || len(r.Services) != 1 || r.Services[0].ServiceID != "lamp" {
		t.Fatalf("post-reconnect message = %s with %+v, want a snapshot of lamp", msg.Kind, r.Services)
	}
	if st, _ := d.PropertyStatus("stuck", "brightness"); !st.Dirty {
		t.Error("stuck service not left dirty after the snapshot")
	}

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked on the stuck handler")
	}
}
