package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/demo"
	"github.com/nerrad567/shadow-agent/internal/device"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/config"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/logging"
	"github.com/nerrad567/shadow-agent/internal/outbox"
	"github.com/nerrad567/shadow-agent/internal/session"
)

type fakeOutbox struct {
	stats outbox.Stats
	err   error
}

func (f fakeOutbox) Stats(context.Context) (outbox.Stats, error) { return f.stats, f.err }

type fakeHistory struct{ err error }

func (f fakeHistory) HealthCheck(context.Context) error { return f.err }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testDevice creates a device with the demo smoke detector on a loopback
// transport. It is not initialized.
func testDevice(t *testing.T) (*device.Device, *demo.SmokeDetector) {
	t.Helper()

	dev, err := device.New(device.Config{
		ID: "dev-api",
		Session: session.Config{
			RequestTimeout: time.Second,
			Backoff:        session.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		},
		CommandTimeout: time.Second,
	}, session.NewLoopback(64), codec.JSON{})
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}
	sd, err := demo.NewSmokeDetector(nil)
	if err != nil {
		t.Fatalf("NewSmokeDetector() error = %v", err)
	}
	if err := dev.AddService("smokeDetector", sd); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev, sd
}

func testServer(t *testing.T, ob OutboxStatter) (*Server, *device.Device, *demo.SmokeDetector) {
	t.Helper()

	dev, sd := testDevice(t)
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Logger:  testLogger(),
		Agent:   dev,
		Outbox:  ob,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, dev, sd
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, rec.Body.String())
	}
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

func TestNew_MissingDependencies(t *testing.T) {
	dev, _ := testDevice(t)

	if _, err := New(Deps{Agent: dev}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("New(no logger) error = %v, want ErrMissingDependency", err)
	}
	if _, err := New(Deps{Logger: testLogger()}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("New(no agent) error = %v, want ErrMissingDependency", err)
	}
}

func TestServer_StartClose(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if srv.Addr() != "" {
		t.Errorf("Addr() before Start = %q, want empty", srv.Addr())
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first, _, _ := testServer(t, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Close()

	second, _, _ := testServer(t, nil)
	_, port, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	second.cfg.Port, _ = strconv.Atoi(port)
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Fatal("Start() on a bound port should fail")
	}
}

// ============================================================================
// Health
// ============================================================================

func TestHandleHealth(t *testing.T) {
	srv, dev, _ := testServer(t, nil)

	var before HealthResponse
	decode(t, get(t, srv, "/api/v1/health"), &before)
	if before.Status != "degraded" || before.Session != session.StateDisconnected {
		t.Errorf("health before Init = %+v, want degraded/disconnected", before)
	}
	if before.DeviceID != "dev-api" || before.Version != "test" {
		t.Errorf("health identity = %+v", before)
	}

	if err := dev.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	var after HealthResponse
	decode(t, get(t, srv, "/api/v1/health"), &after)
	if after.Status != "ok" || after.Session != session.StateConnected {
		t.Errorf("health after Init = %+v, want ok/connected", after)
	}
	if after.History != "" {
		t.Errorf("history = %q without a history store, want empty", after.History)
	}
}

func TestHandleHealth_History(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  string
		wantHistory string
	}{
		{"healthy", nil, "ok", "ok"},
		{"write failures", errors.New("influxdb: write failed"), "degraded", "influxdb: write failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, dev, _ := testServer(t, nil)
			srv.history = fakeHistory{err: tt.err}
			if err := dev.Init(context.Background()); err != nil {
				t.Fatalf("Init() error = %v", err)
			}

			var resp HealthResponse
			decode(t, get(t, srv, "/api/v1/health"), &resp)
			if resp.Status != tt.wantStatus || resp.History != tt.wantHistory {
				t.Errorf("health = %s/%q, want %s/%q", resp.Status, resp.History, tt.wantStatus, tt.wantHistory)
			}
		})
	}
}

// ============================================================================
// Services
// ============================================================================

func TestHandleListServices(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	rec := get(t, srv, "/api/v1/services")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Services []ServiceSummary `json:"services"`
		Count    int              `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 1 || len(body.Services) != 1 {
		t.Fatalf("count = %d, services = %d, want 1", body.Count, len(body.Services))
	}
	svc := body.Services[0]
	if svc.Name != "smokeDetector" {
		t.Errorf("name = %q, want smokeDetector", svc.Name)
	}
	if len(svc.Properties) != 4 {
		t.Errorf("properties = %d, want 4", len(svc.Properties))
	}
	if len(svc.Commands) != 1 || svc.Commands[0].Name != "ringAlarm" {
		t.Errorf("commands = %+v, want [ringAlarm]", svc.Commands)
	}
	if svc.Properties[0].Name != "alarm" || !svc.Properties[0].Writable {
		t.Errorf("first property = %+v, want writable alarm", svc.Properties[0])
	}
}

func TestHandleGetService(t *testing.T) {
	srv, _, sd := testServer(t, nil)
	sd.Set(12.5, 21.0, 40)

	rec := get(t, srv, "/api/v1/services/smokeDetector")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var detail ServiceDetail
	decode(t, rec, &detail)
	if detail.Name != "smokeDetector" {
		t.Errorf("name = %q", detail.Name)
	}
	conc, ok := detail.Properties["smokeConcentration"]
	if !ok {
		t.Fatal("smokeConcentration missing")
	}
	if conc.Value != 12.5 {
		t.Errorf("smokeConcentration = %v, want 12.5", conc.Value)
	}
	if conc.Writable {
		t.Error("smokeConcentration reported writable")
	}
	if hum := detail.Properties["humidity"]; hum.Value != float64(40) {
		t.Errorf("humidity = %v, want 40", hum.Value)
	}
}

func TestHandleGetService_NotFound(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	rec := get(t, srv, "/api/v1/services/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var e Error
	decode(t, rec, &e)
	if e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}
}

func TestHandleGetService_Busy(t *testing.T) {
	srv, dev, _ := testServer(t, nil)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = dev.Update("smokeDetector", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/services/smokeDetector", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var e Error
	decode(t, rec, &e)
	if e.Code != ErrCodeBusy {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeBusy)
	}
}

func TestHandleGetProperty(t *testing.T) {
	srv, dev, _ := testServer(t, nil)
	if err := dev.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	rec := get(t, srv, "/api/v1/services/smokeDetector/properties/alarm")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var v PropertyView
	decode(t, rec, &v)
	if v.Value != float64(1) {
		t.Errorf("alarm = %v, want 1", v.Value)
	}
	if v.Type != "int" || !v.Writable {
		t.Errorf("alarm view = %+v, want writable int", v)
	}

	if rec := get(t, srv, "/api/v1/services/smokeDetector/properties/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown property status = %d, want 404", rec.Code)
	}
	if rec := get(t, srv, "/api/v1/services/nope/properties/alarm"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown service status = %d, want 404", rec.Code)
	}
}

// ============================================================================
// Metrics and commands
// ============================================================================

func TestHandleMetrics(t *testing.T) {
	srv, _, _ := testServer(t, fakeOutbox{stats: outbox.Stats{Entries: 3, Carried: 1}})

	rec := get(t, srv, "/api/v1/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var m SystemMetrics
	decode(t, rec, &m)
	if m.Device.DeviceID != "dev-api" {
		t.Errorf("device_id = %q, want dev-api", m.Device.DeviceID)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines = 0")
	}
	if m.Outbox == nil || m.Outbox.Entries != 3 || m.Outbox.Carried != 1 {
		t.Errorf("outbox = %+v, want 3 entries, 1 carried", m.Outbox)
	}
}

func TestHandleMetrics_OutboxError(t *testing.T) {
	srv, _, _ := testServer(t, fakeOutbox{err: errors.New("disk gone")})

	rec := get(t, srv, "/api/v1/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var m SystemMetrics
	decode(t, rec, &m)
	if m.Outbox != nil {
		t.Errorf("outbox = %+v, want omitted", m.Outbox)
	}
}

func TestHandleInflight_Empty(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	rec := get(t, srv, "/api/v1/commands/inflight")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Commands []json.RawMessage `json:"commands"`
		Count    int               `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 0 || body.Commands == nil {
		t.Errorf("inflight = %+v, want empty list", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	if rec := get(t, srv, "/api/v1/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}
