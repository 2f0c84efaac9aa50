package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/command"
	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/propsync"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// Logger defines the logging interface used by the Device and handed to
// every component it owns.
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

// Config holds device identity and sync tuning.
type Config struct {
	// ID is the platform device ID. Required.
	ID string

	// Secret authenticates the device. The transport consumes it; the
	// Device only carries it.
	Secret string

	Session        session.Config
	CommandTimeout time.Duration
	ReportMode     propsync.ReportMode

	// InboundQueue is the per-service queue depth for platform requests.
	InboundQueue int
}

// Stats aggregates component diagnostics.
type Stats struct {
	DeviceID string         `json:"device_id"`
	Session  session.Stats  `json:"session"`
	Sync     propsync.Stats `json:"sync"`
	Commands command.Stats  `json:"commands"`
}

// Device is one agent instance. Create it once with New, register
// services, call Init, and Close on shutdown. Sessions may be torn down
// and rebuilt any number of times in between.
//
// All public methods are thread-safe.
type Device struct {
	cfg       Config
	codec     codec.Codec
	container *container.Container
	session   *session.Manager
	engine    *propsync.Engine
	commands  *command.Dispatcher
	router    *router
	logger    Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a device that connects through transport and encodes
// payloads with cd (json when nil).
func New(cfg Config, transport session.Transport, cd codec.Codec) (*Device, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: device ID is required", ErrInvalidConfig)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if cd == nil {
		cd = codec.JSON{}
	}
	if cfg.ReportMode == "" {
		cfg.ReportMode = propsync.ReportModeService
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 64
	}

	c := container.New()
	mgr := session.New(transport, cfg.Session)
	engine := propsync.New(c, mgr, cd)
	engine.SetReportMode(cfg.ReportMode)
	commands := command.New(c, mgr, cd, cfg.CommandTimeout)

	d := &Device{
		cfg:       cfg,
		codec:     cd,
		container: c,
		session:   mgr,
		engine:    engine,
		commands:  commands,
		logger:    noopLogger{},
	}
	d.router = newRouter(d, cfg.InboundQueue)

	mgr.SetHandler(d.router)
	mgr.OnConnected(engine.SessionUp)
	mgr.OnDisconnected(engine.SessionDown)
	return d, nil
}

// SetLogger sets the logger for the device and its components.
func (d *Device) SetLogger(logger Logger) {
	d.logger = logger
	d.container.SetLogger(logger)
	d.session.SetLogger(logger)
	d.engine.SetLogger(logger)
	d.commands.SetLogger(logger)
}

// SetOutbox enables durable journaling of property reports.
// Call before Init.
func (d *Device) SetOutbox(o session.Outbox) {
	d.session.SetOutbox(o)
}

// SetObserver installs a hook called for every report sent.
func (d *Device) SetObserver(o propsync.Observer) {
	d.engine.SetObserver(o)
}

// ID returns the device ID.
func (d *Device) ID() string { return d.cfg.ID }

// AddService registers svc under name.
//
// Returns ErrDuplicateServiceName or ErrInvalidService from the container.
func (d *Device) AddService(name string, svc container.Service) error {
	if d.isClosed() {
		return ErrClosed
	}
	if err := d.container.AddService(name, svc); err != nil {
		return fmt.Errorf("adding service: %w", err)
	}
	d.logger.Info("service registered", "service", name)
	return nil
}

// GetService returns the service registered under name.
func (d *Device) GetService(name string) (container.Service, error) {
	return d.container.GetService(name)
}

// Services returns registered service names in registration order.
func (d *Device) Services() []string {
	return d.container.Names()
}

// Init starts the sync engine and establishes the first session. The
// first connection attempt is synchronous; on failure Init returns an
// error wrapping session.ErrTransport and the device may be initialized
// again later.
func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.initialized {
		d.mu.Unlock()
		return ErrAlreadyInitialized
	}
	d.initialized = true
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	if d.container.Len() == 0 {
		d.logger.Warn("initializing device with no services", "device_id", d.cfg.ID)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.engine.Run(runCtx)
	}()
	d.router.start(runCtx, &d.wg)

	if err := d.session.Start(ctx); err != nil {
		cancel()
		d.wg.Wait()
		d.router.reset()
		d.mu.Lock()
		d.initialized = false
		d.mu.Unlock()
		return fmt.Errorf("initializing device %s: %w", d.cfg.ID, err)
	}

	d.logger.Info("device initialized",
		"device_id", d.cfg.ID,
		"services", len(d.container.Names()),
		"codec", d.codec.Name(),
		"report_mode", string(d.cfg.ReportMode),
	)
	return nil
}

// FireChanged tells the platform that service's properties have changed.
// It never blocks on the network.
func (d *Device) FireChanged(service string) error {
	return d.engine.FireChanged(service)
}

// Update runs fn under the service's lock. Use it to change several
// fields atomically with respect to platform writes and commands.
func (d *Device) Update(service string, fn func() error) error {
	return d.container.Update(service, fn)
}

// Snapshot reads the current values of one service. It returns
// container.ErrServiceBusy if the service's lock is not free before ctx
// is done.
func (d *Device) Snapshot(ctx context.Context, service string) (container.Snapshot, error) {
	return d.container.Snapshot(ctx, service)
}

// SnapshotAll reads the current values of every service whose lock is
// free before ctx is done, and names the others.
func (d *Device) SnapshotAll(ctx context.Context) ([]container.Snapshot, []string) {
	return d.container.SnapshotAll(ctx)
}

// PropertyStatus returns the sync status of one property.
func (d *Device) PropertyStatus(service, property string) (propsync.PropertyStatus, bool) {
	return d.engine.Status(service, property)
}

// State returns the session state.
func (d *Device) State() session.State {
	return d.session.State()
}

// Stats returns diagnostics for every component.
func (d *Device) Stats() Stats {
	return Stats{
		DeviceID: d.cfg.ID,
		Session:  d.session.Stats(),
		Sync:     d.engine.Stats(),
		Commands: d.commands.Stats(),
	}
}

// Inflight returns the command invocations not yet answered.
func (d *Device) Inflight() []command.Invocation {
	return d.commands.Inflight()
}

// Close tears down the session and stops the device's goroutines.
// Command handlers still running are not waited for. It is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()

	err := d.session.Close()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.logger.Info("device closed", "device_id", d.cfg.ID)
	return err
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
