package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/shadow-agent/internal/command"
	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/device"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/config"
	"github.com/nerrad567/shadow-agent/internal/outbox"
	"github.com/nerrad567/shadow-agent/internal/propsync"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// snapshotWait bounds how long a request waits for a busy service.
const snapshotWait = 2 * time.Second

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 5 * time.Second

// Logger is the logging surface the server needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Agent is the read-only view of the device the API serves.
// *device.Device implements it.
type Agent interface {
	ID() string
	Services() []string
	GetService(name string) (container.Service, error)
	Snapshot(ctx context.Context, service string) (container.Snapshot, error)
	PropertyStatus(service, property string) (propsync.PropertyStatus, bool)
	State() session.State
	Stats() device.Stats
	Inflight() []command.Invocation
}

// OutboxStatter reports the durable outbox state. *outbox.Store implements it.
type OutboxStatter interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// HealthChecker reports whether an optional component is working.
// *influxdb.Client implements it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  Logger
	Agent   Agent
	Outbox  OutboxStatter // optional
	History HealthChecker // optional
	Version string
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg       config.APIConfig
	logger    Logger
	agent     Agent
	outbox    OutboxStatter
	history   HealthChecker
	version   string
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("%w: agent", ErrMissingDependency)
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		agent:     deps.Agent,
		outbox:    deps.Outbox,
		history:   deps.History,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start binds the listener and serves in a background goroutine. Binding
// happens before Start returns, so a port already in use is reported here.
func (s *Server) Start(_ context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
