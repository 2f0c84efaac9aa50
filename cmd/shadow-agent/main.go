// Shadow Agent - device-side property and command sync.
//
// This is the main entry point for the shadow agent. It connects one
// device to the platform, keeps the platform's shadow of the device's
// services in step with their live values, and executes platform
// commands. Without a broker it runs on an in-process loopback.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/shadow-agent/internal/api"
	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/demo"
	"github.com/nerrad567/shadow-agent/internal/device"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/config"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/influxdb"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/logging"
	"github.com/nerrad567/shadow-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/shadow-agent/internal/outbox"
	"github.com/nerrad567/shadow-agent/internal/propsync"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(device.ExitCode(err))
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure. The
//     error class selects the exit code (see device.ExitCode).
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting shadow agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: loading config: %w", device.ErrInvalidConfig, err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version).ForDevice(cfg.Device.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	cd, err := codec.New(cfg.Codec)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrInvalidConfig, err)
	}
	mode, err := propsync.ParseReportMode(cfg.Session.ReportMode)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrInvalidConfig, err)
	}

	transport, err := buildTransport(ctx, cfg, log)
	if err != nil {
		return err
	}

	// Durable outbox (optional)
	var store *outbox.Store
	if cfg.Outbox.Enabled {
		store, err = outbox.Open(ctx, cfg.Outbox)
		if err != nil {
			return fmt.Errorf("opening outbox: %w", err)
		}
		// Deferred before the device's Close so the device stops writing first.
		defer func() {
			log.Info("closing outbox")
			if closeErr := store.Close(); closeErr != nil {
				log.Error("error closing outbox", "error", closeErr)
			}
		}()
		log.Info("outbox opened", "path", cfg.Outbox.Path, "origin", store.Origin())
	}

	dev, err := device.New(deviceConfig(cfg, mode), transport, cd)
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}
	dev.SetLogger(log)
	if store != nil {
		dev.SetOutbox(store)
	}
	defer func() {
		if closeErr := dev.Close(); closeErr != nil {
			log.Error("error closing device", "error", closeErr)
		}
	}()

	// Report history in InfluxDB (optional)
	var history *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB, influxdb.Options{DeviceID: cfg.Device.ID})
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection", "failed_batches", influxClient.Failures())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		dev.SetObserver(influxdb.NewRecorder(influxClient))
		history = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Services
	var detector *demo.SmokeDetector
	if cfg.Demo.Enabled {
		detector, err = demo.NewSmokeDetector(log)
		if err != nil {
			return fmt.Errorf("creating demo service: %w", err)
		}
		if err := dev.AddService(demo.ServiceName, detector); err != nil {
			return fmt.Errorf("registering demo service: %w", err)
		}
	}

	if err := dev.Init(ctx); err != nil {
		return err
	}

	// Diagnostics API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Agent:   dev,
			Version: version,
		}
		if store != nil {
			deps.Outbox = store
		}
		if history != nil {
			deps.History = history
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("shadow agent started successfully",
		"transport", cfg.Transport,
		"services", len(dev.Services()),
	)

	if detector != nil {
		go func() {
			if simErr := demo.Simulate(ctx, dev, detector, cfg.GetReportInterval(), nil); simErr != nil &&
				!errors.Is(simErr, device.ErrClosed) {
				log.Warn("demo simulation stopped", "error", simErr)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutdown signal received, stopping...")
	log.Info("shadow agent stopped")
	return nil
}

// buildTransport selects the platform transport named by cfg.Transport.
// The loopback transport's outbound messages are drained and logged.
func buildTransport(ctx context.Context, cfg *config.Config, log *logging.Logger) (session.Transport, error) {
	switch cfg.Transport {
	case config.TransportLoopback:
		lb := session.NewLoopback(0)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-lb.Sent():
					log.Debug("loopback send",
						"kind", msg.Kind.String(),
						"service", msg.Service,
						"bytes", len(msg.Payload),
					)
				}
			}
		}()
		log.Info("using loopback transport")
		return lb, nil

	default:
		t, err := mqtt.NewTransport(cfg.MQTT, cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", device.ErrInvalidConfig, err)
		}
		t.SetLogger(log)
		log.Info("using MQTT transport",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", t.Credentials().ClientID,
		)
		return t, nil
	}
}

// deviceConfig maps the file configuration onto device.Config.
func deviceConfig(cfg *config.Config, mode propsync.ReportMode) device.Config {
	sc := session.DefaultConfig()
	sc.ConnectTimeout = cfg.GetConnectTimeout()
	sc.RequestTimeout = cfg.GetRequestTimeout()
	sc.HeartbeatInterval = cfg.GetHeartbeatInterval()
	sc.IdleTimeout = cfg.GetIdleTimeout()
	sc.QueueSize = cfg.Session.QueueSize
	sc.Backoff.Initial = cfg.GetReconnectInitialDelay()
	sc.Backoff.Max = cfg.GetReconnectMaxDelay()

	return device.Config{
		ID:             cfg.Device.ID,
		Secret:         cfg.Device.Secret,
		Session:        sc,
		CommandTimeout: cfg.GetCommandTimeout(),
		ReportMode:     mode,
		InboundQueue:   cfg.Session.InboundQueue,
	}
}

// getConfigPath returns the configuration file path.
// Uses SHADOW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SHADOW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
