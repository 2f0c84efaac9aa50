// Package demo contains the smoke detector service shipped with the
// agent, plus the loop that feeds it simulated readings.
package demo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nerrad567/shadow-agent/internal/schema"
)

// ServiceName is the registration name of the smoke detector.
const ServiceName = "smokeDetector"

// Logger defines the logging interface used by the demo service.
type Logger interface {
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Readings is a copy of the detector's current state.
type Readings struct {
	Alarm         int64
	Concentration float64
	Humidity      int64
	Temperature   float64
}

// SmokeDetector exposes one writable alarm flag, three read-only sensor
// readings and a ringAlarm command.
type SmokeDetector struct {
	mu            sync.Mutex
	smokeAlarm    int64
	concentration float64
	humidity      int64
	temperature   float64
	lastRing      time.Duration

	schema *schema.Schema
	logger Logger
}

// NewSmokeDetector builds the detector and its schema. The alarm starts
// enabled.
func NewSmokeDetector(logger Logger) (*SmokeDetector, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	sd := &SmokeDetector{smokeAlarm: 1, logger: logger, schema: schema.New()}

	props := []schema.PropertySpec{
		{
			Name:     "alarm",
			Type:     schema.TypeInteger,
			Writable: true,
			Get:      func() any { return sd.get().Alarm },
			Set: func(v any) error {
				sd.mu.Lock()
				sd.smokeAlarm = v.(int64)
				sd.mu.Unlock()
				return nil
			},
		},
		{
			Name: "smokeConcentration",
			Type: schema.TypeFloat,
			Get:  func() any { return sd.get().Concentration },
		},
		{
			Name: "humidity",
			Type: schema.TypeInteger,
			Get:  func() any { return sd.get().Humidity },
		},
		{
			Name: "temperature",
			Type: schema.TypeFloat,
			Get:  func() any { return sd.get().Temperature },
		},
	}
	for _, p := range props {
		if err := sd.schema.RegisterProperty(p); err != nil {
			return nil, fmt.Errorf("smoke detector: %w", err)
		}
	}

	err := sd.schema.RegisterCommand(schema.CommandSpec{
		Name:    "ringAlarm",
		Params:  map[string]schema.ValueType{"duration": schema.TypeInteger},
		Handler: sd.ringAlarm,
	})
	if err != nil {
		return nil, fmt.Errorf("smoke detector: %w", err)
	}
	return sd, nil
}

// Schema implements container.Service.
func (sd *SmokeDetector) Schema() *schema.Schema { return sd.schema }

func (sd *SmokeDetector) get() Readings {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return Readings{
		Alarm:         sd.smokeAlarm,
		Concentration: sd.concentration,
		Humidity:      sd.humidity,
		Temperature:   sd.temperature,
	}
}

// Readings returns the current state.
func (sd *SmokeDetector) Readings() Readings { return sd.get() }

// LastRing returns the duration requested by the most recent ringAlarm.
func (sd *SmokeDetector) LastRing() time.Duration {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.lastRing
}

// Set replaces the sensor readings. The alarm flag is left alone.
func (sd *SmokeDetector) Set(concentration, temperature float64, humidity int64) {
	sd.mu.Lock()
	sd.concentration = concentration
	sd.temperature = temperature
	sd.humidity = humidity
	sd.mu.Unlock()
}

// ringAlarm takes duration in seconds.
func (sd *SmokeDetector) ringAlarm(_ context.Context, params map[string]any) (schema.Response, error) {
	duration, ok := params["duration"].(int64)
	if !ok {
		return schema.Response{}, fmt.Errorf("duration is required")
	}
	sd.mu.Lock()
	sd.lastRing = time.Duration(duration) * time.Second
	sd.mu.Unlock()

	sd.logger.Info("ringAlarm", "duration", duration)
	return schema.OK(nil), nil
}

// Updater is the slice of the Device API the simulation loop needs.
type Updater interface {
	Update(service string, fn func() error) error
	FireChanged(service string) error
}

// Simulate writes random readings into sd and fires a change every
// interval until ctx is done.
func Simulate(ctx context.Context, dev Updater, sd *SmokeDetector, interval time.Duration, rng *rand.Rand) error {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // simulated readings
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := dev.Update(ServiceName, func() error {
			sd.Set(rng.Float64()*100, rng.Float64()*100, int64(rng.Intn(100)))
			return dev.FireChanged(ServiceName)
		})
		if err != nil {
			return fmt.Errorf("simulating readings: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
