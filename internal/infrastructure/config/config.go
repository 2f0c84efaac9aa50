package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the shadow agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig   `yaml:"device"`
	Transport string         `yaml:"transport"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Session   SessionConfig  `yaml:"session"`
	Codec     string         `yaml:"codec"`
	Outbox    OutboxConfig   `yaml:"outbox"`
	InfluxDB  InfluxDBConfig `yaml:"influxdb"`
	API       APIConfig      `yaml:"api"`
	Logging   LoggingConfig  `yaml:"logging"`
	Demo      DemoConfig     `yaml:"demo"`
}

// Transport names accepted by the transport setting.
const (
	TransportMQTT     = "mqtt"
	TransportLoopback = "loopback"
)

// DeviceConfig identifies the device to the platform.
type DeviceConfig struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	ConnectTimeout int                 `yaml:"connect_timeout"`
	KeepAlive      int                 `yaml:"keep_alive"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig overrides the credentials derived from the device
// secret. Leave empty to use the platform's timestamped scheme.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection backoff settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// SessionConfig contains session timing in seconds.
type SessionConfig struct {
	RequestTimeout    int    `yaml:"request_timeout"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	IdleTimeout       int    `yaml:"idle_timeout"`
	CommandTimeout    int    `yaml:"command_timeout"`
	QueueSize         int    `yaml:"queue_size"`
	InboundQueue      int    `yaml:"inbound_queue"`
	ReportMode        string `yaml:"report_mode"`
}

// OutboxConfig contains the SQLite report journal settings.
type OutboxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local diagnostics HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DemoConfig controls the bundled smoke detector simulation.
type DemoConfig struct {
	Enabled        bool `yaml:"enabled"`
	ReportInterval int  `yaml:"report_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SHADOW_SECTION_KEY
// For example: SHADOW_DEVICE_ID, SHADOW_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Transport: TransportMQTT,
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS:            1,
			ConnectTimeout: 10,
			KeepAlive:      120,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Session: SessionConfig{
			RequestTimeout:    30,
			HeartbeatInterval: 30,
			IdleTimeout:       0,
			CommandTimeout:    30,
			QueueSize:         256,
			InboundQueue:      64,
			ReportMode:        "service",
		},
		Codec: "json",
		Outbox: OutboxConfig{
			Path:        "./data/outbox.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Demo: DemoConfig{
			Enabled:        true,
			ReportInterval: 10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SHADOW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device identity (IMPORTANT: keep the secret out of the config file)
	if v := os.Getenv("SHADOW_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("SHADOW_DEVICE_SECRET"); v != "" {
		cfg.Device.Secret = v
	}

	// MQTT
	if v := os.Getenv("SHADOW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SHADOW_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}

	// Outbox
	if v := os.Getenv("SHADOW_OUTBOX_PATH"); v != "" {
		cfg.Outbox.Path = v
	}

	// InfluxDB
	if v := os.Getenv("SHADOW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required (set SHADOW_DEVICE_ID environment variable)")
	}

	switch c.Transport {
	case TransportMQTT:
		if c.Device.Secret == "" && c.MQTT.Auth.Password == "" {
			errs = append(errs, "device.secret is required (set SHADOW_DEVICE_SECRET environment variable)")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
	case TransportLoopback:
	default:
		errs = append(errs, fmt.Sprintf("transport must be %q or %q", TransportMQTT, TransportLoopback))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Session.RequestTimeout < 1 {
		errs = append(errs, "session.request_timeout must be at least 1 second")
	}
	if c.Session.HeartbeatInterval < 0 || c.Session.IdleTimeout < 0 {
		errs = append(errs, "session.heartbeat_interval and session.idle_timeout must not be negative")
	}
	if c.Session.IdleTimeout > 0 && c.Session.HeartbeatInterval > 0 && c.Session.IdleTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, "session.idle_timeout must exceed session.heartbeat_interval")
	}
	switch c.Session.ReportMode {
	case "", "service", "changed":
	default:
		errs = append(errs, "session.report_mode must be \"service\" or \"changed\"")
	}

	switch c.Codec {
	case "", "json", "cbor":
	default:
		errs = append(errs, "codec must be \"json\" or \"cbor\"")
	}

	if c.Outbox.Enabled && c.Outbox.Path == "" {
		errs = append(errs, "outbox.path is required when outbox is enabled")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Demo.Enabled && c.Demo.ReportInterval < 1 {
		errs = append(errs, "demo.report_interval must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetRequestTimeout returns the session request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration { return seconds(c.Session.RequestTimeout) }

// GetHeartbeatInterval returns the heartbeat interval as a Duration.
func (c *Config) GetHeartbeatInterval() time.Duration { return seconds(c.Session.HeartbeatInterval) }

// GetIdleTimeout returns the session idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration { return seconds(c.Session.IdleTimeout) }

// GetCommandTimeout returns the command handler deadline as a Duration.
func (c *Config) GetCommandTimeout() time.Duration { return seconds(c.Session.CommandTimeout) }

// GetConnectTimeout returns the MQTT connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration { return seconds(c.MQTT.ConnectTimeout) }

// GetReconnectInitialDelay returns the first reconnect delay as a Duration.
func (c *Config) GetReconnectInitialDelay() time.Duration {
	return seconds(c.MQTT.Reconnect.InitialDelay)
}

// GetReconnectMaxDelay returns the reconnect delay cap as a Duration.
func (c *Config) GetReconnectMaxDelay() time.Duration { return seconds(c.MQTT.Reconnect.MaxDelay) }

// GetReportInterval returns the demo report interval as a Duration.
func (c *Config) GetReportInterval() time.Duration { return seconds(c.Demo.ReportInterval) }

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration { return seconds(c.API.Timeouts.Read) }

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }

// GetAPIIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetAPIIdleTimeout() time.Duration { return seconds(c.API.Timeouts.Idle) }
