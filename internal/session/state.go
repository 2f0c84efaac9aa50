package session

import (
	"fmt"
	"time"
)

// State represents the connection state of a Manager.
type State uint8

const (
	// StateDisconnected indicates no active session.
	StateDisconnected State = iota

	// StateConnecting indicates a dial (or backoff before one) is in progress.
	StateConnecting

	// StateConnected indicates an established session.
	StateConnected

	// StateClosed indicates the manager has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateDisconnected; c <= StateClosed; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Config holds session timing and queueing parameters.
type Config struct {
	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration

	// RequestTimeout bounds how long a Pending waits for its ack.
	RequestTimeout time.Duration

	// HeartbeatInterval is the idle period after which a heartbeat is
	// sent. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// IdleTimeout tears the session down when nothing was received or
	// acknowledged for this long. Zero disables the check.
	IdleTimeout time.Duration

	// QueueSize is the capacity of the outbound queue. Outbox entries
	// replayed on connect do not count against it.
	QueueSize int

	// StableAfter is how long a session must stay up before the reconnect
	// backoff starts again from its initial delay.
	StableAfter time.Duration

	Backoff BackoffConfig
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		QueueSize:         256,
		StableAfter:       30 * time.Second,
		Backoff: BackoffConfig{
			Initial:    InitialBackoff,
			Max:        MaxBackoff,
			Multiplier: BackoffMultiplier,
			Jitter:     JitterFactor,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	return c
}

// Stats is a point-in-time view of a Manager for diagnostics.
type Stats struct {
	State       State     `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Sessions    uint64    `json:"sessions"`
	Reconnects  uint64    `json:"reconnects"`
	Acked       uint64    `json:"acked"`
	TimedOut    uint64    `json:"timed_out"`
	Lost        uint64    `json:"lost"`
	Rejected    uint64    `json:"rejected"`
	Pending     int       `json:"pending"`
	Queued      int       `json:"queued"`
}
