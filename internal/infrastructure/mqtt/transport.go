package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/shadow-agent/internal/infrastructure/config"
	"github.com/nerrad567/shadow-agent/internal/session"
)

// inboundBuffer is the per-connection queue between paho's router and
// the session reader.
const inboundBuffer = 64

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Transport dials the IoT platform over MQTT. It implements
// session.Transport: every Dial creates a fresh paho client with fresh
// credentials and the request subscriptions in place.
type Transport struct {
	cfg    config.MQTTConfig
	device config.DeviceConfig
	topics Topics
	now    func() time.Time

	mu     sync.RWMutex
	logger Logger
}

// NewTransport creates an MQTT transport for one device.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//   - device: Device identity; Secret feeds the derived password
//
// Returns:
//   - *Transport: Transport ready to Dial
//   - error: If the QoS level is out of range
func NewTransport(cfg config.MQTTConfig, device config.DeviceConfig) (*Transport, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	return &Transport{
		cfg:    cfg,
		device: device,
		topics: Topics{DeviceID: device.ID},
		now:    time.Now,
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger used for handler errors and dropped messages.
func (t *Transport) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.mu.Lock()
	t.logger = logger
	t.mu.Unlock()
}

func (t *Transport) getLogger() Logger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.logger
}

// Topics returns the topic builder for this device.
func (t *Transport) Topics() Topics { return t.topics }

// Credentials returns the identity for the next dial. Explicit client ID,
// username and password in the config take precedence over derived ones.
func (t *Transport) Credentials() Credentials {
	creds := DeriveCredentials(t.device.ID, t.device.Secret, t.now())
	if t.cfg.Broker.ClientID != "" {
		creds.ClientID = t.cfg.Broker.ClientID
	}
	if t.cfg.Auth.Username != "" {
		creds.Username = t.cfg.Auth.Username
	}
	if t.cfg.Auth.Password != "" {
		creds.Password = t.cfg.Auth.Password
	}
	return creds
}

// Dial connects, subscribes to the request topics and returns the live
// connection. It honours ctx while waiting for CONNACK and SUBACK.
func (t *Transport) Dial(ctx context.Context) (session.Conn, error) {
	creds := t.Credentials()
	opts := buildClientOptions(t.cfg, creds)

	c := &conn{
		topics:  t.topics,
		qos:     byte(t.cfg.QoS),
		logger:  t.getLogger(),
		inbound: make(chan session.Message, inboundBuffer),
		done:    make(chan struct{}),
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.lost(err)
	})

	c.client = pahomqtt.NewClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(t.cfg), err)
	}

	filters := make(map[string]byte, 3)
	for _, f := range t.topics.Subscriptions() {
		filters[f] = c.qos
	}
	if err := wait(ctx, c.client.SubscribeMultiple(filters, c.wrapHandler())); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return c, nil
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is one paho client bound to one session.
type conn struct {
	client pahomqtt.Client
	topics Topics
	qos    byte
	logger Logger

	inbound chan session.Message

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Send publishes msg and returns once the broker acknowledges it (PUBACK
// at QoS 1, PUBCOMP at QoS 2, the write itself at QoS 0).
//
// Heartbeats publish nothing; MQTT keepalive pings already prove
// liveness, so a heartbeat only checks the connection is still open.
//
// A message that cannot be addressed or is too large is refused with an
// error wrapping session.ErrRejected; the connection is unaffected.
func (c *conn) Send(ctx context.Context, msg session.Message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	if msg.Kind == session.KindHeartbeat {
		if !c.client.IsConnectionOpen() {
			return ErrNotConnected
		}
		return nil
	}

	topic, err := c.topics.Outbound(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", session.ErrRejected, err)
	}
	if len(msg.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: %w: payload size %d exceeds maximum %d bytes",
			session.ErrRejected, ErrPublishFailed, len(msg.Payload), maxPayloadSize)
	}

	tok := c.client.Publish(topic, c.qos, false, msg.Payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	}
}

func (c *conn) Inbound() <-chan session.Message { return c.inbound }
func (c *conn) Done() <-chan struct{}           { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects from the broker. It is safe to call more than once.
func (c *conn) Close() error {
	c.finish(nil)
	c.client.Disconnect(disconnectQuiesce)
	return nil
}

func (c *conn) lost(err error) {
	c.finish(fmt.Errorf("%w: %w", ErrNotConnected, err))
}

func (c *conn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// wrapHandler converts paho deliveries into session messages, with panic
// recovery so a bad payload can never take down paho's router.
func (c *conn) wrapHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered",
					"topic", m.Topic(),
					"panic", r,
				)
			}
		}()

		kind, requestID, ok := c.topics.ParseInbound(m.Topic())
		if !ok {
			c.logger.Debug("ignoring MQTT message", "topic", m.Topic())
			return
		}

		payload := append([]byte(nil), m.Payload()...)
		select {
		case c.inbound <- session.Message{Kind: kind, RequestID: requestID, Payload: payload}:
		case <-c.done:
			c.logger.Warn("MQTT request arrived after close", "topic", m.Topic())
		}
	}
}
