package session

import "context"

// Kind identifies the role of a message on the wire.
type Kind uint8

// Message kinds.
const (
	KindPropertyReport Kind = iota + 1
	KindPropertySet
	KindPropertySetResponse
	KindPropertyGet
	KindPropertyGetResponse
	KindCommand
	KindCommandResponse
	KindHeartbeat
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindPropertyReport:
		return "property_report"
	case KindPropertySet:
		return "property_set"
	case KindPropertySetResponse:
		return "property_set_response"
	case KindPropertyGet:
		return "property_get"
	case KindPropertyGetResponse:
		return "property_get_response"
	case KindCommand:
		return "command"
	case KindCommandResponse:
		return "command_response"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Inbound reports whether the platform originates messages of this kind.
func (k Kind) Inbound() bool {
	return k == KindPropertySet || k == KindPropertyGet || k == KindCommand
}

// Message is one framed unit exchanged with the platform.
type Message struct {
	// ID is assigned by the Manager to outbound messages.
	ID uint64

	// RequestID correlates a platform request with its response. It is
	// set by the transport on inbound requests and copied onto the
	// response by the handler.
	RequestID string

	Kind    Kind
	Service string
	Payload []byte
}

// Transport opens connections to the platform.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established connection.
type Conn interface {
	// Send transmits msg and returns nil once the platform side has
	// acknowledged it. An error wrapping ErrRejected fails only msg; any
	// other error tears the session down.
	Send(ctx context.Context, msg Message) error

	// Inbound delivers platform-initiated messages.
	Inbound() <-chan Message

	// Done is closed when the connection is lost.
	Done() <-chan struct{}

	// Err returns the reason the connection was lost, if any.
	Err() error

	Close() error
}

// Handler receives inbound messages. HandleMessage is called from the
// session's reader goroutine and should hand work off rather than block.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message)

// HandleMessage calls f(ctx, msg).
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) { f(ctx, msg) }
