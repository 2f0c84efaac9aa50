package mqtt

import (
	"fmt"
	"strings"

	"github.com/nerrad567/shadow-agent/internal/session"
)

// TopicPrefix is the root of every device topic.
const TopicPrefix = "$oc/devices"

// requestIDKey prefixes the final level of request and response topics.
const requestIDKey = "request_id="

// Topics builds the platform topics for one device.
//
//	topics := mqtt.Topics{DeviceID: "6543_smoke"}
//	topics.PropertiesReport()
//	// Returns: "$oc/devices/6543_smoke/sys/properties/report"
type Topics struct {
	DeviceID string
}

func (t Topics) sys() string {
	return fmt.Sprintf("%s/%s/sys", TopicPrefix, t.DeviceID)
}

// PropertiesReport is where the device publishes property reports.
func (t Topics) PropertiesReport() string {
	return t.sys() + "/properties/report"
}

// PropertiesSet matches platform write requests.
func (t Topics) PropertiesSet() string {
	return t.sys() + "/properties/set/#"
}

// PropertiesSetResponse returns the topic for the response to a write request.
//
// Example: $oc/devices/6543_smoke/sys/properties/set/response/request_id=42
func (t Topics) PropertiesSetResponse(requestID string) string {
	return t.sys() + "/properties/set/response/" + requestIDKey + requestID
}

// PropertiesGet matches platform property queries.
func (t Topics) PropertiesGet() string {
	return t.sys() + "/properties/get/#"
}

// PropertiesGetResponse returns the topic for the response to a query.
func (t Topics) PropertiesGetResponse(requestID string) string {
	return t.sys() + "/properties/get/response/" + requestIDKey + requestID
}

// Commands matches platform command requests.
func (t Topics) Commands() string {
	return t.sys() + "/commands/#"
}

// CommandResponse returns the topic for the response to a command.
func (t Topics) CommandResponse(requestID string) string {
	return t.sys() + "/commands/response/" + requestIDKey + requestID
}

// Subscriptions returns every filter the device listens on.
func (t Topics) Subscriptions() []string {
	return []string{t.PropertiesSet(), t.PropertiesGet(), t.Commands()}
}

// Outbound returns the topic msg is published on.
func (t Topics) Outbound(msg session.Message) (string, error) {
	if msg.Kind == session.KindPropertyReport {
		return t.PropertiesReport(), nil
	}

	var build func(string) string
	switch msg.Kind {
	case session.KindPropertySetResponse:
		build = t.PropertiesSetResponse
	case session.KindPropertyGetResponse:
		build = t.PropertiesGetResponse
	case session.KindCommandResponse:
		build = t.CommandResponse
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, msg.Kind)
	}
	if msg.RequestID == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingRequestID, msg.Kind)
	}
	return build(msg.RequestID), nil
}

// ParseInbound classifies a topic received on one of the request
// subscriptions. ok is false for topics that are not requests to this
// device, including our own responses echoed back by the broker.
//
// Example:
//
//	kind, id, ok := topics.ParseInbound("$oc/devices/d1/sys/commands/request_id=7")
//	// kind = session.KindCommand, id = "7", ok = true
func (t Topics) ParseInbound(topic string) (kind session.Kind, requestID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.sys()+"/")
	if !found || strings.Contains(rest, "/response/") {
		return 0, "", false
	}

	switch {
	case strings.HasPrefix(rest, "properties/set/"):
		kind = session.KindPropertySet
	case strings.HasPrefix(rest, "properties/get/"):
		kind = session.KindPropertyGet
	case strings.HasPrefix(rest, "commands/"):
		kind = session.KindCommand
	default:
		return 0, "", false
	}

	last := rest[strings.LastIndex(rest, "/")+1:]
	requestID, found = strings.CutPrefix(last, requestIDKey)
	if !found || requestID == "" {
		return 0, "", false
	}
	return kind, requestID, true
}
