package codec

import (
	"time"

	"github.com/nerrad567/shadow-agent/internal/container"
)

// EventTimeLayout is the compact UTC timestamp used in event_time fields.
const EventTimeLayout = "20060102T150405Z"

// ServiceProperties carries the property values of one service.
type ServiceProperties struct {
	ServiceID  string         `json:"service_id" cbor:"service_id"`
	Properties map[string]any `json:"properties" cbor:"properties"`
	EventTime  string         `json:"event_time,omitempty" cbor:"event_time,omitempty"`
}

// Report is a device → platform property report.
type Report struct {
	Services []ServiceProperties `json:"services" cbor:"services"`
}

// PropertySetRequest is a platform write of one or more services.
type PropertySetRequest struct {
	ObjectDeviceID string              `json:"object_device_id,omitempty" cbor:"object_device_id,omitempty"`
	Services       []ServiceProperties `json:"services" cbor:"services"`
}

// PropertySetResponse answers a PropertySetRequest.
type PropertySetResponse struct {
	ResultCode int    `json:"result_code" cbor:"result_code"`
	ResultDesc string `json:"result_desc,omitempty" cbor:"result_desc,omitempty"`
}

// PropertyGetRequest is a platform query of the current shadow. An empty
// ServiceID asks for every service.
type PropertyGetRequest struct {
	ObjectDeviceID string `json:"object_device_id,omitempty" cbor:"object_device_id,omitempty"`
	ServiceID      string `json:"service_id,omitempty" cbor:"service_id,omitempty"`
}

// PropertyGetResponse answers a PropertyGetRequest. A non-zero ResultCode
// means the query failed and Services is empty.
type PropertyGetResponse struct {
	ResultCode int                 `json:"result_code" cbor:"result_code"`
	ResultDesc string              `json:"result_desc,omitempty" cbor:"result_desc,omitempty"`
	Services   []ServiceProperties `json:"services" cbor:"services"`
}

// CommandRequest is a platform command invocation.
type CommandRequest struct {
	ObjectDeviceID string         `json:"object_device_id,omitempty" cbor:"object_device_id,omitempty"`
	ServiceID      string         `json:"service_id" cbor:"service_id"`
	CommandName    string         `json:"command_name" cbor:"command_name"`
	Paras          map[string]any `json:"paras,omitempty" cbor:"paras,omitempty"`
}

// CommandResponse answers a CommandRequest.
type CommandResponse struct {
	ResultCode   int            `json:"result_code" cbor:"result_code"`
	ResponseName string         `json:"response_name,omitempty" cbor:"response_name,omitempty"`
	Paras        map[string]any `json:"paras,omitempty" cbor:"paras,omitempty"`
}

// FromSnapshot converts a container snapshot to its wire form.
func FromSnapshot(s container.Snapshot) ServiceProperties {
	sp := ServiceProperties{
		ServiceID:  s.Service,
		Properties: s.Properties,
	}
	if !s.Time.IsZero() {
		sp.EventTime = s.Time.UTC().Format(EventTimeLayout)
	}
	return sp
}

// NewReport builds a report from one or more snapshots.
func NewReport(snaps ...container.Snapshot) Report {
	r := Report{Services: make([]ServiceProperties, 0, len(snaps))}
	for _, s := range snaps {
		r.Services = append(r.Services, FromSnapshot(s))
	}
	return r
}

// ToSnapshot converts a wire ServiceProperties back to a snapshot. An
// unparseable event time leaves Time zero.
func ToSnapshot(sp ServiceProperties) container.Snapshot {
	s := container.Snapshot{Service: sp.ServiceID, Properties: sp.Properties}
	if sp.EventTime != "" {
		if t, err := time.Parse(EventTimeLayout, sp.EventTime); err == nil {
			s.Time = t
		}
	}
	return s
}

// targetHeader picks out the target service of any inbound request.
type targetHeader struct {
	ServiceID string `json:"service_id" cbor:"service_id"`
	Services  []struct {
		ServiceID string `json:"service_id" cbor:"service_id"`
	} `json:"services" cbor:"services"`
}

// ServiceOf returns the service an inbound payload is addressed to, or ""
// if it names none (or several) or cannot be decoded.
func ServiceOf(c Codec, data []byte) string {
	var p targetHeader
	if err := c.Unmarshal(data, &p); err != nil {
		return ""
	}
	if p.ServiceID != "" {
		return p.ServiceID
	}
	if len(p.Services) == 1 {
		return p.Services[0].ServiceID
	}
	return ""
}
