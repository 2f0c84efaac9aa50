package mqtt

import (
	"errors"
	"testing"

	"github.com/nerrad567/shadow-agent/internal/session"
)

func TestTopics_Outbound(t *testing.T) {
	topics := Topics{DeviceID: "dev-1"}

	tests := []struct {
		name    string
		msg     session.Message
		want    string
		wantErr error
	}{
		{
			name: "report",
			msg:  session.Message{Kind: session.KindPropertyReport},
			want: "$oc/devices/dev-1/sys/properties/report",
		},
		{
			name: "set response",
			msg:  session.Message{Kind: session.KindPropertySetResponse, RequestID: "42"},
			want: "$oc/devices/dev-1/sys/properties/set/response/request_id=42",
		},
		{
			name: "get response",
			msg:  session.Message{Kind: session.KindPropertyGetResponse, RequestID: "43"},
			want: "$oc/devices/dev-1/sys/properties/get/response/request_id=43",
		},
		{
			name: "command response",
			msg:  session.Message{Kind: session.KindCommandResponse, RequestID: "44"},
			want: "$oc/devices/dev-1/sys/commands/response/request_id=44",
		},
		{
			name:    "response without request id",
			msg:     session.Message{Kind: session.KindCommandResponse},
			wantErr: ErrMissingRequestID,
		},
		{
			name:    "inbound kind",
			msg:     session.Message{Kind: session.KindCommand, RequestID: "1"},
			wantErr: ErrUnsupportedKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := topics.Outbound(tt.msg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Outbound() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Outbound() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Outbound() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTopics_ParseInbound(t *testing.T) {
	topics := Topics{DeviceID: "dev-1"}

	tests := []struct {
		topic    string
		wantKind session.Kind
		wantID   string
		wantOK   bool
	}{
		{"$oc/devices/dev-1/sys/properties/set/request_id=1", session.KindPropertySet, "1", true},
		{"$oc/devices/dev-1/sys/properties/get/request_id=2", session.KindPropertyGet, "2", true},
		{"$oc/devices/dev-1/sys/commands/request_id=abc-3", session.KindCommand, "abc-3", true},
		{"$oc/devices/dev-1/sys/commands/response/request_id=3", 0, "", false},
		{"$oc/devices/dev-1/sys/properties/set/response/request_id=1", 0, "", false},
		{"$oc/devices/dev-2/sys/commands/request_id=4", 0, "", false},
		{"$oc/devices/dev-1/sys/commands/", 0, "", false},
		{"$oc/devices/dev-1/sys/commands/request_id=", 0, "", false},
		{"$oc/devices/dev-1/sys/events/down", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			kind, id, ok := topics.ParseInbound(tt.topic)
			if ok != tt.wantOK || kind != tt.wantKind || id != tt.wantID {
				t.Errorf("ParseInbound() = (%v, %q, %v), want (%v, %q, %v)",
					kind, id, ok, tt.wantKind, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestTopics_SubscriptionsCoverRequests(t *testing.T) {
	topics := Topics{DeviceID: "dev-1"}
	subs := topics.Subscriptions()
	if len(subs) != 3 {
		t.Fatalf("Subscriptions() len = %d, want 3", len(subs))
	}
	for _, s := range subs {
		if s[len(s)-1] != '#' {
			t.Errorf("subscription %q is not a multi-level filter", s)
		}
	}
}
