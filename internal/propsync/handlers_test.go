package propsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/shadow-agent/internal/codec"
	"github.com/nerrad567/shadow-agent/internal/container"
	"github.com/nerrad567/shadow-agent/internal/schema"
	"github.com/nerrad567/shadow-agent/internal/session"
)

func writeRequest(t *testing.T, services ...codec.ServiceProperties) session.Message {
	t.Helper()
	payload, err := (codec.JSON{}).Marshal(codec.PropertySetRequest{Services: services})
	if err != nil {
		t.Fatalf("encoding write request: %v", err)
	}
	return session.Message{Kind: session.KindPropertySet, RequestID: "req-1", Payload: payload}
}

func writeResponse(t *testing.T, p *fakePublisher) codec.PropertySetResponse {
	t.Helper()
	msgs := p.messages()
	if len(msgs) == 0 {
		t.Fatal("no response published")
	}
	last := msgs[len(msgs)-1]
	if last.Kind != session.KindPropertySetResponse || last.RequestID != "req-1" {
		t.Fatalf("response = kind %s request %q, want property_set_response req-1", last.Kind, last.RequestID)
	}
	var resp codec.PropertySetResponse
	if err := (codec.JSON{}).Unmarshal(last.Payload, &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestHandleWrite(t *testing.T) {
	tests := []struct {
		name      string
		services  []codec.ServiceProperties
		wantCode  int
		wantErr   error
		wantAlarm int64
	}{
		{
			name:      "writable property",
			services:  []codec.ServiceProperties{{ServiceID: "a", Properties: map[string]any{"alarm": 0}}},
			wantCode:  schema.CodeSuccess,
			wantAlarm: 0,
		},
		{
			name:      "read-only property",
			services:  []codec.ServiceProperties{{ServiceID: "a", Properties: map[string]any{"humidity": 10}}},
			wantCode:  schema.CodeFailure,
			wantErr:   container.ErrPropertyNotWritable,
			wantAlarm: 1,
		},
		{
			name:      "unknown service",
			services:  []codec.ServiceProperties{{ServiceID: "zz", Properties: map[string]any{"alarm": 0}}},
			wantCode:  schema.CodeUnknownTarget,
			wantErr:   container.ErrUnknownService,
			wantAlarm: 1,
		},
		{
			name:      "wrong type",
			services:  []codec.ServiceProperties{{ServiceID: "a", Properties: map[string]any{"alarm": "off"}}},
			wantCode:  schema.CodeTypeMismatch,
			wantErr:   container.ErrTypeMismatch,
			wantAlarm: 1,
		},
		{
			name: "second service invalid applies nothing",
			services: []codec.ServiceProperties{
				{ServiceID: "a", Properties: map[string]any{"alarm": 0}},
				{ServiceID: "b", Properties: map[string]any{"humidity": 1}},
			},
			wantCode:  schema.CodeFailure,
			wantErr:   container.ErrPropertyNotWritable,
			wantAlarm: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.engine.HandleWrite(context.Background(), writeRequest(t, tt.services...))

			if tt.wantErr == nil && err != nil {
				t.Fatalf("HandleWrite() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleWrite() error = %v, want %v", err, tt.wantErr)
			}

			resp := writeResponse(t, f.pub)
			if resp.ResultCode != tt.wantCode {
				t.Errorf("result_code = %d, want %d", resp.ResultCode, tt.wantCode)
			}
			if f.a.alarm != tt.wantAlarm {
				t.Errorf("alarm = %d, want %d", f.a.alarm, tt.wantAlarm)
			}
			if f.a.humidity != 40 || f.b.humidity != 40 {
				t.Errorf("read-only humidity changed: a=%d b=%d", f.a.humidity, f.b.humidity)
			}
		})
	}
}

func TestHandleWrite_RecordsReportedValue(t *testing.T) {
	f := newFixture(t)
	_ = f.engine.FireChanged("a")

	if err := f.engine.HandleWrite(context.Background(), writeRequest(t,
		codec.ServiceProperties{ServiceID: "a", Properties: map[string]any{"alarm": 0}},
	)); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}

	st, ok := f.engine.Status("a", "alarm")
	if !ok {
		t.Fatal("Status(a, alarm) not found")
	}
	if st.Dirty || st.LastReported != int64(0) {
		t.Errorf("Status(a, alarm) = %+v, want clean with last reported 0", st)
	}
	if st, _ := f.engine.Status("a", "humidity"); !st.Dirty {
		t.Error("unwritten humidity lost its dirty flag")
	}
}

func TestHandleWrite_Malformed(t *testing.T) {
	f := newFixture(t)
	msg := session.Message{Kind: session.KindPropertySet, RequestID: "req-1", Payload: []byte("{")}
	if err := f.engine.HandleWrite(context.Background(), msg); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("HandleWrite() error = %v, want ErrMalformedRequest", err)
	}
	if resp := writeResponse(t, f.pub); resp.ResultCode == schema.CodeSuccess {
		t.Error("malformed write answered with success")
	}
}

func TestHandleGet(t *testing.T) {
	f := newFixture(t)
	f.b.set(3, 77)

	payload, _ := (codec.JSON{}).Marshal(codec.PropertyGetRequest{ServiceID: "b"})
	err := f.engine.HandleGet(context.Background(), session.Message{
		Kind: session.KindPropertyGet, RequestID: "g1", Payload: payload,
	})
	if err != nil {
		t.Fatalf("HandleGet() error = %v", err)
	}

	msgs := f.pub.messages()
	if len(msgs) != 1 || msgs[0].Kind != session.KindPropertyGetResponse || msgs[0].RequestID != "g1" {
		t.Fatalf("published %+v, want one get response for g1", msgs)
	}
	var resp codec.PropertyGetResponse
	if err := (codec.JSON{}).Unmarshal(msgs[0].Payload, &resp); err != nil {
		t.Fatalf("decoding get response: %v", err)
	}
	if len(resp.Services) != 1 || number(t, resp.Services[0].Properties["humidity"]) != 77 {
		t.Errorf("get response = %+v, want b with humidity 77", resp.Services)
	}

	f.pub.reset()
	if err := f.engine.HandleGet(context.Background(), session.Message{Kind: session.KindPropertyGet}); err != nil {
		t.Fatalf("HandleGet(all) error = %v", err)
	}
	if err := (codec.JSON{}).Unmarshal(f.pub.messages()[0].Payload, &resp); err != nil {
		t.Fatalf("decoding get response: %v", err)
	}
	if len(resp.Services) != 2 {
		t.Errorf("get-all returned %d services, want 2", len(resp.Services))
	}

	if resp.ResultCode != schema.CodeSuccess {
		t.Errorf("get-all result_code = %d, want success", resp.ResultCode)
	}
}

func getResponse(t *testing.T, p *fakePublisher) codec.PropertyGetResponse {
	t.Helper()
	msgs := p.messages()
	if len(msgs) == 0 {
		t.Fatal("no response published")
	}
	var resp codec.PropertyGetResponse
	if err := (codec.JSON{}).Unmarshal(msgs[len(msgs)-1].Payload, &resp); err != nil {
		t.Fatalf("decoding get response: %v", err)
	}
	return resp
}

func TestHandleGet_Errors(t *testing.T) {
	unknown, _ := (codec.JSON{}).Marshal(codec.PropertyGetRequest{ServiceID: "nope"})

	tests := []struct {
		name     string
		payload  []byte
		wantErr  error
		wantCode int
	}{
		{"unknown service", unknown, container.ErrUnknownService, schema.CodeUnknownTarget},
		{"malformed", []byte("{"), ErrMalformedRequest, schema.CodeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.engine.HandleGet(context.Background(), session.Message{
				Kind: session.KindPropertyGet, RequestID: "g1", Payload: tt.payload,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleGet() error = %v, want %v", err, tt.wantErr)
			}
			resp := getResponse(t, f.pub)
			if resp.ResultCode != tt.wantCode {
				t.Errorf("result_code = %d, want %d", resp.ResultCode, tt.wantCode)
			}
			if resp.ResultDesc == "" {
				t.Error("result_desc empty for a failed query")
			}
			if len(resp.Services) != 0 {
				t.Errorf("failed query returned %d services", len(resp.Services))
			}
		})
	}
}

func TestHandleGet_BusyService(t *testing.T) {
	f := newFixture(t)
	release := f.holdLock(t, "a")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := f.engine.HandleGet(ctx, session.Message{Kind: session.KindPropertyGet, RequestID: "g1"}); err != nil {
		t.Fatalf("HandleGet(all) error = %v", err)
	}
	resp := getResponse(t, f.pub)
	if resp.ResultCode != schema.CodeTimeout {
		t.Errorf("result_code = %d, want %d", resp.ResultCode, schema.CodeTimeout)
	}
	if !strings.HasSuffix(resp.ResultDesc, ": a") {
		t.Errorf("result_desc = %q, want it to name a", resp.ResultDesc)
	}
	if len(resp.Services) != 1 || resp.Services[0].ServiceID != "b" {
		t.Errorf("services = %+v, want only b", resp.Services)
	}

	payload, _ := (codec.JSON{}).Marshal(codec.PropertyGetRequest{ServiceID: "a"})
	err := f.engine.HandleGet(ctx, session.Message{Kind: session.KindPropertyGet, RequestID: "g2", Payload: payload})
	if !errors.Is(err, container.ErrServiceBusy) {
		t.Errorf("HandleGet(a) error = %v, want ErrServiceBusy", err)
	}
	if resp := getResponse(t, f.pub); resp.ResultCode != schema.CodeTimeout {
		t.Errorf("busy result_code = %d, want %d", resp.ResultCode, schema.CodeTimeout)
	}
}

// ============================================================================
// Write atomicity and ordering
// ============================================================================

func TestHandleWrite_LaterServiceFails(t *testing.T) {
	f := newFixture(t)
	f.b.setErr = errors.New("actuator jammed")

	err := f.engine.HandleWrite(context.Background(), writeRequest(t,
		codec.ServiceProperties{ServiceID: "a", Properties: map[string]any{"alarm": 0}},
		codec.ServiceProperties{ServiceID: "b", Properties: map[string]any{"alarm": 0}},
	))
	if err == nil {
		t.Fatal("HandleWrite() error = nil, want setter failure")
	}
	if !strings.Contains(err.Error(), "already applied: a") {
		t.Errorf("HandleWrite() error = %q, want it to name a as applied", err)
	}

	resp := writeResponse(t, f.pub)
	if resp.ResultCode != schema.CodeFailure || !strings.Contains(resp.ResultDesc, "already applied: a") {
		t.Errorf("response = %+v, want failure naming a", resp)
	}
	if f.a.alarm != 0 || f.b.alarm != 1 {
		t.Errorf("alarm a=%d b=%d, want a written and b unchanged", f.a.alarm, f.b.alarm)
	}
}

func TestHandleWrite_BusyService(t *testing.T) {
	f := newFixture(t)
	release := f.holdLock(t, "a")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.engine.HandleWrite(ctx, writeRequest(t,
		codec.ServiceProperties{ServiceID: "a", Properties: map[string]any{"alarm": 0}},
	))
	if !errors.Is(err, container.ErrServiceBusy) {
		t.Fatalf("HandleWrite() error = %v, want ErrServiceBusy", err)
	}
	if resp := writeResponse(t, f.pub); resp.ResultCode != schema.CodeTimeout {
		t.Errorf("result_code = %d, want %d", resp.ResultCode, schema.CodeTimeout)
	}
}

func TestHandleWrite_KeepsConcurrentUpdateDirty(t *testing.T) {
	f := newFixture(t)
	f.engine.SessionUp(context.Background())

	// A device update that starts while the write holds the lock must stay
	// dirty once it lands.
	updated := make(chan struct{})
	f.a.onSet = func() {
		f.a.onSet = nil
		go func() {
			defer close(updated)
			_ = f.c.Update("a", func() error {
				f.a.set(7, 40)
				return nil
			})
			_ = f.engine.FireChanged("a")
		}()
	}

	if err := f.engine.HandleWrite(context.Background(), writeRequest(t,
		codec.ServiceProperties{ServiceID: "a", Properties: map[string]any{"alarm": 0}},
	)); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}
	<-updated

	if st, _ := f.engine.Status("a", "alarm"); !st.Dirty {
		t.Error("device update after the write lost its dirty flag")
	}
}
