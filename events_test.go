// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm_test

import (
	"context"
	"crypto/elliptic"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/spdmtest"
)

type eventLog struct {
	mu     sync.Mutex
	events []spdm.Event
}

func (l *eventLog) HandleEvent(_ context.Context, event spdm.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) types() []spdm.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var types []spdm.EventType
	for _, e := range l.events {
		types = append(types, e.Type)
	}
	return types
}

func (l *eventLog) last() spdm.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return spdm.Event{}
	}
	return l.events[len(l.events)-1]
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	var reqLog, rspLog eventLog
	ep := spdmtest.NewEndpoints(t, spdm.Config{Events: &reqLog}, spdm.Config{Events: &rspLog})
	req := ep.Requester

	if err := ep.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := req.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.KeyUpdate(ctx, s, protocol.UpdateKey); err != nil {
		t.Fatal(err)
	}
	if err := req.EndSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	want := []spdm.EventType{
		spdm.EventTypeNegotiated,
		spdm.EventTypeAuthenticated,
		spdm.EventTypeSessionEstablished,
		spdm.EventTypeSessionKeyUpdated,
		spdm.EventTypeSessionEnded,
	}
	for _, tc := range []struct {
		role spdm.Role
		log  *eventLog
	}{
		{spdm.RequesterRole, &reqLog},
		{spdm.ResponderRole, &rspLog},
	} {
		t.Run(tc.role.String(), func(t *testing.T) {
			if got := tc.log.types(); !slices.Equal(got, want) {
				t.Fatalf("events %v, expected %v", got, want)
			}
			for _, e := range tc.log.events {
				if e.Role != tc.role {
					t.Errorf("%s emitted by %s", e.Type, e.Role)
				}
				if e.Version != protocol.Version12 {
					t.Errorf("%s has version %s", e.Type, e.Version)
				}
				if e.Timestamp.IsZero() {
					t.Errorf("%s has no timestamp", e.Type)
				}
			}
			ended := tc.log.last()
			if ended.SessionID != s.ID() || ended.Error != nil {
				t.Errorf("session end event %+v", ended)
			}
			if data := tc.log.events[3].Data.(spdm.SessionEventData); data.KeyUpdate != protocol.UpdateKey {
				t.Errorf("key update event for %s", data.KeyUpdate)
			}
		})
	}
}

func TestEventsConnectionReset(t *testing.T) {
	ctx := context.Background()
	var reqLog, rspLog eventLog
	ep := spdmtest.NewEndpoints(t, spdm.Config{Events: &reqLog}, spdm.Config{Events: &rspLog})
	if err := ep.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := ep.Requester.StartPSKSession(ctx, spdmtest.PSKHint, protocol.NoMeasurementSummaryHash)
	if err != nil {
		t.Fatal(err)
	}

	if err := ep.Requester.GetVersion(ctx); err != nil {
		t.Fatal(err)
	}
	for role, log := range map[string]*eventLog{"requester": &reqLog, "responder": &rspLog} {
		e := log.last()
		if e.Type != spdm.EventTypeSessionFailed || e.SessionID != s.ID() {
			t.Errorf("%s: last event %s for session %#08x", role, e.Type, e.SessionID)
			continue
		}
		if e.Error == nil || !strings.Contains(e.Error.Error(), "connection reset") {
			t.Errorf("%s: session failure cause %v", role, e.Error)
		}
		if data := e.Data.(spdm.SessionEventData); !data.PSK {
			t.Errorf("%s: session not reported as PSK", role)
		}
	}
}

func TestEventsCertValidationFailed(t *testing.T) {
	ctx := context.Background()
	var reqLog eventLog
	ep := spdmtest.NewEndpoints(t, spdm.Config{Events: &reqLog}, spdm.Config{})
	other := spdmtest.NewIdentity(t, elliptic.P256())
	ep.Requester.Verifier = cert.Verifier{Roots: other.Roots()}

	if err := ep.Requester.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ep.Requester.GetCertificate(ctx, 0); err == nil {
		t.Fatal("expected chain with an untrusted root to be rejected")
	}
	e := reqLog.last()
	if e.Type != spdm.EventTypeCertValidationFailed {
		t.Fatalf("last event %s", e.Type)
	}
	if data := e.Data.(spdm.CertValidationEventData); data.Slot != 0 || data.ErrorCode != cert.UntrustedRoot {
		t.Errorf("event data %+v", data)
	}
}

func TestEventsErrorResponse(t *testing.T) {
	ctx := context.Background()
	var rspLog eventLog
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{Events: &rspLog})
	if err := ep.Requester.Init(ctx); err != nil {
		t.Fatal(err)
	}

	sendRaw(t, ep.Responder, []byte{byte(v12), 0xed, 0, 0})
	e := rspLog.last()
	if e.Type != spdm.EventTypeErrorResponse {
		t.Fatalf("last event %s", e.Type)
	}
	data := e.Data.(spdm.ErrorEventData)
	if !data.Sent || data.ErrorCode != protocol.UnsupportedRequest || data.ErrorData != 0xed {
		t.Errorf("event data %+v", data)
	}
}

func TestEventHandlerPanic(t *testing.T) {
	ctx := context.Background()
	handler := spdm.EventHandlerFunc(func(context.Context, spdm.Event) { panic("test panic") })
	ep := spdmtest.NewEndpoints(t, spdm.Config{Events: handler}, spdm.Config{Events: handler})
	if err := ep.Authenticate(ctx); err != nil {
		t.Fatalf("panicking event handler broke the protocol: %v", err)
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		eventType spdm.EventType
		expected  string
	}{
		{spdm.EventTypeNegotiated, "Negotiated"},
		{spdm.EventTypeSessionEstablished, "Session Established"},
		{spdm.EventTypeCertValidationFailed, "Certificate Validation Failed"},
		{spdm.EventType(99), "EventType(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.eventType.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.eventType.String())
			}
		})
	}
}
