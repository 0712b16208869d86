// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
)

// EventType represents the type of SPDM event
type EventType int

const (
	// EventTypeUnknown - Unknown event type
	EventTypeUnknown EventType = iota

	// EventTypeNegotiated indicates version, capabilities and algorithms
	// were negotiated
	EventTypeNegotiated
	// EventTypeAuthenticated indicates a challenge completed
	EventTypeAuthenticated
	// EventTypeCertValidationFailed indicates a retrieved certificate chain
	// was rejected
	EventTypeCertValidationFailed

	// EventTypeSessionEstablished indicates a session reached the
	// established state
	EventTypeSessionEstablished
	// EventTypeSessionKeyUpdated indicates session data keys were rotated
	EventTypeSessionKeyUpdated
	// EventTypeSessionEnded indicates a session was closed by END_SESSION
	EventTypeSessionEnded
	// EventTypeSessionFailed indicates a session was torn down after an
	// error
	EventTypeSessionFailed

	// EventTypeErrorResponse indicates an ERROR message was sent or
	// received
	EventTypeErrorResponse
)

// String returns a human-readable description of the event type
func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

var eventTypeNames = map[EventType]string{
	EventTypeUnknown:              "Unknown Event",
	EventTypeNegotiated:           "Negotiated",
	EventTypeAuthenticated:        "Authenticated",
	EventTypeCertValidationFailed: "Certificate Validation Failed",
	EventTypeSessionEstablished:   "Session Established",
	EventTypeSessionKeyUpdated:    "Session Key Updated",
	EventTypeSessionEnded:         "Session Ended",
	EventTypeSessionFailed:        "Session Failed",
	EventTypeErrorResponse:        "Error Response",
}

// Role identifies the endpoint that emitted an event.
type Role uint8

// Endpoint roles
const (
	RequesterRole Role = iota + 1
	ResponderRole
)

func (r Role) String() string {
	switch r {
	case RequesterRole:
		return "requester"
	case ResponderRole:
		return "responder"
	default:
		return "unknown"
	}
}

// Event represents an SPDM protocol event
type Event struct {
	// Type of the event
	Type EventType

	// Timestamp when the event occurred
	Timestamp time.Time

	// Role of the endpoint emitting the event
	Role Role

	// Negotiated version, zero before negotiation
	Version protocol.Version

	// SessionID of session events
	SessionID uint32

	// Error information (if this is an error event)
	Error error

	// Additional context-specific data
	Data EventData
}

// EventData contains type-specific event data
type EventData interface {
	eventData()
}

// NegotiatedEventData contains the outcome of algorithm negotiation
type NegotiatedEventData struct {
	BaseHash protocol.BaseHashAlgo
	BaseAsym protocol.BaseAsymAlgo
	DHE      protocol.DHEAlgo
	AEAD     protocol.AEADAlgo
}

func (NegotiatedEventData) eventData() {}

// AuthEventData contains the slot a challenge or chain refers to
type AuthEventData struct {
	Slot uint8
}

func (AuthEventData) eventData() {}

// CertValidationEventData contains certificate validation event information
type CertValidationEventData struct {
	Slot      uint8
	ErrorCode cert.ValidationErrorCode
}

func (CertValidationEventData) eventData() {}

// SessionEventData contains session-specific event information
type SessionEventData struct {
	PSK             bool
	HeartbeatPeriod uint8
	KeyUpdate       protocol.KeyUpdateOperation
}

func (SessionEventData) eventData() {}

// ErrorEventData contains error event information
type ErrorEventData struct {
	ErrorCode protocol.ErrorCode
	ErrorData uint8
	// Sent is true when this endpoint sent the ERROR
	Sent bool
}

func (ErrorEventData) eventData() {}

// EventHandler is the interface that implementations must satisfy to receive
// SPDM events.
//
// HandleEvent is called synchronously while the endpoint holds its locks, so
// implementations must not block for long periods or call back into the
// endpoint. Events of distinct sessions may be delivered concurrently.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event)
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event Event)

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// emit dispatches an event to the configured handler. A panicking handler is
// logged and otherwise ignored. Connection events are emitted with mu held.
func (e *endpoint) emit(ctx context.Context, event Event) {
	h := e.cfg.Events
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Role = e.role
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", event.Type, "panic", r)
		}
	}()
	h.HandleEvent(ctx, event)
}

func (e *endpoint) emitNegotiated(ctx context.Context) {
	e.emit(ctx, Event{
		Type:    EventTypeNegotiated,
		Version: e.neg.Version,
		Data: NegotiatedEventData{
			BaseHash: e.neg.BaseHash,
			BaseAsym: e.neg.BaseAsym,
			DHE:      e.neg.DHE,
			AEAD:     e.neg.AEAD,
		},
	})
}

func (e *endpoint) emitAuthenticated(ctx context.Context, slot uint8) {
	e.emit(ctx, Event{Type: EventTypeAuthenticated, Version: e.neg.Version, Data: AuthEventData{Slot: slot}})
}

func (e *endpoint) emitCertValidationFailed(ctx context.Context, slot uint8, err error) {
	var verr *cert.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	e.emit(ctx, Event{
		Type:    EventTypeCertValidationFailed,
		Version: e.neg.Version,
		Error:   err,
		Data:    CertValidationEventData{Slot: slot, ErrorCode: verr.Code},
	})
}

func (e *endpoint) emitSession(ctx context.Context, typ EventType, s *Session, err error) {
	e.emit(ctx, Event{
		Type:      typ,
		Version:   s.neg.Version,
		SessionID: s.id,
		Error:     err,
		Data:      SessionEventData{PSK: s.psk, HeartbeatPeriod: s.heartbeat},
	})
}

func (e *endpoint) emitKeyUpdate(ctx context.Context, s *Session, op protocol.KeyUpdateOperation) {
	e.emit(ctx, Event{
		Type:      EventTypeSessionKeyUpdated,
		Version:   s.neg.Version,
		SessionID: s.id,
		Data:      SessionEventData{PSK: s.psk, HeartbeatPeriod: s.heartbeat, KeyUpdate: op},
	})
}

func (e *endpoint) emitError(ctx context.Context, v protocol.Version, errRsp *protocol.ErrorResponse, sent bool) {
	e.emit(ctx, Event{
		Type:    EventTypeErrorResponse,
		Version: v,
		Error:   errRsp,
		Data:    ErrorEventData{ErrorCode: errRsp.ErrorCode, ErrorData: errRsp.ErrorData, Sent: sent},
	})
}
