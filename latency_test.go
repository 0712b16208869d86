// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/spdmtest"
)

func TestResponseNotReadyRetry(t *testing.T) {
	ctx := context.Background()

	var slept []time.Duration
	reqCfg := spdm.Config{
		RetryUnit: time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	ep := spdmtest.NewEndpoints(t, reqCfg, spdm.Config{})
	ep.Responder.Latency = func(code protocol.Code) (protocol.ErrorCode, uint8) {
		if code == protocol.GetDigestsCode {
			return protocol.ResponseNotReady, 3
		}
		return 0, 0
	}
	req := ep.Requester

	if err := req.Init(ctx); err != nil {
		t.Fatal(err)
	}
	before := ep.Transport.Requests
	digests, err := req.GetDigests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if digests[0] == nil {
		t.Fatal("no digest for slot 0 after retry")
	}
	if n := ep.Transport.Requests - before; n != 2 {
		t.Errorf("expected GET_DIGESTS and one RESPOND_IF_READY, sent %d requests", n)
	}
	if len(slept) != 1 || slept[0] != 8*time.Millisecond {
		t.Errorf("slept %v, expected [8ms]", slept)
	}

	// The retried response is part of the transcript the challenge signs
	if _, err := req.GetCertificate(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := req.Challenge(ctx, 0, protocol.NoMeasurementSummaryHash); err != nil {
		t.Fatal(err)
	}
}

func TestRespondIfReadySuperseded(t *testing.T) {
	ctx := context.Background()
	ep := spdmtest.NewEndpoints(t, spdm.Config{Sleep: func(context.Context, time.Duration) error { return nil }}, spdm.Config{})
	req := ep.Requester
	if err := req.Init(ctx); err != nil {
		t.Fatal(err)
	}

	ep.Responder.Latency = func(code protocol.Code) (protocol.ErrorCode, uint8) {
		if code == protocol.GetDigestsCode {
			return protocol.ResponseNotReady, 0
		}
		return 0, 0
	}
	req.Transport = &resendOnce{Transport: ep.Transport}
	if _, err := req.GetDigests(ctx); !errors.Is(err, protocol.ErrSequence) {
		t.Fatalf("expected retry of a superseded request to be unexpected, got %v", err)
	}
}

// resendOnce delivers the first request twice, so that the Responder defers
// it again under a new token.
type resendOnce struct {
	spdm.Transport
	done bool
}

func (r *resendOnce) Send(ctx context.Context, msg []byte) ([]byte, error) {
	rsp, err := r.Transport.Send(ctx, msg)
	if err != nil || r.done {
		return rsp, err
	}
	r.done = true
	if _, err := r.Transport.Send(ctx, msg); err != nil {
		return nil, err
	}
	return rsp, nil
}

func TestResponderBusy(t *testing.T) {
	ctx := context.Background()
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	req := ep.Requester
	if err := ep.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}

	busy := true
	ep.Responder.Latency = func(code protocol.Code) (protocol.ErrorCode, uint8) {
		if busy && code == protocol.GetMeasurementsCode {
			return protocol.Busy, 0
		}
		return 0, 0
	}
	before := ep.Transport.Requests
	if _, err := req.GetMeasurements(ctx, spdm.MeasurementRequest{Operation: protocol.MeasurementRequestAll}); !errors.Is(err, protocol.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if n := ep.Transport.Requests - before; n != 1 {
		t.Errorf("busy response was retried: %d requests", n)
	}
	if got := req.State(); got != spdm.Authenticated {
		t.Errorf("requester state %s after busy", got)
	}

	busy = false
	if _, err := req.GetMeasurements(ctx, spdm.MeasurementRequest{Operation: protocol.MeasurementRequestAll, Signed: true}); err != nil {
		t.Fatal(err)
	}
}

func TestResponderResynch(t *testing.T) {
	ctx := context.Background()
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	req := ep.Requester
	if err := ep.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := req.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
	if err != nil {
		t.Fatal(err)
	}

	resynch := true
	ep.Responder.Latency = func(code protocol.Code) (protocol.ErrorCode, uint8) {
		if resynch && code == protocol.ChallengeCode {
			resynch = false
			return protocol.RequestResynch, 0
		}
		return 0, 0
	}
	if _, err := req.Challenge(ctx, 0, protocol.NoMeasurementSummaryHash); !errors.Is(err, protocol.ErrResynchRequested) {
		t.Fatalf("expected resynch, got %v", err)
	}
	if got := req.State(); got != spdm.NotStarted {
		t.Errorf("requester state %s after resynch", got)
	}
	if got := ep.Responder.State(); got != spdm.NotStarted {
		t.Errorf("responder state %s after resynch", got)
	}
	if s.State() != spdm.SessionTerminated {
		t.Errorf("session state %s after resynch", s.State())
	}

	if err := ep.Authenticate(ctx); err != nil {
		t.Fatalf("reconnect after resynch: %v", err)
	}
}

func TestResynchInsideSession(t *testing.T) {
	ctx := context.Background()
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	req := ep.Requester
	if err := ep.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := req.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
	if err != nil {
		t.Fatal(err)
	}

	ep.Responder.Latency = func(code protocol.Code) (protocol.ErrorCode, uint8) {
		if code == protocol.HeartbeatCode {
			return protocol.RequestResynch, 0
		}
		return 0, 0
	}
	if err := req.Heartbeat(ctx, s); !errors.Is(err, protocol.ErrResynchRequested) {
		t.Fatalf("expected resynch, got %v", err)
	}
	ep.Responder.Latency = nil

	// Both sides held the session lock while resetting
	if got := s.State(); got != spdm.SessionTerminated {
		t.Errorf("requester session state %s after resynch", got)
	}
	if n := req.SessionCount(); n != 0 {
		t.Errorf("requester has %d sessions after resynch", n)
	}
	if n := ep.Responder.SessionCount(); n != 0 {
		t.Errorf("responder has %d sessions after resynch", n)
	}
	if got := ep.Responder.State(); got != spdm.NotStarted {
		t.Errorf("responder state %s after resynch", got)
	}
	if _, err := req.SendApp(ctx, s, []byte("ping")); !errors.Is(err, protocol.ErrSessionNotFound) {
		t.Errorf("expected terminated session, got %v", err)
	}
}

func TestResponseNotReadyLongDelay(t *testing.T) {
	ctx := context.Background()

	var slept []time.Duration
	reqCfg := spdm.Config{
		RetryUnit:     time.Hour,
		MaxRetryDelay: 30 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	ep := spdmtest.NewEndpoints(t, reqCfg, spdm.Config{})
	ep.Responder.Latency = func(code protocol.Code) (protocol.ErrorCode, uint8) {
		if code == protocol.GetDigestsCode {
			return protocol.ResponseNotReady, 40
		}
		return 0, 0
	}
	req := ep.Requester
	if err := req.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := req.GetDigests(ctx); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 1 || slept[0] != 30*time.Second {
		t.Errorf("slept %v, expected [30s]", slept)
	}
}
