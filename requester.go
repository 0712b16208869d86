// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
)

// Requester drives the SPDM protocol against a Responder reached over a
// Transport.
//
// Connection level operations (negotiation, authentication, measurements
// and session establishment) are serialized per Requester. Operations on
// established sessions are serialized per Session, so distinct sessions may
// be used concurrently.
type Requester struct {
	endpoint

	// Transport carries encapsulated messages to the Responder.
	Transport Transport

	// Verifier validates certificate chains retrieved from the Responder.
	Verifier cert.Verifier
}

// NewRequester returns a Requester in the NotStarted state.
func NewRequester(tr Transport, cfg Config, prov Provisioning) *Requester {
	return &Requester{
		endpoint:  newEndpoint(RequesterRole, cfg, prov),
		Transport: tr,
	}
}

// State returns the connection state.
func (r *Requester) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Negotiated returns the negotiated version, capabilities and algorithms.
func (r *Requester) Negotiated() Negotiated {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.neg
}

// Init negotiates version, capabilities and algorithms.
func (r *Requester) Init(ctx context.Context) error {
	if err := r.GetVersion(ctx); err != nil {
		return err
	}
	if err := r.GetCapabilities(ctx); err != nil {
		return err
	}
	return r.NegotiateAlgorithms(ctx)
}

// exchange describes one request/response round trip.
type exchange struct {
	req    protocol.Payload
	expect protocol.Code
	params protocol.Params

	// session is the owner of the exchange. When nil, the connection lock
	// is held by the caller.
	session *Session
	// secured wraps the request in the session's record layer.
	secured bool
}

// result is the outcome of an exchange. The encoded bytes are exactly what
// is appended to transcripts.
type result struct {
	req []byte
	rsp []byte
	msg protocol.Payload
}

// roundTrip sends an exchange and returns the matching response. ERROR
// responses are returned as *protocol.ErrorResponse errors after their side
// effects on the connection or session have been applied. A
// ResponseNotReady answer is retried once with RESPOND_IF_READY.
func (r *Requester) roundTrip(ctx context.Context, x exchange) (*result, error) {
	if x.params.Version == 0 {
		x.params.Version = r.version()
		if x.session != nil {
			x.params.Version = x.session.neg.Version
		}
	}
	req, err := protocol.Marshal(protocol.Message{Version: x.params.Version, Payload: x.req}, x.params)
	if err != nil {
		return nil, err
	}

	rspBytes, msg, err := r.send(ctx, x, req)
	if err != nil {
		return nil, err
	}

	if errRsp, ok := msg.Payload.(*protocol.ErrorResponse); ok && errRsp.ErrorCode == protocol.ResponseNotReady {
		if errRsp.NotReady.RequestCode != x.req.Code() {
			return nil, fmt.Errorf("not ready response echoes %s, expected %s: %w",
				errRsp.NotReady.RequestCode, x.req.Code(), protocol.ErrSequence)
		}
		delay := retryDelay(errRsp.NotReady.RDTExponent, r.cfg.RetryUnit, r.cfg.MaxRetryDelay)
		slog.Debug("responder not ready", "request", x.req.Code(), "delay", delay, "token", errRsp.NotReady.Token)
		if err := r.cfg.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		retry, err := protocol.Marshal(protocol.Message{
			Version: x.params.Version,
			Payload: &protocol.RespondIfReady{RequestCode: x.req.Code(), Token: errRsp.NotReady.Token},
		}, x.params)
		if err != nil {
			return nil, err
		}
		if rspBytes, msg, err = r.send(ctx, x, retry); err != nil {
			return nil, err
		}
		if errRsp, ok := msg.Payload.(*protocol.ErrorResponse); ok && errRsp.ErrorCode == protocol.ResponseNotReady {
			return nil, fmt.Errorf("%s: %w", x.req.Code(), errRsp)
		}
	}

	if errRsp, ok := msg.Payload.(*protocol.ErrorResponse); ok {
		return nil, r.errorResponse(ctx, x.req.Code().String(), x.session, errRsp)
	}
	if got := msg.Payload.Code(); got != x.expect {
		return nil, fmt.Errorf("%s answered with %s: %w", x.req.Code(), got, protocol.ErrSequence)
	}
	if msg.Version != x.params.Version {
		return nil, fmt.Errorf("%s answered with version %s, expected %s: %w",
			x.req.Code(), msg.Version, x.params.Version, protocol.ErrVersionMismatch)
	}
	return &result{req: req, rsp: rspBytes, msg: msg.Payload}, nil
}

// send performs the transport round trip of one encoded request.
func (r *Requester) send(ctx context.Context, x exchange, req []byte) ([]byte, protocol.Message, error) {
	var sealer *Session
	if x.secured {
		sealer = x.session
	}
	out, err := r.wrap(sealer, req, false)
	if err != nil {
		return nil, protocol.Message{}, err
	}
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("request", "code", x.req.Code(), "secured", x.secured, "msg", hex.EncodeToString(req))
	}

	in, err := r.Transport.Send(ctx, out)
	if err != nil {
		return nil, protocol.Message{}, fmt.Errorf("error sending %s: %w", x.req.Code(), err)
	}
	payload, secured, err := r.unwrapTransport(in)
	if err != nil {
		return nil, protocol.Message{}, err
	}
	if secured {
		if x.session == nil {
			return nil, protocol.Message{}, fmt.Errorf("secured response outside of a session: %w", protocol.ErrSequence)
		}
		var app bool
		payload, app, err = r.open(x.session, payload)
		if err != nil {
			return nil, protocol.Message{}, r.sessionFailed(ctx, x.session, err)
		}
		if app {
			return nil, protocol.Message{}, fmt.Errorf("application data in response to %s: %w", x.req.Code(), protocol.ErrSequence)
		}
	}

	msg, rsp, err := r.decode(payload, x.params)
	if err != nil {
		return nil, protocol.Message{}, err
	}
	if _, isErr := msg.Payload.(*protocol.ErrorResponse); x.secured && !secured && !isErr {
		return nil, protocol.Message{}, fmt.Errorf("unsecured %s inside a session: %w", msg.Payload.Code(), protocol.ErrSequence)
	}
	slog.Debug("response", "code", msg.Payload.Code(), "secured", secured)
	return rsp, msg, nil
}

// errorResponse applies the side effects of an ERROR response. When s is
// nil the caller holds mu.
func (r *Requester) errorResponse(ctx context.Context, op string, s *Session, errRsp *protocol.ErrorResponse) error {
	err := fmt.Errorf("%s: %w", op, errRsp)
	if s == nil {
		r.emitError(ctx, r.neg.Version, errRsp, false)
	} else {
		r.emitError(ctx, s.neg.Version, errRsp, false)
	}
	switch errRsp.ErrorCode {
	case protocol.DecryptError, protocol.InvalidSession:
		if s != nil {
			slog.Warn("session rejected by responder", "id", fmt.Sprintf("%#08x", s.id), "error", errRsp.ErrorCode)
			s.destroy()
			r.removeSession(ctx, s, err)
		}
	case protocol.RequestResynch:
		if s == nil {
			r.resetLocked("resynch requested")
		} else {
			r.mu.Lock()
			r.resetLocked("resynch requested")
			r.mu.Unlock()
		}
	}
	return err
}

// sessionFailed tears down a session after a fatal record layer error.
func (r *Requester) sessionFailed(ctx context.Context, s *Session, err error) error {
	if errors.Is(err, protocol.ErrAuthenticationFailure) || errors.Is(err, protocol.ErrReplayOrDesync) {
		s.destroy()
		r.removeSession(ctx, s, err)
	}
	return err
}
