// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openspdm/go-spdm/kex"
	"github.com/openspdm/go-spdm/protocol"
)

// LatencyPolicy decides whether a request is answered immediately. Returning
// a zero code answers it. ResponseNotReady defers the request with a retry
// delay of 2^exponent units until the Requester sends RESPOND_IF_READY.
// Busy and RequestResynch reject the request with that error code.
type LatencyPolicy func(code protocol.Code) (protocol.ErrorCode, uint8)

// AppHandler answers application data received over an established
// session.
type AppHandler func(ctx context.Context, sessionID uint32, data []byte) ([]byte, error)

// Responder answers SPDM requests.
//
// Respond may be called concurrently. Requests outside of sessions are
// serialized; requests within a session are serialized per session.
type Responder struct {
	endpoint

	// Latency, when set, may defer or reject requests.
	Latency LatencyPolicy

	// App answers application data. When nil, application data is
	// answered with ERROR UnsupportedRequest.
	App AppHandler

	pendingMu sync.Mutex
	pending   *deferred
	token     uint8

	// session whose handshake runs in the clear, for FINISH
	clearID uint32
}

// deferred is a request answered with ResponseNotReady.
type deferred struct {
	code    protocol.Code
	token   uint8
	session uint32
	req     []byte
}

// NewResponder returns a Responder for the provisioned identity.
func NewResponder(cfg Config, prov Provisioning) *Responder {
	return &Responder{endpoint: newEndpoint(ResponderRole, cfg, prov)}
}

// State returns the connection state.
func (r *Responder) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Respond handles one encapsulated request and returns the encapsulated
// response. Protocol failures are answered with ERROR messages; an error is
// returned only when no response can be framed.
func (r *Responder) Respond(ctx context.Context, msg []byte) ([]byte, error) {
	payload, secured, err := r.unwrapTransport(msg)
	if err != nil {
		return nil, err
	}

	if !secured {
		if h, err := protocol.PeekHeader(payload); err == nil && h.Code == protocol.FinishCode {
			if s := r.clearHandshake(); s != nil {
				return r.respondInSession(ctx, s, payload, false)
			}
		}
		return r.respondConnection(ctx, payload)
	}

	id, err := kex.PeekSessionID(payload)
	if err != nil {
		return nil, err
	}
	s, err := r.session(id)
	if err != nil {
		slog.Warn("secured message for unknown session", "id", fmt.Sprintf("%#08x", id))
		return r.plainError(protocol.InvalidSession)
	}
	if err := s.lock(); err != nil {
		return r.plainError(protocol.InvalidSession)
	}
	defer s.unlock()

	plain, app, err := r.open(s, payload)
	if err != nil {
		slog.Warn("secured message rejected", "id", fmt.Sprintf("%#08x", id), "error", err)
		s.destroy()
		r.removeSession(ctx, s, err)
		return r.plainError(protocol.DecryptError)
	}
	if app {
		return r.respondApp(ctx, s, plain)
	}
	return r.handleInSession(ctx, s, plain, true)
}

// clearHandshake returns the session whose handshake runs in the clear.
func (r *Responder) clearHandshake() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clearID == 0 {
		return nil
	}
	return r.sessions[r.clearID]
}

func (r *Responder) respondInSession(ctx context.Context, s *Session, req []byte, secured bool) ([]byte, error) {
	if err := s.lock(); err != nil {
		return r.plainError(protocol.InvalidSession)
	}
	defer s.unlock()
	return r.handleInSession(ctx, s, req, secured)
}

// respondConnection answers a request outside of any session.
func (r *Responder) respondConnection(ctx context.Context, req []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = contextWithErrRsp(ctx)
	rsp, err := r.dispatch(ctx, nil, req)
	if err != nil {
		rsp, err = r.errorMessage(ctx, r.errorVersion(req), err)
		if err != nil {
			return nil, err
		}
	}
	return r.wrap(nil, rsp, false)
}

// handleInSession answers an SPDM request of a session. The caller holds the
// session lock.
func (r *Responder) handleInSession(ctx context.Context, s *Session, req []byte, secured bool) ([]byte, error) {
	ctx = contextWithErrRsp(ctx)
	rsp, err := r.dispatch(ctx, s, req)
	if err != nil {
		if rsp, err = r.errorMessage(ctx, s.neg.Version, err); err != nil {
			return nil, err
		}
		if s.state == SessionTerminated || !secured {
			return r.wrap(nil, rsp, false)
		}
	}

	var sealer *Session
	if secured {
		sealer = s
	}
	out, err := r.wrap(sealer, rsp, false)
	if err != nil {
		return nil, err
	}
	if after := s.afterSend; after != nil {
		s.afterSend = nil
		if err := after(); err != nil {
			slog.Warn("session update after response failed", "id", fmt.Sprintf("%#08x", s.id), "error", err)
			s.destroy()
			r.removeSession(ctx, s, err)
		}
	}
	return out, nil
}

// respondApp passes application data to the App handler.
func (r *Responder) respondApp(ctx context.Context, s *Session, data []byte) ([]byte, error) {
	if err := s.established(); err != nil {
		return r.plainError(protocol.UnexpectedRequest)
	}
	if r.App == nil {
		rsp, err := r.marshalError(s.neg.Version, &protocol.ErrorResponse{ErrorCode: protocol.UnsupportedRequest})
		if err != nil {
			return nil, err
		}
		return r.wrap(s, rsp, false)
	}
	reply, err := r.App(ctx, s.id, data)
	if err != nil {
		slog.Warn("application handler failed", "id", fmt.Sprintf("%#08x", s.id), "error", err)
		rsp, err := r.marshalError(s.neg.Version, &protocol.ErrorResponse{ErrorCode: protocol.Unspecified})
		if err != nil {
			return nil, err
		}
		return r.wrap(s, rsp, false)
	}
	return r.wrap(s, reply, true)
}

// errorVersion is the version of an ERROR answering req.
func (r *Responder) errorVersion(req []byte) protocol.Version {
	if h, err := protocol.PeekHeader(req); err == nil && h.Code == protocol.GetVersionCode {
		return protocol.Version10
	}
	return r.version()
}

// errorMessage encodes the ERROR for a failed request, using the code
// captured on ctx or one derived from err.
func (r *Responder) errorMessage(ctx context.Context, v protocol.Version, err error) ([]byte, error) {
	errRsp := errRspFromContext(ctx)
	if errRsp.ErrorCode == 0 {
		errRsp.ErrorCode = errorCodeFor(err)
	}
	slog.Debug("request failed", "error", err, "code", errRsp.ErrorCode)
	r.emitError(ctx, v, errRsp, true)
	return r.marshalError(v, errRsp)
}

func (r *Responder) marshalError(v protocol.Version, errRsp *protocol.ErrorResponse) ([]byte, error) {
	return protocol.Marshal(protocol.Message{Version: v, Payload: errRsp}, protocol.Params{})
}

// plainError frames an unsecured ERROR.
func (r *Responder) plainError(code protocol.ErrorCode) ([]byte, error) {
	r.mu.Lock()
	v := r.version()
	r.mu.Unlock()
	rsp, err := r.marshalError(v, &protocol.ErrorResponse{ErrorCode: code})
	if err != nil {
		return nil, err
	}
	return r.wrap(nil, rsp, false)
}

// dispatch handles one request. When s is nil the connection lock is held;
// otherwise the session lock is held.
func (r *Responder) dispatch(ctx context.Context, s *Session, req []byte) ([]byte, error) {
	h, err := protocol.PeekHeader(req)
	if err != nil {
		return nil, err
	}
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("request", "code", h.Code, "session", s != nil, "msg", hex.EncodeToString(req))
	}

	if h.Code == protocol.RespondIfReadyCode {
		if req, err = r.resume(s, req); err != nil {
			return nil, err
		}
		if h, err = protocol.PeekHeader(req); err != nil {
			return nil, err
		}
	} else if r.Latency != nil {
		if rsp, err := r.applyLatency(ctx, s, h, req); rsp != nil || err != nil {
			return rsp, err
		}
	}

	if err := r.checkVersion(s, h); err != nil {
		return nil, err
	}
	if s != nil {
		return r.dispatchSession(ctx, s, h.Code, req)
	}

	switch h.Code {
	case protocol.GetVersionCode:
		return r.version10(ctx, req)
	case protocol.GetCapabilitiesCode:
		return r.capabilities(ctx, req)
	case protocol.NegotiateAlgorithmsCode:
		return r.algorithms(ctx, req)
	case protocol.GetDigestsCode:
		return r.digests(ctx, req)
	case protocol.GetCertificateCode:
		return r.certificate(ctx, req)
	case protocol.ChallengeCode:
		return r.challengeAuth(ctx, req)
	case protocol.GetMeasurementsCode:
		return r.measurements(ctx, req)
	case protocol.KeyExchangeCode:
		return r.keyExchange(ctx, req)
	case protocol.PSKExchangeCode:
		return r.pskExchange(ctx, req)
	case protocol.FinishCode, protocol.PSKFinishCode, protocol.HeartbeatCode,
		protocol.KeyUpdateCode, protocol.EndSessionCode:
		return nil, fmt.Errorf("%s outside of a session: %w", h.Code, protocol.ErrSequence)
	default:
		captureErr(ctx, protocol.UnsupportedRequest, uint8(h.Code))
		return nil, fmt.Errorf("%s: %w", h.Code, protocol.ErrUnsupported)
	}
}

func (r *Responder) dispatchSession(ctx context.Context, s *Session, code protocol.Code, req []byte) ([]byte, error) {
	switch code {
	case protocol.FinishCode:
		return r.finish(ctx, s, req)
	case protocol.PSKFinishCode:
		return r.pskFinish(ctx, s, req)
	case protocol.HeartbeatCode:
		return r.heartbeatAck(ctx, s, req)
	case protocol.KeyUpdateCode:
		return r.keyUpdateAck(ctx, s, req)
	case protocol.EndSessionCode:
		return r.endSessionAck(ctx, s, req)
	default:
		if code.Known() && code.IsRequest() {
			return nil, fmt.Errorf("%s inside a session: %w", code, protocol.ErrSequence)
		}
		captureErr(ctx, protocol.UnsupportedRequest, uint8(code))
		return nil, fmt.Errorf("%s: %w", code, protocol.ErrUnsupported)
	}
}

// checkVersion requires GET_VERSION to use version 1.0 and every later
// request to use the version selected by GET_CAPABILITIES.
func (r *Responder) checkVersion(s *Session, h protocol.Header) error {
	var want protocol.Version
	switch {
	case h.Code == protocol.GetVersionCode:
		want = protocol.Version10
	case s != nil:
		want = s.neg.Version
	case h.Code == protocol.GetCapabilitiesCode || r.neg.Version == 0:
		return nil
	default:
		want = r.neg.Version
	}
	if h.Version != want {
		return fmt.Errorf("%s with version %s, expected %s: %w", h.Code, h.Version, want, protocol.ErrVersionMismatch)
	}
	return nil
}

// applyLatency consults the latency policy. A nil response answers the
// request normally.
func (r *Responder) applyLatency(ctx context.Context, s *Session, h protocol.Header, req []byte) ([]byte, error) {
	code, exponent := r.Latency(h.Code)
	switch code {
	case 0:
		return nil, nil
	case protocol.ResponseNotReady:
		r.pendingMu.Lock()
		defer r.pendingMu.Unlock()
		r.token++
		d := &deferred{code: h.Code, token: r.token, req: append([]byte(nil), req...)}
		if s != nil {
			d.session = s.id
		}
		r.pending = d
		slog.Debug("request deferred", "code", h.Code, "token", d.token, "exponent", exponent)
		return r.marshalError(h.Version, &protocol.ErrorResponse{
			ErrorCode: protocol.ResponseNotReady,
			NotReady: &protocol.NotReadyData{
				RDTExponent: exponent,
				RequestCode: h.Code,
				Token:       d.token,
				RDTM:        1,
			},
		})
	case protocol.RequestResynch:
		if s == nil {
			r.resetLocked("resynch requested by policy")
		} else {
			r.mu.Lock()
			r.resetLocked("resynch requested by policy")
			r.mu.Unlock()
		}
		fallthrough
	default:
		captureErr(ctx, code, 0)
		return nil, fmt.Errorf("%s rejected by latency policy with %s", h.Code, code)
	}
}

// resume returns the deferred request referenced by RESPOND_IF_READY.
func (r *Responder) resume(s *Session, req []byte) ([]byte, error) {
	m, _, err := protocol.UnmarshalPrefix(req, protocol.Params{})
	if err != nil {
		return nil, err
	}
	rir := m.Payload.(*protocol.RespondIfReady)

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	d := r.pending
	var id uint32
	if s != nil {
		id = s.id
	}
	if d == nil || d.code != rir.RequestCode || d.token != rir.Token || d.session != id {
		return nil, fmt.Errorf("RESPOND_IF_READY for %s token %d without a deferred request: %w",
			rir.RequestCode, rir.Token, protocol.ErrSequence)
	}
	r.pending = nil
	return d.req, nil
}
