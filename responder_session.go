// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openspdm/go-spdm/kex"
	"github.com/openspdm/go-spdm/protocol"
)

// openSession allocates a Responder session ID half and creates a
// handshaking session. The caller holds mu.
func (r *Responder) openSession(ctx context.Context, reqID uint16, psk bool, ct []byte) (*Session, error) {
	if reqID == 0 {
		captureErr(ctx, protocol.InvalidRequest, 0)
		return nil, fmt.Errorf("requester session ID 0: %w", protocol.ErrMalformedMessage)
	}
	rspID, err := r.allocateID(responderHalf)
	if err != nil {
		if errors.Is(err, protocol.ErrResourceExhausted) {
			captureErr(ctx, protocol.SessionLimitExceeded, 0)
		}
		return nil, err
	}
	s, err := newSession(SessionID(reqID, rspID), psk, &r.endpoint, ct)
	if err != nil {
		return nil, err
	}
	if r.neg.Capabilities.Has(protocol.HeartbeatCap) {
		s.heartbeat = r.cfg.HeartbeatPeriod
	}
	return s, nil
}

// teardown destroys a session whose peer failed to authenticate. The caller
// holds the session lock.
func (r *Responder) teardown(ctx context.Context, s *Session, cause error) {
	s.destroy()
	r.removeSession(ctx, s, cause)
}

func (r *Responder) keyExchange(ctx context.Context, req []byte) ([]byte, error) {
	if err := r.requireSessions("KEY_EXCHANGE", protocol.KeyExCap); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	payload, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	kx := payload.(*protocol.KeyExchange)
	slot, err := r.provisionedSlot(ctx, kx.SlotID)
	if err != nil {
		return nil, err
	}
	if p.SummaryHash, err = r.summaryHashType(ctx, kx.SummaryHashType); err != nil {
		return nil, err
	}
	newHash, err := r.hash()
	if err != nil {
		return nil, err
	}

	s, err := r.openSession(ctx, kx.ReqSessionID, false, slot.Digest(newHash))
	if err != nil {
		return nil, err
	}
	enc, err := r.keyExchangeRsp(ctx, s, kx, reqBytes, p)
	if err != nil {
		s.destroy()
		return nil, err
	}
	s.state = SessionHandshaking
	r.sessions[s.id] = s
	if p.HandshakeInTheClear {
		r.clearID = s.id
	}
	slog.Debug("session handshaking", "id", fmt.Sprintf("%#08x", s.id), "in the clear", p.HandshakeInTheClear)
	return enc, nil
}

// keyExchangeRsp builds the signed KEY_EXCHANGE_RSP and derives the
// handshake secrets.
func (r *Responder) keyExchangeRsp(ctx context.Context, s *Session, kx *protocol.KeyExchange, reqBytes []byte, p protocol.Params) ([]byte, error) {
	share, err := r.cfg.Crypto.GenerateKeyShare(r.neg.DHE)
	if err != nil {
		return nil, err
	}
	defer share.Destroy()
	shared, err := share.SharedSecret(kx.ExchangeData)
	if err != nil {
		captureErr(ctx, protocol.InvalidRequest, 0)
		return nil, fmt.Errorf("requester exchange data: %w", err)
	}
	defer clear(shared)

	rsp := &protocol.KeyExchangeRsp{
		HeartbeatPeriod: s.heartbeat,
		RspSessionID:    responderHalf(s.id),
		ExchangeData:    share.ExchangeData(),
		Signature:       make([]byte, p.SignatureSize),
	}
	if !p.HandshakeInTheClear {
		rsp.VerifyData = make([]byte, p.HashSize)
	}
	if p.SummaryHash {
		if rsp.MeasurementSummaryHash, err = r.summaryHash(ctx, kx.SummaryHashType); err != nil {
			return nil, err
		}
	}
	if err := r.cfg.Crypto.Random(rsp.Random[:]); err != nil {
		return nil, err
	}
	enc, err := encode(r.neg.Version, rsp, p)
	if err != nil {
		return nil, err
	}

	sigEnd := len(enc)
	if !p.HandshakeInTheClear {
		sigEnd -= p.HashSize
	}
	if err := r.signAt(enc, sigEnd-p.SignatureSize, keyExchangeRspContext, s.a, s.ct, reqBytes); err != nil {
		return nil, err
	}
	if err := s.k.Append(reqBytes, enc[:sigEnd]); err != nil {
		return nil, err
	}
	th1 := s.th()
	if err := s.schedule.DeriveHandshake(shared, th1); err != nil {
		return nil, err
	}
	if p.HandshakeInTheClear {
		return enc, nil
	}

	verifyData, err := s.schedule.VerifyData(kex.Response, th1)
	if err != nil {
		return nil, err
	}
	copy(enc[sigEnd:], verifyData)
	if err := s.k.Append(enc[sigEnd:]); err != nil {
		return nil, err
	}
	if err := s.installKeys(kex.Response, s.schedule.HandshakeKeys); err != nil {
		return nil, err
	}
	return enc, nil
}

// checkFinish verifies the Requester's verify data, which covers the
// transcript up to the verify data field. A mismatch ends the session.
func (r *Responder) checkFinish(ctx context.Context, s *Session, reqBytes, verifyData []byte) error {
	prefix := reqBytes[:len(reqBytes)-len(verifyData)]
	if err := s.schedule.CheckVerifyData(kex.Request, s.th(prefix), verifyData); err != nil {
		slog.Warn("requester verify data rejected", "id", fmt.Sprintf("%#08x", s.id))
		captureErr(ctx, protocol.DecryptError, 0)
		r.teardown(ctx, s, err)
		return err
	}
	return s.f.Append(reqBytes)
}

// establish derives the data secrets once FINISH_RSP or PSK_FINISH_RSP has
// been appended to the transcript. The data keys are installed after the
// response is sent under the handshake keys.
func (r *Responder) establish(ctx context.Context, s *Session) error {
	if err := s.schedule.MarkFinishVerified(); err != nil {
		return err
	}
	if err := s.schedule.DeriveData(s.th()); err != nil {
		return err
	}
	s.afterSend = func() error {
		return s.installKeys(kex.Response, s.schedule.DataKeys)
	}
	s.state = SessionEstablished
	slog.Debug("session established", "id", fmt.Sprintf("%#08x", s.id), "psk", s.psk)
	r.emitSession(ctx, EventTypeSessionEstablished, s, nil)
	return nil
}

func (r *Responder) finish(ctx context.Context, s *Session, req []byte) ([]byte, error) {
	if s.psk || s.state != SessionHandshaking {
		return nil, fmt.Errorf("FINISH in session state %s: %w", s.state, protocol.ErrSequence)
	}
	p := s.neg.Params()
	payload, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	fin := payload.(*protocol.Finish)
	if fin.SignatureIncluded {
		captureErr(ctx, protocol.UnsupportedRequest, 0)
		return nil, fmt.Errorf("requester signature without mutual authentication: %w", protocol.ErrUnsupported)
	}
	if err := r.checkFinish(ctx, s, reqBytes, fin.VerifyData); err != nil {
		return nil, err
	}

	rsp := &protocol.FinishRsp{}
	if p.HandshakeInTheClear {
		rsp.VerifyData = make([]byte, p.HashSize)
	}
	enc, err := encode(s.neg.Version, rsp, p)
	if err != nil {
		return nil, err
	}
	if p.HandshakeInTheClear {
		vdStart := len(enc) - p.HashSize
		verifyData, err := s.schedule.VerifyData(kex.Response, s.th(enc[:vdStart]))
		if err != nil {
			return nil, err
		}
		copy(enc[vdStart:], verifyData)

		r.mu.Lock()
		if r.clearID == s.id {
			r.clearID = 0
		}
		r.mu.Unlock()
	}
	if err := s.f.Append(enc); err != nil {
		return nil, err
	}
	if err := r.establish(ctx, s); err != nil {
		return nil, err
	}
	return enc, nil
}

func (r *Responder) pskExchange(ctx context.Context, req []byte) ([]byte, error) {
	if err := r.requireSessions("PSK_EXCHANGE", protocol.AnyPSKCap); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	payload, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	px := payload.(*protocol.PSKExchange)
	if p.SummaryHash, err = r.summaryHashType(ctx, px.SummaryHashType); err != nil {
		return nil, err
	}
	if r.prov.PSKs == nil {
		return nil, fmt.Errorf("no PSK store provisioned: %w", protocol.ErrUnsupported)
	}
	psk, err := r.prov.PSKs.PSK(ctx, px.Hint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			captureErr(ctx, protocol.InvalidRequest, 0)
		}
		return nil, fmt.Errorf("PSK for hint %q: %w", px.Hint, err)
	}
	defer clear(psk)

	s, err := r.openSession(ctx, px.ReqSessionID, true, nil)
	if err != nil {
		return nil, err
	}
	enc, err := r.pskExchangeRsp(ctx, s, px, psk, reqBytes, p)
	if err != nil {
		s.destroy()
		return nil, err
	}
	s.state = SessionHandshaking
	r.sessions[s.id] = s
	slog.Debug("PSK session handshaking", "id", fmt.Sprintf("%#08x", s.id))
	return enc, nil
}

func (r *Responder) pskExchangeRsp(ctx context.Context, s *Session, px *protocol.PSKExchange, psk, reqBytes []byte, p protocol.Params) ([]byte, error) {
	rsp := &protocol.PSKExchangeRsp{
		HeartbeatPeriod: s.heartbeat,
		RspSessionID:    responderHalf(s.id),
		VerifyData:      make([]byte, p.HashSize),
	}
	if r.neg.Capabilities.Has(protocol.PSKCapWithContext) {
		rsp.Context = make([]byte, p.HashSize)
		if err := r.cfg.Crypto.Random(rsp.Context); err != nil {
			return nil, err
		}
	}
	var err error
	if p.SummaryHash {
		if rsp.MeasurementSummaryHash, err = r.summaryHash(ctx, px.SummaryHashType); err != nil {
			return nil, err
		}
	}
	enc, err := encode(r.neg.Version, rsp, p)
	if err != nil {
		return nil, err
	}

	vdStart := len(enc) - p.HashSize
	if err := s.k.Append(reqBytes, enc[:vdStart]); err != nil {
		return nil, err
	}
	th1 := s.th()
	if err := s.schedule.DeriveHandshake(psk, th1); err != nil {
		return nil, err
	}
	verifyData, err := s.schedule.VerifyData(kex.Response, th1)
	if err != nil {
		return nil, err
	}
	copy(enc[vdStart:], verifyData)
	if err := s.k.Append(enc[vdStart:]); err != nil {
		return nil, err
	}
	if err := s.installKeys(kex.Response, s.schedule.HandshakeKeys); err != nil {
		return nil, err
	}
	return enc, nil
}

func (r *Responder) pskFinish(ctx context.Context, s *Session, req []byte) ([]byte, error) {
	if !s.psk || s.state != SessionHandshaking {
		return nil, fmt.Errorf("PSK_FINISH in session state %s: %w", s.state, protocol.ErrSequence)
	}
	p := s.neg.Params()
	payload, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	if err := r.checkFinish(ctx, s, reqBytes, payload.(*protocol.PSKFinish).VerifyData); err != nil {
		return nil, err
	}
	enc, err := encode(s.neg.Version, &protocol.PSKFinishRsp{}, p)
	if err != nil {
		return nil, err
	}
	if err := s.f.Append(enc); err != nil {
		return nil, err
	}
	if err := r.establish(ctx, s); err != nil {
		return nil, err
	}
	return enc, nil
}

// sessionRequest decodes a request that requires an established session and
// the capabilities caps.
func (r *Responder) sessionRequest(s *Session, op string, caps protocol.CapabilityFlags, req []byte) (protocol.Payload, error) {
	if err := s.established(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if caps != 0 && !s.neg.Capabilities.Any(caps) {
		return nil, fmt.Errorf("%s requires %s: %w", op, caps, protocol.ErrUnsupported)
	}
	payload, _, err := r.request(req, s.neg.Params())
	return payload, err
}

func (r *Responder) heartbeatAck(_ context.Context, s *Session, req []byte) ([]byte, error) {
	if _, err := r.sessionRequest(s, "HEARTBEAT", protocol.HeartbeatCap, req); err != nil {
		return nil, err
	}
	return encode(s.neg.Version, &protocol.HeartbeatAck{}, s.neg.Params())
}

// keyUpdateAck switches the keys of requests before answering, since the
// Requester uses its new key from the next request. New response keys take
// effect once the acknowledgment has been sealed with the old ones.
func (r *Responder) keyUpdateAck(ctx context.Context, s *Session, req []byte) ([]byte, error) {
	payload, err := r.sessionRequest(s, "KEY_UPDATE", protocol.KeyUpdateCap, req)
	if err != nil {
		return nil, err
	}
	ku := payload.(*protocol.KeyUpdate)
	switch ku.Operation {
	case protocol.UpdateKey, protocol.UpdateAllKeys:
		if err := s.prepareUpdate(kex.Request); err != nil {
			return nil, err
		}
		if ku.Operation == protocol.UpdateAllKeys {
			if err := s.prepareUpdate(kex.Response); err != nil {
				s.schedule.DiscardUpdate(kex.Request)
				return nil, err
			}
		}
	case protocol.VerifyNewKey:
	default:
		captureErr(ctx, protocol.InvalidRequest, 0)
		return nil, fmt.Errorf("key update operation %s: %w", ku.Operation, protocol.ErrMalformedMessage)
	}

	enc, err := encode(s.neg.Version, &protocol.KeyUpdateAck{Operation: ku.Operation, Tag: ku.Tag}, s.neg.Params())
	if err != nil {
		s.schedule.DiscardUpdate(kex.Request)
		s.schedule.DiscardUpdate(kex.Response)
		return nil, err
	}
	if ku.Operation == protocol.VerifyNewKey {
		return enc, nil
	}
	if err := s.commitUpdate(kex.Request, kex.Response); err != nil {
		r.teardown(ctx, s, err)
		return nil, err
	}
	if ku.Operation == protocol.UpdateAllKeys {
		s.afterSend = func() error { return s.commitUpdate(kex.Response, kex.Response) }
	}
	slog.Debug("session keys updated", "id", fmt.Sprintf("%#08x", s.id), "operation", ku.Operation)
	r.emitKeyUpdate(ctx, s, ku.Operation)
	return enc, nil
}

func (r *Responder) endSessionAck(ctx context.Context, s *Session, req []byte) ([]byte, error) {
	if _, err := r.sessionRequest(s, "END_SESSION", 0, req); err != nil {
		return nil, err
	}
	enc, err := encode(s.neg.Version, &protocol.EndSessionAck{}, s.neg.Params())
	if err != nil {
		return nil, err
	}
	s.afterSend = func() error {
		r.teardown(ctx, s, nil)
		return nil
	}
	return enc, nil
}
