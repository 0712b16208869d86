// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openspdm/go-spdm/kex"
	"github.com/openspdm/go-spdm/protocol"
)

// StartSession establishes a session authenticated with the certificate
// chain of a retrieved slot.
func (r *Requester) StartSession(ctx context.Context, slot uint8, summary protocol.MeasurementSummaryHashType) (*Session, error) {
	s, err := r.KeyExchange(ctx, slot, summary)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// StartPSKSession establishes a session from the pre-shared key identified
// by hint.
func (r *Requester) StartPSKSession(ctx context.Context, hint []byte, summary protocol.MeasurementSummaryHashType) (*Session, error) {
	s, err := r.PSKExchange(ctx, hint, summary)
	if err != nil {
		return nil, err
	}
	if err := r.PSKFinish(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *endpoint) requireSessions(op string, caps protocol.CapabilityFlags) error {
	if err := e.requireCaps(op, caps); err != nil {
		return err
	}
	if e.neg.Version < protocol.Version11 {
		return fmt.Errorf("%s requires version 1.1: %w", op, protocol.ErrUnsupported)
	}
	return nil
}

func requesterHalf(id uint32) uint16 { return uint16(id >> 16) }
func responderHalf(id uint32) uint16 { return uint16(id) }

// KeyExchange performs KEY_EXCHANGE and returns a handshaking session. The
// Responder's signature is verified with the chain of slot, which must have
// been retrieved.
func (r *Requester) KeyExchange(ctx context.Context, slot uint8, summary protocol.MeasurementSummaryHashType) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireSessions("KEY_EXCHANGE", protocol.KeyExCap); err != nil {
		return nil, err
	}
	if summary != protocol.NoMeasurementSummaryHash && !r.neg.Capabilities.Any(protocol.MeasCap) {
		return nil, fmt.Errorf("measurement summary hash requires measurement capability: %w", protocol.ErrUnsupported)
	}
	leaf, err := r.leaf(slot)
	if err != nil {
		return nil, err
	}
	newHash, err := r.hash()
	if err != nil {
		return nil, err
	}
	reqID, err := r.allocateID(requesterHalf)
	if err != nil {
		return nil, err
	}

	share, err := r.cfg.Crypto.GenerateKeyShare(r.neg.DHE)
	if err != nil {
		return nil, err
	}
	req := &protocol.KeyExchange{
		SummaryHashType: summary,
		SlotID:          slot,
		ReqSessionID:    reqID,
		ExchangeData:    share.ExchangeData(),
	}
	if err := r.cfg.Crypto.Random(req.Random[:]); err != nil {
		share.Destroy()
		return nil, err
	}
	p := r.neg.Params()
	p.SummaryHash = summary != protocol.NoMeasurementSummaryHash
	res, err := r.roundTrip(ctx, exchange{req: req, expect: protocol.KeyExchangeRspCode, params: p})
	if err != nil {
		share.Destroy()
		return nil, err
	}
	rsp := res.msg.(*protocol.KeyExchangeRsp)
	if rsp.MutAuthRequested != 0 {
		share.Destroy()
		return nil, fmt.Errorf("mutual authentication requested: %w", protocol.ErrUnsupported)
	}
	id := SessionID(reqID, rsp.RspSessionID)
	if _, inUse := r.sessions[id]; inUse || rsp.RspSessionID == 0 {
		share.Destroy()
		return nil, fmt.Errorf("responder session ID %#04x: %w", rsp.RspSessionID, protocol.ErrMalformedMessage)
	}

	s, err := newSession(id, false, &r.endpoint, r.peer.slots[slot].Digest(newHash))
	if err != nil {
		share.Destroy()
		return nil, err
	}
	s.share = share
	s.heartbeat = rsp.HeartbeatPeriod
	if err := r.keyExchangeRsp(s, leaf.PublicKey, res, p); err != nil {
		s.destroy()
		return nil, err
	}

	s.state = SessionHandshaking
	r.sessions[id] = s
	slog.Debug("session handshaking", "id", fmt.Sprintf("%#08x", id), "in the clear", p.HandshakeInTheClear)
	return s, nil
}

// keyExchangeRsp verifies the signature and verify data of KEY_EXCHANGE_RSP
// and derives the handshake secrets.
func (r *Requester) keyExchangeRsp(s *Session, pub any, res *result, p protocol.Params) error {
	rsp := res.msg.(*protocol.KeyExchangeRsp)
	sigEnd := len(res.rsp)
	if !p.HandshakeInTheClear {
		sigEnd -= p.HashSize
	}
	signed := res.rsp[:sigEnd-p.SignatureSize]
	if err := r.signer().verify(pub, rsp.Signature, keyExchangeRspContext, s.a, s.ct, res.req, signed); err != nil {
		return err
	}
	if err := s.k.Append(res.req, res.rsp[:sigEnd]); err != nil {
		return err
	}

	shared, err := s.share.SharedSecret(rsp.ExchangeData)
	if err != nil {
		return err
	}
	th1 := s.th()
	err = s.schedule.DeriveHandshake(shared, th1)
	clear(shared)
	if err != nil {
		return err
	}
	s.share.Destroy()
	s.share = nil

	if p.HandshakeInTheClear {
		return nil
	}
	if err := s.schedule.CheckVerifyData(kex.Response, th1, rsp.VerifyData); err != nil {
		return err
	}
	if err := s.k.Append(res.rsp[sigEnd:]); err != nil {
		return err
	}
	return s.installKeys(kex.Request, s.schedule.HandshakeKeys)
}

// Finish completes a session started with KeyExchange. FINISH and FINISH_RSP
// are protected by the handshake keys unless the handshake is in the clear,
// in which case FINISH_RSP carries the Responder's verify data.
func (r *Requester) Finish(ctx context.Context, s *Session) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	if s.state != SessionHandshaking || s.psk {
		return fmt.Errorf("FINISH in session state %s: %w", s.state, protocol.ErrSequence)
	}
	p := s.neg.Params()
	req, err := finishMessage(s, p, func(prefix []byte) ([]byte, error) {
		return s.schedule.VerifyData(kex.Request, s.th(prefix))
	})
	if err != nil {
		return r.abandon(ctx, s, err)
	}
	res, err := r.roundTrip(ctx, exchange{
		req:     req,
		expect:  protocol.FinishRspCode,
		params:  p,
		session: s,
		secured: !p.HandshakeInTheClear,
	})
	if err != nil {
		return r.abandon(ctx, s, err)
	}
	if err := s.f.Append(res.req); err != nil {
		return r.abandon(ctx, s, err)
	}
	if p.HandshakeInTheClear {
		prefix := res.rsp[:len(res.rsp)-p.HashSize]
		if err := s.schedule.CheckVerifyData(kex.Response, s.th(prefix), res.msg.(*protocol.FinishRsp).VerifyData); err != nil {
			return r.abandon(ctx, s, err)
		}
	}
	if err := s.f.Append(res.rsp); err != nil {
		return r.abandon(ctx, s, err)
	}
	return r.established(ctx, s)
}

// finishMessage builds FINISH, computing its verify data over the
// transcript up to the verify data field.
func finishMessage(s *Session, p protocol.Params, verifyData func(prefix []byte) ([]byte, error)) (*protocol.Finish, error) {
	req := &protocol.Finish{VerifyData: make([]byte, p.HashSize)}
	enc, err := protocol.Marshal(protocol.Message{Version: s.neg.Version, Payload: req}, p)
	if err != nil {
		return nil, err
	}
	if req.VerifyData, err = verifyData(enc[:len(enc)-p.HashSize]); err != nil {
		return nil, err
	}
	return req, nil
}

// established derives the data secrets once the finish exchange has been
// authenticated. The caller holds the session lock.
func (r *Requester) established(ctx context.Context, s *Session) error {
	if err := s.schedule.MarkFinishVerified(); err != nil {
		return r.abandon(ctx, s, err)
	}
	if err := s.schedule.DeriveData(s.th()); err != nil {
		return r.abandon(ctx, s, err)
	}
	if err := s.installKeys(kex.Request, s.schedule.DataKeys); err != nil {
		return r.abandon(ctx, s, err)
	}
	s.state = SessionEstablished
	slog.Debug("session established", "id", fmt.Sprintf("%#08x", s.id), "psk", s.psk)
	r.emitSession(ctx, EventTypeSessionEstablished, s, nil)
	return nil
}

// abandon tears down a session whose handshake failed. The caller holds the
// session lock.
func (r *Requester) abandon(ctx context.Context, s *Session, err error) error {
	s.destroy()
	r.removeSession(ctx, s, err)
	return err
}

// PSKExchange performs PSK_EXCHANGE and returns a handshaking session.
func (r *Requester) PSKExchange(ctx context.Context, hint []byte, summary protocol.MeasurementSummaryHashType) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireSessions("PSK_EXCHANGE", protocol.AnyPSKCap); err != nil {
		return nil, err
	}
	if summary != protocol.NoMeasurementSummaryHash && !r.neg.Capabilities.Any(protocol.MeasCap) {
		return nil, fmt.Errorf("measurement summary hash requires measurement capability: %w", protocol.ErrUnsupported)
	}
	if r.prov.PSKs == nil {
		return nil, fmt.Errorf("no PSK store provisioned: %w", protocol.ErrUnsupported)
	}
	psk, err := r.prov.PSKs.PSK(ctx, hint)
	if err != nil {
		return nil, fmt.Errorf("PSK for hint %q: %w", hint, err)
	}
	defer clear(psk)
	reqID, err := r.allocateID(requesterHalf)
	if err != nil {
		return nil, err
	}

	req := &protocol.PSKExchange{
		SummaryHashType: summary,
		ReqSessionID:    reqID,
		Hint:            hint,
		Context:         make([]byte, r.neg.BaseHash.Size()),
	}
	if err := r.cfg.Crypto.Random(req.Context); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	p.SummaryHash = summary != protocol.NoMeasurementSummaryHash
	res, err := r.roundTrip(ctx, exchange{req: req, expect: protocol.PSKExchangeRspCode, params: p})
	if err != nil {
		return nil, err
	}
	rsp := res.msg.(*protocol.PSKExchangeRsp)
	id := SessionID(reqID, rsp.RspSessionID)
	if _, inUse := r.sessions[id]; inUse || rsp.RspSessionID == 0 {
		return nil, fmt.Errorf("responder session ID %#04x: %w", rsp.RspSessionID, protocol.ErrMalformedMessage)
	}

	s, err := newSession(id, true, &r.endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.heartbeat = rsp.HeartbeatPeriod
	if err := pskExchangeRsp(s, psk, res, p); err != nil {
		s.destroy()
		return nil, err
	}
	s.state = SessionHandshaking
	r.sessions[id] = s
	slog.Debug("PSK session handshaking", "id", fmt.Sprintf("%#08x", id))
	return s, nil
}

func pskExchangeRsp(s *Session, psk []byte, res *result, p protocol.Params) error {
	vdStart := len(res.rsp) - p.HashSize
	if err := s.k.Append(res.req, res.rsp[:vdStart]); err != nil {
		return err
	}
	th1 := s.th()
	if err := s.schedule.DeriveHandshake(psk, th1); err != nil {
		return err
	}
	if err := s.schedule.CheckVerifyData(kex.Response, th1, res.msg.(*protocol.PSKExchangeRsp).VerifyData); err != nil {
		return err
	}
	if err := s.k.Append(res.rsp[vdStart:]); err != nil {
		return err
	}
	return s.installKeys(kex.Request, s.schedule.HandshakeKeys)
}

// PSKFinish completes a session started with PSKExchange.
func (r *Requester) PSKFinish(ctx context.Context, s *Session) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	if s.state != SessionHandshaking || !s.psk {
		return fmt.Errorf("PSK_FINISH in session state %s: %w", s.state, protocol.ErrSequence)
	}
	p := s.neg.Params()
	req := &protocol.PSKFinish{VerifyData: make([]byte, p.HashSize)}
	enc, err := protocol.Marshal(protocol.Message{Version: s.neg.Version, Payload: req}, p)
	if err != nil {
		return r.abandon(ctx, s, err)
	}
	if req.VerifyData, err = s.schedule.VerifyData(kex.Request, s.th(enc[:len(enc)-p.HashSize])); err != nil {
		return r.abandon(ctx, s, err)
	}
	res, err := r.roundTrip(ctx, exchange{
		req:     req,
		expect:  protocol.PSKFinishRspCode,
		params:  p,
		session: s,
		secured: true,
	})
	if err != nil {
		return r.abandon(ctx, s, err)
	}
	if err := s.f.Append(res.req, res.rsp); err != nil {
		return r.abandon(ctx, s, err)
	}
	return r.established(ctx, s)
}

// sessionOp locks an established session for an operation requiring caps.
func (r *Requester) sessionOp(s *Session, op string, caps protocol.CapabilityFlags) error {
	if err := s.lock(); err != nil {
		return err
	}
	if err := s.established(); err != nil {
		s.unlock()
		return err
	}
	if caps != 0 && !s.neg.Capabilities.Any(caps) {
		s.unlock()
		return fmt.Errorf("%s requires %s: %w", op, caps, protocol.ErrUnsupported)
	}
	return nil
}

// Heartbeat keeps an established session alive.
func (r *Requester) Heartbeat(ctx context.Context, s *Session) error {
	if err := r.sessionOp(s, "HEARTBEAT", protocol.HeartbeatCap); err != nil {
		return err
	}
	defer s.unlock()

	_, err := r.roundTrip(ctx, exchange{
		req:     &protocol.Heartbeat{},
		expect:  protocol.HeartbeatAckCode,
		params:  s.neg.Params(),
		session: s,
		secured: true,
	})
	return err
}

// KeyUpdate rotates the data keys of a session. UpdateKey rotates the keys
// of requests; UpdateAllKeys rotates both directions. The new keys are
// verified with a VerifyNewKey exchange before KeyUpdate returns.
func (r *Requester) KeyUpdate(ctx context.Context, s *Session, op protocol.KeyUpdateOperation) error {
	if op != protocol.UpdateKey && op != protocol.UpdateAllKeys {
		return fmt.Errorf("key update operation %s: %w", op, protocol.ErrUnsupported)
	}
	if err := r.sessionOp(s, "KEY_UPDATE", protocol.KeyUpdateCap); err != nil {
		return err
	}
	defer s.unlock()

	if err := s.prepareUpdate(kex.Request); err != nil {
		return err
	}
	if op == protocol.UpdateAllKeys {
		if err := s.prepareUpdate(kex.Response); err != nil {
			s.schedule.DiscardUpdate(kex.Request)
			return err
		}
	}
	if err := r.keyUpdate(ctx, s, op); err != nil {
		s.schedule.DiscardUpdate(kex.Request)
		s.schedule.DiscardUpdate(kex.Response)
		return err
	}

	// The acknowledgment was protected by the old keys. Switch both
	// directions that changed before verifying.
	if err := s.commitUpdate(kex.Request, kex.Request); err != nil {
		return r.abandon(ctx, s, err)
	}
	if op == protocol.UpdateAllKeys {
		if err := s.commitUpdate(kex.Response, kex.Request); err != nil {
			return r.abandon(ctx, s, err)
		}
	}
	if err := r.keyUpdate(ctx, s, protocol.VerifyNewKey); err != nil {
		return r.abandon(ctx, s, err)
	}
	slog.Debug("session keys updated", "id", fmt.Sprintf("%#08x", s.id), "operation", op)
	r.emitKeyUpdate(ctx, s, op)
	return nil
}

func (r *Requester) keyUpdate(ctx context.Context, s *Session, op protocol.KeyUpdateOperation) error {
	req := &protocol.KeyUpdate{Operation: op}
	var tag [1]byte
	if err := r.cfg.Crypto.Random(tag[:]); err != nil {
		return err
	}
	req.Tag = tag[0]
	res, err := r.roundTrip(ctx, exchange{
		req:     req,
		expect:  protocol.KeyUpdateAckCode,
		params:  s.neg.Params(),
		session: s,
		secured: true,
	})
	if err != nil {
		return err
	}
	if ack := res.msg.(*protocol.KeyUpdateAck); ack.Operation != op || ack.Tag != req.Tag {
		return fmt.Errorf("key update acknowledged %s/%d, sent %s/%d: %w", ack.Operation, ack.Tag, op, req.Tag, protocol.ErrMalformedMessage)
	}
	return nil
}

// prepareUpdate ratchets the secret of direction d without activating it.
func (s *Session) prepareUpdate(d kex.Direction) error {
	keys, err := s.schedule.PrepareUpdate(d)
	keys.Zero()
	return err
}

// commitUpdate activates the pending key of direction d. sendDir is the
// direction this endpoint sends in.
func (s *Session) commitUpdate(d, sendDir kex.Direction) error {
	s.schedule.CommitUpdate(d)
	keys, err := s.schedule.DataKeys(d)
	if err != nil {
		return err
	}
	defer keys.Zero()
	if d == sendDir {
		return s.record.SetSendKeys(keys)
	}
	return s.record.SetRecvKeys(keys)
}

// EndSession terminates a session. Its secrets are zeroed whether or not
// the Responder acknowledges.
func (r *Requester) EndSession(ctx context.Context, s *Session) error {
	if err := r.sessionOp(s, "END_SESSION", 0); err != nil {
		return err
	}
	defer s.unlock()

	_, err := r.roundTrip(ctx, exchange{
		req:     &protocol.EndSession{},
		expect:  protocol.EndSessionAckCode,
		params:  s.neg.Params(),
		session: s,
		secured: true,
	})
	s.destroy()
	r.removeSession(ctx, s, err)
	return err
}

// SendApp sends application data over an established session and returns
// the Responder's application data reply.
func (r *Requester) SendApp(ctx context.Context, s *Session, data []byte) ([]byte, error) {
	if err := r.sessionOp(s, "application data", 0); err != nil {
		return nil, err
	}
	defer s.unlock()

	out, err := r.wrap(s, data, true)
	if err != nil {
		return nil, err
	}
	in, err := r.Transport.Send(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("error sending application data: %w", err)
	}
	payload, secured, err := r.unwrapTransport(in)
	if err != nil {
		return nil, err
	}
	if secured {
		reply, app, err := r.open(s, payload)
		if err != nil {
			return nil, r.sessionFailed(ctx, s, err)
		}
		if app {
			return reply, nil
		}
		payload = reply
	}

	msg, _, err := r.decode(payload, s.neg.Params())
	if err != nil {
		return nil, err
	}
	if errRsp, ok := msg.Payload.(*protocol.ErrorResponse); ok {
		return nil, r.errorResponse(ctx, "application data", s, errRsp)
	}
	return nil, fmt.Errorf("%s in response to application data: %w", msg.Payload.Code(), protocol.ErrSequence)
}
