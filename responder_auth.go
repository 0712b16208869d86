// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
)

func encode(v protocol.Version, payload protocol.Payload, p protocol.Params) ([]byte, error) {
	return protocol.Marshal(protocol.Message{Version: v, Payload: payload}, p)
}

// request decodes a request for a handler, returning the exact bytes for
// transcripts.
func (r *Responder) request(req []byte, p protocol.Params) (protocol.Payload, []byte, error) {
	m, exact, err := r.decode(req, p)
	if err != nil {
		return nil, nil, err
	}
	return m.Payload, exact, nil
}

// signAt fills the signature field at sigStart of an encoded response with a
// signature over parts followed by the response up to that field.
func (r *Responder) signAt(enc []byte, sigStart int, context string, parts ...[]byte) error {
	sig, err := r.signer().sign(r.prov.Signer, context, append(parts, enc[:sigStart])...)
	if err != nil {
		return err
	}
	if size := r.neg.BaseAsym.SignatureSize(); len(sig) != size {
		return fmt.Errorf("%s signature is %d bytes, expected %d", r.neg.BaseAsym, len(sig), size)
	}
	copy(enc[sigStart:], sig)
	return nil
}

func (r *Responder) version10(_ context.Context, req []byte) ([]byte, error) {
	r.resetLocked("GET_VERSION")
	r.clearID = 0

	_, reqBytes, err := r.request(req, protocol.Params{})
	if err != nil {
		return nil, err
	}
	rsp := new(protocol.VersionResponse)
	for _, v := range slices.Sorted(slices.Values(r.cfg.Versions)) {
		rsp.Entries = append(rsp.Entries, protocol.NewVersionNumber(v))
	}
	enc, err := encode(protocol.Version10, rsp, protocol.Params{})
	if err != nil {
		return nil, err
	}
	if err := r.a.Append(reqBytes, enc); err != nil {
		return nil, err
	}
	r.state = VersionNegotiated
	return enc, nil
}

func (r *Responder) capabilities(ctx context.Context, req []byte) ([]byte, error) {
	if r.state != VersionNegotiated {
		return nil, fmt.Errorf("GET_CAPABILITIES in state %s: %w", r.state, protocol.ErrSequence)
	}
	m, reqBytes, err := r.decode(req, protocol.Params{})
	if err != nil {
		return nil, err
	}
	v := m.Version
	if !slices.Contains(r.cfg.Versions, v) {
		return nil, fmt.Errorf("GET_CAPABILITIES with version %s: %w", v, protocol.ErrVersionMismatch)
	}
	caps := m.Payload.(*protocol.GetCapabilities)
	if err := checkCapabilities(v, caps.Flags, caps.DataTransferSize, caps.MaxMessageSize); err != nil {
		captureErr(ctx, protocol.InvalidRequest, 0)
		return nil, err
	}

	flags := r.cfg.Capabilities
	if v < protocol.Version11 {
		flags &= responderOnlyCaps
	}
	enc, err := encode(v, &protocol.Capabilities{
		CTExponent:       r.cfg.CTExponent,
		Flags:            flags,
		DataTransferSize: r.cfg.DataTransferSize,
		MaxMessageSize:   r.cfg.MaxMessageSize,
	}, protocol.Params{})
	if err != nil {
		return nil, err
	}
	if err := r.a.Append(reqBytes, enc); err != nil {
		return nil, err
	}

	r.neg.Version = v
	r.neg.PeerCapabilities = caps.Flags
	r.neg.PeerCTExponent = caps.CTExponent
	r.neg.PeerDataTransferSize = caps.DataTransferSize
	r.neg.PeerMaxMessageSize = caps.MaxMessageSize
	r.neg.Capabilities = selectCapabilities(v, caps.Flags, flags)
	r.state = CapabilitiesNegotiated
	r.boundTranscripts()
	slog.Debug("capabilities negotiated", "version", v, "selected", r.neg.Capabilities)
	return enc, nil
}

func (r *Responder) algorithms(ctx context.Context, req []byte) ([]byte, error) {
	if r.state != CapabilitiesNegotiated {
		return nil, fmt.Errorf("NEGOTIATE_ALGORITHMS in state %s: %w", r.state, protocol.ErrSequence)
	}
	payload, reqBytes, err := r.request(req, r.neg.Params())
	if err != nil {
		return nil, err
	}
	rsp, err := selectAlgorithms(r.cfg, r.neg.Version, r.neg.Capabilities, payload.(*protocol.NegotiateAlgorithms))
	if err != nil {
		return nil, err
	}
	newHash, err := r.cfg.Crypto.Hash(rsp.BaseHash)
	if err != nil {
		return nil, err
	}
	enc, err := encode(r.neg.Version, rsp, r.neg.Params())
	if err != nil {
		return nil, err
	}
	var slots [protocol.MaxSlots]cert.Slot
	for i, chain := range r.prov.CertChains {
		if chain == nil {
			continue
		}
		if slots[i], err = cert.NewSlot(newHash, chain); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}
	if err := r.a.Append(reqBytes, enc); err != nil {
		return nil, err
	}
	r.neg.commitAlgorithms(rsp)
	r.slots = slots
	r.state = AlgorithmsNegotiated
	slog.Debug("algorithms negotiated",
		"hash", r.neg.BaseHash, "asym", r.neg.BaseAsym, "dhe", r.neg.DHE, "aead", r.neg.AEAD)
	r.emitNegotiated(ctx)
	return enc, nil
}

// slotMask has a bit set for each provisioned slot.
func (r *Responder) slotMask() uint8 {
	var mask uint8
	for i, s := range r.slots {
		if s != nil {
			mask |= 1 << i
		}
	}
	return mask
}

// provisionedSlot validates a slot ID from a request.
func (r *Responder) provisionedSlot(ctx context.Context, slot uint8) (cert.Slot, error) {
	if slot >= protocol.MaxSlots || r.slots[slot] == nil {
		captureErr(ctx, protocol.InvalidRequest, 0)
		return nil, fmt.Errorf("slot %d is not provisioned: %w", slot, protocol.ErrMalformedMessage)
	}
	return r.slots[slot], nil
}

func (r *Responder) digests(_ context.Context, req []byte) ([]byte, error) {
	if err := r.requireCaps("GET_DIGESTS", protocol.CertCap); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	_, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	newHash, err := r.hash()
	if err != nil {
		return nil, err
	}
	rsp := &protocol.Digests{SlotMask: r.slotMask()}
	if rsp.SlotMask == 0 {
		return nil, fmt.Errorf("no certificate chains provisioned: %w", protocol.ErrUnsupported)
	}
	for _, s := range r.slots {
		if s != nil {
			rsp.Digests = append(rsp.Digests, s.Digest(newHash))
		}
	}
	enc, err := encode(r.neg.Version, rsp, p)
	if err != nil {
		return nil, err
	}
	if err := r.b.Append(reqBytes, enc); err != nil {
		return nil, err
	}
	return enc, nil
}

func (r *Responder) certificate(ctx context.Context, req []byte) ([]byte, error) {
	if err := r.requireCaps("GET_CERTIFICATE", protocol.CertCap); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	payload, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	gc := payload.(*protocol.GetCertificate)
	slot, err := r.provisionedSlot(ctx, gc.SlotID)
	if err != nil {
		return nil, err
	}
	if int(gc.Offset) >= len(slot) || gc.Length == 0 {
		captureErr(ctx, protocol.InvalidRequest, 0)
		return nil, fmt.Errorf("certificate offset %d length %d of %d byte chain: %w",
			gc.Offset, gc.Length, len(slot), protocol.ErrMalformedMessage)
	}

	n := min(int(gc.Length), len(slot)-int(gc.Offset))
	if size := r.neg.PeerDataTransferSize; r.neg.Version >= protocol.Version12 && size > 8 {
		n = min(n, int(size)-8)
	}
	portion := slot[gc.Offset : int(gc.Offset)+n]
	enc, err := encode(r.neg.Version, &protocol.Certificate{
		SlotID:          gc.SlotID,
		RemainderLength: uint16(len(slot) - int(gc.Offset) - n),
		Portion:         portion,
	}, p)
	if err != nil {
		return nil, err
	}
	if err := r.b.Append(reqBytes, enc); err != nil {
		return nil, err
	}
	return enc, nil
}

// summaryHashType reports whether a summary hash is requested, rejecting
// unknown types and types the negotiated capabilities cannot serve.
func (r *Responder) summaryHashType(ctx context.Context, typ protocol.MeasurementSummaryHashType) (bool, error) {
	switch typ {
	case protocol.NoMeasurementSummaryHash:
		return false, nil
	case protocol.TCBMeasurementSummaryHash, protocol.AllMeasurementSummaryHash:
		if r.neg.Capabilities.Any(protocol.MeasCap) {
			return true, nil
		}
	}
	captureErr(ctx, protocol.InvalidRequest, 0)
	return false, fmt.Errorf("measurement summary hash %s: %w", typ, protocol.ErrMalformedMessage)
}

func (r *Responder) challengeAuth(ctx context.Context, req []byte) ([]byte, error) {
	if err := r.requireCaps("CHALLENGE", protocol.ChalCap); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	payload, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	ch := payload.(*protocol.Challenge)
	slot, err := r.provisionedSlot(ctx, ch.SlotID)
	if err != nil {
		return nil, err
	}
	if p.SummaryHash, err = r.summaryHashType(ctx, ch.SummaryHashType); err != nil {
		return nil, err
	}
	newHash, err := r.hash()
	if err != nil {
		return nil, err
	}

	rsp := &protocol.ChallengeAuth{
		SlotID:        ch.SlotID,
		SlotMask:      r.slotMask(),
		CertChainHash: slot.Digest(newHash),
		Signature:     make([]byte, p.SignatureSize),
	}
	if p.SummaryHash {
		if rsp.MeasurementSummaryHash, err = r.summaryHash(ctx, ch.SummaryHashType); err != nil {
			return nil, err
		}
	}
	if err := r.cfg.Crypto.Random(rsp.Nonce[:]); err != nil {
		return nil, err
	}
	enc, err := encode(r.neg.Version, rsp, p)
	if err != nil {
		return nil, err
	}
	if err := r.signAt(enc, protocol.SignedLen(enc, p), challengeAuthContext, r.a.Bytes(), r.b.Bytes(), reqBytes); err != nil {
		return nil, err
	}

	r.b.Reset()
	r.state = Authenticated
	slog.Debug("challenge answered", "slot", ch.SlotID)
	r.emitAuthenticated(ctx, ch.SlotID)
	return enc, nil
}

func (r *Responder) measurements(ctx context.Context, req []byte) ([]byte, error) {
	enc, err := r.measurementsRsp(ctx, req)
	if err != nil {
		r.l.Reset()
	}
	return enc, err
}

func (r *Responder) measurementsRsp(ctx context.Context, req []byte) ([]byte, error) {
	if err := r.requireCaps("GET_MEASUREMENTS", protocol.MeasCap); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	payload, reqBytes, err := r.request(req, p)
	if err != nil {
		return nil, err
	}
	gm := payload.(*protocol.GetMeasurements)
	signed := gm.SignatureRequested()
	if signed {
		if !r.neg.Capabilities.Has(protocol.MeasCapSig) {
			captureErr(ctx, protocol.InvalidRequest, 0)
			return nil, fmt.Errorf("signed measurements: %w", protocol.ErrUnsupported)
		}
		if _, err := r.provisionedSlot(ctx, gm.SlotID); err != nil {
			return nil, err
		}
	}

	blocks, err := r.measurementBlocks(ctx, gm.Attributes&protocol.RawBitStreamRequested != 0)
	if err != nil {
		return nil, err
	}
	rsp := &protocol.Measurements{}
	switch gm.Operation {
	case protocol.MeasurementQueryTotalNumber:
		rsp.TotalMeasurements = uint8(len(blocks))
	case protocol.MeasurementRequestAll:
		rsp.Blocks = blocks
	default:
		i := slices.IndexFunc(blocks, func(mb protocol.MeasurementBlock) bool { return mb.Index == gm.Operation })
		if i < 0 {
			captureErr(ctx, protocol.InvalidRequest, 0)
			return nil, fmt.Errorf("measurement %d: %w", gm.Operation, protocol.ErrMalformedMessage)
		}
		rsp.Blocks = blocks[i : i+1]
	}
	if err := r.cfg.Crypto.Random(rsp.Nonce[:]); err != nil {
		return nil, err
	}

	p.MeasurementSignature = signed
	p.ContentChange = r.cfg.ContentChange
	if signed {
		rsp.SlotID = gm.SlotID
		rsp.Signature = make([]byte, p.SignatureSize)
		if protocol.Param2Layout(r.neg.Version, p.ContentChange).ContentMask != 0 {
			rsp.ContentChanged = protocol.ContentChangeNone
		}
	}
	enc, err := encode(r.neg.Version, rsp, p)
	if err != nil {
		return nil, err
	}
	if !signed {
		if err := r.l.Append(reqBytes, enc); err != nil {
			return nil, err
		}
		return enc, nil
	}

	defer r.l.Reset()
	sigStart := protocol.SignedLen(enc, p)
	if err := r.signAt(enc, sigStart, measurementsContext, r.measurementTranscript(reqBytes)...); err != nil {
		return nil, err
	}
	return enc, nil
}
