// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
)

// Smallest data transfer size a 1.2 peer may advertise.
const minDataTransferSize = 42

// Largest portion requested per GET_CERTIFICATE.
const certPortionLength = 0x400

// GetVersion resets the connection and selects the highest version both
// endpoints support.
func (r *Requester) GetVersion(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetLocked("GET_VERSION")
	res, err := r.roundTrip(ctx, exchange{
		req:    &protocol.GetVersion{},
		expect: protocol.VersionCode,
		params: protocol.Params{Version: protocol.Version10},
	})
	if err != nil {
		return err
	}

	var peer []protocol.Version
	for _, entry := range res.msg.(*protocol.VersionResponse).Entries {
		peer = append(peer, entry.Version())
	}
	v, err := selectVersion(r.cfg.Versions, peer)
	if err != nil {
		return err
	}
	if err := r.a.Append(res.req, res.rsp); err != nil {
		return err
	}
	r.neg.Version = v
	r.state = VersionNegotiated
	slog.Debug("version negotiated", "version", v)
	return nil
}

// requesterCaps strips flags that describe Responder-only behavior or
// features this package does not perform as a Requester.
func requesterCaps(caps protocol.CapabilityFlags) protocol.CapabilityFlags {
	return caps &^ (responderOnlyCaps | protocol.MutAuthCap | protocol.EncapCap | protocol.ChunkCap | protocol.PubKeyIDCap)
}

// GetCapabilities exchanges capability flags and message size limits.
func (r *Requester) GetCapabilities(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != VersionNegotiated {
		return fmt.Errorf("GET_CAPABILITIES in state %s: %w", r.state, protocol.ErrSequence)
	}
	flags := requesterCaps(r.cfg.Capabilities)
	res, err := r.roundTrip(ctx, exchange{
		req: &protocol.GetCapabilities{
			CTExponent:       r.cfg.CTExponent,
			Flags:            flags,
			DataTransferSize: r.cfg.DataTransferSize,
			MaxMessageSize:   r.cfg.MaxMessageSize,
		},
		expect: protocol.CapabilitiesCode,
	})
	if err != nil {
		return err
	}
	rsp := res.msg.(*protocol.Capabilities)
	if err := checkCapabilities(r.neg.Version, rsp.Flags, rsp.DataTransferSize, rsp.MaxMessageSize); err != nil {
		return err
	}
	if err := r.a.Append(res.req, res.rsp); err != nil {
		return err
	}

	r.neg.PeerCapabilities = rsp.Flags
	r.neg.PeerCTExponent = rsp.CTExponent
	r.neg.PeerDataTransferSize = rsp.DataTransferSize
	r.neg.PeerMaxMessageSize = rsp.MaxMessageSize
	r.neg.Capabilities = selectCapabilities(r.neg.Version, flags, rsp.Flags)
	r.state = CapabilitiesNegotiated
	r.boundTranscripts()
	slog.Debug("capabilities negotiated", "selected", r.neg.Capabilities)
	return nil
}

// checkCapabilities rejects inconsistent advertisements.
func checkCapabilities(v protocol.Version, flags protocol.CapabilityFlags, dataTransferSize, maxMessageSize uint32) error {
	if v >= protocol.Version12 {
		if dataTransferSize < minDataTransferSize {
			return fmt.Errorf("data transfer size %d: %w", dataTransferSize, protocol.ErrMalformedMessage)
		}
		if maxMessageSize < dataTransferSize {
			return fmt.Errorf("max message size %d below data transfer size %d: %w",
				maxMessageSize, dataTransferSize, protocol.ErrMalformedMessage)
		}
	}
	if v >= protocol.Version11 && flags.Any(protocol.KeyExCap|protocol.AnyPSKCap) && !flags.Any(protocol.EncryptCap|protocol.MACCap) {
		return fmt.Errorf("session capabilities %s without encryption or MAC: %w", flags, protocol.ErrMalformedMessage)
	}
	if flags.Has(protocol.AnyPSKCap) {
		return fmt.Errorf("both PSK capability encodings set: %w", protocol.ErrMalformedMessage)
	}
	return nil
}

// NegotiateAlgorithms advertises the configured algorithms and validates the
// Responder's selection.
func (r *Requester) NegotiateAlgorithms(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != CapabilitiesNegotiated {
		return fmt.Errorf("NEGOTIATE_ALGORITHMS in state %s: %w", r.state, protocol.ErrSequence)
	}
	req := negotiateAlgorithmsRequest(r.cfg, r.neg.Version)
	res, err := r.roundTrip(ctx, exchange{req: req, expect: protocol.AlgorithmsCode})
	if err != nil {
		return err
	}
	rsp := res.msg.(*protocol.Algorithms)
	if err := checkAlgorithms(r.neg.Version, r.neg.Capabilities, req, rsp); err != nil {
		return err
	}
	if _, err := r.cfg.Crypto.Hash(rsp.BaseHash); err != nil {
		return err
	}
	if err := r.a.Append(res.req, res.rsp); err != nil {
		return err
	}
	r.neg.commitAlgorithms(rsp)
	r.state = AlgorithmsNegotiated
	slog.Debug("algorithms negotiated",
		"hash", r.neg.BaseHash, "asym", r.neg.BaseAsym, "dhe", r.neg.DHE, "aead", r.neg.AEAD)
	r.emitNegotiated(ctx)
	return nil
}

// requireCaps checks the connection state and negotiated capabilities. The
// caller holds mu.
func (e *endpoint) requireCaps(op string, caps protocol.CapabilityFlags) error {
	if err := e.requireState(AlgorithmsNegotiated); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !e.neg.Capabilities.Any(caps) {
		return fmt.Errorf("%s requires %s: %w", op, caps, protocol.ErrUnsupported)
	}
	return nil
}

// GetDigests returns the digest of each certificate chain provisioned on the
// Responder, indexed by slot. Empty slots are nil.
func (r *Requester) GetDigests(ctx context.Context) ([protocol.MaxSlots][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var digests [protocol.MaxSlots][]byte
	if err := r.requireCaps("GET_DIGESTS", protocol.CertCap); err != nil {
		return digests, err
	}
	res, err := r.roundTrip(ctx, exchange{
		req:    &protocol.GetDigests{},
		expect: protocol.DigestsCode,
		params: r.neg.Params(),
	})
	if err != nil {
		return digests, err
	}
	if err := r.b.Append(res.req, res.rsp); err != nil {
		return digests, err
	}
	rsp := res.msg.(*protocol.Digests)
	next := 0
	for slot := range protocol.MaxSlots {
		if rsp.SlotMask&(1<<slot) == 0 {
			continue
		}
		digests[slot] = rsp.Digests[next]
		next++
	}
	r.peer.digests = digests
	return digests, nil
}

// GetCertificate retrieves and validates the certificate chain in a slot.
// The chain is returned root first.
func (r *Requester) GetCertificate(ctx context.Context, slot uint8) ([]*x509.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireCaps("GET_CERTIFICATE", protocol.CertCap); err != nil {
		return nil, err
	}
	if slot >= protocol.MaxSlots {
		return nil, fmt.Errorf("slot %d: %w", slot, protocol.ErrUnsupported)
	}

	portion := uint16(certPortionLength)
	if size := r.neg.PeerDataTransferSize; size > 0 && size-8 < uint32(portion) {
		portion = uint16(size - 8)
	}
	var chain []byte
	for {
		res, err := r.roundTrip(ctx, exchange{
			req:    &protocol.GetCertificate{SlotID: slot, Offset: uint16(len(chain)), Length: portion},
			expect: protocol.CertificateCode,
			params: r.neg.Params(),
		})
		if err != nil {
			return nil, err
		}
		rsp := res.msg.(*protocol.Certificate)
		switch {
		case rsp.SlotID != slot:
			return nil, fmt.Errorf("certificate for slot %d, requested %d: %w", rsp.SlotID, slot, protocol.ErrMalformedMessage)
		case len(rsp.Portion) > int(portion):
			return nil, fmt.Errorf("certificate portion of %d bytes, requested %d: %w", len(rsp.Portion), portion, protocol.ErrMalformedMessage)
		case len(rsp.Portion) == 0 && rsp.RemainderLength > 0:
			return nil, fmt.Errorf("empty certificate portion: %w", protocol.ErrMalformedMessage)
		case len(chain)+len(rsp.Portion)+int(rsp.RemainderLength) > 0xffff:
			return nil, fmt.Errorf("certificate chain exceeds slot size: %w", protocol.ErrMalformedMessage)
		}
		if err := r.b.Append(res.req, res.rsp); err != nil {
			return nil, err
		}
		chain = append(chain, rsp.Portion...)
		if rsp.RemainderLength == 0 {
			break
		}
	}

	newHash, err := r.hash()
	if err != nil {
		return nil, err
	}
	s := cert.Slot(chain)
	if want := r.peer.digests[slot]; want != nil && !bytes.Equal(want, s.Digest(newHash)) {
		return nil, fmt.Errorf("slot %d chain does not match its digest: %w", slot, protocol.ErrAuthenticationFailure)
	}
	certs, err := s.Verify(newHash, r.Verifier)
	if err != nil {
		r.emitCertValidationFailed(ctx, slot, err)
		return nil, err
	}
	r.peer.slots[slot] = s
	r.peer.certs[slot] = certs
	return certs, nil
}

// leaf returns the Responder's end-entity certificate of a retrieved slot.
func (e *endpoint) leaf(slot uint8) (*x509.Certificate, error) {
	if slot >= protocol.MaxSlots || len(e.peer.certs[slot]) == 0 {
		return nil, fmt.Errorf("certificate chain of slot %d not retrieved: %w", slot, protocol.ErrSequence)
	}
	certs := e.peer.certs[slot]
	return certs[len(certs)-1], nil
}

// Challenge authenticates the Responder with the certificate chain of a
// retrieved slot. The measurement summary hash is returned when requested.
func (r *Requester) Challenge(ctx context.Context, slot uint8, summary protocol.MeasurementSummaryHashType) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireCaps("CHALLENGE", protocol.ChalCap); err != nil {
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

	req := &protocol.Challenge{SlotID: slot, SummaryHashType: summary}
	if err := r.cfg.Crypto.Random(req.Nonce[:]); err != nil {
		return nil, err
	}
	p := r.neg.Params()
	p.SummaryHash = summary != protocol.NoMeasurementSummaryHash
	res, err := r.roundTrip(ctx, exchange{req: req, expect: protocol.ChallengeAuthCode, params: p})
	if err != nil {
		return nil, err
	}
	defer r.b.Reset()

	rsp := res.msg.(*protocol.ChallengeAuth)
	if rsp.SlotID != slot {
		return nil, fmt.Errorf("challenge answered for slot %d, requested %d: %w", rsp.SlotID, slot, protocol.ErrMalformedMessage)
	}
	if !bytes.Equal(rsp.CertChainHash, r.peer.slots[slot].Digest(newHash)) {
		return nil, fmt.Errorf("challenge certificate chain hash: %w", protocol.ErrAuthenticationFailure)
	}
	signed := res.rsp[:protocol.SignedLen(res.rsp, p)]
	if err := r.signer().verify(leaf.PublicKey, rsp.Signature, challengeAuthContext,
		r.a.Bytes(), r.b.Bytes(), res.req, signed); err != nil {
		return nil, err
	}

	r.state = Authenticated
	slog.Debug("responder authenticated", "slot", slot)
	r.emitAuthenticated(ctx, slot)
	return rsp.MeasurementSummaryHash, nil
}

// MeasurementRequest selects the measurements returned by GetMeasurements.
type MeasurementRequest struct {
	// Operation is a measurement index, protocol.MeasurementRequestAll or
	// protocol.MeasurementQueryTotalNumber.
	Operation uint8

	// Signed requests a signature over the measurement transcript with the
	// chain in SlotID.
	Signed bool
	SlotID uint8

	// RawBitStream requests raw measurement values instead of digests.
	RawBitStream bool
}

// GetMeasurements retrieves measurement blocks. Unsigned responses
// accumulate until a signed response authenticates the whole sequence.
func (r *Requester) GetMeasurements(ctx context.Context, mr MeasurementRequest) (*protocol.Measurements, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireCaps("GET_MEASUREMENTS", protocol.MeasCap); err != nil {
		return nil, err
	}
	req := &protocol.GetMeasurements{Operation: mr.Operation, SlotID: mr.SlotID}
	if mr.RawBitStream {
		req.Attributes |= protocol.RawBitStreamRequested
	}
	var verifyKey *x509.Certificate
	if mr.Signed {
		if !r.neg.Capabilities.Has(protocol.MeasCapSig) {
			return nil, fmt.Errorf("signed measurements: %w", protocol.ErrUnsupported)
		}
		var err error
		if verifyKey, err = r.leaf(mr.SlotID); err != nil {
			return nil, err
		}
		req.Attributes |= protocol.SignatureRequested
		if err := r.cfg.Crypto.Random(req.Nonce[:]); err != nil {
			return nil, err
		}
	}

	p := r.neg.Params()
	p.MeasurementSignature = mr.Signed
	p.ContentChange = r.cfg.ContentChange
	res, err := r.roundTrip(ctx, exchange{req: req, expect: protocol.MeasurementsCode, params: p})
	if err != nil {
		r.l.Reset()
		return nil, err
	}
	rsp := res.msg.(*protocol.Measurements)
	if err := checkMeasurements(mr, rsp); err != nil {
		r.l.Reset()
		return nil, err
	}

	if !mr.Signed {
		if err := r.l.Append(res.req, res.rsp); err != nil {
			r.l.Reset()
			return nil, err
		}
		return rsp, nil
	}

	defer r.l.Reset()
	if rsp.SlotID != mr.SlotID {
		return nil, fmt.Errorf("measurements signed with slot %d, requested %d: %w", rsp.SlotID, mr.SlotID, protocol.ErrMalformedMessage)
	}
	signed := res.rsp[:protocol.SignedLen(res.rsp, p)]
	if err := r.signer().verify(verifyKey.PublicKey, rsp.Signature, measurementsContext,
		r.measurementTranscript(res.req, signed)...); err != nil {
		return nil, err
	}
	return rsp, nil
}

// measurementTranscript is L1/L2: the unsigned measurement exchanges since
// the last signed response, preceded by A from 1.2.
func (e *endpoint) measurementTranscript(extra ...[]byte) [][]byte {
	var parts [][]byte
	if e.neg.Version >= protocol.Version12 {
		parts = append(parts, e.a.Bytes())
	}
	parts = append(parts, e.l.Bytes())
	return append(parts, extra...)
}

func checkMeasurements(mr MeasurementRequest, rsp *protocol.Measurements) error {
	switch mr.Operation {
	case protocol.MeasurementQueryTotalNumber:
		if len(rsp.Blocks) != 0 {
			return fmt.Errorf("measurement count query returned %d blocks: %w", len(rsp.Blocks), protocol.ErrMalformedMessage)
		}
	case protocol.MeasurementRequestAll:
	default:
		if len(rsp.Blocks) != 1 || rsp.Blocks[0].Index != mr.Operation {
			return fmt.Errorf("measurement %d not returned: %w", mr.Operation, protocol.ErrMalformedMessage)
		}
	}
	for _, mb := range rsp.Blocks {
		if mb.Spec != protocol.MeasurementSpecDMTF {
			continue
		}
		if _, _, err := mb.DMTF(); err != nil {
			return err
		}
	}
	return nil
}
