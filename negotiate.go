// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"
	"slices"

	"github.com/openspdm/go-spdm/protocol"
)

// Responder preference order per algorithm category
var (
	hashPreference = []protocol.BaseHashAlgo{
		protocol.SHA512, protocol.SHA384, protocol.SHA256,
		protocol.SHA3_512, protocol.SHA3_384, protocol.SHA3_256,
	}
	asymPreference = []protocol.BaseAsymAlgo{
		protocol.ECDSAP521, protocol.ECDSAP384, protocol.ECDSAP256,
		protocol.RSAPSS4096, protocol.RSASSA4096, protocol.RSAPSS3072,
		protocol.RSASSA3072, protocol.RSAPSS2048, protocol.RSASSA2048,
	}
	measHashPreference = []protocol.MeasurementHashAlgo{
		protocol.MeasSHA512, protocol.MeasSHA384, protocol.MeasSHA256,
		protocol.MeasSHA3_512, protocol.MeasSHA3_384, protocol.MeasSHA3_256,
		protocol.MeasRawBitStream,
	}
	dhePreference = []protocol.DHEAlgo{
		protocol.SECP521R1, protocol.SECP384R1, protocol.SECP256R1,
		protocol.FFDHE4096, protocol.FFDHE3072, protocol.FFDHE2048,
	}
	aeadPreference = []protocol.AEADAlgo{
		protocol.AES256GCM, protocol.ChaCha20Poly1305, protocol.AES128GCM,
	}
	keySchedulePreference = []protocol.KeyScheduleAlgo{protocol.SPDMKeySchedule}
)

func pick[T ~uint16 | ~uint32](set T, preference []T) T {
	for _, v := range preference {
		if set&v != 0 {
			return v
		}
	}
	return 0
}

// selectVersion returns the highest version present in both lists.
func selectVersion(local, peer []protocol.Version) (protocol.Version, error) {
	var best protocol.Version
	for _, v := range peer {
		if v > best && v.IsValid() && slices.Contains(local, v) {
			best = v
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("local %v, peer %v: %w", local, peer, protocol.ErrVersionMismatch)
	}
	return best, nil
}

// responderOnlyCaps are performed by the Responder alone, so the Responder's
// advertisement decides whether they are active.
const responderOnlyCaps = protocol.CacheCap | protocol.CertCap | protocol.ChalCap |
	protocol.MeasCap | protocol.MeasFreshCap

// selectCapabilities combines Requester and Responder flags. Version 1.0
// defines only the responder-only flags. A Requester supporting PSK accepts
// either Responder encoding, which decides whether the Responder sends a
// context.
func selectCapabilities(v protocol.Version, req, rsp protocol.CapabilityFlags) protocol.CapabilityFlags {
	if v < protocol.Version11 {
		return rsp & responderOnlyCaps
	}
	sel := req&rsp&^(responderOnlyCaps|protocol.AnyPSKCap) | rsp&responderOnlyCaps
	if req.Any(protocol.AnyPSKCap) {
		sel |= rsp & protocol.AnyPSKCap
	}
	return sel
}

type algorithmNeeds struct {
	asym, measHash, dhe, aead, keySchedule bool
}

func needs(caps protocol.CapabilityFlags) algorithmNeeds {
	keyEx := caps.Has(protocol.KeyExCap)
	psk := caps.Any(protocol.AnyPSKCap)
	return algorithmNeeds{
		asym:        caps.Any(protocol.CertCap | protocol.ChalCap | protocol.MeasCapSig | protocol.KeyExCap),
		measHash:    caps.Any(protocol.MeasCap),
		dhe:         keyEx,
		aead:        keyEx || psk,
		keySchedule: keyEx || psk,
	}
}

func mismatch(category string) error {
	return fmt.Errorf("no common %s algorithm: %w", category, protocol.ErrAlgorithmMismatch)
}

// selectAlgorithms is the Responder's choice of exactly one algorithm per
// category from the intersection of the request and its configuration. The
// result does not depend on the order of the request's structures.
func selectAlgorithms(cfg Config, v protocol.Version, caps protocol.CapabilityFlags, req *protocol.NegotiateAlgorithms) (*protocol.Algorithms, error) {
	need := needs(caps)
	rsp := &protocol.Algorithms{
		BaseHash: pick(req.BaseHash&cfg.BaseHash, hashPreference),
		BaseAsym: pick(req.BaseAsym&cfg.BaseAsym, asymPreference),
	}
	if rsp.BaseHash == 0 {
		return nil, mismatch("hash")
	}
	if need.asym && rsp.BaseAsym == 0 {
		return nil, mismatch("asymmetric signature")
	}
	if need.measHash {
		rsp.MeasurementSpec = req.MeasurementSpec & protocol.MeasurementSpecDMTF
		rsp.MeasurementHash = pick(cfg.MeasurementHash, measHashPreference)
		if rsp.MeasurementSpec == 0 || rsp.MeasurementHash == 0 {
			return nil, mismatch("measurement")
		}
	}
	if v < protocol.Version11 {
		return rsp, nil
	}

	dhe := pick(req.DHE()&cfg.DHE, dhePreference)
	aead := pick(req.AEAD()&cfg.AEAD, aeadPreference)
	ks := pick(req.KeySchedule()&cfg.KeySchedule, keySchedulePreference)
	reqAsym := pick(req.ReqBaseAsym()&cfg.ReqBaseAsym, asymPreference)
	switch {
	case need.dhe && dhe == 0:
		return nil, mismatch("key exchange")
	case need.aead && aead == 0:
		return nil, mismatch("AEAD")
	case need.keySchedule && ks == 0:
		return nil, mismatch("key schedule")
	}

	for _, s := range req.Structs {
		var sel uint16
		switch s.Type {
		case protocol.DHEAlgType:
			sel = uint16(dhe)
		case protocol.AEADAlgType:
			sel = uint16(aead)
		case protocol.ReqBaseAsymAlgType:
			sel = uint16(reqAsym)
		case protocol.KeyScheduleAlgType:
			sel = uint16(ks)
		default:
			continue
		}
		rsp.Structs = append(rsp.Structs, protocol.AlgStruct{Type: s.Type, Supported: sel})
	}
	slices.SortFunc(rsp.Structs, func(a, b protocol.AlgStruct) int { return int(a.Type) - int(b.Type) })
	return rsp, nil
}

func selected[T ~uint16 | ~uint32](category string, got, offered T, required bool) error {
	if got == 0 {
		if required {
			return mismatch(category)
		}
		return nil
	}
	if !protocol.Single(got) || got&offered != got {
		return fmt.Errorf("%s selection %#x not one of %#x: %w", category, got, offered, protocol.ErrAlgorithmMismatch)
	}
	return nil
}

// checkAlgorithms validates the Responder's selection against what the
// Requester offered.
func checkAlgorithms(v protocol.Version, caps protocol.CapabilityFlags, sent *protocol.NegotiateAlgorithms, got *protocol.Algorithms) error {
	need := needs(caps)
	if err := selected("hash", got.BaseHash, sent.BaseHash, true); err != nil {
		return err
	}
	if err := selected("asymmetric signature", got.BaseAsym, sent.BaseAsym, need.asym); err != nil {
		return err
	}
	if need.measHash && (got.MeasurementHash == 0 || !protocol.Single(got.MeasurementHash)) {
		return mismatch("measurement hash")
	}
	if v < protocol.Version11 {
		return nil
	}
	if err := selected("key exchange", got.DHE(), sent.DHE(), need.dhe); err != nil {
		return err
	}
	if err := selected("AEAD", got.AEAD(), sent.AEAD(), need.aead); err != nil {
		return err
	}
	if err := selected("key schedule", got.KeySchedule(), sent.KeySchedule(), need.keySchedule); err != nil {
		return err
	}
	return selected("requester asymmetric signature", got.ReqBaseAsym(), sent.ReqBaseAsym(), false)
}

// commitAlgorithms records an ALGORITHMS response into the negotiated state.
func (n *Negotiated) commitAlgorithms(a *protocol.Algorithms) {
	n.MeasurementSpec = a.MeasurementSpec
	n.MeasurementHash = a.MeasurementHash
	n.BaseAsym = a.BaseAsym
	n.BaseHash = a.BaseHash
	n.DHE = a.DHE()
	n.AEAD = a.AEAD()
	n.ReqBaseAsym = a.ReqBaseAsym()
	n.KeySchedule = a.KeySchedule()
}

// negotiateAlgorithmsRequest is the Requester's advertisement.
func negotiateAlgorithmsRequest(cfg Config, v protocol.Version) *protocol.NegotiateAlgorithms {
	req := &protocol.NegotiateAlgorithms{
		MeasurementSpec: protocol.MeasurementSpecDMTF,
		BaseAsym:        cfg.BaseAsym,
		BaseHash:        cfg.BaseHash,
	}
	if v < protocol.Version11 {
		return req
	}
	req.Structs = []protocol.AlgStruct{
		{Type: protocol.DHEAlgType, Supported: uint16(cfg.DHE)},
		{Type: protocol.AEADAlgType, Supported: uint16(cfg.AEAD)},
		{Type: protocol.ReqBaseAsymAlgType, Supported: uint16(cfg.ReqBaseAsym)},
		{Type: protocol.KeyScheduleAlgType, Supported: uint16(cfg.KeySchedule)},
	}
	return req
}
