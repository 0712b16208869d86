// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/openspdm/go-spdm/protocol"
)

func TestSelectVersion(t *testing.T) {
	all := []protocol.Version{protocol.Version10, protocol.Version11, protocol.Version12}

	v, err := selectVersion(all, []protocol.Version{protocol.Version11, protocol.Version10})
	if err != nil {
		t.Fatal(err)
	}
	if v != protocol.Version11 {
		t.Errorf("selected %s, expected 1.1", v)
	}

	// Unknown peer versions are ignored
	v, err = selectVersion(all, []protocol.Version{0x13, protocol.Version12})
	if err != nil {
		t.Fatal(err)
	}
	if v != protocol.Version12 {
		t.Errorf("selected %s, expected 1.2", v)
	}

	if _, err := selectVersion([]protocol.Version{protocol.Version12}, []protocol.Version{protocol.Version10}); !errors.Is(err, protocol.ErrVersionMismatch) {
		t.Errorf("expected version mismatch, got %v", err)
	}
}

func TestSelectCapabilities(t *testing.T) {
	req := protocol.CertCap | protocol.EncryptCap | protocol.MACCap | protocol.KeyExCap | protocol.PSKCap | protocol.HeartbeatCap
	rsp := protocol.CertCap | protocol.ChalCap | protocol.MeasCapSig | protocol.EncryptCap | protocol.MACCap |
		protocol.KeyExCap | protocol.PSKCapWithContext | protocol.KeyUpdateCap

	if got, want := selectCapabilities(protocol.Version10, req, rsp), protocol.CertCap|protocol.ChalCap|protocol.MeasCapSig; got != want {
		t.Errorf("1.0 capabilities %s, want %s", got, want)
	}

	got := selectCapabilities(protocol.Version12, req, rsp)
	want := protocol.CertCap | protocol.ChalCap | protocol.MeasCapSig | protocol.EncryptCap | protocol.MACCap |
		protocol.KeyExCap | protocol.PSKCapWithContext
	if got != want {
		t.Errorf("1.2 capabilities %s, want %s", got, want)
	}

	if got := selectCapabilities(protocol.Version12, req&^protocol.PSKCap, rsp); got.Any(protocol.AnyPSKCap) {
		t.Errorf("PSK selected without requester support: %s", got)
	}
}

func TestSelectAlgorithmsDeterministic(t *testing.T) {
	cfg := Config{}.withDefaults()
	caps := DefaultCapabilities
	req := negotiateAlgorithmsRequest(cfg, protocol.Version12)

	first, err := selectAlgorithms(cfg, protocol.Version12, caps, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.BaseHash != protocol.SHA512 || first.BaseAsym != protocol.ECDSAP384 {
		t.Errorf("selected %s/%s", first.BaseHash, first.BaseAsym)
	}
	if first.DHE() != protocol.SECP384R1 || first.AEAD() != protocol.AES256GCM {
		t.Errorf("selected %s/%s", first.DHE(), first.AEAD())
	}
	if err := checkAlgorithms(protocol.Version12, caps, req, first); err != nil {
		t.Errorf("own selection rejected: %v", err)
	}

	reversed := *req
	reversed.Structs = slices.Clone(req.Structs)
	slices.Reverse(reversed.Structs)
	second, err := selectAlgorithms(cfg, protocol.Version12, caps, &reversed)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("selection depends on struct order:\n%+v\n%+v", first, second)
	}
}

func TestSelectAlgorithmsMismatch(t *testing.T) {
	cfg := Config{}.withDefaults()
	req := negotiateAlgorithmsRequest(cfg, protocol.Version12)

	noHash := *req
	noHash.BaseHash = protocol.SHA3_256
	if _, err := selectAlgorithms(cfg, protocol.Version12, DefaultCapabilities, &noHash); !errors.Is(err, protocol.ErrAlgorithmMismatch) {
		t.Errorf("expected hash mismatch, got %v", err)
	}

	noDHE := *req
	noDHE.Structs = slices.DeleteFunc(slices.Clone(req.Structs), func(s protocol.AlgStruct) bool {
		return s.Type == protocol.DHEAlgType
	})
	if _, err := selectAlgorithms(cfg, protocol.Version12, DefaultCapabilities, &noDHE); !errors.Is(err, protocol.ErrAlgorithmMismatch) {
		t.Errorf("expected key exchange mismatch, got %v", err)
	}

	// Without KEY_EX no group is needed
	if _, err := selectAlgorithms(cfg, protocol.Version12, DefaultCapabilities&^protocol.KeyExCap, &noDHE); err != nil {
		t.Errorf("unexpected error without key exchange: %v", err)
	}
}

func TestCheckAlgorithms(t *testing.T) {
	cfg := Config{}.withDefaults()
	sent := negotiateAlgorithmsRequest(cfg, protocol.Version12)
	good, err := selectAlgorithms(cfg, protocol.Version12, DefaultCapabilities, sent)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name   string
		tamper func(*protocol.Algorithms)
	}{
		{"MultipleHashes", func(a *protocol.Algorithms) { a.BaseHash = protocol.SHA256 | protocol.SHA384 }},
		{"HashNotOffered", func(a *protocol.Algorithms) { a.BaseHash = protocol.SHA3_256 }},
		{"NoSignature", func(a *protocol.Algorithms) { a.BaseAsym = 0 }},
		{"NoMeasurementHash", func(a *protocol.Algorithms) { a.MeasurementHash = 0 }},
		{"NoAEAD", func(a *protocol.Algorithms) {
			for i := range a.Structs {
				if a.Structs[i].Type == protocol.AEADAlgType {
					a.Structs[i].Supported = 0
				}
			}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := *good
			got.Structs = slices.Clone(good.Structs)
			tc.tamper(&got)
			if err := checkAlgorithms(protocol.Version12, DefaultCapabilities, sent, &got); !errors.Is(err, protocol.ErrAlgorithmMismatch) {
				t.Errorf("expected algorithm mismatch, got %v", err)
			}
		})
	}
}

type loopback struct{ rsp *Responder }

func (l loopback) Send(ctx context.Context, msg []byte) ([]byte, error) { return l.rsp.Respond(ctx, msg) }

func TestAlgorithmsUnframeableSlot(t *testing.T) {
	ctx := context.Background()
	rsp := NewResponder(Config{}, Provisioning{
		CertChains: [protocol.MaxSlots][]byte{nil, {0x30, 0x82}},
	})
	req := NewRequester(loopback{rsp}, Config{}, Provisioning{})

	if err := req.GetVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if err := req.GetCapabilities(ctx); err != nil {
		t.Fatal(err)
	}
	before := rsp.a.Len()
	if err := req.NegotiateAlgorithms(ctx); err == nil {
		t.Fatal("algorithms negotiated with an unframeable chain")
	}

	if rsp.state != CapabilitiesNegotiated {
		t.Errorf("responder state %s", rsp.state)
	}
	if rsp.a.Len() != before {
		t.Errorf("transcript grew from %d to %d bytes", before, rsp.a.Len())
	}
	if rsp.neg.BaseHash != 0 || rsp.neg.BaseAsym != 0 {
		t.Errorf("algorithms committed: %+v", rsp.neg)
	}
	if rsp.slotMask() != 0 {
		t.Errorf("slots framed: %#x", rsp.slotMask())
	}
}

func TestTranscriptBounds(t *testing.T) {
	ctx := context.Background()
	rsp := NewResponder(Config{}, Provisioning{})
	req := NewRequester(loopback{rsp}, Config{MaxMessageSize: 4096, DataTransferSize: 1024}, Provisioning{})

	if err := req.GetVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if err := req.GetCapabilities(ctx); err != nil {
		t.Fatal(err)
	}
	// 1016 byte portions read a full slot in 65 exchanges
	wantB := (4 + 2*protocol.MaxSlots*65) * 4096
	for _, e := range []*endpoint{&req.endpoint, &rsp.endpoint} {
		if got := e.a.MaxSize; got != 6*4096 {
			t.Errorf("%s A bound %d", e.role, got)
		}
		if got := e.b.MaxSize; got != wantB {
			t.Errorf("%s B bound %d, want %d", e.role, got, wantB)
		}
		if got := e.l.MaxSize; got != 512*4096 {
			t.Errorf("%s L bound %d", e.role, got)
		}
	}

	// A new GET_VERSION drops the negotiated sizes
	if err := req.GetVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if req.a.MaxSize != 0 || rsp.a.MaxSize != 0 {
		t.Errorf("A bounds %d and %d after reset", req.a.MaxSize, rsp.a.MaxSize)
	}

	fixed := NewResponder(Config{MaxTranscriptSize: 1000}, Provisioning{})
	req = NewRequester(loopback{fixed}, Config{}, Provisioning{})
	if err := req.GetVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if err := req.GetCapabilities(ctx); err != nil {
		t.Fatal(err)
	}
	if fixed.b.MaxSize != 1000 {
		t.Errorf("configured bound replaced with %d", fixed.b.MaxSize)
	}
}
