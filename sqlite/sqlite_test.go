// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite_test

import (
	"bytes"
	"context"
	"crypto"
	"crypto/elliptic"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/spdmtest"
	"github.com/openspdm/go-spdm/sqlite"
)

func newDB(t *testing.T) *sqlite.DB {
	t.Helper()

	state, err := sqlite.Open(filepath.Join(t.TempDir(), "db.test"), "test_password")
	if err != nil {
		t.Fatal(err)
	}
	state.DebugLog = spdmtest.TestingLog(t)
	t.Cleanup(func() { _ = state.Close() })
	return state
}

func TestPSK(t *testing.T) {
	ctx := context.Background()
	state := newDB(t)

	if err := state.AddPSK(ctx, []byte("hint"), []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := state.AddPSK(ctx, []byte("hint"), []byte("second")); err != nil {
		t.Fatal(err)
	}
	psk, err := state.PSK(ctx, []byte("hint"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(psk, []byte("second")) {
		t.Errorf("PSK %q, expected the replacement", psk)
	}

	if _, err := state.PSK(ctx, []byte("other")); !errors.Is(err, spdm.ErrNotFound) {
		t.Errorf("expected not found for unknown hint, got %v", err)
	}
	if err := state.RemovePSK(ctx, []byte("hint")); err != nil {
		t.Fatal(err)
	}
	if err := state.RemovePSK(ctx, []byte("hint")); !errors.Is(err, spdm.ErrNotFound) {
		t.Errorf("expected not found removing twice, got %v", err)
	}
	if err := state.AddPSK(ctx, []byte("hint"), nil); err == nil {
		t.Error("expected empty PSK to be rejected")
	}
}

func TestMeasurements(t *testing.T) {
	ctx := context.Background()
	state := newDB(t)

	for _, index := range []uint8{3, 1, 2} {
		if err := state.SetMeasurement(ctx, index, protocol.DMTFMutableFirmware, []byte{index}); err != nil {
			t.Fatal(err)
		}
	}
	if err := state.SetMeasurement(ctx, 2, protocol.DMTFHardwareConfig, []byte("replaced")); err != nil {
		t.Fatal(err)
	}
	if err := state.SetMeasurement(ctx, 0xff, protocol.DMTFHardwareConfig, nil); err == nil {
		t.Error("expected reserved index to be rejected")
	}

	blocks, err := state.Measurements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.IsSortedFunc(blocks, func(a, b protocol.MeasurementBlock) int { return int(a.Index) - int(b.Index) }) || len(blocks) != 3 {
		t.Fatalf("blocks not sorted by index: %+v", blocks)
	}
	typ, value, err := blocks[1].DMTF()
	if err != nil {
		t.Fatal(err)
	}
	if typ != protocol.DMTFHardwareConfig || !bytes.Equal(value, []byte("replaced")) {
		t.Errorf("block 2 is %#x %q", typ, value)
	}
}

func TestCertChain(t *testing.T) {
	ctx := context.Background()
	state := newDB(t)
	id := spdmtest.NewIdentity(t, elliptic.P384())

	if err := state.SetCertChain(ctx, 8, id.Chain, id.Key); err == nil {
		t.Error("expected slot 8 to be rejected")
	}
	if err := state.SetCertChain(ctx, 0, []byte{0x30, 0x03}, nil); err == nil {
		t.Error("expected malformed chain to be rejected")
	}
	if err := state.SetCertChain(ctx, 2, id.Chain, nil); err != nil {
		t.Fatal(err)
	}
	if err := state.SetCertChain(ctx, 1, id.Chain, id.Key); err != nil {
		t.Fatal(err)
	}

	prov, err := state.Provisioning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if prov.CertChains[0] != nil || !bytes.Equal(prov.CertChains[1], id.Chain) || !bytes.Equal(prov.CertChains[2], id.Chain) {
		t.Error("provisioned slots do not match stored chains")
	}
	if prov.Signer == nil || !id.Leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool }).Equal(prov.Signer.Public()) {
		t.Error("signer is not the leaf key")
	}
}

func TestEncryptedReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.test")

	state, err := sqlite.Open(path, "test_password")
	if err != nil {
		t.Fatal(err)
	}
	if err := state.AddPSK(ctx, []byte("hint"), []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if err := state.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := sqlite.Open(path, "wrong_password"); err == nil {
		t.Fatal("expected wrong password to fail")
	}

	state, err = sqlite.Open(path, "test_password")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = state.Close() }()
	if psk, err := state.PSK(ctx, []byte("hint")); err != nil || !bytes.Equal(psk, []byte("secret")) {
		t.Fatalf("PSK after reopen: %q, %v", psk, err)
	}
}

func TestEndpoints(t *testing.T) {
	ctx := context.Background()
	state := newDB(t)
	id := spdmtest.NewIdentity(t, elliptic.P256())

	if err := state.SetCertChain(ctx, 0, id.Chain, id.Key); err != nil {
		t.Fatal(err)
	}
	if err := state.AddPSK(ctx, spdmtest.PSKHint, bytes.Repeat([]byte{0x5a}, 48)); err != nil {
		t.Fatal(err)
	}
	for index, value := range spdmtest.Measurements {
		if err := state.SetMeasurement(ctx, index, protocol.DMTFMutableFirmware|protocol.DMTFRawBitStreamFlag, value); err != nil {
			t.Fatal(err)
		}
	}

	prov, err := state.Provisioning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rsp := spdm.NewResponder(spdm.Config{BaseAsym: protocol.ECDSAP256, Events: state}, prov)
	req := spdm.NewRequester(&spdmtest.Transport{T: t, Responder: rsp}, spdm.Config{Events: state}, spdm.Provisioning{PSKs: state})
	req.Verifier = cert.Verifier{Roots: id.Roots()}

	if err := req.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := req.GetDigests(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := req.GetCertificate(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := req.Challenge(ctx, 0, protocol.AllMeasurementSummaryHash); err != nil {
		t.Fatal(err)
	}
	meas, err := req.GetMeasurements(ctx, spdm.MeasurementRequest{Operation: protocol.MeasurementRequestAll, Signed: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(meas.Blocks) != len(spdmtest.Measurements) {
		t.Errorf("got %d measurement blocks", len(meas.Blocks))
	}

	s, err := req.StartPSKSession(ctx, spdmtest.PSKHint, protocol.NoMeasurementSummaryHash)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Heartbeat(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := req.EndSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	events, err := state.Events(ctx, s.ID())
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range events {
		if e.Version != protocol.Version12 || e.Error != "" {
			t.Errorf("logged event %+v", e)
		}
		got = append(got, e.Role+" "+e.Type)
	}
	want := []string{
		"responder Session Established",
		"requester Session Established",
		"responder Session Ended",
		"requester Session Ended",
	}
	if !slices.Equal(got, want) {
		t.Errorf("session log %q, expected %q", got, want)
	}

	conn, err := state.Events(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(conn) != 4 {
		t.Errorf("expected negotiation and authentication of both roles, logged %d events", len(conn))
	}
}
