// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdmtest

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"testing"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/internal/memory"
	"github.com/openspdm/go-spdm/protocol"
)

// PSKHint names the pre-shared key provisioned by NewEndpoints.
var PSKHint = []byte("spdmtest-psk")

// Measurements provisioned by NewEndpoints, keyed by index.
var Measurements = map[uint8][]byte{
	1: []byte("boot rom"),
	2: []byte("firmware image v1.2.3"),
	3: []byte("hardware straps"),
}

// Endpoints is a Requester connected to a Responder by a Transport.
type Endpoints struct {
	Requester *spdm.Requester
	Responder *spdm.Responder
	Transport *Transport
	Identity  *Identity
	State     *memory.State
}

// NewEndpoints provisions a Responder with a P-256 identity in slot 0, a
// PSK and three raw measurements, and connects a Requester that trusts the
// identity's root. A zero Config uses defaults, except that the Responder
// only offers ECDSA P-256 signatures when BaseAsym is unset.
func NewEndpoints(t *testing.T, reqCfg, rspCfg spdm.Config) *Endpoints {
	t.Helper()

	id := NewIdentity(t, elliptic.P256())
	state := memory.NewState()
	state.AddPSK(PSKHint, bytes.Repeat([]byte{0xa5}, 32))
	state.SetMeasurement(1, protocol.DMTFImmutableROM|protocol.DMTFRawBitStreamFlag, Measurements[1])
	state.SetMeasurement(2, protocol.DMTFMutableFirmware|protocol.DMTFRawBitStreamFlag, Measurements[2])
	state.SetMeasurement(3, protocol.DMTFHardwareConfig|protocol.DMTFRawBitStreamFlag, Measurements[3])

	if rspCfg.BaseAsym == 0 {
		rspCfg.BaseAsym = protocol.ECDSAP256
	}
	rsp := spdm.NewResponder(rspCfg, spdm.Provisioning{
		CertChains:   [protocol.MaxSlots][]byte{id.Chain},
		Signer:       id.Key,
		PSKs:         state,
		Measurements: state,
	})
	rsp.App = func(_ context.Context, _ uint32, data []byte) ([]byte, error) {
		return append([]byte("echo: "), data...), nil
	}

	tr := &Transport{T: t, Responder: rsp}
	req := spdm.NewRequester(tr, reqCfg, spdm.Provisioning{PSKs: state})
	req.Verifier = cert.Verifier{Roots: id.Roots()}

	return &Endpoints{
		Requester: req,
		Responder: rsp,
		Transport: tr,
		Identity:  id,
		State:     state,
	}
}

// Authenticate negotiates the connection, retrieves the chain in slot 0 and
// challenges the Responder.
func (e *Endpoints) Authenticate(ctx context.Context) error {
	if err := e.Requester.Init(ctx); err != nil {
		return err
	}
	if _, err := e.Requester.GetDigests(ctx); err != nil {
		return err
	}
	if _, err := e.Requester.GetCertificate(ctx, 0); err != nil {
		return err
	}
	_, err := e.Requester.Challenge(ctx, 0, protocol.NoMeasurementSummaryHash)
	return err
}
