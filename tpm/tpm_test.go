// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"slices"
	"testing"
	"time"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/spdmtest"
	"github.com/openspdm/go-spdm/tpm"
)

func TestIsDevNode(t *testing.T) {
	for _, test := range []struct {
		path   string
		kind   tpm.DevNodeKind
		expect bool
	}{
		{
			path:   "/dev/tpm0",
			kind:   tpm.DevNodeUnmanaged,
			expect: true,
		},
		{
			path:   "/dev/tpm1",
			kind:   tpm.DevNodeUnmanaged,
			expect: true,
		},
		{
			path:   "/dev/tpmrm0",
			kind:   tpm.DevNodeManaged,
			expect: true,
		},
		{
			path:   "/dev/tpmrm12",
			kind:   tpm.DevNodeManaged,
			expect: true,
		},
		{
			path:   "/dev/tpm0",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
		{
			path:   "/dev/tpmrm0",
			kind:   tpm.DevNodeUnmanaged,
			expect: false,
		},
		{
			path:   "/dev/tpmrm",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
		{
			path:   "tpmrm0",
			kind:   tpm.DevNodeManaged,
			expect: false,
		},
	} {
		t.Run("whether "+test.path+" is a "+test.kind.PathPrefix(), func(t *testing.T) {
			if got, expect := tpm.IsDevNode(test.path, test.kind), test.expect; got != expect {
				var direction string
				if !expect {
					direction = " not"
				}
				t.Errorf("expected %q to%s match %q suffixed with a number", test.path, direction, test.kind.PathPrefix())
			}
		})
	}
}

func TestOpenRejectsPath(t *testing.T) {
	if _, err := tpm.Open("/tmp/tpm0"); err == nil {
		t.Error("expected a path outside /dev to be rejected")
	}
}

// issue returns a root-first chain whose leaf certifies pub.
func issue(t *testing.T, pub crypto.PublicKey) ([]byte, *x509.CertPool) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "TPM Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		t.Fatal(err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatal(err)
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "TPM Responder"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}, root, pub, rootKey)
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)
	return slices.Concat(rootDER, leafDER), pool
}

func TestResponder(t *testing.T) {
	ctx := context.Background()
	sim := openSimulator(t)

	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384()} {
		t.Run(curve.Params().Name, func(t *testing.T) {
			key, err := tpm.GenerateECKey(sim, curve)
			if err != nil {
				t.Fatal(err)
			}
			defer func() {
				if err := key.Close(); err != nil {
					t.Error(err)
				}
			}()
			chain, roots := issue(t, key.Public())

			rsp := spdm.NewResponder(spdm.Config{
				BaseAsym: key.Algorithm(),
				BaseHash: protocol.SHA384,
			}, spdm.Provisioning{
				CertChains: [protocol.MaxSlots][]byte{chain},
				Signer:     key,
			})
			rsp.App = func(_ context.Context, _ uint32, data []byte) ([]byte, error) {
				return data, nil
			}
			req := spdm.NewRequester(&spdmtest.Transport{T: t, Responder: rsp}, spdm.Config{}, spdm.Provisioning{})
			req.Verifier = cert.Verifier{Roots: roots}

			if err := req.Init(ctx); err != nil {
				t.Fatal(err)
			}
			if got := req.Negotiated().BaseAsym; got != key.Algorithm() {
				t.Fatalf("negotiated %s", got)
			}
			if _, err := req.GetDigests(ctx); err != nil {
				t.Fatal(err)
			}
			if _, err := req.GetCertificate(ctx, 0); err != nil {
				t.Fatal(err)
			}
			if _, err := req.Challenge(ctx, 0, protocol.NoMeasurementSummaryHash); err != nil {
				t.Fatalf("challenge signed by TPM: %v", err)
			}

			s, err := req.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
			if err != nil {
				t.Fatalf("key exchange signed by TPM: %v", err)
			}
			if echo, err := req.SendApp(ctx, s, []byte("ping")); err != nil || string(echo) != "ping" {
				t.Fatalf("app data %q: %v", echo, err)
			}
			if err := req.EndSession(ctx, s); err != nil {
				t.Fatal(err)
			}
		})
	}
}
