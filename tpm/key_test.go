// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/tpm"
)

func openSimulator(t *testing.T) transport.TPMCloser {
	t.Helper()
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening TPM simulator: %v", err)
	}
	t.Cleanup(func() {
		if err := sim.Close(); err != nil {
			t.Error(err)
		}
	})
	return sim
}

func TestPublicKey(t *testing.T) {
	sim := openSimulator(t)

	for _, test := range []struct {
		Name string
		Gen  func(transport.TPM) (tpm.Key, error)
		Hash crypto.Hash
		Alg  protocol.BaseAsymAlgo
	}{
		{
			Name: "RSA-SSA-2048",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateRSAKey(t, 2048)
			},
			Hash: crypto.SHA256,
			Alg:  protocol.RSASSA2048,
		},
		{
			Name: "RSA-PSS-2048",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateRSAPSSKey(t, 2048)
			},
			Hash: crypto.SHA384,
			Alg:  protocol.RSAPSS2048,
		},
		{
			Name: "EC-P256",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateECKey(t, elliptic.P256())
			},
			Hash: crypto.SHA256,
			Alg:  protocol.ECDSAP256,
		},
		{
			Name: "EC-P384",
			Gen: func(t transport.TPM) (tpm.Key, error) {
				return tpm.GenerateECKey(t, elliptic.P384())
			},
			Hash: crypto.SHA384,
			Alg:  protocol.ECDSAP384,
		},

		//  RSA-3072 is not supported by the simulator and the simulator
		//  segfaults when -DRSA_3072 is added to CFLAGS
	} {
		t.Run(test.Name, func(t *testing.T) {
			// Generate a new key in the TPM
			key, err := test.Gen(sim)
			if err != nil {
				t.Fatalf("error generating key: %v", err)
			}
			defer func() {
				if err := key.Close(); err != nil {
					t.Error(err)
				}
			}()
			if key.Algorithm() != test.Alg {
				t.Errorf("key algorithm %s, expected %s", key.Algorithm(), test.Alg)
			}

			// Sign test data
			hash := test.Hash.New()
			_, _ = hash.Write([]byte("Hello World!"))
			digest := hash.Sum(nil)

			var opts crypto.SignerOpts = test.Hash
			pssOpts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: test.Hash}
			if test.Alg == protocol.RSAPSS2048 {
				opts = pssOpts
			}
			sig, err := key.Sign(rand.Reader, digest, opts)
			if err != nil {
				t.Fatalf("error signing digest: %v", err)
			}

			// Verify the test signature
			switch pub := key.Public().(type) {
			case *ecdsa.PublicKey:
				if !ecdsa.VerifyASN1(pub, digest, sig) {
					t.Fatalf("error verifying ECDSA signature")
				}

			case *rsa.PublicKey:
				if test.Alg == protocol.RSAPSS2048 {
					err = rsa.VerifyPSS(pub, test.Hash, digest, sig, pssOpts)
				} else {
					err = rsa.VerifyPKCS1v15(pub, test.Hash, digest, sig)
				}
				if err != nil {
					t.Fatalf("error verifying RSA signature: %v", err)
				}

			default:
				t.Fatalf("unexpected key type: %T", pub)
			}
		})
	}
}

func TestSignRejectsMismatchedDigest(t *testing.T) {
	sim := openSimulator(t)
	key, err := tpm.GenerateECKey(sim, elliptic.P256())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = key.Close() }()

	if _, err := key.Sign(rand.Reader, make([]byte, 20), crypto.SHA256); err == nil {
		t.Error("expected digest of the wrong size to be rejected")
	}
	if _, err := tpm.GenerateECKey(sim, elliptic.P224()); err == nil {
		t.Error("expected P-224 to be rejected")
	}
}
