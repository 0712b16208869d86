// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package suite_test

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/suite"
)

func TestHKDFKnownAnswer(t *testing.T) {
	// RFC 5869 test case 1
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")
	wantPRK := "077709362c2e32df0ddc3f0dc47bba6390b6c73bb50f9c3122ec844ad7c2b3e5"
	wantOKM := "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865"

	var p suite.Std
	prk, err := p.HKDFExtract(protocol.SHA256, salt, ikm)
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(prk); got != wantPRK {
		t.Fatalf("prk = %s, want %s", got, wantPRK)
	}
	okm, err := p.HKDFExpand(protocol.SHA256, prk, info, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(okm); got != wantOKM {
		t.Fatalf("okm = %s, want %s", got, wantOKM)
	}
}

func TestHashSizes(t *testing.T) {
	var p suite.Std
	for _, alg := range []protocol.BaseHashAlgo{
		protocol.SHA256, protocol.SHA384, protocol.SHA512,
		protocol.SHA3_256, protocol.SHA3_384, protocol.SHA3_512,
	} {
		newHash, err := p.Hash(alg)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if got := newHash().Size(); got != alg.Size() {
			t.Errorf("%s: size %d, want %d", alg, got, alg.Size())
		}
	}
	if _, err := p.Hash(protocol.BaseHashAlgo(1 << 9)); !errors.Is(err, protocol.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	ec256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ec384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	rsa2048, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		alg  protocol.BaseAsymAlgo
		hash protocol.BaseHashAlgo
		key  crypto.Signer
	}{
		{protocol.ECDSAP256, protocol.SHA256, ec256},
		{protocol.ECDSAP384, protocol.SHA384, ec384},
		{protocol.ECDSAP384, protocol.SHA3_384, ec384},
		{protocol.RSASSA2048, protocol.SHA256, rsa2048},
		{protocol.RSAPSS2048, protocol.SHA384, rsa2048},
	} {
		t.Run(tc.alg.String()+"/"+tc.hash.String(), func(t *testing.T) {
			var p suite.Std
			msg := []byte("transcript bytes")
			sig, err := p.Sign(tc.alg, tc.hash, tc.key, msg)
			if err != nil {
				t.Fatal(err)
			}
			if len(sig) != tc.alg.SignatureSize() {
				t.Fatalf("signature length %d, want %d", len(sig), tc.alg.SignatureSize())
			}
			if err := p.Verify(tc.alg, tc.hash, tc.key.Public(), msg, sig); err != nil {
				t.Fatalf("verify: %v", err)
			}
			sig[len(sig)/2] ^= 1
			if err := p.Verify(tc.alg, tc.hash, tc.key.Public(), msg, sig); !errors.Is(err, protocol.ErrAuthenticationFailure) {
				t.Fatalf("tampered signature: got %v", err)
			}
		})
	}
}

func TestKeyShareAgreement(t *testing.T) {
	var p suite.Std
	for _, alg := range []protocol.DHEAlgo{protocol.SECP256R1, protocol.SECP384R1, protocol.SECP521R1} {
		a, err := p.GenerateKeyShare(alg)
		if err != nil {
			t.Fatal(err)
		}
		b, err := p.GenerateKeyShare(alg)
		if err != nil {
			t.Fatal(err)
		}
		if len(a.ExchangeData()) != alg.Size() {
			t.Fatalf("%s: exchange data %d bytes, want %d", alg, len(a.ExchangeData()), alg.Size())
		}
		s1, err := a.SharedSecret(b.ExchangeData())
		if err != nil {
			t.Fatal(err)
		}
		s2, err := b.SharedSecret(a.ExchangeData())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(s1, s2) {
			t.Fatalf("%s: shared secrets differ", alg)
		}
		a.Destroy()
		if _, err := a.SharedSecret(b.ExchangeData()); err == nil {
			t.Fatalf("%s: destroyed share still usable", alg)
		}
	}

	if _, err := p.GenerateKeyShare(protocol.FFDHE2048); !errors.Is(err, protocol.ErrUnsupported) {
		t.Fatalf("expected unsupported for ffdhe, got %v", err)
	}
}

func TestAEADSuites(t *testing.T) {
	var p suite.Std
	for _, alg := range []protocol.AEADAlgo{protocol.AES128GCM, protocol.AES256GCM, protocol.ChaCha20Poly1305} {
		key := make([]byte, alg.KeySize())
		aead, err := p.AEAD(alg, key)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if aead.NonceSize() != protocol.AEADIVSize || aead.Overhead() != protocol.AEADTagSize {
			t.Fatalf("%s: nonce %d overhead %d", alg, aead.NonceSize(), aead.Overhead())
		}
	}
	if _, err := p.AEAD(protocol.AES256GCM, make([]byte, 16)); err == nil {
		t.Fatal("expected key size error")
	}
}
