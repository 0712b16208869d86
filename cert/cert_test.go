// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cert_test

import (
	"bytes"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/spdmtest"
)

func expectCode(t *testing.T, err error, code cert.ValidationErrorCode) {
	t.Helper()
	var verr *cert.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error %s, got %v", code, err)
	}
	if verr.Code != code {
		t.Fatalf("expected validation error %s, got %s", code, verr)
	}
	if !errors.Is(err, protocol.ErrAuthenticationFailure) {
		t.Errorf("%v does not match authentication failure", err)
	}
}

func TestExtract(t *testing.T) {
	id := spdmtest.NewIdentity(t, elliptic.P256())

	start, end, err := cert.Extract(id.Chain, 0)
	if err != nil {
		t.Fatal(err)
	}
	if start != 0 || !bytes.Equal(id.Chain[start:end], id.Root.Raw) {
		t.Error("index 0 is not the root")
	}
	start, end, err = cert.Extract(id.Chain, -1)
	if err != nil {
		t.Fatal(err)
	}
	if end != len(id.Chain) || !bytes.Equal(id.Chain[start:end], id.Leaf.Raw) {
		t.Error("index -1 is not the leaf")
	}

	_, _, err = cert.Extract(id.Chain, 2)
	expectCode(t, err, cert.EncodingInvalid)

	_, err = cert.Parse(append(slices.Clone(id.Chain), 0x30, 0x05, 0x01))
	expectCode(t, err, cert.EncodingInvalid)
	if !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Errorf("trailing garbage is not a malformed message: %v", err)
	}
}

func TestSlot(t *testing.T) {
	id := spdmtest.NewIdentity(t, elliptic.P384())
	v := cert.Verifier{Roots: id.Roots()}

	slot, err := cert.NewSlot(sha512.New384, id.Chain)
	if err != nil {
		t.Fatal(err)
	}
	rootHash, certs, err := slot.Split(sha512.Size384)
	if err != nil {
		t.Fatal(err)
	}
	if want := sha512.Sum384(id.Root.Raw); !bytes.Equal(rootHash, want[:]) {
		t.Error("root hash does not cover the root certificate")
	}
	if !bytes.Equal(certs, id.Chain) {
		t.Error("slot does not carry the chain")
	}
	chain, err := slot.Verify(sha512.New384, v)
	if err != nil {
		t.Fatal(err)
	}
	if !chain[len(chain)-1].Equal(id.Leaf) {
		t.Error("verified chain does not end with the leaf")
	}

	if d := slot.Digest(sha256.New); len(d) != sha256.Size {
		t.Errorf("digest of %d bytes", len(d))
	}

	t.Run("RootHash", func(t *testing.T) {
		bad := slices.Clone(slot)
		bad[4] ^= 0xff
		_, err := cert.Slot(bad).Verify(sha512.New384, v)
		expectCode(t, err, cert.EncodingInvalid)
	})

	t.Run("Length", func(t *testing.T) {
		_, err := slot[:len(slot)-1].Verify(sha512.New384, v)
		expectCode(t, err, cert.EncodingInvalid)
	})
}

func TestVerify(t *testing.T) {
	id := spdmtest.NewIdentity(t, elliptic.P256())
	other := spdmtest.NewIdentity(t, elliptic.P256())

	t.Run("Anchored", func(t *testing.T) {
		if _, err := (cert.Verifier{Roots: id.Roots()}).Verify(id.Chain); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("NoRoots", func(t *testing.T) {
		_, err := cert.Verifier{}.Verify(id.Chain)
		expectCode(t, err, cert.UntrustedRoot)
	})

	t.Run("SelfSignedRoot", func(t *testing.T) {
		certs, err := cert.Verifier{AllowSelfSignedRoot: true}.Verify(id.Chain)
		if err != nil {
			t.Fatal(err)
		}
		if len(certs) != 2 {
			t.Errorf("got %d certificates", len(certs))
		}
	})

	t.Run("UntrustedRoot", func(t *testing.T) {
		_, err := (cert.Verifier{Roots: other.Roots()}).Verify(id.Chain)
		expectCode(t, err, cert.UntrustedRoot)
	})

	t.Run("Expired", func(t *testing.T) {
		v := cert.Verifier{
			Roots:       id.Roots(),
			CurrentTime: func() time.Time { return time.Now().Add(100 * 365 * 24 * time.Hour) },
		}
		_, err := v.Verify(id.Chain)
		expectCode(t, err, cert.ExpiredOrNotYetValid)
	})

	t.Run("WrongIssuer", func(t *testing.T) {
		mixed := slices.Concat(id.Root.Raw, other.Leaf.Raw)
		_, err := cert.Verifier{}.Verify(mixed)
		expectCode(t, err, cert.SignatureInvalid)
	})
}
