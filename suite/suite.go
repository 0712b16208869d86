// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package suite provides the cryptographic primitives consumed by the SPDM
// engine, keyed by the negotiated algorithm identifiers.
package suite

import (
	"crypto"
	"crypto/cipher"
	"hash"

	"github.com/openspdm/go-spdm/protocol"
)

// Provider is the crypto provider capability. Implementations must be safe
// for concurrent use when shared by concurrently advancing sessions.
type Provider interface {
	// Hash returns the constructor for a base hash algorithm.
	Hash(alg protocol.BaseHashAlgo) (func() hash.Hash, error)

	// HMAC computes a keyed digest.
	HMAC(alg protocol.BaseHashAlgo, key, data []byte) ([]byte, error)

	// HKDFExtract and HKDFExpand implement RFC 5869.
	HKDFExtract(alg protocol.BaseHashAlgo, salt, ikm []byte) ([]byte, error)
	HKDFExpand(alg protocol.BaseHashAlgo, prk, info []byte, length int) ([]byte, error)

	// Sign hashes msg with hashAlg and signs the digest, returning the SPDM
	// signature encoding (raw r||s for ECDSA).
	Sign(alg protocol.BaseAsymAlgo, hashAlg protocol.BaseHashAlgo, key crypto.Signer, msg []byte) ([]byte, error)

	// Verify checks a signature produced by Sign.
	Verify(alg protocol.BaseAsymAlgo, hashAlg protocol.BaseHashAlgo, pub crypto.PublicKey, msg, sig []byte) error

	// GenerateKeyShare creates an ephemeral key exchange key.
	GenerateKeyShare(alg protocol.DHEAlgo) (KeyShare, error)

	// AEAD returns a cipher for a negotiated suite.
	AEAD(alg protocol.AEADAlgo, key []byte) (cipher.AEAD, error)

	// Random fills b with random bytes.
	Random(b []byte) error
}

// KeyShare is one side of an ephemeral key exchange.
type KeyShare interface {
	// ExchangeData is the public value sent to the peer.
	ExchangeData() []byte

	// SharedSecret combines the private key with the peer's exchange data.
	SharedSecret(peer []byte) ([]byte, error)

	// Destroy releases the private key.
	Destroy()
}
