// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package suite

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha3"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/hkdf"

	"github.com/openspdm/go-spdm/protocol"
)

// Std implements Provider with the standard library and golang.org/x/crypto.
// The zero value uses crypto/rand.
type Std struct {
	// Rand overrides the randomness source, e.g. for deterministic tests.
	Rand io.Reader
}

var _ Provider = Std{}

func (s Std) rand() io.Reader {
	if s.Rand == nil {
		return rand.Reader
	}
	return s.Rand
}

// Hash implements Provider.
func (Std) Hash(alg protocol.BaseHashAlgo) (func() hash.Hash, error) {
	switch alg {
	case protocol.SHA256:
		return sha256.New, nil
	case protocol.SHA384:
		return sha512.New384, nil
	case protocol.SHA512:
		return sha512.New, nil
	case protocol.SHA3_256:
		return func() hash.Hash { return sha3.New256() }, nil
	case protocol.SHA3_384:
		return func() hash.Hash { return sha3.New384() }, nil
	case protocol.SHA3_512:
		return func() hash.Hash { return sha3.New512() }, nil
	default:
		return nil, fmt.Errorf("hash %s: %w", alg, protocol.ErrUnsupported)
	}
}

func cryptoHash(alg protocol.BaseHashAlgo) (crypto.Hash, error) {
	switch alg {
	case protocol.SHA256:
		return crypto.SHA256, nil
	case protocol.SHA384:
		return crypto.SHA384, nil
	case protocol.SHA512:
		return crypto.SHA512, nil
	case protocol.SHA3_256:
		return crypto.SHA3_256, nil
	case protocol.SHA3_384:
		return crypto.SHA3_384, nil
	case protocol.SHA3_512:
		return crypto.SHA3_512, nil
	default:
		return 0, fmt.Errorf("hash %s: %w", alg, protocol.ErrUnsupported)
	}
}

// HMAC implements Provider.
func (s Std) HMAC(alg protocol.BaseHashAlgo, key, data []byte) ([]byte, error) {
	h, err := s.Hash(alg)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// HKDFExtract implements Provider.
func (s Std) HKDFExtract(alg protocol.BaseHashAlgo, salt, ikm []byte) ([]byte, error) {
	h, err := s.Hash(alg)
	if err != nil {
		return nil, err
	}
	return hkdf.Extract(h, ikm, salt), nil
}

// HKDFExpand implements Provider.
func (s Std) HKDFExpand(alg protocol.BaseHashAlgo, prk, info []byte, length int) ([]byte, error) {
	h, err := s.Hash(alg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h, prk, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

func signerOpts(alg protocol.BaseAsymAlgo, h crypto.Hash) crypto.SignerOpts {
	switch alg {
	case protocol.RSAPSS2048, protocol.RSAPSS3072, protocol.RSAPSS4096:
		return &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	default:
		return h
	}
}

func digest(h crypto.Hash, msg []byte) []byte {
	d := h.New()
	_, _ = d.Write(msg)
	return d.Sum(nil)
}

// Sign implements Provider.
func (s Std) Sign(alg protocol.BaseAsymAlgo, hashAlg protocol.BaseHashAlgo, key crypto.Signer, msg []byte) ([]byte, error) {
	h, err := cryptoHash(hashAlg)
	if err != nil {
		return nil, err
	}
	size := alg.SignatureSize()
	if size == 0 {
		return nil, fmt.Errorf("signature algorithm %s: %w", alg, protocol.ErrUnsupported)
	}
	sig, err := key.Sign(s.rand(), digest(h, msg), signerOpts(alg, h))
	if err != nil {
		return nil, fmt.Errorf("signing with %s: %w", alg, err)
	}

	switch alg {
	case protocol.ECDSAP256, protocol.ECDSAP384, protocol.ECDSAP521:
		return rawECDSA(sig, size/2)
	}
	if len(sig) != size {
		return nil, fmt.Errorf("%s signature is %d bytes, expected %d", alg, len(sig), size)
	}
	return sig, nil
}

// rawECDSA converts an ASN.1 ECDSA-Sig-Value into fixed width r||s.
func rawECDSA(der []byte, n int) ([]byte, error) {
	var r, s big.Int
	var inner cryptobyte.String
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(&r) || !inner.ReadASN1Integer(&s) || !inner.Empty() {
		return nil, errors.New("invalid ASN.1 ECDSA signature")
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || len(r.Bytes()) > n || len(s.Bytes()) > n {
		return nil, errors.New("ECDSA signature value out of range")
	}
	out := make([]byte, 2*n)
	r.FillBytes(out[:n])
	s.FillBytes(out[n:])
	return out, nil
}

// Verify implements Provider.
func (Std) Verify(alg protocol.BaseAsymAlgo, hashAlg protocol.BaseHashAlgo, pub crypto.PublicKey, msg, sig []byte) error {
	h, err := cryptoHash(hashAlg)
	if err != nil {
		return err
	}
	if size := alg.SignatureSize(); size == 0 || len(sig) != size {
		return fmt.Errorf("%s signature of %d bytes: %w", alg, len(sig), protocol.ErrAuthenticationFailure)
	}
	d := digest(h, msg)

	switch alg {
	case protocol.ECDSAP256, protocol.ECDSAP384, protocol.ECDSAP521:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%s requires an ECDSA key, got %T", alg, pub)
		}
		n := len(sig) / 2
		r, s := new(big.Int).SetBytes(sig[:n]), new(big.Int).SetBytes(sig[n:])
		if !ecdsa.Verify(key, d, r, s) {
			return fmt.Errorf("%s: %w", alg, protocol.ErrAuthenticationFailure)
		}
		return nil

	case protocol.RSASSA2048, protocol.RSASSA3072, protocol.RSASSA4096:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%s requires an RSA key, got %T", alg, pub)
		}
		if err := rsa.VerifyPKCS1v15(key, h, d, sig); err != nil {
			return fmt.Errorf("%s: %w", alg, protocol.ErrAuthenticationFailure)
		}
		return nil

	case protocol.RSAPSS2048, protocol.RSAPSS3072, protocol.RSAPSS4096:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%s requires an RSA key, got %T", alg, pub)
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
		if err := rsa.VerifyPSS(key, h, d, sig, opts); err != nil {
			return fmt.Errorf("%s: %w", alg, protocol.ErrAuthenticationFailure)
		}
		return nil

	default:
		return fmt.Errorf("signature algorithm %s: %w", alg, protocol.ErrUnsupported)
	}
}

// GenerateKeyShare implements Provider. Finite field groups are not
// supported.
func (s Std) GenerateKeyShare(alg protocol.DHEAlgo) (KeyShare, error) {
	var curve ecdh.Curve
	switch alg {
	case protocol.SECP256R1:
		curve = ecdh.P256()
	case protocol.SECP384R1:
		curve = ecdh.P384()
	case protocol.SECP521R1:
		curve = ecdh.P521()
	default:
		return nil, fmt.Errorf("key exchange %s: %w", alg, protocol.ErrUnsupported)
	}
	key, err := curve.GenerateKey(s.rand())
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", alg, err)
	}
	return &ecdhShare{curve: curve, priv: key, size: alg.Size()}, nil
}

type ecdhShare struct {
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
	size  int
}

// ExchangeData is the uncompressed point without its 0x04 prefix.
func (e *ecdhShare) ExchangeData() []byte { return e.priv.PublicKey().Bytes()[1:] }

func (e *ecdhShare) SharedSecret(peer []byte) ([]byte, error) {
	if e.priv == nil {
		return nil, errors.New("key share destroyed")
	}
	if len(peer) != e.size {
		return nil, fmt.Errorf("peer exchange data is %d bytes, expected %d: %w", len(peer), e.size, protocol.ErrMalformedMessage)
	}
	pub, err := e.curve.NewPublicKey(append([]byte{4}, peer...))
	if err != nil {
		return nil, fmt.Errorf("invalid peer exchange data: %w", protocol.ErrMalformedMessage)
	}
	return e.priv.ECDH(pub)
}

func (e *ecdhShare) Destroy() { e.priv = nil }

// AEAD implements Provider.
func (Std) AEAD(alg protocol.AEADAlgo, key []byte) (cipher.AEAD, error) {
	if len(key) != alg.KeySize() {
		return nil, fmt.Errorf("%s key is %d bytes", alg, len(key))
	}
	switch alg {
	case protocol.AES128GCM, protocol.AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case protocol.ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("AEAD %s: %w", alg, protocol.ErrUnsupported)
	}
}

// Random implements Provider.
func (s Std) Random(b []byte) error {
	_, err := io.ReadFull(s.rand(), b)
	return err
}
