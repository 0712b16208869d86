// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/openspdm/go-spdm/protocol"
)

// Key is a signing key held by the TPM. Signatures follow the crypto.Signer
// conventions: ASN.1 for ECDSA, PKCS #1 v1.5 or PSS for RSA.
type Key interface {
	crypto.Signer

	// Algorithm is the SPDM base asymmetric algorithm of the key.
	Algorithm() protocol.BaseAsymAlgo

	// Close flushes the key from the TPM. The transport is not closed.
	Close() error
}

// key is the state shared by ECDSA and RSA keys.
type key struct {
	tpm    transport.TPM
	handle tpm2.NamedHandle
}

func (k *key) Close() error {
	_, err := tpm2.FlushContext{FlushHandle: k.handle.Handle}.Execute(k.tpm)
	return err
}

// sign executes TPM2_Sign for a digest produced by the SignerOpts hash. The
// key templates carry a NULL scheme, so the scheme is chosen per signature.
func (k *key) sign(digest []byte, opts crypto.SignerOpts, alg tpm2.TPMAlgID) (*tpm2.SignResponse, error) {
	hashAlg, err := digestAlg(digest, opts)
	if err != nil {
		return nil, err
	}
	sig, err := tpm2.Sign{
		KeyHandle: k.handle,
		Digest: tpm2.TPM2BDigest{
			Buffer: digest,
		},
		InScheme: tpm2.TPMTSigScheme{
			Scheme:  alg,
			Details: tpm2.NewTPMUSigScheme(alg, &tpm2.TPMSSchemeHash{HashAlg: hashAlg}),
		},
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHNull,
		},
	}.Execute(k.tpm)
	if err != nil {
		return nil, fmt.Errorf("TPM2_Sign failed: %w", err)
	}
	return sig, nil
}

func digestAlg(digest []byte, opts crypto.SignerOpts) (tpm2.TPMAlgID, error) {
	h := crypto.Hash(0)
	if opts != nil {
		h = opts.HashFunc()
	}
	if h == 0 {
		// Infer the hash from the digest length
		switch len(digest) {
		case crypto.SHA256.Size():
			h = crypto.SHA256
		case crypto.SHA384.Size():
			h = crypto.SHA384
		case crypto.SHA512.Size():
			h = crypto.SHA512
		}
	}
	if h != 0 && len(digest) != h.Size() {
		return 0, fmt.Errorf("digest of %d bytes does not match %s", len(digest), h)
	}
	switch h {
	case crypto.SHA256:
		return tpm2.TPMAlgSHA256, nil
	case crypto.SHA384:
		return tpm2.TPMAlgSHA384, nil
	case crypto.SHA512:
		return tpm2.TPMAlgSHA512, nil
	default:
		return 0, fmt.Errorf("unsupported digest hash: %s", h)
	}
}

// Primary Keys are all derived from the TPM seed, so we don't need to retrieve or persist
// a key unless there is a performance (time-sensitive) requirement. This requires that
// a well-known template is used.
//
// Seed + Template will always generate the same key.
func createPrimary(t transport.TPM, template tpm2.TPMTPublic) (*key, *tpm2.TPMTPublic, error) {
	resp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(template),
	}.Execute(t)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create primary key: %w", err)
	}
	k := &key{
		tpm:    t,
		handle: tpm2.NamedHandle{Handle: resp.ObjectHandle, Name: resp.Name},
	}
	pub, err := resp.OutPublic.Contents()
	if err != nil {
		_ = k.Close()
		return nil, nil, fmt.Errorf("unmarshaling public area: %w", err)
	}
	return k, pub, nil
}

func signingAttributes() tpm2.TPMAObject {
	return tpm2.TPMAObject{
		FixedTPM:            true, // Key can never be duplicated
		FixedParent:         true, // Key can never be changed to a new parent
		SensitiveDataOrigin: true,
		UserWithAuth:        true,
		SignEncrypt:         true,
	}
}

// ECKey is an ECDSA key resident in the TPM.
type ECKey struct {
	*key
	pub *ecdsa.PublicKey
}

var _ Key = (*ECKey)(nil)

// GenerateECKey creates an ECDSA primary key on a NIST P-256 or P-384
// curve.
func GenerateECKey(t transport.TPM, curve elliptic.Curve) (*ECKey, error) {
	var curveID tpm2.TPMECCCurve
	switch curve {
	case elliptic.P256():
		curveID = tpm2.TPMECCNistP256
	case elliptic.P384():
		curveID = tpm2.TPMECCNistP384
	default:
		return nil, fmt.Errorf("unsupported curve: %s", curve.Params().Name)
	}
	size := (curve.Params().BitSize + 7) / 8

	k, pub, err := createPrimary(t, tpm2.TPMTPublic{
		Type:             tpm2.TPMAlgECC,
		NameAlg:          tpm2.TPMAlgSHA256,
		ObjectAttributes: signingAttributes(),
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				CurveID: curveID,
				Scheme:  tpm2.TPMTECCScheme{Scheme: tpm2.TPMAlgNull},
			},
		),
		Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgECC,
			&tpm2.TPMSECCPoint{
				X: tpm2.TPM2BECCParameter{Buffer: make([]byte, size)},
				Y: tpm2.TPM2BECCParameter{Buffer: make([]byte, size)},
			},
		),
	})
	if err != nil {
		return nil, err
	}
	point, err := pub.Unique.ECC()
	if err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("ECC pubkey: %w", err)
	}
	return &ECKey{
		key: k,
		pub: &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(point.X.Buffer),
			Y:     new(big.Int).SetBytes(point.Y.Buffer),
		},
	}, nil
}

// Public implements crypto.Signer.
func (k *ECKey) Public() crypto.PublicKey { return k.pub }

// Algorithm implements Key.
func (k *ECKey) Algorithm() protocol.BaseAsymAlgo {
	if k.pub.Curve == elliptic.P384() {
		return protocol.ECDSAP384
	}
	return protocol.ECDSAP256
}

// Sign implements crypto.Signer, returning an ASN.1 ECDSA-Sig-Value.
func (k *ECKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	rsp, err := k.sign(digest, opts, tpm2.TPMAlgECDSA)
	if err != nil {
		return nil, err
	}
	sig, err := rsp.Signature.Signature.ECDSA()
	if err != nil {
		return nil, fmt.Errorf("unable to extract signature data: %w", err)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(sig.SignatureR.Buffer))
		b.AddASN1BigInt(new(big.Int).SetBytes(sig.SignatureS.Buffer))
	})
	return b.Bytes()
}

// RSAKey is an RSA key resident in the TPM.
type RSAKey struct {
	*key
	pub *rsa.PublicKey
	pss bool
}

var _ Key = (*RSAKey)(nil)

// GenerateRSAKey creates an RSA primary key signing with PKCS #1 v1.5.
func GenerateRSAKey(t transport.TPM, bits int) (*RSAKey, error) {
	return generateRSAKey(t, bits, false)
}

// GenerateRSAPSSKey creates an RSA primary key signing with PSS. The TPM
// uses a salt as long as the digest.
func GenerateRSAPSSKey(t transport.TPM, bits int) (*RSAKey, error) {
	return generateRSAKey(t, bits, true)
}

func generateRSAKey(t transport.TPM, bits int, pss bool) (*RSAKey, error) {
	switch bits {
	case 2048, 3072, 4096:
	default:
		return nil, fmt.Errorf("unsupported RSA key size: %d", bits)
	}
	k, pub, err := createPrimary(t, tpm2.TPMTPublic{
		Type:             tpm2.TPMAlgRSA,
		NameAlg:          tpm2.TPMAlgSHA256,
		ObjectAttributes: signingAttributes(),
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme:  tpm2.TPMTRSAScheme{Scheme: tpm2.TPMAlgNull},
				KeyBits: tpm2.TPMKeyBits(bits),
			},
		),
	})
	if err != nil {
		return nil, err
	}
	rsaDetail, err := pub.Parameters.RSADetail()
	if err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("RSA params: %w", err)
	}
	rsaUnique, err := pub.Unique.RSA()
	if err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("RSA pubkey: %w", err)
	}
	rsaPub, err := tpm2.RSAPub(rsaDetail, rsaUnique)
	if err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("marshaling rsa.PublicKey: %w", err)
	}
	return &RSAKey{key: k, pub: rsaPub, pss: pss}, nil
}

// Public implements crypto.Signer.
func (k *RSAKey) Public() crypto.PublicKey { return k.pub }

// Algorithm implements Key.
func (k *RSAKey) Algorithm() protocol.BaseAsymAlgo {
	algs := map[int][2]protocol.BaseAsymAlgo{
		2048: {protocol.RSASSA2048, protocol.RSAPSS2048},
		3072: {protocol.RSASSA3072, protocol.RSAPSS3072},
		4096: {protocol.RSASSA4096, protocol.RSAPSS4096},
	}[k.pub.Size()*8]
	if k.pss {
		return algs[1]
	}
	return algs[0]
}

// Sign implements crypto.Signer. PSS options are required for PSS keys and
// rejected otherwise.
func (k *RSAKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	_, pss := opts.(*rsa.PSSOptions)
	if pss != k.pss {
		return nil, errors.New("signer options do not match the key's padding scheme")
	}
	alg := tpm2.TPMAlgRSASSA
	if k.pss {
		alg = tpm2.TPMAlgRSAPSS
	}
	rsp, err := k.sign(digest, opts, alg)
	if err != nil {
		return nil, err
	}

	var sig *tpm2.TPMSSignatureRSA
	if k.pss {
		sig, err = rsp.Signature.Signature.RSAPSS()
	} else {
		sig, err = rsp.Signature.Signature.RSASSA()
	}
	if err != nil {
		return nil, fmt.Errorf("unable to extract signature data: %w", err)
	}
	return sig.Sig.Buffer, nil
}
