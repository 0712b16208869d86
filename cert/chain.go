// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cert

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"
)

// chainHeaderSize is the Length and Reserved fields preceding the root hash.
const chainHeaderSize = 4

// Slot is a certificate chain as stored in a slot and returned by
// GET_CERTIFICATE:
//
//	Length (2, little endian, total) || Reserved (2) || RootHash || Certificates
type Slot []byte

// NewSlot frames a root-first DER chain, hashing its root certificate with
// the negotiated hash.
func NewSlot(newHash func() hash.Hash, certs []byte) (Slot, error) {
	_, rootEnd, err := Extract(certs, 0)
	if err != nil {
		return nil, err
	}
	h := newHash()
	_, _ = h.Write(certs[:rootEnd])
	rootHash := h.Sum(nil)

	total := chainHeaderSize + len(rootHash) + len(certs)
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("certificate chain of %d bytes exceeds slot size", total)
	}
	slot := make([]byte, chainHeaderSize, total)
	binary.LittleEndian.PutUint16(slot, uint16(total))
	slot = append(slot, rootHash...)
	return append(slot, certs...), nil
}

// Split validates the slot framing and returns the root hash and the DER
// certificates.
func (s Slot) Split(hashSize int) (rootHash, certs []byte, err error) {
	if len(s) < chainHeaderSize+hashSize {
		return nil, nil, newError(EncodingInvalid, -1, nil, errors.New("slot chain shorter than header"))
	}
	if n := int(binary.LittleEndian.Uint16(s)); n != len(s) {
		return nil, nil, newError(EncodingInvalid, -1, nil, fmt.Errorf("slot length field %d, chain is %d bytes", n, len(s)))
	}
	return s[chainHeaderSize : chainHeaderSize+hashSize], s[chainHeaderSize+hashSize:], nil
}

// Verify checks the root hash against the first certificate and validates
// the chain with v.
func (s Slot) Verify(newHash func() hash.Hash, v Verifier) ([]*x509.Certificate, error) {
	rootHash, certs, err := s.Split(newHash().Size())
	if err != nil {
		return nil, err
	}
	_, rootEnd, err := Extract(certs, 0)
	if err != nil {
		return nil, err
	}
	h := newHash()
	_, _ = h.Write(certs[:rootEnd])
	if !bytes.Equal(h.Sum(nil), rootHash) {
		return nil, newError(EncodingInvalid, 0, nil, errors.New("root hash does not match root certificate"))
	}
	return v.Verify(certs)
}

// Digest is the hash of the whole slot chain, as reported by DIGESTS and
// bound into CHALLENGE_AUTH and session transcripts.
func (s Slot) Digest(newHash func() hash.Hash) []byte {
	h := newHash()
	_, _ = h.Write(s)
	return h.Sum(nil)
}
