// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"
	"math/bits"

	"golang.org/x/crypto/cryptobyte"
)

// MaxSlots is the number of certificate slots.
const MaxSlots = 8

// GetDigests requests the digests of all provisioned certificate chains.
type GetDigests struct{}

// Code implements Payload.
func (*GetDigests) Code() Code { return GetDigestsCode }

func (*GetDigests) marshal(b *cryptobyte.Builder, _ *Params) { addZeros(b, 2) }

func (*GetDigests) unmarshal(s *cryptobyte.String, _ *Params) error {
	var p1, p2 uint8
	return readParams(s, &p1, &p2)
}

// Digests holds one digest per bit set in SlotMask, in slot order.
type Digests struct {
	SlotMask uint8
	Digests  [][]byte
}

// Code implements Payload.
func (*Digests) Code() Code { return DigestsCode }

func (m *Digests) marshal(b *cryptobyte.Builder, p *Params) {
	if n := bits.OnesCount8(m.SlotMask); n != len(m.Digests) {
		b.SetError(fmt.Errorf("slot mask has %d slots but %d digests", n, len(m.Digests)))
		return
	}
	b.AddUint8(0)
	b.AddUint8(m.SlotMask)
	for _, d := range m.Digests {
		addFixed(b, "digest", d, p.HashSize)
	}
}

func (m *Digests) unmarshal(s *cryptobyte.String, p *Params) error {
	var reserved uint8
	if err := readParams(s, &reserved, &m.SlotMask); err != nil {
		return err
	}
	n := bits.OnesCount8(m.SlotMask)
	if n == 0 {
		return fmt.Errorf("empty slot mask: %w", ErrMalformedMessage)
	}
	m.Digests = make([][]byte, n)
	for i := range m.Digests {
		if !readBytes(s, &m.Digests[i], p.HashSize) {
			return ErrTruncated
		}
	}
	return nil
}

// GetCertificate requests a portion of the certificate chain in a slot.
type GetCertificate struct {
	SlotID uint8
	Offset uint16
	Length uint16
}

// Code implements Payload.
func (*GetCertificate) Code() Code { return GetCertificateCode }

func (m *GetCertificate) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(m.SlotID & 0x0f)
	b.AddUint8(0)
	addUint16(b, m.Offset)
	addUint16(b, m.Length)
}

func (m *GetCertificate) unmarshal(s *cryptobyte.String, _ *Params) error {
	var reserved uint8
	if err := readParams(s, &m.SlotID, &reserved); err != nil {
		return err
	}
	m.SlotID &= 0x0f
	if !readUint16(s, &m.Offset) || !readUint16(s, &m.Length) {
		return ErrTruncated
	}
	return nil
}

// Certificate holds a portion of a certificate chain.
type Certificate struct {
	SlotID          uint8
	RemainderLength uint16
	Portion         []byte
}

// Code implements Payload.
func (*Certificate) Code() Code { return CertificateCode }

func (m *Certificate) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(m.SlotID & 0x0f)
	b.AddUint8(0)
	if len(m.Portion) > 0xffff {
		b.SetError(fmt.Errorf("certificate portion too long"))
		return
	}
	addUint16(b, uint16(len(m.Portion)))
	addUint16(b, m.RemainderLength)
	b.AddBytes(m.Portion)
}

func (m *Certificate) unmarshal(s *cryptobyte.String, _ *Params) error {
	var reserved uint8
	if err := readParams(s, &m.SlotID, &reserved); err != nil {
		return err
	}
	m.SlotID &= 0x0f
	var n uint16
	if !readUint16(s, &n) || !readUint16(s, &m.RemainderLength) || !readBytes(s, &m.Portion, int(n)) {
		return ErrTruncated
	}
	return nil
}

// MeasurementSummaryHashType selects the measurement summary hash returned by
// CHALLENGE_AUTH, KEY_EXCHANGE_RSP and PSK_EXCHANGE_RSP.
type MeasurementSummaryHashType uint8

// Summary hash types
const (
	NoMeasurementSummaryHash  MeasurementSummaryHashType = 0x00
	TCBMeasurementSummaryHash MeasurementSummaryHashType = 0x01
	AllMeasurementSummaryHash MeasurementSummaryHashType = 0xff
)

func (t MeasurementSummaryHashType) String() string {
	switch t {
	case NoMeasurementSummaryHash:
		return "none"
	case TCBMeasurementSummaryHash:
		return "tcb"
	case AllMeasurementSummaryHash:
		return "all"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// ProvisionedPublicKeySlot selects a provisioned public key instead of a
// certificate chain.
const ProvisionedPublicKeySlot = 0xff

// Challenge requests an authenticated response.
type Challenge struct {
	SlotID          uint8
	SummaryHashType MeasurementSummaryHashType
	Nonce           Nonce
}

// Code implements Payload.
func (*Challenge) Code() Code { return ChallengeCode }

func (m *Challenge) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(m.SlotID)
	b.AddUint8(uint8(m.SummaryHashType))
	b.AddBytes(m.Nonce[:])
}

func (m *Challenge) unmarshal(s *cryptobyte.String, _ *Params) error {
	var typ uint8
	if err := readParams(s, &m.SlotID, &typ); err != nil {
		return err
	}
	m.SummaryHashType = MeasurementSummaryHashType(typ)
	if !readNonce(s, &m.Nonce) {
		return ErrTruncated
	}
	return nil
}

// ChallengeAuth is the signed response to Challenge.
type ChallengeAuth struct {
	SlotID                 uint8
	BasicMutAuth           bool
	SlotMask               uint8
	CertChainHash          []byte
	Nonce                  Nonce
	MeasurementSummaryHash []byte // present if Params.SummaryHash
	Opaque                 []byte
	Signature              []byte
}

// Code implements Payload.
func (*ChallengeAuth) Code() Code { return ChallengeAuthCode }

func (m *ChallengeAuth) marshal(b *cryptobyte.Builder, p *Params) {
	b.AddUint8(m.SlotID&0x0f | boolBit(m.BasicMutAuth, 7))
	b.AddUint8(m.SlotMask)
	addFixed(b, "certificate chain hash", m.CertChainHash, p.HashSize)
	b.AddBytes(m.Nonce[:])
	if p.SummaryHash {
		addFixed(b, "measurement summary hash", m.MeasurementSummaryHash, p.HashSize)
	}
	addUint16Prefixed(b, "opaque data", m.Opaque)
	addFixed(b, "signature", m.Signature, p.SignatureSize)
}

func (m *ChallengeAuth) unmarshal(s *cryptobyte.String, p *Params) error {
	var p1 uint8
	if err := readParams(s, &p1, &m.SlotMask); err != nil {
		return err
	}
	m.SlotID, m.BasicMutAuth = p1&0x0f, p1&0x80 != 0
	if !readBytes(s, &m.CertChainHash, p.HashSize) || !readNonce(s, &m.Nonce) {
		return ErrTruncated
	}
	if p.SummaryHash && !readBytes(s, &m.MeasurementSummaryHash, p.HashSize) {
		return ErrTruncated
	}
	if !readUint16Prefixed(s, &m.Opaque) || !readBytes(s, &m.Signature, p.SignatureSize) {
		return ErrTruncated
	}
	return nil
}

// SignedLen returns the length of an encoded message minus its trailing
// signature, i.e. the bytes covered by the signature.
func SignedLen(encoded []byte, p Params) int { return len(encoded) - p.SignatureSize }
