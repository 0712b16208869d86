// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Payload is implemented by every message body type in this package. The
// payload encodes its own param1 and param2 header fields.
type Payload interface {
	Code() Code

	marshal(b *cryptobyte.Builder, p *Params)
	unmarshal(s *cryptobyte.String, p *Params) error
}

// Message is a version and a payload.
type Message struct {
	Version Version
	Payload Payload
}

// Params carries the negotiated and per-exchange context needed to resolve
// fields whose presence or size is not self-describing.
type Params struct {
	// Version is set from the message header during encode/decode.
	Version Version

	// HashSize is the digest size of the negotiated base hash.
	HashSize int
	// SignatureSize is the size of the responder's base asymmetric
	// signature.
	SignatureSize int
	// ReqSignatureSize is the size of the requester's signature.
	ReqSignatureSize int
	// DHESize is the size of the key exchange data.
	DHESize int

	// SummaryHash indicates that a measurement summary hash was requested in
	// the matching CHALLENGE, KEY_EXCHANGE or PSK_EXCHANGE.
	SummaryHash bool
	// MeasurementSignature indicates that the matching GET_MEASUREMENTS
	// requested a signature.
	MeasurementSignature bool
	// HandshakeInTheClear moves the responder verify data from
	// KEY_EXCHANGE_RSP to FINISH_RSP.
	HandshakeInTheClear bool
	// ContentChange enables reporting of runtime measurement content
	// changes in MEASUREMENTS.
	ContentChange bool
}

// Marshal encodes a message.
func Marshal(m Message, p Params) ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("nil payload")
	}
	p.Version = m.Version
	var b cryptobyte.Builder
	b.AddUint8(uint8(m.Version))
	b.AddUint8(uint8(m.Payload.Code()))
	m.Payload.marshal(&b, &p)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Payload.Code(), err)
	}
	return out, nil
}

// Encode writes an encoded message into buf and returns the number of bytes
// written.
func Encode(buf []byte, m Message, p Params) (int, error) {
	out, err := Marshal(m, p)
	if err != nil {
		return 0, err
	}
	if len(out) > len(buf) {
		return 0, fmt.Errorf("encoding %s (%d bytes): %w", m.Payload.Code(), len(out), ErrBufferTooSmall)
	}
	return copy(buf, out), nil
}

// Unmarshal decodes a message. Decoded byte fields never alias b.
func Unmarshal(b []byte, p Params) (Message, error) {
	m, n, err := UnmarshalPrefix(b, p)
	if err != nil {
		return Message{}, err
	}
	if n != len(b) {
		return Message{}, fmt.Errorf("decoding %s: %d bytes of trailing data: %w", m.Payload.Code(), len(b)-n, ErrMalformedMessage)
	}
	return m, nil
}

// UnmarshalPrefix decodes a message at the start of b and returns the number
// of bytes it occupies. It is used for transports that pad messages.
func UnmarshalPrefix(b []byte, p Params) (Message, int, error) {
	h, err := PeekHeader(b)
	if err != nil {
		return Message{}, 0, err
	}
	p.Version = h.Version
	payload := newPayload(h.Code)

	s := cryptobyte.String(b[2:])
	if err := payload.unmarshal(&s, &p); err != nil {
		return Message{}, 0, fmt.Errorf("decoding %s: %w", h.Code, err)
	}
	return Message{Version: h.Version, Payload: payload}, len(b) - len(s), nil
}

func newPayload(c Code) Payload {
	switch c {
	case GetVersionCode:
		return new(GetVersion)
	case VersionCode:
		return new(VersionResponse)
	case GetCapabilitiesCode:
		return new(GetCapabilities)
	case CapabilitiesCode:
		return new(Capabilities)
	case NegotiateAlgorithmsCode:
		return new(NegotiateAlgorithms)
	case AlgorithmsCode:
		return new(Algorithms)
	case GetDigestsCode:
		return new(GetDigests)
	case DigestsCode:
		return new(Digests)
	case GetCertificateCode:
		return new(GetCertificate)
	case CertificateCode:
		return new(Certificate)
	case ChallengeCode:
		return new(Challenge)
	case ChallengeAuthCode:
		return new(ChallengeAuth)
	case GetMeasurementsCode:
		return new(GetMeasurements)
	case MeasurementsCode:
		return new(Measurements)
	case KeyExchangeCode:
		return new(KeyExchange)
	case KeyExchangeRspCode:
		return new(KeyExchangeRsp)
	case FinishCode:
		return new(Finish)
	case FinishRspCode:
		return new(FinishRsp)
	case PSKExchangeCode:
		return new(PSKExchange)
	case PSKExchangeRspCode:
		return new(PSKExchangeRsp)
	case PSKFinishCode:
		return new(PSKFinish)
	case PSKFinishRspCode:
		return new(PSKFinishRsp)
	case HeartbeatCode:
		return new(Heartbeat)
	case HeartbeatAckCode:
		return new(HeartbeatAck)
	case KeyUpdateCode:
		return new(KeyUpdate)
	case KeyUpdateAckCode:
		return new(KeyUpdateAck)
	case EndSessionCode:
		return new(EndSession)
	case EndSessionAckCode:
		return new(EndSessionAck)
	case RespondIfReadyCode:
		return new(RespondIfReady)
	case ErrorResponseCode:
		return new(ErrorResponse)
	default:
		return &Unknown{RawCode: c}
	}
}

// Unknown holds a message whose code is not interpreted. The body is
// preserved so that it re-encodes byte for byte.
type Unknown struct {
	RawCode Code
	Param1  uint8
	Param2  uint8
	Body    []byte
}

// Code implements Payload.
func (u *Unknown) Code() Code { return u.RawCode }

func (u *Unknown) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(u.Param1)
	b.AddUint8(u.Param2)
	b.AddBytes(u.Body)
}

func (u *Unknown) unmarshal(s *cryptobyte.String, _ *Params) error {
	if !s.ReadUint8(&u.Param1) || !s.ReadUint8(&u.Param2) {
		return ErrTruncated
	}
	if !readBytes(s, &u.Body, len(*s)) {
		return ErrTruncated
	}
	return nil
}

// Little-endian helpers. cryptobyte only provides big-endian integers.

func addUint16(b *cryptobyte.Builder, v uint16) {
	b.AddBytes(binary.LittleEndian.AppendUint16(nil, v))
}

func addUint24(b *cryptobyte.Builder, v uint32) {
	b.AddBytes([]byte{byte(v), byte(v >> 8), byte(v >> 16)})
}

func addUint32(b *cryptobyte.Builder, v uint32) {
	b.AddBytes(binary.LittleEndian.AppendUint32(nil, v))
}

func addZeros(b *cryptobyte.Builder, n int) { b.AddBytes(make([]byte, n)) }

// addFixed writes a field of a negotiated fixed size, failing the builder
// when the value has the wrong length.
func addFixed(b *cryptobyte.Builder, name string, v []byte, size int) {
	if len(v) != size {
		b.SetError(fmt.Errorf("%s must be %d bytes, got %d", name, size, len(v)))
		return
	}
	b.AddBytes(v)
}

// addUint16Prefixed writes a little-endian 16-bit length followed by v.
func addUint16Prefixed(b *cryptobyte.Builder, name string, v []byte) {
	if len(v) > 0xffff {
		b.SetError(fmt.Errorf("%s too long: %d bytes", name, len(v)))
		return
	}
	addUint16(b, uint16(len(v)))
	b.AddBytes(v)
}

func readUint16(s *cryptobyte.String, out *uint16) bool {
	var v []byte
	if !s.ReadBytes(&v, 2) {
		return false
	}
	*out = binary.LittleEndian.Uint16(v)
	return true
}

func readUint24(s *cryptobyte.String, out *uint32) bool {
	var v []byte
	if !s.ReadBytes(&v, 3) {
		return false
	}
	*out = uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16
	return true
}

func readUint32(s *cryptobyte.String, out *uint32) bool {
	var v []byte
	if !s.ReadBytes(&v, 4) {
		return false
	}
	*out = binary.LittleEndian.Uint32(v)
	return true
}

// readBytes copies n bytes so that decoded messages never alias the input.
// Zero-length fields decode as nil.
func readBytes(s *cryptobyte.String, out *[]byte, n int) bool {
	var v []byte
	if n < 0 || !s.ReadBytes(&v, n) {
		return false
	}
	if n == 0 {
		*out = nil
		return true
	}
	*out = append([]byte(nil), v...)
	return true
}

func readUint16Prefixed(s *cryptobyte.String, out *[]byte) bool {
	var n uint16
	return readUint16(s, &n) && readBytes(s, out, int(n))
}

func readNonce(s *cryptobyte.String, out *Nonce) bool {
	return s.CopyBytes(out[:])
}

func readParams(s *cryptobyte.String, p1, p2 *uint8) error {
	if !s.ReadUint8(p1) || !s.ReadUint8(p2) {
		return ErrTruncated
	}
	return nil
}

func boolBit(v bool, bit uint8) uint8 {
	if v {
		return 1 << bit
	}
	return 0
}
