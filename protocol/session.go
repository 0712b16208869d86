// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// KeyExchange starts an asymmetric key exchange session. Only defined for
// version 1.1 and later.
type KeyExchange struct {
	SummaryHashType MeasurementSummaryHashType
	SlotID          uint8
	ReqSessionID    uint16
	SessionPolicy   uint8 // 1.2
	Random          Nonce
	ExchangeData    []byte
	Opaque          []byte
}

// Code implements Payload.
func (*KeyExchange) Code() Code { return KeyExchangeCode }

func requireSessions(b *cryptobyte.Builder, p *Params, c Code) bool {
	if p.Version < Version11 {
		b.SetError(fmt.Errorf("%s requires version 1.1: %w", c, ErrUnsupported))
		return false
	}
	return true
}

func (m *KeyExchange) marshal(b *cryptobyte.Builder, p *Params) {
	if !requireSessions(b, p, m.Code()) {
		return
	}
	b.AddUint8(uint8(m.SummaryHashType))
	b.AddUint8(m.SlotID)
	addUint16(b, m.ReqSessionID)
	if p.Version >= Version12 {
		b.AddUint8(m.SessionPolicy)
	} else {
		b.AddUint8(0)
	}
	b.AddUint8(0)
	b.AddBytes(m.Random[:])
	addFixed(b, "exchange data", m.ExchangeData, p.DHESize)
	addUint16Prefixed(b, "opaque data", m.Opaque)
}

func (m *KeyExchange) unmarshal(s *cryptobyte.String, p *Params) error {
	if p.Version < Version11 {
		return fmt.Errorf("version %s: %w", p.Version, ErrUnsupported)
	}
	var typ uint8
	if err := readParams(s, &typ, &m.SlotID); err != nil {
		return err
	}
	m.SummaryHashType = MeasurementSummaryHashType(typ)
	if !readUint16(s, &m.ReqSessionID) || !s.ReadUint8(&m.SessionPolicy) || !s.Skip(1) ||
		!readNonce(s, &m.Random) || !readBytes(s, &m.ExchangeData, p.DHESize) || !readUint16Prefixed(s, &m.Opaque) {
		return ErrTruncated
	}
	if p.Version < Version12 {
		m.SessionPolicy = 0
	}
	return nil
}

// KeyExchangeRsp answers KeyExchange. VerifyData is absent when the
// handshake is in the clear.
type KeyExchangeRsp struct {
	HeartbeatPeriod        uint8
	RspSessionID           uint16
	MutAuthRequested       uint8
	ReqSlotID              uint8
	Random                 Nonce
	ExchangeData           []byte
	MeasurementSummaryHash []byte
	Opaque                 []byte
	Signature              []byte
	VerifyData             []byte
}

// Code implements Payload.
func (*KeyExchangeRsp) Code() Code { return KeyExchangeRspCode }

func (m *KeyExchangeRsp) marshal(b *cryptobyte.Builder, p *Params) {
	if !requireSessions(b, p, m.Code()) {
		return
	}
	b.AddUint8(m.HeartbeatPeriod)
	b.AddUint8(0)
	addUint16(b, m.RspSessionID)
	b.AddUint8(m.MutAuthRequested)
	b.AddUint8(m.ReqSlotID)
	b.AddBytes(m.Random[:])
	addFixed(b, "exchange data", m.ExchangeData, p.DHESize)
	if p.SummaryHash {
		addFixed(b, "measurement summary hash", m.MeasurementSummaryHash, p.HashSize)
	}
	addUint16Prefixed(b, "opaque data", m.Opaque)
	addFixed(b, "signature", m.Signature, p.SignatureSize)
	if !p.HandshakeInTheClear {
		addFixed(b, "verify data", m.VerifyData, p.HashSize)
	}
}

func (m *KeyExchangeRsp) unmarshal(s *cryptobyte.String, p *Params) error {
	if p.Version < Version11 {
		return fmt.Errorf("version %s: %w", p.Version, ErrUnsupported)
	}
	var reserved uint8
	if err := readParams(s, &m.HeartbeatPeriod, &reserved); err != nil {
		return err
	}
	if !readUint16(s, &m.RspSessionID) || !s.ReadUint8(&m.MutAuthRequested) || !s.ReadUint8(&m.ReqSlotID) ||
		!readNonce(s, &m.Random) || !readBytes(s, &m.ExchangeData, p.DHESize) {
		return ErrTruncated
	}
	if p.SummaryHash && !readBytes(s, &m.MeasurementSummaryHash, p.HashSize) {
		return ErrTruncated
	}
	if !readUint16Prefixed(s, &m.Opaque) || !readBytes(s, &m.Signature, p.SignatureSize) {
		return ErrTruncated
	}
	if !p.HandshakeInTheClear && !readBytes(s, &m.VerifyData, p.HashSize) {
		return ErrTruncated
	}
	return nil
}

// Finish completes an asymmetric key exchange. The signature is only present
// for mutual authentication.
type Finish struct {
	SignatureIncluded bool
	ReqSlotID         uint8
	Signature         []byte
	VerifyData        []byte
}

// Code implements Payload.
func (*Finish) Code() Code { return FinishCode }

func (m *Finish) marshal(b *cryptobyte.Builder, p *Params) {
	if !requireSessions(b, p, m.Code()) {
		return
	}
	b.AddUint8(boolBit(m.SignatureIncluded, 0))
	b.AddUint8(m.ReqSlotID)
	if m.SignatureIncluded {
		addFixed(b, "signature", m.Signature, p.ReqSignatureSize)
	}
	addFixed(b, "verify data", m.VerifyData, p.HashSize)
}

func (m *Finish) unmarshal(s *cryptobyte.String, p *Params) error {
	if p.Version < Version11 {
		return fmt.Errorf("version %s: %w", p.Version, ErrUnsupported)
	}
	var attrs uint8
	if err := readParams(s, &attrs, &m.ReqSlotID); err != nil {
		return err
	}
	m.SignatureIncluded = attrs&1 != 0
	if m.SignatureIncluded && !readBytes(s, &m.Signature, p.ReqSignatureSize) {
		return ErrTruncated
	}
	if !readBytes(s, &m.VerifyData, p.HashSize) {
		return ErrTruncated
	}
	return nil
}

// FinishRsp carries the responder verify data only when the handshake is in
// the clear.
type FinishRsp struct {
	VerifyData []byte
}

// Code implements Payload.
func (*FinishRsp) Code() Code { return FinishRspCode }

func (m *FinishRsp) marshal(b *cryptobyte.Builder, p *Params) {
	if !requireSessions(b, p, m.Code()) {
		return
	}
	addZeros(b, 2)
	if p.HandshakeInTheClear {
		addFixed(b, "verify data", m.VerifyData, p.HashSize)
	}
}

func (m *FinishRsp) unmarshal(s *cryptobyte.String, p *Params) error {
	if !s.Skip(2) {
		return ErrTruncated
	}
	if p.HandshakeInTheClear && !readBytes(s, &m.VerifyData, p.HashSize) {
		return ErrTruncated
	}
	return nil
}

// PSKExchange starts a pre-shared key session.
type PSKExchange struct {
	SummaryHashType MeasurementSummaryHashType
	ReqSessionID    uint16
	Hint            []byte
	Context         []byte
	Opaque          []byte
}

// Code implements Payload.
func (*PSKExchange) Code() Code { return PSKExchangeCode }

func (m *PSKExchange) marshal(b *cryptobyte.Builder, p *Params) {
	if !requireSessions(b, p, m.Code()) {
		return
	}
	if len(m.Hint) > 0xffff || len(m.Context) > 0xffff || len(m.Opaque) > 0xffff {
		b.SetError(fmt.Errorf("PSK_EXCHANGE field too long"))
		return
	}
	b.AddUint8(uint8(m.SummaryHashType))
	b.AddUint8(0)
	addUint16(b, m.ReqSessionID)
	addUint16(b, uint16(len(m.Hint)))
	addUint16(b, uint16(len(m.Context)))
	addUint16(b, uint16(len(m.Opaque)))
	b.AddBytes(m.Hint)
	b.AddBytes(m.Context)
	b.AddBytes(m.Opaque)
}

func (m *PSKExchange) unmarshal(s *cryptobyte.String, p *Params) error {
	if p.Version < Version11 {
		return fmt.Errorf("version %s: %w", p.Version, ErrUnsupported)
	}
	var typ, reserved uint8
	if err := readParams(s, &typ, &reserved); err != nil {
		return err
	}
	m.SummaryHashType = MeasurementSummaryHashType(typ)
	var hintLen, ctxLen, opaqueLen uint16
	if !readUint16(s, &m.ReqSessionID) || !readUint16(s, &hintLen) || !readUint16(s, &ctxLen) || !readUint16(s, &opaqueLen) ||
		!readBytes(s, &m.Hint, int(hintLen)) || !readBytes(s, &m.Context, int(ctxLen)) || !readBytes(s, &m.Opaque, int(opaqueLen)) {
		return ErrTruncated
	}
	return nil
}

// PSKExchangeRsp answers PSKExchange.
type PSKExchangeRsp struct {
	HeartbeatPeriod        uint8
	RspSessionID           uint16
	MeasurementSummaryHash []byte
	Context                []byte
	Opaque                 []byte
	VerifyData             []byte
}

// Code implements Payload.
func (*PSKExchangeRsp) Code() Code { return PSKExchangeRspCode }

func (m *PSKExchangeRsp) marshal(b *cryptobyte.Builder, p *Params) {
	if !requireSessions(b, p, m.Code()) {
		return
	}
	if len(m.Context) > 0xffff || len(m.Opaque) > 0xffff {
		b.SetError(fmt.Errorf("PSK_EXCHANGE_RSP field too long"))
		return
	}
	b.AddUint8(m.HeartbeatPeriod)
	b.AddUint8(0)
	addUint16(b, m.RspSessionID)
	addZeros(b, 2)
	addUint16(b, uint16(len(m.Context)))
	addUint16(b, uint16(len(m.Opaque)))
	if p.SummaryHash {
		addFixed(b, "measurement summary hash", m.MeasurementSummaryHash, p.HashSize)
	}
	b.AddBytes(m.Context)
	b.AddBytes(m.Opaque)
	addFixed(b, "verify data", m.VerifyData, p.HashSize)
}

func (m *PSKExchangeRsp) unmarshal(s *cryptobyte.String, p *Params) error {
	if p.Version < Version11 {
		return fmt.Errorf("version %s: %w", p.Version, ErrUnsupported)
	}
	var reserved uint8
	if err := readParams(s, &m.HeartbeatPeriod, &reserved); err != nil {
		return err
	}
	var ctxLen, opaqueLen uint16
	if !readUint16(s, &m.RspSessionID) || !s.Skip(2) || !readUint16(s, &ctxLen) || !readUint16(s, &opaqueLen) {
		return ErrTruncated
	}
	if p.SummaryHash && !readBytes(s, &m.MeasurementSummaryHash, p.HashSize) {
		return ErrTruncated
	}
	if !readBytes(s, &m.Context, int(ctxLen)) || !readBytes(s, &m.Opaque, int(opaqueLen)) ||
		!readBytes(s, &m.VerifyData, p.HashSize) {
		return ErrTruncated
	}
	return nil
}

// PSKFinish completes a pre-shared key session.
type PSKFinish struct {
	VerifyData []byte
}

// Code implements Payload.
func (*PSKFinish) Code() Code { return PSKFinishCode }

func (m *PSKFinish) marshal(b *cryptobyte.Builder, p *Params) {
	if !requireSessions(b, p, m.Code()) {
		return
	}
	addZeros(b, 2)
	addFixed(b, "verify data", m.VerifyData, p.HashSize)
}

func (m *PSKFinish) unmarshal(s *cryptobyte.String, p *Params) error {
	if !s.Skip(2) || !readBytes(s, &m.VerifyData, p.HashSize) {
		return ErrTruncated
	}
	return nil
}

// PSKFinishRsp acknowledges PSKFinish.
type PSKFinishRsp struct{}

// Code implements Payload.
func (*PSKFinishRsp) Code() Code { return PSKFinishRspCode }

func (*PSKFinishRsp) marshal(b *cryptobyte.Builder, _ *Params) { addZeros(b, 2) }
func (*PSKFinishRsp) unmarshal(s *cryptobyte.String, _ *Params) error {
	if !s.Skip(2) {
		return ErrTruncated
	}
	return nil
}

// Heartbeat keeps a session alive.
type Heartbeat struct{}

// Code implements Payload.
func (*Heartbeat) Code() Code { return HeartbeatCode }

func (*Heartbeat) marshal(b *cryptobyte.Builder, _ *Params) { addZeros(b, 2) }
func (*Heartbeat) unmarshal(s *cryptobyte.String, _ *Params) error {
	if !s.Skip(2) {
		return ErrTruncated
	}
	return nil
}

// HeartbeatAck acknowledges Heartbeat.
type HeartbeatAck struct{}

// Code implements Payload.
func (*HeartbeatAck) Code() Code { return HeartbeatAckCode }

func (*HeartbeatAck) marshal(b *cryptobyte.Builder, _ *Params) { addZeros(b, 2) }
func (*HeartbeatAck) unmarshal(s *cryptobyte.String, _ *Params) error {
	if !s.Skip(2) {
		return ErrTruncated
	}
	return nil
}

// KeyUpdateOperation is param1 of KEY_UPDATE and KEY_UPDATE_ACK.
type KeyUpdateOperation uint8

// Key update operations
const (
	UpdateKey     KeyUpdateOperation = 1
	UpdateAllKeys KeyUpdateOperation = 2
	VerifyNewKey  KeyUpdateOperation = 3
)

func (op KeyUpdateOperation) String() string {
	switch op {
	case UpdateKey:
		return "UpdateKey"
	case UpdateAllKeys:
		return "UpdateAllKeys"
	case VerifyNewKey:
		return "VerifyNewKey"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// KeyUpdate requests a key update operation.
type KeyUpdate struct {
	Operation KeyUpdateOperation
	Tag       uint8
}

// Code implements Payload.
func (*KeyUpdate) Code() Code { return KeyUpdateCode }

func (m *KeyUpdate) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(uint8(m.Operation))
	b.AddUint8(m.Tag)
}

func (m *KeyUpdate) unmarshal(s *cryptobyte.String, _ *Params) error {
	var op uint8
	if err := readParams(s, &op, &m.Tag); err != nil {
		return err
	}
	m.Operation = KeyUpdateOperation(op)
	return nil
}

// KeyUpdateAck echoes the operation and tag of KeyUpdate.
type KeyUpdateAck struct {
	Operation KeyUpdateOperation
	Tag       uint8
}

// Code implements Payload.
func (*KeyUpdateAck) Code() Code { return KeyUpdateAckCode }

func (m *KeyUpdateAck) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(uint8(m.Operation))
	b.AddUint8(m.Tag)
}

func (m *KeyUpdateAck) unmarshal(s *cryptobyte.String, _ *Params) error {
	var op uint8
	if err := readParams(s, &op, &m.Tag); err != nil {
		return err
	}
	m.Operation = KeyUpdateOperation(op)
	return nil
}

// EndSession terminates a session.
type EndSession struct {
	// PreserveNegotiatedState asks the responder to keep the negotiated
	// state for a later session.
	PreserveNegotiatedState bool
}

// Code implements Payload.
func (*EndSession) Code() Code { return EndSessionCode }

func (m *EndSession) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(boolBit(m.PreserveNegotiatedState, 0))
	b.AddUint8(0)
}

func (m *EndSession) unmarshal(s *cryptobyte.String, _ *Params) error {
	var attrs, reserved uint8
	if err := readParams(s, &attrs, &reserved); err != nil {
		return err
	}
	m.PreserveNegotiatedState = attrs&1 != 0
	return nil
}

// EndSessionAck acknowledges EndSession.
type EndSessionAck struct{}

// Code implements Payload.
func (*EndSessionAck) Code() Code { return EndSessionAckCode }

func (*EndSessionAck) marshal(b *cryptobyte.Builder, _ *Params) { addZeros(b, 2) }
func (*EndSessionAck) unmarshal(s *cryptobyte.String, _ *Params) error {
	if !s.Skip(2) {
		return ErrTruncated
	}
	return nil
}

// RespondIfReady retrieves the response to a request that was answered with
// ResponseNotReady.
type RespondIfReady struct {
	RequestCode Code
	Token       uint8
}

// Code implements Payload.
func (*RespondIfReady) Code() Code { return RespondIfReadyCode }

func (m *RespondIfReady) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(uint8(m.RequestCode))
	b.AddUint8(m.Token)
}

func (m *RespondIfReady) unmarshal(s *cryptobyte.String, _ *Params) error {
	var code uint8
	if err := readParams(s, &code, &m.Token); err != nil {
		return err
	}
	m.RequestCode = Code(code)
	return nil
}
