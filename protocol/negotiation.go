// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// GetVersion is always sent with version 1.0 in the header.
type GetVersion struct{}

// Code implements Payload.
func (*GetVersion) Code() Code { return GetVersionCode }

func (*GetVersion) marshal(b *cryptobyte.Builder, _ *Params) { addZeros(b, 2) }

func (*GetVersion) unmarshal(s *cryptobyte.String, _ *Params) error {
	var p1, p2 uint8
	return readParams(s, &p1, &p2)
}

// VersionResponse lists the versions a responder supports.
type VersionResponse struct {
	Entries []VersionNumber
}

// Code implements Payload.
func (*VersionResponse) Code() Code { return VersionCode }

func (m *VersionResponse) marshal(b *cryptobyte.Builder, _ *Params) {
	if len(m.Entries) > 0xff {
		b.SetError(fmt.Errorf("too many version entries: %d", len(m.Entries)))
		return
	}
	addZeros(b, 3) // param1, param2, reserved
	b.AddUint8(uint8(len(m.Entries)))
	for _, e := range m.Entries {
		addUint16(b, uint16(e))
	}
}

func (m *VersionResponse) unmarshal(s *cryptobyte.String, _ *Params) error {
	var count uint8
	if !s.Skip(3) || !s.ReadUint8(&count) {
		return ErrTruncated
	}
	if count == 0 {
		return fmt.Errorf("empty version list: %w", ErrMalformedMessage)
	}
	m.Entries = make([]VersionNumber, count)
	for i := range m.Entries {
		var v uint16
		if !readUint16(s, &v) {
			return ErrTruncated
		}
		m.Entries[i] = VersionNumber(v)
	}
	return nil
}

// GetCapabilities advertises the requester's capabilities. Version 1.0 has no
// body; 1.2 adds transfer size limits.
type GetCapabilities struct {
	CTExponent       uint8
	Flags            CapabilityFlags
	DataTransferSize uint32 // 1.2
	MaxMessageSize   uint32 // 1.2
}

// Code implements Payload.
func (*GetCapabilities) Code() Code { return GetCapabilitiesCode }

func (m *GetCapabilities) marshal(b *cryptobyte.Builder, p *Params) {
	addZeros(b, 2)
	if p.Version < Version11 {
		return
	}
	b.AddUint8(0)
	b.AddUint8(m.CTExponent)
	addZeros(b, 2)
	addUint32(b, uint32(m.Flags))
	if p.Version >= Version12 {
		addUint32(b, m.DataTransferSize)
		addUint32(b, m.MaxMessageSize)
	}
}

func (m *GetCapabilities) unmarshal(s *cryptobyte.String, p *Params) error {
	if !s.Skip(2) {
		return ErrTruncated
	}
	if p.Version < Version11 {
		return nil
	}
	var flags uint32
	if !s.Skip(1) || !s.ReadUint8(&m.CTExponent) || !s.Skip(2) || !readUint32(s, &flags) {
		return ErrTruncated
	}
	m.Flags = CapabilityFlags(flags)
	if p.Version >= Version12 {
		if !readUint32(s, &m.DataTransferSize) || !readUint32(s, &m.MaxMessageSize) {
			return ErrTruncated
		}
	}
	return nil
}

// Capabilities is the responder's answer to GetCapabilities.
type Capabilities struct {
	CTExponent       uint8
	Flags            CapabilityFlags
	DataTransferSize uint32 // 1.2
	MaxMessageSize   uint32 // 1.2
}

// Code implements Payload.
func (*Capabilities) Code() Code { return CapabilitiesCode }

func (m *Capabilities) marshal(b *cryptobyte.Builder, p *Params) {
	addZeros(b, 3)
	b.AddUint8(m.CTExponent)
	addZeros(b, 2)
	addUint32(b, uint32(m.Flags))
	if p.Version >= Version12 {
		addUint32(b, m.DataTransferSize)
		addUint32(b, m.MaxMessageSize)
	}
}

func (m *Capabilities) unmarshal(s *cryptobyte.String, p *Params) error {
	var flags uint32
	if !s.Skip(3) || !s.ReadUint8(&m.CTExponent) || !s.Skip(2) || !readUint32(s, &flags) {
		return ErrTruncated
	}
	m.Flags = CapabilityFlags(flags)
	if p.Version >= Version12 {
		if !readUint32(s, &m.DataTransferSize) || !readUint32(s, &m.MaxMessageSize) {
			return ErrTruncated
		}
	}
	return nil
}

// AlgStruct is one entry of the algorithm structure table. The fixed
// algorithm field is always two bytes.
type AlgStruct struct {
	Type      AlgType
	Supported uint16
	External  []uint32
}

const algStructFixedCount = 2

func (a AlgStruct) size() int { return 4 + 4*len(a.External) }

func (a AlgStruct) marshal(b *cryptobyte.Builder) {
	if len(a.External) > 0x0f {
		b.SetError(fmt.Errorf("too many external algorithms for %s", a.Type))
		return
	}
	b.AddUint8(uint8(a.Type))
	b.AddUint8(algStructFixedCount<<4 | uint8(len(a.External)))
	addUint16(b, a.Supported)
	for _, ext := range a.External {
		addUint32(b, ext)
	}
}

func (a *AlgStruct) unmarshal(s *cryptobyte.String) error {
	var typ, count uint8
	if !s.ReadUint8(&typ) || !s.ReadUint8(&count) || !readUint16(s, &a.Supported) {
		return ErrTruncated
	}
	if count>>4 != algStructFixedCount {
		return fmt.Errorf("algorithm struct fixed count %d: %w", count>>4, ErrMalformedMessage)
	}
	a.Type = AlgType(typ)
	if n := int(count & 0x0f); n > 0 {
		a.External = make([]uint32, n)
		for i := range a.External {
			if !readUint32(s, &a.External[i]) {
				return ErrTruncated
			}
		}
	}
	return nil
}

func marshalExt(b *cryptobyte.Builder, asym, hash []uint32) {
	if len(asym) > 0xff || len(hash) > 0xff {
		b.SetError(fmt.Errorf("too many extended algorithms"))
		return
	}
	addZeros(b, 12)
	b.AddUint8(uint8(len(asym)))
	b.AddUint8(uint8(len(hash)))
	addZeros(b, 2)
	for _, v := range asym {
		addUint32(b, v)
	}
	for _, v := range hash {
		addUint32(b, v)
	}
}

func unmarshalExt(s *cryptobyte.String, asym, hash *[]uint32) error {
	var na, nh uint8
	if !s.Skip(12) || !s.ReadUint8(&na) || !s.ReadUint8(&nh) || !s.Skip(2) {
		return ErrTruncated
	}
	read := func(n uint8) ([]uint32, error) {
		if n == 0 {
			return nil, nil
		}
		out := make([]uint32, n)
		for i := range out {
			if !readUint32(s, &out[i]) {
				return nil, ErrTruncated
			}
		}
		return out, nil
	}
	var err error
	if *asym, err = read(na); err != nil {
		return err
	}
	*hash, err = read(nh)
	return err
}

func marshalStructs(b *cryptobyte.Builder, p *Params, structs []AlgStruct) {
	if p.Version < Version11 {
		if len(structs) > 0 {
			b.SetError(fmt.Errorf("algorithm structs require version 1.1"))
		}
		return
	}
	for _, a := range structs {
		a.marshal(b)
	}
}

func unmarshalStructs(s *cryptobyte.String, n uint8) ([]AlgStruct, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]AlgStruct, n)
	for i := range out {
		if err := out[i].unmarshal(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func algorithmsLength(fixed int, asym, hash []uint32, structs []AlgStruct) int {
	n := fixed + 4*len(asym) + 4*len(hash)
	for _, a := range structs {
		n += a.size()
	}
	return n
}

// NegotiateAlgorithms proposes the requester's algorithms. Algorithm structs
// are only encoded for version 1.1 and later.
type NegotiateAlgorithms struct {
	MeasurementSpec uint8
	OtherParams     uint8 // 1.2
	BaseAsym        BaseAsymAlgo
	BaseHash        BaseHashAlgo
	ExtAsym         []uint32
	ExtHash         []uint32
	Structs         []AlgStruct
}

// Code implements Payload.
func (*NegotiateAlgorithms) Code() Code { return NegotiateAlgorithmsCode }

func (m *NegotiateAlgorithms) marshal(b *cryptobyte.Builder, p *Params) {
	if len(m.Structs) > 0xff {
		b.SetError(fmt.Errorf("too many algorithm structs"))
		return
	}
	length := algorithmsLength(32, m.ExtAsym, m.ExtHash, m.Structs)
	b.AddUint8(uint8(len(m.Structs)))
	b.AddUint8(0)
	addUint16(b, uint16(length))
	b.AddUint8(m.MeasurementSpec)
	if p.Version >= Version12 {
		b.AddUint8(m.OtherParams)
	} else {
		b.AddUint8(0)
	}
	addUint32(b, uint32(m.BaseAsym))
	addUint32(b, uint32(m.BaseHash))
	marshalExt(b, m.ExtAsym, m.ExtHash)
	marshalStructs(b, p, m.Structs)
}

func (m *NegotiateAlgorithms) unmarshal(s *cryptobyte.String, p *Params) error {
	start := len(*s)
	var n uint8
	var length uint16
	var asym, hash uint32
	if !s.ReadUint8(&n) || !s.Skip(1) || !readUint16(s, &length) ||
		!s.ReadUint8(&m.MeasurementSpec) || !s.ReadUint8(&m.OtherParams) ||
		!readUint32(s, &asym) || !readUint32(s, &hash) {
		return ErrTruncated
	}
	if p.Version < Version12 {
		m.OtherParams = 0
	}
	m.BaseAsym, m.BaseHash = BaseAsymAlgo(asym), BaseHashAlgo(hash)
	if err := unmarshalExt(s, &m.ExtAsym, &m.ExtHash); err != nil {
		return err
	}
	if p.Version < Version11 {
		n = 0
	}
	var err error
	if m.Structs, err = unmarshalStructs(s, n); err != nil {
		return err
	}
	if got := 2 + start - len(*s); int(length) != got {
		return fmt.Errorf("length field %d, message is %d bytes: %w", length, got, ErrMalformedMessage)
	}
	return nil
}

// Algorithms carries the responder's single selection per category.
type Algorithms struct {
	MeasurementSpec uint8
	OtherParams     uint8 // 1.2
	MeasurementHash MeasurementHashAlgo
	BaseAsym        BaseAsymAlgo
	BaseHash        BaseHashAlgo
	ExtAsym         []uint32
	ExtHash         []uint32
	Structs         []AlgStruct
}

// Code implements Payload.
func (*Algorithms) Code() Code { return AlgorithmsCode }

func (m *Algorithms) marshal(b *cryptobyte.Builder, p *Params) {
	if len(m.Structs) > 0xff {
		b.SetError(fmt.Errorf("too many algorithm structs"))
		return
	}
	length := algorithmsLength(36, m.ExtAsym, m.ExtHash, m.Structs)
	b.AddUint8(uint8(len(m.Structs)))
	b.AddUint8(0)
	addUint16(b, uint16(length))
	b.AddUint8(m.MeasurementSpec)
	if p.Version >= Version12 {
		b.AddUint8(m.OtherParams)
	} else {
		b.AddUint8(0)
	}
	addUint32(b, uint32(m.MeasurementHash))
	addUint32(b, uint32(m.BaseAsym))
	addUint32(b, uint32(m.BaseHash))
	marshalExt(b, m.ExtAsym, m.ExtHash)
	marshalStructs(b, p, m.Structs)
}

func (m *Algorithms) unmarshal(s *cryptobyte.String, p *Params) error {
	start := len(*s)
	var n uint8
	var length uint16
	var meas, asym, hash uint32
	if !s.ReadUint8(&n) || !s.Skip(1) || !readUint16(s, &length) ||
		!s.ReadUint8(&m.MeasurementSpec) || !s.ReadUint8(&m.OtherParams) ||
		!readUint32(s, &meas) || !readUint32(s, &asym) || !readUint32(s, &hash) {
		return ErrTruncated
	}
	if p.Version < Version12 {
		m.OtherParams = 0
	}
	m.MeasurementHash, m.BaseAsym, m.BaseHash = MeasurementHashAlgo(meas), BaseAsymAlgo(asym), BaseHashAlgo(hash)
	if err := unmarshalExt(s, &m.ExtAsym, &m.ExtHash); err != nil {
		return err
	}
	if p.Version < Version11 {
		n = 0
	}
	var err error
	if m.Structs, err = unmarshalStructs(s, n); err != nil {
		return err
	}
	if got := 2 + start - len(*s); int(length) != got {
		return fmt.Errorf("length field %d, message is %d bytes: %w", length, got, ErrMalformedMessage)
	}
	return nil
}

// findStruct returns the supported value of the first struct of the given type.
func findStruct(structs []AlgStruct, t AlgType) (uint16, bool) {
	for _, a := range structs {
		if a.Type == t {
			return a.Supported, true
		}
	}
	return 0, false
}

// DHE returns the key exchange groups of the struct table.
func (m *NegotiateAlgorithms) DHE() DHEAlgo {
	v, _ := findStruct(m.Structs, DHEAlgType)
	return DHEAlgo(v)
}

// AEAD returns the AEAD suites of the struct table.
func (m *NegotiateAlgorithms) AEAD() AEADAlgo {
	v, _ := findStruct(m.Structs, AEADAlgType)
	return AEADAlgo(v)
}

// ReqBaseAsym returns the requester signature algorithms of the struct table.
func (m *NegotiateAlgorithms) ReqBaseAsym() BaseAsymAlgo {
	v, _ := findStruct(m.Structs, ReqBaseAsymAlgType)
	return BaseAsymAlgo(v)
}

// KeySchedule returns the key schedules of the struct table.
func (m *NegotiateAlgorithms) KeySchedule() KeyScheduleAlgo {
	v, _ := findStruct(m.Structs, KeyScheduleAlgType)
	return KeyScheduleAlgo(v)
}

// DHE returns the selected key exchange group.
func (m *Algorithms) DHE() DHEAlgo {
	v, _ := findStruct(m.Structs, DHEAlgType)
	return DHEAlgo(v)
}

// AEAD returns the selected AEAD suite.
func (m *Algorithms) AEAD() AEADAlgo {
	v, _ := findStruct(m.Structs, AEADAlgType)
	return AEADAlgo(v)
}

// ReqBaseAsym returns the selected requester signature algorithm.
func (m *Algorithms) ReqBaseAsym() BaseAsymAlgo {
	v, _ := findStruct(m.Structs, ReqBaseAsymAlgType)
	return BaseAsymAlgo(v)
}

// KeySchedule returns the selected key schedule.
func (m *Algorithms) KeySchedule() KeyScheduleAlgo {
	v, _ := findStruct(m.Structs, KeyScheduleAlgType)
	return KeyScheduleAlgo(v)
}
