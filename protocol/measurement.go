// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// MeasurementAttributes is param1 of GET_MEASUREMENTS.
type MeasurementAttributes uint8

// Measurement request attributes
const (
	SignatureRequested    MeasurementAttributes = 1 << 0
	RawBitStreamRequested MeasurementAttributes = 1 << 1
)

// Measurement operations (param2 of GET_MEASUREMENTS). Other values select a
// single measurement index.
const (
	MeasurementQueryTotalNumber uint8 = 0x00
	MeasurementRequestAll       uint8 = 0xff
)

// GetMeasurements requests measurement blocks. Nonce and SlotID are only on
// the wire when a signature is requested, and SlotID only since 1.1.
type GetMeasurements struct {
	Attributes MeasurementAttributes
	Operation  uint8
	Nonce      Nonce
	SlotID     uint8
}

// Code implements Payload.
func (*GetMeasurements) Code() Code { return GetMeasurementsCode }

// SignatureRequested reports whether the response must be signed.
func (m *GetMeasurements) SignatureRequested() bool { return m.Attributes&SignatureRequested != 0 }

func (m *GetMeasurements) marshal(b *cryptobyte.Builder, p *Params) {
	b.AddUint8(uint8(m.Attributes))
	b.AddUint8(m.Operation)
	if !m.SignatureRequested() {
		return
	}
	b.AddBytes(m.Nonce[:])
	if p.Version >= Version11 {
		b.AddUint8(m.SlotID & 0x0f)
	}
}

func (m *GetMeasurements) unmarshal(s *cryptobyte.String, p *Params) error {
	var attrs uint8
	if err := readParams(s, &attrs, &m.Operation); err != nil {
		return err
	}
	m.Attributes = MeasurementAttributes(attrs)
	if !m.SignatureRequested() {
		return nil
	}
	if !readNonce(s, &m.Nonce) {
		return ErrTruncated
	}
	if p.Version >= Version11 {
		if !s.ReadUint8(&m.SlotID) {
			return ErrTruncated
		}
		m.SlotID &= 0x0f
	}
	return nil
}

// ContentChanged reports whether measurements changed during a signed
// measurement sequence.
type ContentChanged uint8

// Content changed states
const (
	ContentChangeNotSupported ContentChanged = 0
	ContentChangeDetected     ContentChanged = 1
	ContentChangeNone         ContentChanged = 2
)

func (c ContentChanged) String() string {
	switch c {
	case ContentChangeNotSupported:
		return "not supported"
	case ContentChangeDetected:
		return "changed"
	case ContentChangeNone:
		return "unchanged"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// MeasurementParam2Layout describes how MEASUREMENTS param2 packs the slot ID
// and the content changed state. Layouts are selected by version and the
// runtime content change configuration flag.
type MeasurementParam2Layout struct {
	SlotMask     uint8
	ContentShift uint8
	ContentMask  uint8 // zero when content change is not carried
}

// Param2Layout returns the param2 layout for a version and configuration.
func Param2Layout(v Version, contentChange bool) MeasurementParam2Layout {
	if v >= Version12 && contentChange {
		return MeasurementParam2Layout{SlotMask: 0x0f, ContentShift: 4, ContentMask: 0x03}
	}
	return MeasurementParam2Layout{SlotMask: 0x0f}
}

// Pack encodes a slot ID and content changed state.
func (l MeasurementParam2Layout) Pack(slot uint8, cc ContentChanged) uint8 {
	return slot&l.SlotMask | (uint8(cc)&l.ContentMask)<<l.ContentShift
}

// Unpack decodes a slot ID and content changed state.
func (l MeasurementParam2Layout) Unpack(v uint8) (uint8, ContentChanged) {
	return v & l.SlotMask, ContentChanged((v >> l.ContentShift) & l.ContentMask)
}

// MeasurementBlock is one entry of a measurement record.
type MeasurementBlock struct {
	Index       uint8
	Spec        uint8
	Measurement []byte
}

// DMTF measurement value types (bits 6:0) and the raw bit stream flag (bit 7).
const (
	DMTFImmutableROM     uint8 = 0x00
	DMTFMutableFirmware  uint8 = 0x01
	DMTFHardwareConfig   uint8 = 0x02
	DMTFFirmwareConfig   uint8 = 0x03
	DMTFManifest         uint8 = 0x04
	DMTFRawBitStreamFlag uint8 = 0x80
)

// NewDMTFBlock builds a block with the DMTF measurement specification.
func NewDMTFBlock(index, valueType uint8, value []byte) MeasurementBlock {
	m := make([]byte, 3, 3+len(value))
	m[0] = valueType
	m[1], m[2] = byte(len(value)), byte(len(value)>>8)
	return MeasurementBlock{Index: index, Spec: MeasurementSpecDMTF, Measurement: append(m, value...)}
}

// DMTF parses a DMTF formatted measurement.
func (mb MeasurementBlock) DMTF() (valueType uint8, value []byte, err error) {
	if mb.Spec != MeasurementSpecDMTF {
		return 0, nil, fmt.Errorf("measurement %d: specification 0x%02x: %w", mb.Index, mb.Spec, ErrUnsupported)
	}
	s := cryptobyte.String(mb.Measurement)
	var n uint16
	if !s.ReadUint8(&valueType) || !readUint16(&s, &n) || !readBytes(&s, &value, int(n)) || !s.Empty() {
		return 0, nil, fmt.Errorf("measurement %d: %w", mb.Index, ErrMalformedMessage)
	}
	return valueType, value, nil
}

func (mb MeasurementBlock) size() int { return 4 + len(mb.Measurement) }

// Measurements is the response to GetMeasurements.
type Measurements struct {
	// TotalMeasurements is param1, only set for MeasurementQueryTotalNumber.
	TotalMeasurements uint8
	SlotID            uint8
	ContentChanged    ContentChanged
	Blocks            []MeasurementBlock
	Nonce             Nonce // 1.1+, or when signed
	Opaque            []byte
	Signature         []byte // present if Params.MeasurementSignature
}

// Code implements Payload.
func (*Measurements) Code() Code { return MeasurementsCode }

func measurementsHaveNonce(p *Params) bool {
	return p.Version >= Version11 || p.MeasurementSignature
}

func (m *Measurements) marshal(b *cryptobyte.Builder, p *Params) {
	if len(m.Blocks) > 0xff {
		b.SetError(fmt.Errorf("too many measurement blocks"))
		return
	}
	var recordLen int
	for _, mb := range m.Blocks {
		if len(mb.Measurement) > 0xffff {
			b.SetError(fmt.Errorf("measurement %d too long", mb.Index))
			return
		}
		recordLen += mb.size()
	}
	if recordLen > 0xffffff {
		b.SetError(fmt.Errorf("measurement record too long"))
		return
	}
	b.AddUint8(m.TotalMeasurements)
	b.AddUint8(Param2Layout(p.Version, p.ContentChange).Pack(m.SlotID, m.ContentChanged))
	b.AddUint8(uint8(len(m.Blocks)))
	addUint24(b, uint32(recordLen))
	for _, mb := range m.Blocks {
		b.AddUint8(mb.Index)
		b.AddUint8(mb.Spec)
		addUint16Prefixed(b, "measurement", mb.Measurement)
	}
	if measurementsHaveNonce(p) {
		b.AddBytes(m.Nonce[:])
	}
	addUint16Prefixed(b, "opaque data", m.Opaque)
	if p.MeasurementSignature {
		addFixed(b, "signature", m.Signature, p.SignatureSize)
	}
}

func (m *Measurements) unmarshal(s *cryptobyte.String, p *Params) error {
	var p2, count uint8
	var recordLen uint32
	if err := readParams(s, &m.TotalMeasurements, &p2); err != nil {
		return err
	}
	m.SlotID, m.ContentChanged = Param2Layout(p.Version, p.ContentChange).Unpack(p2)
	if !s.ReadUint8(&count) || !readUint24(s, &recordLen) {
		return ErrTruncated
	}
	var record cryptobyte.String
	if !s.ReadBytes((*[]byte)(&record), int(recordLen)) {
		return ErrTruncated
	}
	if count > 0 {
		m.Blocks = make([]MeasurementBlock, count)
	}
	for i := range m.Blocks {
		mb := &m.Blocks[i]
		if !record.ReadUint8(&mb.Index) || !record.ReadUint8(&mb.Spec) || !readUint16Prefixed(&record, &mb.Measurement) {
			return fmt.Errorf("measurement record: %w", ErrTruncated)
		}
	}
	if !record.Empty() {
		return fmt.Errorf("measurement record has %d bytes beyond %d blocks: %w", len(record), count, ErrMalformedMessage)
	}
	if measurementsHaveNonce(p) && !readNonce(s, &m.Nonce) {
		return ErrTruncated
	}
	if !readUint16Prefixed(s, &m.Opaque) {
		return ErrTruncated
	}
	if p.MeasurementSignature && !readBytes(s, &m.Signature, p.SignatureSize) {
		return ErrTruncated
	}
	return nil
}
