// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/transcript"
)

// measurementBlocks returns the provisioned blocks as they are reported.
// Raw bit stream values are replaced by their digest under the negotiated
// measurement hash unless raw values were requested.
func (e *endpoint) measurementBlocks(ctx context.Context, raw bool) ([]protocol.MeasurementBlock, error) {
	if e.prov.Measurements == nil {
		return nil, fmt.Errorf("no measurement store provisioned: %w", protocol.ErrUnsupported)
	}
	blocks, err := e.prov.Measurements.Measurements(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading measurements: %w", err)
	}
	if raw || e.neg.MeasurementHash == protocol.MeasRawBitStream {
		return blocks, nil
	}
	newHash, err := e.cfg.Crypto.Hash(e.neg.MeasurementHash.BaseHash())
	if err != nil {
		return nil, err
	}

	out := make([]protocol.MeasurementBlock, len(blocks))
	for i, mb := range blocks {
		typ, value, err := mb.DMTF()
		if err != nil || typ&protocol.DMTFRawBitStreamFlag == 0 {
			out[i] = mb
			continue
		}
		out[i] = protocol.NewDMTFBlock(mb.Index, typ&^protocol.DMTFRawBitStreamFlag, transcript.Hash(newHash, value))
	}
	return out, nil
}

// tcbComponent reports whether a measurement value type describes the
// trusted computing base.
func tcbComponent(mb protocol.MeasurementBlock) bool {
	typ, _, err := mb.DMTF()
	if err != nil {
		return false
	}
	switch typ &^ protocol.DMTFRawBitStreamFlag {
	case protocol.DMTFImmutableROM, protocol.DMTFMutableFirmware:
		return true
	}
	return false
}

// summaryHash computes the summary hash over the reported blocks.
func (e *endpoint) summaryHash(ctx context.Context, typ protocol.MeasurementSummaryHashType) ([]byte, error) {
	blocks, err := e.measurementBlocks(ctx, false)
	if err != nil {
		return nil, err
	}
	newHash, err := e.hash()
	if err != nil {
		return nil, err
	}
	return SummaryHash(newHash, blocks, typ), nil
}

// SummaryHash is the measurement summary hash of blocks as reported by a
// Responder: the hash of the concatenated blocks, limited to TCB components
// for TCBMeasurementSummaryHash. A Requester may use it to compare a
// received summary with known good measurements.
func SummaryHash(newHash func() hash.Hash, blocks []protocol.MeasurementBlock, typ protocol.MeasurementSummaryHashType) []byte {
	var parts [][]byte
	for _, mb := range blocks {
		if typ == protocol.TCBMeasurementSummaryHash && !tcbComponent(mb) {
			continue
		}
		parts = append(parts, encodeBlock(mb))
	}
	return transcript.Hash(newHash, parts...)
}

// encodeBlock is the wire form of a measurement block.
func encodeBlock(mb protocol.MeasurementBlock) []byte {
	b := make([]byte, 0, 4+len(mb.Measurement))
	b = append(b, mb.Index, mb.Spec)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(mb.Measurement)))
	return append(b, mb.Measurement...)
}
