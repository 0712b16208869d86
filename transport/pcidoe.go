// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/openspdm/go-spdm/protocol"
)

// PCI-DOE data object header values
const (
	DOEVendorIDPCISIG  uint16 = 0x0001
	DOETypeSPDM        uint8  = 0x01
	DOETypeSecuredSPDM uint8  = 0x02

	// DOETypeAppData tags application data inside a secured message.
	DOETypeAppData uint8 = 0x80

	doeHeaderSize    = 8
	doeAppHeaderSize = 4
	doeLengthMask = 0x3ffff
)

// PCIDOE frames messages as PCIe Data Object Exchange objects:
//
//	VendorID (2) || DataObjectType (1) || Reserved (1) || Length in DW (4)
//
// followed by the payload zero padded to a DW boundary. A Length of zero
// encodes the maximum 2^18 DW.
type PCIDOE struct{}

// Encap writes the data object header and padded payload.
func (PCIDOE) Encap(dst, payload []byte, secured bool) (int, error) {
	typ := DOETypeSPDM
	if secured {
		typ = DOETypeSecuredSPDM
	}
	dw := (doeHeaderSize + len(payload) + 3) / 4
	if dw > doeLengthMask+1 {
		return 0, fmt.Errorf("%d byte payload exceeds data object size: %w", len(payload), protocol.ErrBufferTooSmall)
	}
	hdr := make([]byte, doeHeaderSize)
	binary.LittleEndian.PutUint16(hdr, DOEVendorIDPCISIG)
	hdr[2] = typ
	binary.LittleEndian.PutUint32(hdr[4:], uint32(dw)&doeLengthMask)
	return put(dst, hdr, payload, 4)
}

// Decap validates the data object header and returns the payload including
// any DW padding.
func (PCIDOE) Decap(dst, msg []byte) (int, bool, error) {
	if len(msg) < doeHeaderSize {
		return 0, false, fmt.Errorf("data object header: %w", protocol.ErrMalformedHeader)
	}
	if vid := binary.LittleEndian.Uint16(msg); vid != DOEVendorIDPCISIG {
		return 0, false, fmt.Errorf("data object vendor %#04x: %w", vid, protocol.ErrMalformedHeader)
	}
	var secured bool
	switch msg[2] {
	case DOETypeSPDM:
	case DOETypeSecuredSPDM:
		secured = true
	default:
		return 0, false, fmt.Errorf("data object type %#02x: %w", msg[2], protocol.ErrMalformedHeader)
	}
	dw := int(binary.LittleEndian.Uint32(msg[4:]) & doeLengthMask)
	if dw == 0 {
		dw = doeLengthMask + 1
	}
	size := dw * 4
	if size < doeHeaderSize || size != len(msg) {
		return 0, false, fmt.Errorf("data object length %d DW for %d bytes: %w", dw, len(msg), protocol.ErrMalformedHeader)
	}
	n, err := take(dst, msg[doeHeaderSize:size])
	return n, secured, err
}

// EncapApp copies the payload of a secured message. SPDM messages are
// carried bare and application data follows a short data object header:
//
//	VendorID (2) || DOETypeAppData (1) || Reserved (1)
//
// The two cannot collide since SPDM messages start with a version byte of
// major version 1.
func (PCIDOE) EncapApp(dst, payload []byte, app bool) (int, error) {
	if !app {
		return put(dst, nil, payload, 1)
	}
	hdr := make([]byte, doeAppHeaderSize)
	binary.LittleEndian.PutUint16(hdr, DOEVendorIDPCISIG)
	hdr[2] = DOETypeAppData
	return put(dst, hdr, payload, 1)
}

// DecapApp strips the application data header, if any, from the payload of
// a secured message.
func (PCIDOE) DecapApp(dst, msg []byte) (int, bool, error) {
	if len(msg) < 1 {
		return 0, false, fmt.Errorf("empty secured data object payload: %w", protocol.ErrMalformedHeader)
	}
	if msg[0]>>4 == 1 {
		n, err := take(dst, msg)
		return n, false, err
	}
	if len(msg) < doeAppHeaderSize {
		return 0, false, fmt.Errorf("application data header: %w", protocol.ErrMalformedHeader)
	}
	if vid := binary.LittleEndian.Uint16(msg); vid != DOEVendorIDPCISIG || msg[2] != DOETypeAppData {
		return 0, false, fmt.Errorf("application data vendor %#04x type %#02x: %w", vid, msg[2], protocol.ErrMalformedHeader)
	}
	n, err := take(dst, msg[doeAppHeaderSize:])
	return n, true, err
}

// SequenceNumberSize is 0: the sequence number is implicit.
func (PCIDOE) SequenceNumberSize() int { return 0 }

// MaxRandomCount is 0: secured messages are not randomly padded.
func (PCIDOE) MaxRandomCount() int { return 0 }

// Alignment is 4; payloads are padded to a DW boundary.
func (PCIDOE) Alignment() int { return 4 }
