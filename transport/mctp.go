// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"fmt"

	"github.com/openspdm/go-spdm/protocol"
)

// MCTP message types
const (
	MCTPTypeControl   uint8 = 0x00
	MCTPTypePLDM      uint8 = 0x01
	MCTPTypeSPDM      uint8 = 0x05
	MCTPTypeSecured   uint8 = 0x06
	MCTPTypeVendorPCI uint8 = 0x7e
)

// MCTP frames messages with a one byte MCTP message type. Application
// messages inside a secured session are tagged as PLDM.
type MCTP struct{}

// Encap prefixes the SPDM or secured SPDM message type.
func (MCTP) Encap(dst, payload []byte, secured bool) (int, error) {
	typ := MCTPTypeSPDM
	if secured {
		typ = MCTPTypeSecured
	}
	return put(dst, []byte{typ}, payload, 1)
}

// Decap strips the message type. Types other than SPDM and secured SPDM are
// rejected.
func (MCTP) Decap(dst, msg []byte) (int, bool, error) {
	if len(msg) < 1 {
		return 0, false, fmt.Errorf("empty MCTP message: %w", protocol.ErrMalformedHeader)
	}
	var secured bool
	switch msg[0] {
	case MCTPTypeSPDM:
	case MCTPTypeSecured:
		secured = true
	default:
		return 0, false, fmt.Errorf("MCTP message type %#02x: %w", msg[0], protocol.ErrMalformedHeader)
	}
	n, err := take(dst, msg[1:])
	return n, secured, err
}

// EncapApp prefixes the message type of the secured payload.
func (MCTP) EncapApp(dst, payload []byte, app bool) (int, error) {
	typ := MCTPTypeSPDM
	if app {
		typ = MCTPTypePLDM
	}
	return put(dst, []byte{typ}, payload, 1)
}

// DecapApp strips the message type of a secured payload.
func (MCTP) DecapApp(dst, msg []byte) (int, bool, error) {
	if len(msg) < 1 {
		return 0, false, fmt.Errorf("empty MCTP application message: %w", protocol.ErrMalformedHeader)
	}
	var app bool
	switch msg[0] {
	case MCTPTypeSPDM:
	case MCTPTypePLDM:
		app = true
	default:
		return 0, false, fmt.Errorf("MCTP application message type %#02x: %w", msg[0], protocol.ErrMalformedHeader)
	}
	n, err := take(dst, msg[1:])
	return n, app, err
}

// SequenceNumberSize is 2: the low 16 bits of the sequence number travel in
// each secured message.
func (MCTP) SequenceNumberSize() int { return 2 }

// MaxRandomCount is the largest random padding of a secured message.
func (MCTP) MaxRandomCount() int { return 32 }

// Alignment is 1; MCTP messages are not padded.
func (MCTP) Alignment() int { return 1 }
