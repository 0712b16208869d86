// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import "context"

// Transport abstracts the link carrying encapsulated messages from a
// Requester to a Responder.
type Transport interface {
	// Send an encapsulated request and receive the encapsulated response.
	Send(ctx context.Context, msg []byte) ([]byte, error)
}

// Encapsulator frames messages for a physical transport. All methods write
// into dst and return the number of bytes written or
// protocol.ErrBufferTooSmall.
type Encapsulator interface {
	// Encap wraps a plain or secured SPDM message.
	Encap(dst, payload []byte, secured bool) (int, error)

	// Decap unwraps a transport message, reporting whether it carries a
	// secured message. Header errors wrap protocol.ErrMalformedHeader.
	Decap(dst, msg []byte) (n int, secured bool, err error)

	// EncapApp tags the plaintext of a secured message as SPDM or
	// application data.
	EncapApp(dst, payload []byte, app bool) (int, error)

	// DecapApp is the inverse of EncapApp.
	DecapApp(dst, msg []byte) (n int, app bool, err error)

	// SequenceNumberSize is the number of sequence number bytes sent in each
	// secured message.
	SequenceNumberSize() int

	// MaxRandomCount is the largest random padding added to secured
	// messages.
	MaxRandomCount() int

	// Alignment is the boundary the transport pads messages to.
	Alignment() int
}
