// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package transport implements the transport bindings that frame SPDM
// messages for a physical link.
package transport

import (
	"fmt"

	"github.com/openspdm/go-spdm/protocol"
)

func put(dst []byte, hdr []byte, payload []byte, align int) (int, error) {
	n := len(hdr) + len(payload)
	padded := (n + align - 1) / align * align
	if len(dst) < padded {
		return 0, fmt.Errorf("%d byte message into %d byte buffer: %w", padded, len(dst), protocol.ErrBufferTooSmall)
	}
	copy(dst, hdr)
	copy(dst[len(hdr):], payload)
	clear(dst[n:padded])
	return padded, nil
}

func take(dst []byte, payload []byte) (int, error) {
	if len(dst) < len(payload) {
		return 0, fmt.Errorf("%d byte payload into %d byte buffer: %w", len(payload), len(dst), protocol.ErrBufferTooSmall)
	}
	return copy(dst, payload), nil
}
