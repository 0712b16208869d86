// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package transcript accumulates the raw bytes of handshake messages so that
// later messages can be cryptographically bound to earlier ones.
package transcript

import (
	"fmt"
	"hash"

	"github.com/openspdm/go-spdm/protocol"
)

// DefaultMaxSize bounds a buffer when no limit is configured.
const DefaultMaxSize = 256 * 1024

// Buffer is an append-only byte log with a fixed capacity. The zero value
// uses DefaultMaxSize.
type Buffer struct {
	// Name is used in error messages.
	Name string
	// MaxSize bounds the accumulated bytes.
	MaxSize int

	data []byte
}

// New returns a named buffer bounded by size bytes.
func New(name string, size int) *Buffer { return &Buffer{Name: name, MaxSize: size} }

func (b *Buffer) limit() int {
	if b.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return b.MaxSize
}

// Append adds message bytes. Exceeding the capacity leaves the buffer
// unchanged and returns an error wrapping protocol.ErrResourceExhausted.
func (b *Buffer) Append(msgs ...[]byte) error {
	n := len(b.data)
	for _, m := range msgs {
		n += len(m)
	}
	if n > b.limit() {
		return fmt.Errorf("transcript %s: %d bytes exceeds %d: %w", b.Name, n, b.limit(), protocol.ErrResourceExhausted)
	}
	for _, m := range msgs {
		b.data = append(b.data, m...)
	}
	return nil
}

// Len returns the number of accumulated bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the accumulated bytes. The result must not be modified.
func (b *Buffer) Bytes() []byte { return b.data[:len(b.data):len(b.data)] }

// Reset drops the accumulated bytes.
func (b *Buffer) Reset() {
	clear(b.data)
	b.data = b.data[:0]
}

// Digest hashes the accumulated bytes without consuming them.
func (b *Buffer) Digest(newHash func() hash.Hash) []byte { return Hash(newHash, b.Bytes()) }

// Hash returns the digest of the concatenation of parts. It is used to
// compute checkpoints over several buffers and a pending, not yet appended,
// message prefix.
func Hash(newHash func() hash.Hash, parts ...[]byte) []byte {
	h := newHash()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}
