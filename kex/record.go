// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package kex

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/suite"
)

// SessionIDSize is the size of the session ID at the start of every secured
// message.
const SessionIDSize = 4

// PeekSessionID reads the session ID of a secured message without
// authenticating it.
func PeekSessionID(rec []byte) (uint32, error) {
	if len(rec) < SessionIDSize {
		return 0, fmt.Errorf("secured message of %d bytes: %w", len(rec), protocol.ErrTruncated)
	}
	return binary.LittleEndian.Uint32(rec), nil
}

type cipherState struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

func (c *cipherState) nonce() []byte {
	nonce := make([]byte, len(c.iv))
	copy(nonce, c.iv)
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], c.seq)
	for i := range seq {
		nonce[i] ^= seq[i]
	}
	return nonce
}

func (c *cipherState) zero() {
	clear(c.iv)
	*c = cipherState{}
}

// Record seals and opens secured messages for one session:
//
//	SessionID (4) || SequenceNumber (transport width) || Length (2) ||
//	AEAD(AppLength (2) || AppData || RandomPad) || Tag
//
// The sequence number of each direction starts at zero whenever new keys are
// installed and is never reused under the same key. A received record must
// carry exactly the next expected sequence number.
//
// A Record is not safe for concurrent use.
type Record struct {
	// SessionID is the combined requester and responder session ID.
	SessionID uint32

	// SequenceSize is the number of sequence number bytes carried in the
	// record header, as required by the transport.
	SequenceSize int

	// MaxRandomPad is the largest random padding appended before
	// encryption.
	MaxRandomPad int

	// MACOnly authenticates application data without encrypting it.
	MACOnly bool

	crypto suite.Provider
	alg    protocol.AEADAlgo
	send   cipherState
	recv   cipherState
}

// NewRecord creates a record layer without keys.
func NewRecord(p suite.Provider, alg protocol.AEADAlgo, sessionID uint32, seqSize, maxPad int) *Record {
	return &Record{
		SessionID:    sessionID,
		SequenceSize: seqSize,
		MaxRandomPad: maxPad,
		crypto:       p,
		alg:          alg,
	}
}

func (r *Record) install(c *cipherState, k Keys) error {
	aead, err := r.crypto.AEAD(r.alg, k.Key)
	if err != nil {
		return err
	}
	c.zero()
	c.aead = aead
	c.iv = append([]byte(nil), k.IV...)
	return nil
}

// SetSendKeys installs keys for sealing and resets the send sequence number.
func (r *Record) SetSendKeys(k Keys) error { return r.install(&r.send, k) }

// SetRecvKeys installs keys for opening and resets the receive sequence
// number.
func (r *Record) SetRecvKeys(k Keys) error { return r.install(&r.recv, k) }

// SendSequence is the sequence number the next sealed record will use.
func (r *Record) SendSequence() uint64 { return r.send.seq }

// RecvSequence is the sequence number the next opened record must carry.
func (r *Record) RecvSequence() uint64 { return r.recv.seq }

// Destroy drops both key sets.
func (r *Record) Destroy() {
	r.send.zero()
	r.recv.zero()
}

func (r *Record) headerSize() int { return SessionIDSize + r.SequenceSize + 2 }

func (r *Record) header(c *cipherState, length int) []byte {
	h := make([]byte, r.headerSize())
	binary.LittleEndian.PutUint32(h, r.SessionID)
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], c.seq)
	copy(h[SessionIDSize:], seq[:r.SequenceSize])
	binary.LittleEndian.PutUint16(h[SessionIDSize+r.SequenceSize:], uint16(length))
	return h
}

// Seal wraps an application message, consuming one send sequence number.
func (r *Record) Seal(app []byte) ([]byte, error) {
	if r.send.aead == nil {
		return nil, errors.New("no send keys installed")
	}
	if r.send.seq == math.MaxUint64 {
		return nil, fmt.Errorf("send sequence number exhausted: %w", protocol.ErrResourceExhausted)
	}
	tagSize := r.send.aead.Overhead()

	if r.MACOnly {
		if len(app)+tagSize > math.MaxUint16 {
			return nil, fmt.Errorf("application message of %d bytes: %w", len(app), protocol.ErrBufferTooSmall)
		}
		aad := append(r.header(&r.send, len(app)+tagSize), app...)
		rec := r.send.aead.Seal(append(make([]byte, 0, len(aad)+tagSize), aad...), r.send.nonce(), nil, aad)
		r.send.seq++
		return rec, nil
	}

	pad, err := r.padding()
	if err != nil {
		return nil, err
	}
	size := 2 + len(app) + len(pad)
	if size+tagSize > math.MaxUint16 || len(app) > math.MaxUint16 {
		return nil, fmt.Errorf("application message of %d bytes: %w", len(app), protocol.ErrBufferTooSmall)
	}
	plain := make([]byte, 2, size)
	binary.LittleEndian.PutUint16(plain, uint16(len(app)))
	plain = append(plain, app...)
	plain = append(plain, pad...)

	hdr := r.header(&r.send, size+tagSize)
	rec := make([]byte, len(hdr), len(hdr)+size+tagSize)
	copy(rec, hdr)
	rec = r.send.aead.Seal(rec, r.send.nonce(), plain, hdr)
	clear(plain)
	r.send.seq++
	return rec, nil
}

func (r *Record) padding() ([]byte, error) {
	if r.MaxRandomPad <= 0 {
		return nil, nil
	}
	var n [1]byte
	if err := r.crypto.Random(n[:]); err != nil {
		return nil, err
	}
	pad := make([]byte, int(n[0])%(r.MaxRandomPad+1))
	if err := r.crypto.Random(pad); err != nil {
		return nil, err
	}
	return pad, nil
}

// Open authenticates and unwraps a secured message, consuming one receive
// sequence number. Bytes following the declared length are transport padding
// and are ignored.
//
// ErrReplayOrDesync and ErrAuthenticationFailure are fatal to the session.
func (r *Record) Open(rec []byte) ([]byte, error) {
	if r.recv.aead == nil {
		return nil, errors.New("no receive keys installed")
	}
	hs := r.headerSize()
	if len(rec) < hs {
		return nil, fmt.Errorf("secured message header: %w", protocol.ErrTruncated)
	}
	hdr := rec[:hs]
	if id := binary.LittleEndian.Uint32(hdr); id != r.SessionID {
		return nil, fmt.Errorf("secured message for session %#08x: %w", id, protocol.ErrSessionNotFound)
	}
	if r.SequenceSize > 0 {
		var want [8]byte
		binary.LittleEndian.PutUint64(want[:], r.recv.seq)
		got := hdr[SessionIDSize : SessionIDSize+r.SequenceSize]
		if !bytes.Equal(got, want[:r.SequenceSize]) {
			return nil, fmt.Errorf("sequence number %x, expected %d: %w", got, r.recv.seq, protocol.ErrReplayOrDesync)
		}
	}
	length := int(binary.LittleEndian.Uint16(hdr[hs-2:]))
	tagSize := r.recv.aead.Overhead()
	if length < tagSize || len(rec)-hs < length {
		return nil, fmt.Errorf("secured message length %d: %w", length, protocol.ErrTruncated)
	}
	body := rec[hs : hs+length]

	if r.MACOnly {
		aad := append(append([]byte(nil), hdr...), body[:length-tagSize]...)
		if _, err := r.recv.aead.Open(nil, r.recv.nonce(), body[length-tagSize:], aad); err != nil {
			return nil, fmt.Errorf("secured message: %w", protocol.ErrAuthenticationFailure)
		}
		r.recv.seq++
		return append([]byte(nil), body[:length-tagSize]...), nil
	}

	plain, err := r.recv.aead.Open(nil, r.recv.nonce(), body, hdr)
	if err != nil {
		return nil, fmt.Errorf("secured message: %w", protocol.ErrAuthenticationFailure)
	}
	r.recv.seq++
	if len(plain) < 2 {
		return nil, fmt.Errorf("secured message payload: %w", protocol.ErrTruncated)
	}
	appLen := int(binary.LittleEndian.Uint16(plain))
	if appLen > len(plain)-2 {
		return nil, fmt.Errorf("application length %d exceeds payload: %w", appLen, protocol.ErrTruncated)
	}
	return plain[2 : 2+appLen], nil
}
