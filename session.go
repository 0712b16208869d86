// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openspdm/go-spdm/kex"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/suite"
	"github.com/openspdm/go-spdm/transcript"
)

// SessionID combines the Requester and Responder halves of a session ID.
func SessionID(req, rsp uint16) uint32 { return uint32(req)<<16 | uint32(rsp) }

// Session is one secure session between the endpoints. Operations on a
// session are serialized.
type Session struct {
	id  uint32
	psk bool

	mu    sync.Mutex
	dead  atomic.Bool
	state SessionState

	crypto  suite.Provider
	neg     Negotiated
	newHash func() hash.Hash

	// Transcript of the session: the negotiation transcript and certificate
	// chain hash captured at session start, then the key exchange (K) and
	// finish (F) messages.
	a  []byte
	ct []byte
	k  *transcript.Buffer
	f  *transcript.Buffer

	schedule  *kex.Schedule
	record    *kex.Record
	heartbeat uint8
	share     suite.KeyShare

	// runs after a response is sealed, before keys change
	afterSend func() error
}

func newSession(id uint32, psk bool, e *endpoint, ct []byte) (*Session, error) {
	newHash, err := e.cfg.Crypto.Hash(e.neg.BaseHash)
	if err != nil {
		return nil, err
	}
	enc := e.cfg.Encapsulator
	s := &Session{
		id:       id,
		psk:      psk,
		crypto:   e.cfg.Crypto,
		neg:      e.neg,
		newHash:  newHash,
		a:        append([]byte(nil), e.a.Bytes()...),
		ct:       ct,
		k:        transcript.New("K", e.transcriptLimit(sessionMessages)),
		f:        transcript.New("F", e.transcriptLimit(sessionMessages)),
		schedule: kex.NewSchedule(e.cfg.Crypto, e.neg.Version, e.neg.BaseHash, e.neg.AEAD),
		record:   kex.NewRecord(e.cfg.Crypto, e.neg.AEAD, id, enc.SequenceNumberSize(), enc.MaxRandomCount()),
	}
	s.record.MACOnly = !e.neg.Capabilities.Has(protocol.EncryptCap)
	return s, nil
}

// ID returns the 32-bit session ID.
func (s *Session) ID() uint32 { return s.id }

// PSK reports whether the session was established from a pre-shared key.
func (s *Session) PSK() bool { return s.psk }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HeartbeatPeriod returns the period in seconds agreed at session start.
func (s *Session) HeartbeatPeriod() uint8 { return s.heartbeat }

// lock serializes an operation. A session terminated while unlocked has its
// secrets zeroed here.
func (s *Session) lock() error {
	s.mu.Lock()
	if s.dead.Load() && s.state != SessionTerminated {
		s.destroy()
	}
	if s.state == SessionTerminated {
		s.mu.Unlock()
		return fmt.Errorf("session %#08x terminated: %w", s.id, protocol.ErrSessionNotFound)
	}
	return nil
}

// unlock ends an operation. A session terminated during the operation has its
// secrets zeroed before the lock is released.
func (s *Session) unlock() {
	if s.dead.Load() {
		s.destroy()
	}
	s.mu.Unlock()
}

// th hashes the session transcript followed by extra parts.
func (s *Session) th(extra ...[]byte) []byte {
	parts := append([][]byte{s.a, s.ct, s.k.Bytes(), s.f.Bytes()}, extra...)
	return transcript.Hash(s.newHash, parts...)
}

// destroy zeroes secrets and marks the session terminated. The caller holds
// mu.
func (s *Session) destroy() {
	if s.state == SessionTerminated {
		return
	}
	s.schedule.Destroy()
	s.record.Destroy()
	if s.share != nil {
		s.share.Destroy()
		s.share = nil
	}
	s.k.Reset()
	s.f.Reset()
	s.afterSend = nil
	s.state = SessionTerminated
	slog.Debug("session terminated", "id", fmt.Sprintf("%#08x", s.id))
}

// terminate destroys the session now if it is idle, or at its next use.
func (s *Session) terminate() {
	s.dead.Store(true)
	if s.mu.TryLock() {
		s.destroy()
		s.mu.Unlock()
	}
}

func (s *Session) established() error {
	if s.state != SessionEstablished {
		return fmt.Errorf("session %#08x is %s: %w", s.id, s.state, protocol.ErrSequence)
	}
	return nil
}

// installKeys loads a key pair into the record layer. sendDir is the
// direction this endpoint sends in.
func (s *Session) installKeys(sendDir kex.Direction, keys func(kex.Direction) (kex.Keys, error)) error {
	recvDir := kex.Response
	if sendDir == kex.Response {
		recvDir = kex.Request
	}
	send, err := keys(sendDir)
	if err != nil {
		return err
	}
	defer send.Zero()
	recv, err := keys(recvDir)
	if err != nil {
		return err
	}
	defer recv.Zero()
	if err := s.record.SetSendKeys(send); err != nil {
		return err
	}
	return s.record.SetRecvKeys(recv)
}
