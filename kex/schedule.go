// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package kex

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/suite"
)

// Key schedule labels
const (
	labelReqHandshake = "req hs data"
	labelRspHandshake = "rsp hs data"
	labelReqData      = "req app data"
	labelRspData      = "rsp app data"
	labelFinished     = "finished"
	labelDerived      = "derived"
	labelKey          = "key"
	labelIV           = "iv"
	labelUpdate       = "traffic upd"
)

// BinConcat builds the HKDF info parameter:
//
//	Length (2 bytes, little endian) || "spdmX.Y " || Label || Context
func BinConcat(v protocol.Version, length int, label string, context []byte) []byte {
	prefix := fmt.Sprintf("spdm%d.%d ", v.Major(), v.Minor())
	info := make([]byte, 2, 2+len(prefix)+len(label)+len(context))
	binary.LittleEndian.PutUint16(info, uint16(length))
	info = append(info, prefix...)
	info = append(info, label...)
	return append(info, context...)
}

type stage int

const (
	stageNone stage = iota
	stageHandshake
	stageFinishVerified
	stageData
	stageDestroyed
)

// Schedule is the per-session key schedule. Secrets are derived in a fixed
// order and each derivation checks that its prerequisite checkpoint has been
// passed.
//
// A Schedule is not safe for concurrent use.
type Schedule struct {
	crypto  suite.Provider
	version protocol.Version
	hash    protocol.BaseHashAlgo
	aead    protocol.AEADAlgo

	stage stage

	handshake []byte
	hsSecret  [2][]byte
	finished  [2][]byte
	master    []byte
	data      [2][]byte
	pending   [2][]byte
}

// NewSchedule returns an empty key schedule for the negotiated algorithms.
func NewSchedule(p suite.Provider, v protocol.Version, hash protocol.BaseHashAlgo, aead protocol.AEADAlgo) *Schedule {
	return &Schedule{crypto: p, version: v, hash: hash, aead: aead}
}

func (s *Schedule) expand(secret []byte, label string, context []byte, length int) ([]byte, error) {
	return s.crypto.HKDFExpand(s.hash, secret, BinConcat(s.version, length, label, context), length)
}

func (s *Schedule) require(want stage, op string) error {
	if s.stage == stageDestroyed {
		return fmt.Errorf("%s: key schedule destroyed: %w", op, protocol.ErrSessionNotFound)
	}
	if s.stage < want {
		return fmt.Errorf("%s before its checkpoint: %w", op, protocol.ErrSequence)
	}
	return nil
}

// DeriveHandshake derives the handshake secret from the shared DHE secret
// (or PSK) and TH1, the transcript hash of the key exchange up to the
// responder verify data.
func (s *Schedule) DeriveHandshake(shared, th1 []byte) error {
	if s.stage != stageNone {
		return fmt.Errorf("handshake secret already derived: %w", protocol.ErrSequence)
	}
	size := s.hash.Size()
	if len(th1) != size {
		return fmt.Errorf("transcript hash is %d bytes, expected %d", len(th1), size)
	}
	hs, err := s.crypto.HKDFExtract(s.hash, make([]byte, size), shared)
	if err != nil {
		return err
	}
	req, err := s.expand(hs, labelReqHandshake, th1, size)
	if err != nil {
		return err
	}
	rsp, err := s.expand(hs, labelRspHandshake, th1, size)
	if err != nil {
		return err
	}
	reqFin, err := s.expand(req, labelFinished, nil, size)
	if err != nil {
		return err
	}
	rspFin, err := s.expand(rsp, labelFinished, nil, size)
	if err != nil {
		return err
	}

	s.handshake = hs
	s.hsSecret = [2][]byte{req, rsp}
	s.finished = [2][]byte{reqFin, rspFin}
	s.stage = stageHandshake
	slog.Debug("key schedule", "checkpoint", "handshake")
	return nil
}

// HandshakeKeys returns the AEAD keys protecting FINISH and FINISH_RSP.
func (s *Schedule) HandshakeKeys(d Direction) (Keys, error) {
	if err := s.require(stageHandshake, "handshake keys"); err != nil {
		return Keys{}, err
	}
	if s.stage == stageData {
		return Keys{}, fmt.Errorf("handshake keys after data secrets: %w", protocol.ErrSequence)
	}
	return s.keys(s.hsSecret[d])
}

// VerifyData computes HMAC(finished_key, th) for direction d.
func (s *Schedule) VerifyData(d Direction, th []byte) ([]byte, error) {
	if err := s.require(stageHandshake, "verify data"); err != nil {
		return nil, err
	}
	return s.crypto.HMAC(s.hash, s.finished[d], th)
}

// CheckVerifyData compares received verify data against the expected HMAC.
// A mismatch destroys the schedule and returns ErrAuthenticationFailure.
func (s *Schedule) CheckVerifyData(d Direction, th, got []byte) error {
	want, err := s.VerifyData(d, th)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, got) {
		s.Destroy()
		return fmt.Errorf("%s verify data mismatch: %w", d, protocol.ErrAuthenticationFailure)
	}
	return nil
}

// MarkFinishVerified records that the finish exchange HMAC was verified,
// unlocking DeriveData.
func (s *Schedule) MarkFinishVerified() error {
	if err := s.require(stageHandshake, "finish verification"); err != nil {
		return err
	}
	if s.stage == stageHandshake {
		s.stage = stageFinishVerified
	}
	return nil
}

// DeriveData derives the application data secrets from TH2, the transcript
// hash over the completed finish exchange. The handshake secrets are zeroed
// once the data secrets exist.
func (s *Schedule) DeriveData(th2 []byte) error {
	if err := s.require(stageFinishVerified, "data secret derivation"); err != nil {
		return err
	}
	if s.stage != stageFinishVerified {
		return fmt.Errorf("data secrets already derived: %w", protocol.ErrSequence)
	}
	size := s.hash.Size()
	if len(th2) != size {
		return fmt.Errorf("transcript hash is %d bytes, expected %d", len(th2), size)
	}
	salt, err := s.expand(s.handshake, labelDerived, nil, size)
	if err != nil {
		return err
	}
	master, err := s.crypto.HKDFExtract(s.hash, salt, make([]byte, size))
	clear(salt)
	if err != nil {
		return err
	}
	req, err := s.expand(master, labelReqData, th2, size)
	if err != nil {
		return err
	}
	rsp, err := s.expand(master, labelRspData, th2, size)
	if err != nil {
		return err
	}

	s.master = master
	s.data = [2][]byte{req, rsp}
	clear(s.handshake)
	for i := range s.hsSecret {
		clear(s.hsSecret[i])
	}
	s.handshake, s.hsSecret = nil, [2][]byte{}
	s.stage = stageData
	slog.Debug("key schedule", "checkpoint", "data")
	return nil
}

// DataKeys returns the current application AEAD keys for a direction.
func (s *Schedule) DataKeys(d Direction) (Keys, error) {
	if err := s.require(stageData, "data keys"); err != nil {
		return Keys{}, err
	}
	return s.keys(s.data[d])
}

// PrepareUpdate ratchets the data secret of direction d one step and returns
// the keys derived from it. The current secret stays active until
// CommitUpdate.
func (s *Schedule) PrepareUpdate(d Direction) (Keys, error) {
	if err := s.require(stageData, "key update"); err != nil {
		return Keys{}, err
	}
	if s.pending[d] == nil {
		next, err := s.expand(s.data[d], labelUpdate, nil, s.hash.Size())
		if err != nil {
			return Keys{}, err
		}
		s.pending[d] = next
	}
	return s.keys(s.pending[d])
}

// CommitUpdate replaces the data secret of direction d with the pending one
// and zeroes the old secret. It is a no-op without a pending update.
func (s *Schedule) CommitUpdate(d Direction) {
	if s.pending[d] == nil {
		return
	}
	clear(s.data[d])
	s.data[d], s.pending[d] = s.pending[d], nil
	slog.Debug("key schedule", "checkpoint", "update", "direction", d)
}

// DiscardUpdate zeroes a pending update that will not be committed.
func (s *Schedule) DiscardUpdate(d Direction) {
	clear(s.pending[d])
	s.pending[d] = nil
}

// Destroy zeroes every secret. The schedule cannot be used afterwards.
func (s *Schedule) Destroy() {
	for _, b := range [][]byte{s.handshake, s.master} {
		clear(b)
	}
	for d := range 2 {
		clear(s.hsSecret[d])
		clear(s.finished[d])
		clear(s.data[d])
		clear(s.pending[d])
	}
	*s = Schedule{crypto: s.crypto, version: s.version, hash: s.hash, aead: s.aead, stage: stageDestroyed}
}

// Destroyed reports whether Destroy has been called.
func (s *Schedule) Destroyed() bool { return s.stage == stageDestroyed }

func (s *Schedule) keys(secret []byte) (Keys, error) {
	key, err := s.expand(secret, labelKey, nil, s.aead.KeySize())
	if err != nil {
		return Keys{}, err
	}
	iv, err := s.expand(secret, labelIV, nil, protocol.AEADIVSize)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Key: key, IV: iv}, nil
}
