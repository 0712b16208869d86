// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package kex_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/openspdm/go-spdm/kex"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/suite"
)

func recordPair(t *testing.T, alg protocol.AEADAlgo, seqSize, maxPad int) (*kex.Record, *kex.Record) {
	t.Helper()
	s := kex.NewSchedule(suite.Std{}, protocol.Version12, protocol.SHA384, alg)
	if err := s.DeriveHandshake([]byte("record test secret"), bytes.Repeat([]byte{1}, 48)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFinishVerified(); err != nil {
		t.Fatal(err)
	}
	if err := s.DeriveData(bytes.Repeat([]byte{2}, 48)); err != nil {
		t.Fatal(err)
	}
	req, _ := s.DataKeys(kex.Request)
	rsp, _ := s.DataKeys(kex.Response)

	const id = 0xfffe0001
	a := kex.NewRecord(suite.Std{}, alg, id, seqSize, maxPad)
	b := kex.NewRecord(suite.Std{}, alg, id, seqSize, maxPad)
	for _, err := range []error{
		a.SetSendKeys(req), a.SetRecvKeys(rsp),
		b.SetSendKeys(rsp), b.SetRecvKeys(req),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}
	return a, b
}

func TestRecordRoundTrip(t *testing.T) {
	for _, alg := range []protocol.AEADAlgo{protocol.AES128GCM, protocol.AES256GCM, protocol.ChaCha20Poly1305} {
		t.Run(alg.String(), func(t *testing.T) {
			a, b := recordPair(t, alg, 2, 32)
			for _, msg := range [][]byte{{}, []byte("hello"), bytes.Repeat([]byte{0x5a}, 4096)} {
				rec, err := a.Seal(msg)
				if err != nil {
					t.Fatal(err)
				}
				got, err := b.Open(rec)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(got, msg) {
					t.Fatalf("expected %d bytes back, got %d", len(msg), len(got))
				}
			}
			reply, err := b.Seal([]byte("reply"))
			if err != nil {
				t.Fatal(err)
			}
			if got, err := a.Open(reply); err != nil || string(got) != "reply" {
				t.Fatalf("reply: %q, %v", got, err)
			}
		})
	}
}

func TestRecordSequenceIncreases(t *testing.T) {
	a, _ := recordPair(t, protocol.AES256GCM, 2, 0)
	var last = -1
	for range 3 {
		rec, err := a.Seal([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		seq := int(binary.LittleEndian.Uint16(rec[kex.SessionIDSize:]))
		if seq <= last {
			t.Fatalf("sequence %d not greater than %d", seq, last)
		}
		last = seq
	}
}

func TestRecordReplayRejected(t *testing.T) {
	a, b := recordPair(t, protocol.AES256GCM, 2, 8)
	first, _ := a.Seal([]byte("first"))
	second, _ := a.Seal([]byte("second"))

	if _, err := b.Open(first); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(first); !errors.Is(err, protocol.ErrReplayOrDesync) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	if _, err := b.Open(second); err != nil {
		t.Fatalf("valid record after replay attempt: %v", err)
	}
}

func TestRecordGapRejected(t *testing.T) {
	a, b := recordPair(t, protocol.AES256GCM, 2, 0)
	_, _ = a.Seal([]byte("lost"))
	next, _ := a.Seal([]byte("next"))
	if _, err := b.Open(next); !errors.Is(err, protocol.ErrReplayOrDesync) {
		t.Fatalf("expected desync, got %v", err)
	}
}

func TestRecordImplicitSequence(t *testing.T) {
	a, b := recordPair(t, protocol.AES128GCM, 0, 0)
	first, _ := a.Seal([]byte("first"))
	if _, err := b.Open(first); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(first); !errors.Is(err, protocol.ErrAuthenticationFailure) {
		t.Fatalf("expected replay to fail authentication, got %v", err)
	}
}

func TestRecordTamperRejected(t *testing.T) {
	a, b := recordPair(t, protocol.ChaCha20Poly1305, 2, 0)
	rec, _ := a.Seal([]byte("payload"))
	rec[len(rec)-1] ^= 1
	if _, err := b.Open(rec); !errors.Is(err, protocol.ErrAuthenticationFailure) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if b.RecvSequence() != 0 {
		t.Fatalf("failed open consumed sequence number %d", b.RecvSequence())
	}
}

func TestRecordMACOnly(t *testing.T) {
	a, b := recordPair(t, protocol.AES256GCM, 2, 0)
	a.MACOnly, b.MACOnly = true, true
	rec, err := a.Seal([]byte("visible"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(rec, []byte("visible")) {
		t.Fatal("MAC-only record should carry plaintext")
	}
	got, err := b.Open(rec)
	if err != nil || string(got) != "visible" {
		t.Fatalf("open: %q, %v", got, err)
	}
}

func TestRecordWrongSession(t *testing.T) {
	a, b := recordPair(t, protocol.AES256GCM, 2, 0)
	rec, _ := a.Seal([]byte("x"))
	binary.LittleEndian.PutUint32(rec, 7)
	if _, err := b.Open(rec); !errors.Is(err, protocol.ErrSessionNotFound) {
		t.Fatalf("expected session mismatch, got %v", err)
	}
	if id, err := kex.PeekSessionID(rec); err != nil || id != 7 {
		t.Fatalf("peek: %d, %v", id, err)
	}
}
