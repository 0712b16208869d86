// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"hash"
	"log/slog"
	"sync"

	"github.com/openspdm/go-spdm/cert"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/transcript"
)

// transportOverhead bounds the bytes an Encapsulator adds to a payload.
const transportOverhead = 16

// peerIdentity is what a Requester has learned about the Responder's
// certificate slots.
type peerIdentity struct {
	digests [protocol.MaxSlots][]byte
	slots   [protocol.MaxSlots]cert.Slot
	certs   [protocol.MaxSlots][]*x509.Certificate
}

// endpoint is the state shared by both roles: negotiation state, the
// connection transcripts and the session table.
type endpoint struct {
	role Role
	cfg  Config
	prov Provisioning

	mu    sync.Mutex
	state ConnectionState
	neg   Negotiated

	// Connection transcripts: A is the negotiation exchange, B the
	// certificate retrieval and challenge exchange, L the measurement
	// exchange since the last signed measurement.
	a, b, l *transcript.Buffer

	// slots holds the local chains framed with the negotiated hash
	slots [protocol.MaxSlots]cert.Slot
	peer  peerIdentity

	sessions map[uint32]*Session
	nextID   uint16
}

func newEndpoint(role Role, cfg Config, prov Provisioning) endpoint {
	cfg = cfg.withDefaults()
	return endpoint{
		role:     role,
		cfg:      cfg,
		prov:     prov,
		a:        transcript.New("A", cfg.MaxTranscriptSize),
		b:        transcript.New("B", cfg.MaxTranscriptSize),
		l:        transcript.New("L", cfg.MaxTranscriptSize),
		sessions: make(map[uint32]*Session),
		nextID:   0xffff,
	}
}

// resetLocked returns the connection to NotStarted, dropping the negotiated
// state, the transcripts and every session. Provisioning is kept. The caller
// holds mu.
func (e *endpoint) resetLocked(reason string) {
	if e.state != NotStarted {
		slog.Debug("connection reset", "reason", reason, "from", e.state)
	}
	e.state = NotStarted
	e.neg = Negotiated{}
	e.a.Reset()
	e.b.Reset()
	e.l.Reset()
	e.boundTranscripts()
	e.slots = [protocol.MaxSlots]cert.Slot{}
	e.peer = peerIdentity{}
	for id, s := range e.sessions {
		s.terminate()
		delete(e.sessions, id)
		e.emitSession(context.Background(), EventTypeSessionFailed, s, fmt.Errorf("connection reset: %s", reason))
	}
}

// version is the header version for the next message.
func (e *endpoint) version() protocol.Version {
	if e.neg.Version == 0 {
		return protocol.Version10
	}
	return e.neg.Version
}

func (e *endpoint) requireState(min ConnectionState) error {
	if e.state < min {
		return fmt.Errorf("connection is %s, need %s: %w", e.state, min, protocol.ErrSequence)
	}
	return nil
}

// Messages each transcript holds between resets. B counts a certificate
// retrieval of every slot.
const (
	vcaMessages         = 6
	challengeMessages   = 4
	measurementMessages = 2 * 256
	sessionMessages     = 2
	maxSlotSize         = 0xffff
)

// transcriptLimit bounds a buffer holding messages messages.
func (e *endpoint) transcriptLimit(messages int) int {
	if e.cfg.MaxTranscriptSize > 0 || e.state < CapabilitiesNegotiated {
		return e.cfg.MaxTranscriptSize
	}
	size := e.cfg.MaxMessageSize
	if peer := e.neg.PeerMaxMessageSize; peer > 0 && peer < size {
		size = peer
	}
	return messages * int(size)
}

// certificateMessages counts the GET_CERTIFICATE exchanges needed to read a
// full chain from every slot.
func (e *endpoint) certificateMessages() int {
	portion := e.cfg.DataTransferSize
	if peer := e.neg.PeerDataTransferSize; peer > 0 && peer < portion {
		portion = peer
	}
	if portion <= 8 {
		return 2 * protocol.MaxSlots
	}
	portion -= 8
	return 2 * protocol.MaxSlots * int((maxSlotSize+portion-1)/portion)
}

// boundTranscripts sizes the connection transcripts once message sizes are
// known. The caller holds mu.
func (e *endpoint) boundTranscripts() {
	e.a.MaxSize = e.transcriptLimit(vcaMessages)
	e.b.MaxSize = e.transcriptLimit(challengeMessages + e.certificateMessages())
	e.l.MaxSize = e.transcriptLimit(measurementMessages)
}

func (e *endpoint) hash() (func() hash.Hash, error) { return e.cfg.Crypto.Hash(e.neg.BaseHash) }

func (e *endpoint) signer() signer { return signer{crypto: e.cfg.Crypto, neg: e.neg} }

// allocateID returns a local session ID half not in use.
func (e *endpoint) allocateID(local func(uint32) uint16) (uint16, error) {
	if len(e.sessions) >= e.cfg.MaxSessions {
		return 0, fmt.Errorf("%d sessions open: %w", len(e.sessions), protocol.ErrResourceExhausted)
	}
	for range 1 << 16 {
		id := e.nextID
		e.nextID--
		if id == 0 {
			continue
		}
		inUse := false
		for sid := range e.sessions {
			if local(sid) == id {
				inUse = true
				break
			}
		}
		if !inUse {
			return id, nil
		}
	}
	return 0, fmt.Errorf("session IDs: %w", protocol.ErrResourceExhausted)
}

func (e *endpoint) session(id uint32) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %#08x: %w", id, protocol.ErrSessionNotFound)
	}
	return s, nil
}

// removeSession drops a destroyed session from the table. A nil cause means
// the session was ended by END_SESSION.
func (e *endpoint) removeSession(ctx context.Context, s *Session, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.id] != s {
		return
	}
	delete(e.sessions, s.id)
	if cause == nil {
		e.emitSession(ctx, EventTypeSessionEnded, s, nil)
		return
	}
	e.emitSession(ctx, EventTypeSessionFailed, s, cause)
}

// wrap encodes a message for the transport, sealing it into a secured
// message when s is not nil.
func (e *endpoint) wrap(s *Session, msg []byte, app bool) ([]byte, error) {
	enc := e.cfg.Encapsulator
	if s == nil {
		out := make([]byte, len(msg)+transportOverhead)
		n, err := enc.Encap(out, msg, false)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	}

	inner := make([]byte, len(msg)+transportOverhead)
	n, err := enc.EncapApp(inner, msg, app)
	if err != nil {
		return nil, err
	}
	rec, err := s.record.Seal(inner[:n])
	clear(inner)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(rec)+transportOverhead)
	n, err = enc.Encap(out, rec, true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// unwrapTransport strips the transport header.
func (e *endpoint) unwrapTransport(msg []byte) ([]byte, bool, error) {
	buf := make([]byte, len(msg))
	n, secured, err := e.cfg.Encapsulator.Decap(buf, msg)
	if err != nil {
		return nil, false, err
	}
	return buf[:n], secured, nil
}

// open authenticates a secured message and strips the application tag.
func (e *endpoint) open(s *Session, rec []byte) (msg []byte, app bool, err error) {
	plain, err := s.record.Open(rec)
	if err != nil {
		return nil, false, err
	}
	buf := make([]byte, len(plain))
	n, app, err := e.cfg.Encapsulator.DecapApp(buf, plain)
	if err != nil {
		return nil, false, err
	}
	return buf[:n], app, nil
}

// decode parses a message, tolerating transport alignment padding, and
// returns the exact message bytes for transcripts.
func (e *endpoint) decode(b []byte, p protocol.Params) (protocol.Message, []byte, error) {
	m, n, err := protocol.UnmarshalPrefix(b, p)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	if pad := b[n:]; len(pad) > 0 {
		if len(pad) >= e.cfg.Encapsulator.Alignment() || !bytes.Equal(pad, make([]byte, len(pad))) {
			return protocol.Message{}, nil, fmt.Errorf("decoding %s: %d bytes of trailing data: %w",
				m.Payload.Code(), len(pad), protocol.ErrMalformedMessage)
		}
	}
	return m, b[:n], nil
}

// SessionCount returns the number of sessions that are handshaking or
// established.
func (e *endpoint) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
