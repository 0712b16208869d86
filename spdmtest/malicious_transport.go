// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdmtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/kex"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/transport"
)

// AttackType defines the type of attack to inject
type AttackType int

const (
	// NoAttack - normal operation
	NoAttack AttackType = iota
	// AttackFinishHMAC - corrupt the verify data of a FINISH sent in the
	// clear
	AttackFinishHMAC
	// AttackResponderVerifyData - corrupt the verify data of a FINISH_RSP
	// sent in the clear
	AttackResponderVerifyData
	// AttackCiphertext - flip a bit in the next secured request
	AttackCiphertext
	// AttackReplay - deliver the next secured request a second time
	AttackReplay
	// AttackNotReady - answer the next request with ResponseNotReady for a
	// different request code
	AttackNotReady
)

func (a AttackType) String() string {
	switch a {
	case NoAttack:
		return "None"
	case AttackFinishHMAC:
		return "FinishHMAC"
	case AttackResponderVerifyData:
		return "ResponderVerifyData"
	case AttackCiphertext:
		return "Ciphertext"
	case AttackReplay:
		return "Replay"
	case AttackNotReady:
		return "NotReady"
	default:
		return fmt.Sprintf("AttackType(%d)", int(a))
	}
}

// MaliciousTransport wraps the normal Transport but can inject attacks
// into the protocol flow to test validation on both sides. Each attack is
// injected once.
type MaliciousTransport struct {
	*Transport

	// Attack configuration
	Attack AttackType

	// Encapsulator must match the endpoints. Defaults to MCTP.
	Encapsulator spdm.Encapsulator

	// Fired is set once the attack has been injected.
	Fired bool

	// ReplayResponse is the Responder's answer to a replayed request.
	ReplayResponse []byte
}

// NewMaliciousTransport creates a transport that can inject attacks
func NewMaliciousTransport(base *Transport, attack AttackType) *MaliciousTransport {
	return &MaliciousTransport{Transport: base, Attack: attack}
}

func (m *MaliciousTransport) encapsulator() spdm.Encapsulator {
	if m.Encapsulator == nil {
		return transport.MCTP{}
	}
	return m.Encapsulator
}

// Send implements spdm.Transport with attack injection
func (m *MaliciousTransport) Send(ctx context.Context, msg []byte) ([]byte, error) {
	if m.Attack == NoAttack || m.Fired {
		return m.Transport.Send(ctx, msg)
	}

	payload, secured, err := m.decap(msg)
	if err != nil {
		return nil, err
	}

	switch m.Attack {
	case AttackFinishHMAC:
		if h, err := protocol.PeekHeader(payload); !secured && err == nil && h.Code == protocol.FinishCode {
			msg, err = m.flipLast(payload, false)
			if err != nil {
				return nil, err
			}
		}

	case AttackCiphertext:
		if secured {
			// first byte after the record header, before any padding
			msg, err = m.flip(payload, kex.SessionIDSize+m.encapsulator().SequenceNumberSize()+2, true)
			if err != nil {
				return nil, err
			}
		}

	case AttackReplay:
		if secured {
			rsp, err := m.Transport.Send(ctx, msg)
			if err != nil {
				return nil, err
			}
			m.Fired = true
			m.T.Logf("ATTACK [%s]: replaying secured request", m.Attack)
			if m.ReplayResponse, err = m.Transport.Send(ctx, msg); err != nil {
				return nil, err
			}
			return rsp, nil
		}

	case AttackNotReady:
		if !secured {
			return m.forgeNotReady(payload)
		}

	case AttackResponderVerifyData:
		rsp, err := m.Transport.Send(ctx, msg)
		if err != nil {
			return nil, err
		}
		rspPayload, rspSecured, err := m.decap(rsp)
		if err != nil {
			return nil, err
		}
		if h, err := protocol.PeekHeader(rspPayload); !rspSecured && err == nil && h.Code == protocol.FinishRspCode {
			return m.flipLast(rspPayload, false)
		}
		return rsp, nil
	}

	return m.Transport.Send(ctx, msg)
}

func (m *MaliciousTransport) decap(msg []byte) ([]byte, bool, error) {
	buf := make([]byte, len(msg))
	n, secured, err := m.encapsulator().Decap(buf, msg)
	if err != nil {
		return nil, false, err
	}
	return buf[:n], secured, nil
}

func (m *MaliciousTransport) encap(payload []byte, secured bool) ([]byte, error) {
	buf := make([]byte, len(payload)+16)
	n, err := m.encapsulator().Encap(buf, payload, secured)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// flipLast flips the last byte of a payload. FINISH and FINISH_RSP sent in
// the clear end with verify data and need no transport padding.
func (m *MaliciousTransport) flipLast(payload []byte, secured bool) ([]byte, error) {
	return m.flip(payload, len(payload)-1, secured)
}

func (m *MaliciousTransport) flip(payload []byte, i int, secured bool) ([]byte, error) {
	m.Fired = true
	m.T.Logf("ATTACK [%s]: flipping byte %d of %d", m.Attack, i, len(payload))
	tampered := append([]byte(nil), payload...)
	tampered[i] ^= 0x01
	return m.encap(tampered, secured)
}

// forgeNotReady answers a request with ResponseNotReady echoing the wrong
// request code, without contacting the Responder.
func (m *MaliciousTransport) forgeNotReady(payload []byte) ([]byte, error) {
	h, err := protocol.PeekHeader(payload)
	if err != nil {
		return nil, err
	}
	m.Fired = true
	wrong := protocol.GetDigestsCode
	if h.Code == wrong {
		wrong = protocol.GetCertificateCode
	}
	m.T.Logf("ATTACK [%s]: %s answered with not ready for %s", m.Attack, h.Code, wrong)
	rsp, err := protocol.Marshal(protocol.Message{
		Version: h.Version,
		Payload: &protocol.ErrorResponse{
			ErrorCode: protocol.ResponseNotReady,
			NotReady:  &protocol.NotReadyData{RequestCode: wrong, Token: 1, RDTM: 1},
		},
	}, protocol.Params{})
	if err != nil {
		return nil, err
	}
	return m.encap(rsp, false)
}

// RunSecurityTest connects a Requester and Responder over a
// MaliciousTransport and checks that attack is detected and that the
// affected session is torn down on the side that detected it.
func RunSecurityTest(t *testing.T, attack AttackType) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var cfg spdm.Config
	if attack == AttackFinishHMAC || attack == AttackResponderVerifyData {
		cfg.Capabilities = spdm.DefaultCapabilities | protocol.HandshakeInTheClearCap
	}
	ep := NewEndpoints(t, cfg, cfg)
	mt := NewMaliciousTransport(ep.Transport, NoAttack)
	ep.Requester.Transport = mt

	if attack == AttackNotReady {
		mt.Attack = attack
		if err := ep.Requester.Init(ctx); !errors.Is(err, protocol.ErrSequence) {
			t.Fatalf("expected sequence error for mismatched not ready echo, got %v", err)
		}
		if !mt.Fired {
			t.Fatal("attack was not injected")
		}
		return
	}

	if err := ep.Authenticate(ctx); err != nil {
		t.Fatalf("authentication: %v", err)
	}

	switch attack {
	case AttackFinishHMAC, AttackResponderVerifyData:
		mt.Attack = attack
		s, err := ep.Requester.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
		if !errors.Is(err, protocol.ErrAuthenticationFailure) {
			t.Fatalf("expected authentication failure, got session %v, error %v", s, err)
		}
		if n := ep.Requester.SessionCount(); n != 0 {
			t.Errorf("requester kept %d sessions", n)
		}
		if n := ep.Responder.SessionCount(); attack == AttackFinishHMAC && n != 0 {
			t.Errorf("responder kept %d sessions after bad FINISH", n)
		}

	case AttackCiphertext:
		s, err := ep.Requester.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
		if err != nil {
			t.Fatal(err)
		}
		mt.Attack = attack
		if err := ep.Requester.Heartbeat(ctx, s); !errors.Is(err, protocol.ErrAuthenticationFailure) {
			t.Fatalf("expected authentication failure, got %v", err)
		}
		if s.State() != spdm.SessionTerminated {
			t.Errorf("session state %s after tampered record", s.State())
		}
		if n := ep.Responder.SessionCount(); n != 0 {
			t.Errorf("responder kept %d sessions after tampered record", n)
		}

	case AttackReplay:
		s, err := ep.Requester.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
		if err != nil {
			t.Fatal(err)
		}
		mt.Attack = attack
		if err := ep.Requester.Heartbeat(ctx, s); err != nil {
			t.Fatalf("heartbeat before replay: %v", err)
		}
		payload, secured, err := mt.decap(mt.ReplayResponse)
		if err != nil {
			t.Fatal(err)
		}
		msg, err := protocol.Unmarshal(payload, protocol.Params{})
		if err != nil {
			t.Fatal(err)
		}
		errRsp, ok := msg.Payload.(*protocol.ErrorResponse)
		if secured || !ok || errRsp.ErrorCode != protocol.DecryptError {
			t.Fatalf("expected unsecured DecryptError for replayed record, got %s (secured=%t)", msg.Payload.Code(), secured)
		}
		if err := ep.Requester.Heartbeat(ctx, s); !errors.Is(err, protocol.ErrSessionNotFound) {
			t.Fatalf("expected invalid session after replay, got %v", err)
		}
		if s.State() != spdm.SessionTerminated {
			t.Errorf("session state %s after replay", s.State())
		}

	default:
		t.Fatalf("no scenario for attack %s", attack)
	}

	if !mt.Fired {
		t.Fatal("attack was not injected")
	}
}
