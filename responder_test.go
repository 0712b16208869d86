// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm_test

import (
	"context"
	"testing"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/spdmtest"
	"github.com/openspdm/go-spdm/transport"
)

// send delivers an unsecured request straight to the Responder and decodes
// the answer.
func send(t *testing.T, rsp *spdm.Responder, v protocol.Version, req protocol.Payload) protocol.Message {
	t.Helper()

	enc, err := protocol.Marshal(protocol.Message{Version: v, Payload: req}, protocol.Params{Version: v})
	if err != nil {
		t.Fatal(err)
	}
	return sendRaw(t, rsp, enc)
}

func sendRaw(t *testing.T, rsp *spdm.Responder, enc []byte) protocol.Message {
	t.Helper()

	var mctp transport.MCTP
	buf := make([]byte, len(enc)+16)
	n, err := mctp.Encap(buf, enc, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := rsp.Respond(context.Background(), buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, len(out))
	n, secured, err := mctp.Decap(payload, out)
	if err != nil {
		t.Fatal(err)
	}
	if secured {
		t.Fatal("unexpected secured response")
	}
	msg, _, err := protocol.UnmarshalPrefix(payload[:n], protocol.Params{Version: v12})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

const v12 = protocol.Version12

func expectError(t *testing.T, msg protocol.Message, code protocol.ErrorCode) {
	t.Helper()
	errRsp, ok := msg.Payload.(*protocol.ErrorResponse)
	if !ok {
		t.Fatalf("expected ERROR %s, got %s", code, msg.Payload.Code())
	}
	if errRsp.ErrorCode != code {
		t.Fatalf("expected ERROR %s, got %s", code, errRsp.ErrorCode)
	}
}

func TestResponderSequence(t *testing.T) {
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	rsp := ep.Responder

	// Requests before negotiation
	expectError(t, send(t, rsp, protocol.Version10, &protocol.GetDigests{}), protocol.UnexpectedRequest)
	expectError(t, send(t, rsp, protocol.Version10, &protocol.GetCapabilities{}), protocol.UnexpectedRequest)

	// GET_VERSION is always answered with version 1.0
	msg := send(t, rsp, protocol.Version10, &protocol.GetVersion{})
	if _, ok := msg.Payload.(*protocol.VersionResponse); !ok || msg.Version != protocol.Version10 {
		t.Fatalf("GET_VERSION answered with %s version %s", msg.Payload.Code(), msg.Version)
	}
	if got := rsp.State(); got != spdm.VersionNegotiated {
		t.Errorf("responder state %s", got)
	}
	expectError(t, send(t, rsp, protocol.Version11, &protocol.GetVersion{}), protocol.VersionMismatch)

	// Session messages outside of a session
	expectError(t, send(t, rsp, v12, &protocol.Heartbeat{}), protocol.UnexpectedRequest)
	expectError(t, send(t, rsp, v12, &protocol.EndSession{}), protocol.UnexpectedRequest)
}

func TestResponderVersionMismatch(t *testing.T) {
	ctx := context.Background()
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	if err := ep.Requester.Init(ctx); err != nil {
		t.Fatal(err)
	}

	// Negotiated 1.2, request sent as 1.1
	expectError(t, send(t, ep.Responder, protocol.Version11, &protocol.GetDigests{}), protocol.VersionMismatch)
	if got := ep.Responder.State(); got != spdm.AlgorithmsNegotiated {
		t.Errorf("state changed to %s by a rejected request", got)
	}
}

func TestResponderUnsupportedRequest(t *testing.T) {
	ctx := context.Background()
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	if err := ep.Requester.Init(ctx); err != nil {
		t.Fatal(err)
	}

	// GET_CSR is a valid request this responder does not implement
	msg := sendRaw(t, ep.Responder, []byte{byte(v12), 0xed, 0, 0})
	expectError(t, msg, protocol.UnsupportedRequest)
	if data := msg.Payload.(*protocol.ErrorResponse).ErrorData; data != 0xed {
		t.Errorf("error data %#x, expected the request code", data)
	}
}

func TestResponderCertificateBounds(t *testing.T) {
	ctx := context.Background()
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	if err := ep.Requester.Init(ctx); err != nil {
		t.Fatal(err)
	}

	expectError(t, send(t, ep.Responder, v12, &protocol.GetCertificate{SlotID: 0, Offset: 0, Length: 0}), protocol.InvalidRequest)
	expectError(t, send(t, ep.Responder, v12, &protocol.GetCertificate{SlotID: 0, Offset: 0xfff0, Length: 16}), protocol.InvalidRequest)
	expectError(t, send(t, ep.Responder, v12, &protocol.GetCertificate{SlotID: 5, Offset: 0, Length: 16}), protocol.InvalidRequest)

	msg := send(t, ep.Responder, v12, &protocol.GetCertificate{SlotID: 0, Offset: 0, Length: 16})
	cert, ok := msg.Payload.(*protocol.Certificate)
	if !ok {
		t.Fatalf("GET_CERTIFICATE answered with %s", msg.Payload.Code())
	}
	if len(cert.Portion) != 16 || cert.RemainderLength == 0 {
		t.Errorf("portion %d bytes, remainder %d", len(cert.Portion), cert.RemainderLength)
	}
}
