// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package spdmtest contains test harnesses for the main spdm package.
package spdmtest

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/openspdm/go-spdm"
)

// Transport for tests, directly calling the Responder.
type Transport struct {
	T *testing.T

	Responder *spdm.Responder

	// Requests counts round trips.
	Requests int
}

var _ spdm.Transport = (*Transport)(nil)

// Send implements spdm.Transport.
func (t *Transport) Send(ctx context.Context, msg []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.Requests++
	t.T.Logf("Request: %s", hex.EncodeToString(msg))
	rsp, err := t.Responder.Respond(ctx, msg)
	if err != nil {
		t.T.Logf("Responder error: %v", err)
		return nil, err
	}
	t.T.Logf("Response: %s", hex.EncodeToString(rsp))
	return rsp, nil
}
