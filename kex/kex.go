// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package kex implements the SPDM session key schedule and the secured
// message record layer used once a session has keys.
package kex

import "fmt"

// Direction selects one of the two independent key sets of a session.
type Direction int

// Session directions
const (
	// Request is the Requester to Responder direction.
	Request Direction = iota
	// Response is the Responder to Requester direction.
	Response
)

func (d Direction) String() string {
	switch d {
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Keys are the AEAD key and IV derived from one directional secret.
type Keys struct {
	Key []byte
	IV  []byte
}

// Zero overwrites the key material.
func (k *Keys) Zero() {
	clear(k.Key)
	clear(k.IV)
}
