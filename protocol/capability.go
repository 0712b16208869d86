// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"
	"strings"
)

// CapabilityFlags are the flags of GET_CAPABILITIES and CAPABILITIES. Some
// bits are only meaningful for one role (e.g. CacheCap and the measurement
// bits are responder-only).
type CapabilityFlags uint32

// Capability bits
const (
	CacheCap               CapabilityFlags = 1 << 0
	CertCap                CapabilityFlags = 1 << 1
	ChalCap                CapabilityFlags = 1 << 2
	MeasCapNoSig           CapabilityFlags = 1 << 3
	MeasCapSig             CapabilityFlags = 1 << 4
	MeasFreshCap           CapabilityFlags = 1 << 5
	EncryptCap             CapabilityFlags = 1 << 6
	MACCap                 CapabilityFlags = 1 << 7
	MutAuthCap             CapabilityFlags = 1 << 8
	KeyExCap               CapabilityFlags = 1 << 9
	PSKCap                 CapabilityFlags = 1 << 10
	PSKCapWithContext      CapabilityFlags = 1 << 11
	EncapCap               CapabilityFlags = 1 << 12
	HeartbeatCap           CapabilityFlags = 1 << 13
	KeyUpdateCap           CapabilityFlags = 1 << 14
	HandshakeInTheClearCap CapabilityFlags = 1 << 15
	PubKeyIDCap            CapabilityFlags = 1 << 16
	ChunkCap               CapabilityFlags = 1 << 17

	// MeasCap covers both measurement capability encodings.
	MeasCap = MeasCapNoSig | MeasCapSig
	// AnyPSKCap covers both PSK capability encodings.
	AnyPSKCap = PSKCap | PSKCapWithContext
)

var capNames = []string{
	"CACHE", "CERT", "CHAL", "MEAS_NO_SIG", "MEAS_SIG", "MEAS_FRESH", "ENCRYPT", "MAC",
	"MUT_AUTH", "KEY_EX", "PSK", "PSK_CONTEXT", "ENCAP", "HBEAT", "KEY_UPD",
	"HANDSHAKE_IN_THE_CLEAR", "PUB_KEY_ID", "CHUNK",
}

// Has reports whether every bit of f is set.
func (c CapabilityFlags) Has(f CapabilityFlags) bool { return c&f == f }

// Any reports whether any bit of f is set.
func (c CapabilityFlags) Any(f CapabilityFlags) bool { return c&f != 0 }

func (c CapabilityFlags) String() string {
	var names []string
	for i, name := range capNames {
		if c&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if rest := c &^ (1<<len(capNames) - 1); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return "[" + strings.Join(names, "|") + "]"
}
