// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"crypto"
	"time"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/suite"
	"github.com/openspdm/go-spdm/transport"
)

// Config holds the negotiable parameters and limits of an endpoint. The zero
// value of each field selects the documented default.
type Config struct {
	// Versions advertised, in any order. Defaults to 1.0, 1.1 and 1.2.
	Versions []protocol.Version

	// Capabilities advertised in GET_CAPABILITIES or CAPABILITIES.
	Capabilities protocol.CapabilityFlags

	// CTExponent is the cryptographic timeout exponent in microseconds.
	CTExponent uint8

	// DataTransferSize and MaxMessageSize are advertised in 1.2 and bound
	// the buffers used for a single message. Default 64KiB.
	DataTransferSize uint32
	MaxMessageSize   uint32

	// MaxTranscriptSize bounds each transcript buffer. When zero, each
	// buffer is bounded after capabilities negotiation by the number of
	// messages it can hold times the smaller of the two maximum message
	// sizes, and by transcript.DefaultMaxSize before that.
	MaxTranscriptSize int

	// MaxSessions bounds concurrent sessions. Default 4.
	MaxSessions int

	// Supported algorithms. Each is a set of bits; the Responder selects one
	// value per category by a fixed preference order.
	BaseAsym        protocol.BaseAsymAlgo
	BaseHash        protocol.BaseHashAlgo
	MeasurementHash protocol.MeasurementHashAlgo
	DHE             protocol.DHEAlgo
	AEAD            protocol.AEADAlgo
	ReqBaseAsym     protocol.BaseAsymAlgo
	KeySchedule     protocol.KeyScheduleAlgo

	// HeartbeatPeriod in seconds returned in session establishment when
	// heartbeat is supported.
	HeartbeatPeriod uint8

	// ContentChange enables the 1.2 measurement content-changed field.
	ContentChange bool

	// Crypto provides the primitives. Defaults to suite.Std.
	Crypto suite.Provider

	// Encapsulator frames messages. Defaults to transport.MCTP.
	Encapsulator Encapsulator

	// Sleep waits for a not-ready retry delay. Defaults to a timer that
	// honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// RetryUnit is the unit of the 2^exponent not-ready delay. Default one
	// microsecond.
	RetryUnit time.Duration

	// MaxRetryDelay caps the not-ready delay. Default one minute.
	MaxRetryDelay time.Duration

	// Events optionally receives connection and session events.
	Events EventHandler
}

// DefaultCapabilities are advertised by both roles when Capabilities is
// zero.
const DefaultCapabilities = protocol.CertCap | protocol.ChalCap | protocol.MeasCapSig |
	protocol.EncryptCap | protocol.MACCap | protocol.KeyExCap | protocol.PSKCap |
	protocol.HeartbeatCap | protocol.KeyUpdateCap

func (c Config) withDefaults() Config {
	if len(c.Versions) == 0 {
		c.Versions = []protocol.Version{protocol.Version10, protocol.Version11, protocol.Version12}
	}
	if c.Capabilities == 0 {
		c.Capabilities = DefaultCapabilities
	}
	if c.DataTransferSize == 0 {
		c.DataTransferSize = 1 << 16
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 16
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 4
	}
	if c.BaseAsym == 0 {
		c.BaseAsym = protocol.ECDSAP256 | protocol.ECDSAP384 | protocol.RSASSA2048 | protocol.RSAPSS2048
	}
	if c.BaseHash == 0 {
		c.BaseHash = protocol.SHA256 | protocol.SHA384 | protocol.SHA512
	}
	if c.MeasurementHash == 0 {
		c.MeasurementHash = protocol.MeasSHA256 | protocol.MeasSHA384 | protocol.MeasSHA512
	}
	if c.DHE == 0 {
		c.DHE = protocol.SECP256R1 | protocol.SECP384R1
	}
	if c.AEAD == 0 {
		c.AEAD = protocol.AES256GCM | protocol.AES128GCM | protocol.ChaCha20Poly1305
	}
	if c.KeySchedule == 0 {
		c.KeySchedule = protocol.SPDMKeySchedule
	}
	if c.Crypto == nil {
		c.Crypto = suite.Std{}
	}
	if c.Encapsulator == nil {
		c.Encapsulator = transport.MCTP{}
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.RetryUnit == 0 {
		c.RetryUnit = time.Microsecond
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = time.Minute
	}
	return c
}

// retryDelay is unit * 2^exponent, capped at limit.
func retryDelay(exponent uint8, unit, limit time.Duration) time.Duration {
	if unit <= 0 {
		return 0
	}
	if exponent >= 63 || unit > limit>>exponent {
		return limit
	}
	return unit << exponent
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Provisioning is the local identity and secret material of an endpoint. It
// survives resets of the negotiated state.
type Provisioning struct {
	// CertChains holds a root-first DER certificate chain per slot. The
	// slot framing is computed once the hash algorithm is negotiated.
	CertChains [protocol.MaxSlots][]byte

	// Signer holds the private key of the leaf certificates.
	Signer crypto.Signer

	// PSKs resolves pre-shared keys by hint.
	PSKs PSKStore

	// Measurements supplies the Responder's measurement blocks.
	Measurements MeasurementStore
}

// PSKStore looks up pre-shared keys.
type PSKStore interface {
	// PSK returns the key for a hint or an error wrapping ErrNotFound.
	PSK(ctx context.Context, hint []byte) ([]byte, error)
}

// MeasurementStore supplies measurement blocks, sorted by index.
type MeasurementStore interface {
	Measurements(ctx context.Context) ([]protocol.MeasurementBlock, error)
}
