// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"errors"
	"fmt"

	"github.com/openspdm/go-spdm/protocol"
)

// ErrNotFound is returned by stores when a key does not exist.
var ErrNotFound = errors.New("not found")

// ConnectionState is the negotiation progress of an endpoint.
type ConnectionState int

// Connection states
const (
	NotStarted ConnectionState = iota
	VersionNegotiated
	CapabilitiesNegotiated
	AlgorithmsNegotiated
	Authenticated
)

func (s ConnectionState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case VersionNegotiated:
		return "VersionNegotiated"
	case CapabilitiesNegotiated:
		return "CapabilitiesNegotiated"
	case AlgorithmsNegotiated:
		return "AlgorithmsNegotiated"
	case Authenticated:
		return "Authenticated"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// SessionState is the progress of one secure session.
type SessionState int

// Session states
const (
	SessionNotStarted SessionState = iota
	SessionHandshaking
	SessionEstablished
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionNotStarted:
		return "NotStarted"
	case SessionHandshaking:
		return "Handshaking"
	case SessionEstablished:
		return "Established"
	case SessionTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Negotiated is the outcome of version, capability and algorithm
// negotiation. It is fixed once ALGORITHMS has been exchanged and until the
// connection is reset.
type Negotiated struct {
	Version protocol.Version

	// Capabilities are the selected capabilities. Features that both peers
	// perform are active only if both advertised them. Features only a
	// Responder performs (certificates, challenge, measurements) follow
	// the Responder's flags.
	Capabilities protocol.CapabilityFlags

	// Peer advertisement
	PeerCapabilities     protocol.CapabilityFlags
	PeerCTExponent       uint8
	PeerDataTransferSize uint32
	PeerMaxMessageSize   uint32

	MeasurementSpec uint8
	MeasurementHash protocol.MeasurementHashAlgo
	BaseAsym        protocol.BaseAsymAlgo
	BaseHash        protocol.BaseHashAlgo
	DHE             protocol.DHEAlgo
	AEAD            protocol.AEADAlgo
	ReqBaseAsym     protocol.BaseAsymAlgo
	KeySchedule     protocol.KeyScheduleAlgo
}

// Params returns the codec context implied by the negotiated state.
func (n Negotiated) Params() protocol.Params {
	return protocol.Params{
		Version:             n.Version,
		HashSize:            n.BaseHash.Size(),
		SignatureSize:       n.BaseAsym.SignatureSize(),
		ReqSignatureSize:    n.ReqBaseAsym.SignatureSize(),
		DHESize:             n.DHE.Size(),
		HandshakeInTheClear: n.Capabilities.Has(protocol.HandshakeInTheClearCap),
	}
}
