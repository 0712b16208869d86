// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package protocol contains the SPDM wire codec: message headers, request and
// response codes, payload types and the error values shared by the rest of the
// module.
package protocol

import "fmt"

// Code is the request/response code carried in the second byte of every
// message header. Values that this package does not interpret are preserved
// as-is.
type Code uint8

// Request codes
const (
	GetDigestsCode          Code = 0x81
	GetCertificateCode      Code = 0x82
	ChallengeCode           Code = 0x83
	GetVersionCode          Code = 0x84
	GetMeasurementsCode     Code = 0xE0
	GetCapabilitiesCode     Code = 0xE1
	NegotiateAlgorithmsCode Code = 0xE3
	KeyExchangeCode         Code = 0xE4
	FinishCode              Code = 0xE5
	PSKExchangeCode         Code = 0xE6
	PSKFinishCode           Code = 0xE7
	HeartbeatCode           Code = 0xE8
	KeyUpdateCode           Code = 0xE9
	EndSessionCode          Code = 0xEC
	VendorDefinedRequest    Code = 0xFE
	RespondIfReadyCode      Code = 0xFF
)

// Response codes
const (
	DigestsCode           Code = 0x01
	CertificateCode       Code = 0x02
	ChallengeAuthCode     Code = 0x03
	VersionCode           Code = 0x04
	MeasurementsCode      Code = 0x60
	CapabilitiesCode      Code = 0x61
	AlgorithmsCode        Code = 0x63
	KeyExchangeRspCode    Code = 0x64
	FinishRspCode         Code = 0x65
	PSKExchangeRspCode    Code = 0x66
	PSKFinishRspCode      Code = 0x67
	HeartbeatAckCode      Code = 0x68
	KeyUpdateAckCode      Code = 0x69
	EndSessionAckCode     Code = 0x6C
	VendorDefinedResponse Code = 0x7E
	ErrorResponseCode     Code = 0x7F
)

var codeNames = map[Code]string{
	GetDigestsCode:          "GET_DIGESTS",
	GetCertificateCode:      "GET_CERTIFICATE",
	ChallengeCode:           "CHALLENGE",
	GetVersionCode:          "GET_VERSION",
	GetMeasurementsCode:     "GET_MEASUREMENTS",
	GetCapabilitiesCode:     "GET_CAPABILITIES",
	NegotiateAlgorithmsCode: "NEGOTIATE_ALGORITHMS",
	KeyExchangeCode:         "KEY_EXCHANGE",
	FinishCode:              "FINISH",
	PSKExchangeCode:         "PSK_EXCHANGE",
	PSKFinishCode:           "PSK_FINISH",
	HeartbeatCode:           "HEARTBEAT",
	KeyUpdateCode:           "KEY_UPDATE",
	EndSessionCode:          "END_SESSION",
	VendorDefinedRequest:    "VENDOR_DEFINED_REQUEST",
	RespondIfReadyCode:      "RESPOND_IF_READY",
	DigestsCode:             "DIGESTS",
	CertificateCode:         "CERTIFICATE",
	ChallengeAuthCode:       "CHALLENGE_AUTH",
	VersionCode:             "VERSION",
	MeasurementsCode:        "MEASUREMENTS",
	CapabilitiesCode:        "CAPABILITIES",
	AlgorithmsCode:          "ALGORITHMS",
	KeyExchangeRspCode:      "KEY_EXCHANGE_RSP",
	FinishRspCode:           "FINISH_RSP",
	PSKExchangeRspCode:      "PSK_EXCHANGE_RSP",
	PSKFinishRspCode:        "PSK_FINISH_RSP",
	HeartbeatAckCode:        "HEARTBEAT_ACK",
	KeyUpdateAckCode:        "KEY_UPDATE_ACK",
	EndSessionAckCode:       "END_SESSION_ACK",
	VendorDefinedResponse:   "VENDOR_DEFINED_RESPONSE",
	ErrorResponseCode:       "ERROR",
}

// Known reports whether the code is one this package defines.
func (c Code) Known() bool { _, ok := codeNames[c]; return ok }

// IsRequest reports whether the code is in the request range.
func (c Code) IsRequest() bool { return c&0x80 != 0 }

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(c))
}

// HeaderSize is the length of the fixed message header: version, code,
// param1, param2.
const HeaderSize = 4

// NonceSize is the length of nonces and random data fields.
const NonceSize = 32

// Nonce is a 32-byte freshness value.
type Nonce [NonceSize]byte

// Header is the fixed leading part of every message. It is exposed for
// peeking at a message before choosing decode parameters.
type Header struct {
	Version Version
	Code    Code
	Param1  uint8
	Param2  uint8
}

// PeekHeader returns the header of an encoded message without decoding the
// payload.
func PeekHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header: %w", ErrTruncated)
	}
	return Header{
		Version: Version(b[0]),
		Code:    Code(b[1]),
		Param1:  b[2],
		Param2:  b[3],
	}, nil
}
