// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ErrorCode is param1 of an ERROR response.
type ErrorCode uint8

// Error codes
const (
	// One or more request fields are invalid.
	InvalidRequest ErrorCode = 0x01

	// The record layer used an invalid session ID.
	InvalidSession ErrorCode = 0x02

	// The responder received the request message and cannot respond now, but
	// the request may be retried later.
	Busy ErrorCode = 0x03

	// The responder received an unexpected request message, e.g. CHALLENGE
	// before NEGOTIATE_ALGORITHMS.
	UnexpectedRequest ErrorCode = 0x04

	// Unspecified error occurred.
	Unspecified ErrorCode = 0x05

	// The receiver of the record cannot decrypt the record or verify data
	// during the session handshake.
	DecryptError ErrorCode = 0x06

	// The request code is unsupported.
	UnsupportedRequest ErrorCode = 0x07

	// The responder has previously answered with ResponseNotReady and is
	// still processing that request.
	RequestInFlight ErrorCode = 0x08

	// The requester delivered an invalid response for an encapsulated
	// response.
	InvalidResponseCode ErrorCode = 0x09

	// The responder reached the maximum number of sessions.
	SessionLimitExceeded ErrorCode = 0x0A

	// Requested major version is not supported or is different from the
	// selected version.
	VersionMismatch ErrorCode = 0x41

	// The response is not ready. Extended data carries the retry delay and
	// token.
	ResponseNotReady ErrorCode = 0x42

	// The responder is asking the requester to restart with GET_VERSION.
	RequestResynch ErrorCode = 0x43

	// Vendor defined error.
	VendorDefinedError ErrorCode = 0xFF
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidRequest:
		return "InvalidRequest"
	case InvalidSession:
		return "InvalidSession"
	case Busy:
		return "Busy"
	case UnexpectedRequest:
		return "UnexpectedRequest"
	case Unspecified:
		return "Unspecified"
	case DecryptError:
		return "DecryptError"
	case UnsupportedRequest:
		return "UnsupportedRequest"
	case RequestInFlight:
		return "RequestInFlight"
	case InvalidResponseCode:
		return "InvalidResponseCode"
	case SessionLimitExceeded:
		return "SessionLimitExceeded"
	case VersionMismatch:
		return "VersionMismatch"
	case ResponseNotReady:
		return "ResponseNotReady"
	case RequestResynch:
		return "RequestResynch"
	case VendorDefinedError:
		return "VendorDefined"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(c))
	}
}

// NotReadyData is the extended data of a ResponseNotReady error.
type NotReadyData struct {
	// RDTExponent is the base 2 exponent of the retry delay.
	RDTExponent uint8
	RequestCode Code
	Token       uint8
	// RDTM multiplies the retry delay to bound the responder's processing
	// time.
	RDTM uint8
}

const notReadyDataSize = 4

// ErrorResponse is an ERROR message. It implements error so that responses
// received from a peer may be returned directly.
type ErrorResponse struct {
	ErrorCode ErrorCode
	ErrorData uint8
	// NotReady is set if and only if ErrorCode is ResponseNotReady.
	NotReady *NotReadyData
	// Extended holds uninterpreted extended error data.
	Extended []byte
}

var _ error = (*ErrorResponse)(nil)

// Code implements Payload.
func (*ErrorResponse) Code() Code { return ErrorResponseCode }

func (e *ErrorResponse) Error() string {
	if e.NotReady != nil {
		return fmt.Sprintf("error response %s for %s (exponent %d, token %d)",
			e.ErrorCode, e.NotReady.RequestCode, e.NotReady.RDTExponent, e.NotReady.Token)
	}
	return fmt.Sprintf("error response %s (data 0x%02x)", e.ErrorCode, e.ErrorData)
}

// Is maps error codes onto the error taxonomy.
func (e *ErrorResponse) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.ErrorCode == Busy
	case ErrNotReady:
		return e.ErrorCode == ResponseNotReady
	case ErrResynchRequested:
		return e.ErrorCode == RequestResynch
	case ErrVersionMismatch:
		return e.ErrorCode == VersionMismatch
	case ErrSequence:
		return e.ErrorCode == UnexpectedRequest
	case ErrAuthenticationFailure:
		return e.ErrorCode == DecryptError
	case ErrUnsupported:
		return e.ErrorCode == UnsupportedRequest
	case ErrSessionNotFound:
		return e.ErrorCode == InvalidSession
	}
	return false
}

func (e *ErrorResponse) marshal(b *cryptobyte.Builder, _ *Params) {
	b.AddUint8(uint8(e.ErrorCode))
	b.AddUint8(e.ErrorData)
	if e.ErrorCode == ResponseNotReady {
		if e.NotReady == nil {
			b.SetError(fmt.Errorf("ResponseNotReady without extended data"))
			return
		}
		b.AddUint8(e.NotReady.RDTExponent)
		b.AddUint8(uint8(e.NotReady.RequestCode))
		b.AddUint8(e.NotReady.Token)
		b.AddUint8(e.NotReady.RDTM)
		return
	}
	b.AddBytes(e.Extended)
}

func (e *ErrorResponse) unmarshal(s *cryptobyte.String, _ *Params) error {
	var code uint8
	if err := readParams(s, &code, &e.ErrorData); err != nil {
		return err
	}
	e.ErrorCode = ErrorCode(code)
	if e.ErrorCode != ResponseNotReady {
		if !readBytes(s, &e.Extended, len(*s)) {
			return ErrTruncated
		}
		return nil
	}
	var ext []byte
	if !s.ReadBytes(&ext, notReadyDataSize) {
		return fmt.Errorf("not ready extended data: %w", ErrTruncated)
	}
	e.NotReady = &NotReadyData{
		RDTExponent: ext[0],
		RequestCode: Code(ext[1]),
		Token:       ext[2],
		RDTM:        ext[3],
	}
	return nil
}
