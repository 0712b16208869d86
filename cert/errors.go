// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cert

import (
	"crypto/x509"
	"fmt"

	"github.com/openspdm/go-spdm/protocol"
)

// ValidationErrorCode is the reason a certificate chain was rejected.
type ValidationErrorCode int

const (
	// EncodingInvalid - Chain is not a concatenation of DER certificates or
	// its slot framing is inconsistent
	EncodingInvalid ValidationErrorCode = iota + 1

	// UntrustedRoot - Root certificate is not self-signed or not anchored
	// in the configured roots
	UntrustedRoot

	// ExpiredOrNotYetValid - A certificate is outside its validity period
	ExpiredOrNotYetValid

	// SignatureInvalid - A certificate is not signed by its issuer
	SignatureInvalid
)

func (c ValidationErrorCode) String() string {
	switch c {
	case EncodingInvalid:
		return "invalid encoding"
	case UntrustedRoot:
		return "untrusted root"
	case ExpiredOrNotYetValid:
		return "expired or not yet valid"
	case SignatureInvalid:
		return "invalid signature"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ValidationError describes why a certificate chain failed validation. It
// matches protocol.ErrAuthenticationFailure with errors.Is.
type ValidationError struct {
	Code ValidationErrorCode

	// Index of the offending certificate in the chain, or -1
	Index int

	// Certificate is the offending certificate when it could be parsed
	Certificate *x509.Certificate

	Err error
}

func newError(code ValidationErrorCode, index int, cert *x509.Certificate, err error) *ValidationError {
	return &ValidationError{Code: code, Index: index, Certificate: cert, Err: err}
}

func (e *ValidationError) Error() string {
	msg := "certificate chain: " + e.Code.String()
	if e.Index >= 0 {
		msg += fmt.Sprintf(" at index %d", e.Index)
	}
	if e.Certificate != nil {
		msg += fmt.Sprintf(" (subject: %s)", e.Certificate.Subject)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is reports whether target is protocol.ErrAuthenticationFailure or, for
// EncodingInvalid, protocol.ErrMalformedMessage.
func (e *ValidationError) Is(target error) bool {
	return target == protocol.ErrAuthenticationFailure ||
		(e.Code == EncodingInvalid && target == protocol.ErrMalformedMessage)
}
