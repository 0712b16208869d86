// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "errors"

// Error taxonomy. Errors returned by this module wrap one of these values so
// that callers can classify failures with errors.Is.
var (
	// ErrMalformedMessage is returned for truncated messages, bad length
	// fields and enumerants that must be rejected. No state changes.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrTruncated is a malformed message whose declared sizes exceed the
	// remaining buffer.
	ErrTruncated = &wrappedErr{msg: "truncated message", parent: ErrMalformedMessage}

	// ErrSequence is returned when a message is valid but not expected in
	// the current state. No state changes.
	ErrSequence = errors.New("unexpected message for current state")

	// ErrVersionMismatch terminates the handshake when no common version
	// exists.
	ErrVersionMismatch = errors.New("no common version")

	// ErrAlgorithmMismatch terminates the handshake when no common algorithm
	// exists for a mandatory category.
	ErrAlgorithmMismatch = errors.New("no common algorithm")

	// ErrAuthenticationFailure is fatal: a signature or HMAC did not verify.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrReplayOrDesync is fatal: a secured message sequence number was
	// reused, skipped or overflowed.
	ErrReplayOrDesync = errors.New("sequence number replay or desync")

	// ErrNotReady is returned when the peer is still not ready after the
	// single sanctioned retry.
	ErrNotReady = errors.New("responder not ready")

	// ErrBusy is surfaced to the caller without retry.
	ErrBusy = errors.New("responder busy")

	// ErrResynchRequested is surfaced to the caller after the connection
	// state has been reset.
	ErrResynchRequested = errors.New("responder requested resynchronization")

	// ErrResourceExhausted is returned when a bounded buffer would overflow.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnsupported is returned for algorithms, operations or versions that
	// are valid on the wire but not implemented or not negotiated.
	ErrUnsupported = errors.New("unsupported")

	// ErrBufferTooSmall is returned when an output buffer cannot hold the
	// encoded result.
	ErrBufferTooSmall = &wrappedErr{msg: "buffer too small", parent: ErrResourceExhausted}

	// ErrMalformedHeader is returned by transport decapsulation.
	ErrMalformedHeader = &wrappedErr{msg: "malformed transport header", parent: ErrMalformedMessage}

	// ErrSessionNotFound is returned when a session ID does not refer to a
	// live session.
	ErrSessionNotFound = errors.New("session not found")
)

type wrappedErr struct {
	msg    string
	parent error
}

func (e *wrappedErr) Error() string { return e.msg }
func (e *wrappedErr) Unwrap() error { return e.parent }
