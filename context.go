// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"errors"

	"github.com/openspdm/go-spdm/protocol"
)

// Define a new private type so that key cannot be created outside of this
// library.
type contextKey struct{}

// Context key to hold mutable ErrorResponse.
var errRspContextKey contextKey

// Helper function to add a mutable ErrorResponse value to a context. This
// should be called before handling a request so that the error code can be
// captured directly at the error point.
func contextWithErrRsp(parent context.Context) context.Context {
	var errRsp protocol.ErrorResponse
	return context.WithValue(parent, errRspContextKey, &errRsp)
}

func errRspFromContext(ctx context.Context) *protocol.ErrorResponse {
	return ctx.Value(errRspContextKey).(*protocol.ErrorResponse)
}

// Set the error code and data of the ErrorResponse value in the context. Zero
// values are replaced by defaults derived from the returned error.
//
// If the provided context does not have an *ErrorResponse for
// errRspContextKey then this function panics, because it is a programming
// error to try to capture an error outside of a request handler.
func captureErr(ctx context.Context, code protocol.ErrorCode, data uint8) {
	errRsp := errRspFromContext(ctx)
	errRsp.ErrorCode = code
	errRsp.ErrorData = data
}

// errorCodeFor classifies an error for an ERROR response when no code was
// captured.
func errorCodeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, protocol.ErrVersionMismatch):
		return protocol.VersionMismatch
	case errors.Is(err, protocol.ErrSequence):
		return protocol.UnexpectedRequest
	case errors.Is(err, protocol.ErrUnsupported):
		return protocol.UnsupportedRequest
	case errors.Is(err, protocol.ErrAuthenticationFailure):
		return protocol.DecryptError
	case errors.Is(err, protocol.ErrSessionNotFound):
		return protocol.InvalidSession
	case errors.Is(err, protocol.ErrMalformedMessage), errors.Is(err, protocol.ErrAlgorithmMismatch):
		return protocol.InvalidRequest
	default:
		return protocol.Unspecified
	}
}
