// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package spdm implements the [SPDM] Requester and Responder roles:
// version, capability and algorithm negotiation, certificate-based
// authentication and measurement retrieval, and secure sessions established
// by asymmetric key exchange or pre-shared key.
//
// Wire types and the error taxonomy live in the protocol subpackage. This
// package holds the endpoint state machines. A [Requester] drives exchanges
// over a [Transport], and a [Responder] answers encapsulated requests through
// [Responder.Respond], which makes it easy to place behind any carrier such
// as the http subpackage.
//
// Cryptography is consumed through a [suite.Provider] held by each endpoint.
// There is no process-wide algorithm registry, so endpoints with different
// providers may run side by side. Certificate chains are validated with
// [cert.Verifier] and transport framing is delegated to an [Encapsulator],
// implemented for MCTP and PCI-DOE in the transport subpackage.
//
// Local identity and secrets are described by [Provisioning]. Pre-shared
// keys and measurements are loaded through small store interfaces so that
// they may be kept in memory or in a database; [sqlite.DB] is provided as a
// separate, optional module, and a TPM resident signing key is available
// from the tpm module.
//
// An endpoint serves one peer. Sessions on the same endpoint may be advanced
// from different goroutines, but each session allows one operation in flight
// at a time.
//
// [SPDM]: https://www.dmtf.org/standards/spdm
package spdm
