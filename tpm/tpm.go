// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package tpm implements Responder signing keys resident in a TPM 2.0.
//
// Keys are primary keys of the endorsement hierarchy, so the same template
// always yields the same key and nothing needs to be persisted in the TPM.
package tpm

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
)

// Closer is a TPM transport that must be closed after use.
type Closer = transport.TPMCloser

// DevNodeKind distinguishes character devices of the kernel resource manager
// from direct TPM access.
type DevNodeKind uint8

// Kinds of TPM device nodes
const (
	DevNodeUnmanaged DevNodeKind = iota
	DevNodeManaged
)

// PathPrefix is the device path without its trailing number.
func (k DevNodeKind) PathPrefix() string {
	if k == DevNodeManaged {
		return "/dev/tpmrm"
	}
	return "/dev/tpm"
}

// IsDevNode reports whether path is a TPM device node of the given kind.
func IsDevNode(path string, kind DevNodeKind) bool {
	num, ok := strings.CutPrefix(path, kind.PathPrefix())
	if !ok || num == "" {
		return false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Open will open a TPM device at the given path.
//
// Clients should use /dev/tpmrm0 because using /dev/tpm0 requires more
// extensive resource management that the kernel already handles for us
// when using the kernel resource manager.
func Open(path string) (Closer, error) {
	switch {
	case IsDevNode(path, DevNodeManaged):
		return linuxtpm.Open(path)
	case IsDevNode(path, DevNodeUnmanaged):
		slog.Warn("direct use of the TPM can lead to resource exhaustion, use a TPM resource manager instead")
		return linuxtpm.Open(path)
	default:
		return nil, fmt.Errorf("unsupported TPM device path: %s", path)
	}
}
