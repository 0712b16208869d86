// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"bytes"
	"crypto"
	"fmt"
	"hash"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/suite"
	"github.com/openspdm/go-spdm/transcript"
)

// Signing contexts of version 1.2
const (
	challengeAuthContext  = "responder-challenge_auth signing"
	measurementsContext   = "responder-measurements signing"
	keyExchangeRspContext = "responder-key_exchange_rsp signing"
)

const signingPrefixSize = 64 + 36

// signedMessage returns the data a signature covers. Before 1.2 this is the
// transcript itself. From 1.2 it is the version prefix repeated four times,
// the zero padded context string and the transcript hash.
func signedMessage(v protocol.Version, newHash func() hash.Hash, context string, parts ...[]byte) []byte {
	if v < protocol.Version12 {
		return bytes.Join(parts, nil)
	}
	prefix := fmt.Sprintf("dmtf-spdm-v%d.%d.*", v.Major(), v.Minor())
	msg := make([]byte, 0, signingPrefixSize+newHash().Size())
	for range 4 {
		msg = append(msg, prefix...)
	}
	msg = append(msg, make([]byte, 36-len(context))...)
	msg = append(msg, context...)
	return append(msg, transcript.Hash(newHash, parts...)...)
}

type signer struct {
	crypto suite.Provider
	neg    Negotiated
}

func (s signer) sign(key crypto.Signer, context string, parts ...[]byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("no signing key provisioned: %w", protocol.ErrUnsupported)
	}
	newHash, err := s.crypto.Hash(s.neg.BaseHash)
	if err != nil {
		return nil, err
	}
	return s.crypto.Sign(s.neg.BaseAsym, s.neg.BaseHash, key, signedMessage(s.neg.Version, newHash, context, parts...))
}

func (s signer) verify(pub crypto.PublicKey, sig []byte, context string, parts ...[]byte) error {
	newHash, err := s.crypto.Hash(s.neg.BaseHash)
	if err != nil {
		return err
	}
	if err := s.crypto.Verify(s.neg.BaseAsym, s.neg.BaseHash, pub, signedMessage(s.neg.Version, newHash, context, parts...), sig); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}
