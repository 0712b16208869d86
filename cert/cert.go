// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package cert extracts and validates the DER certificate chains exchanged by
// SPDM endpoints. Chains are ordered root first and leaf last.
package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Extract returns the byte range of the certificate at index in a
// concatenation of DER certificates. An index of -1 selects the last
// certificate.
func Extract(chain []byte, index int) (start, end int, err error) {
	if index < -1 {
		return 0, 0, newError(EncodingInvalid, index, nil, errors.New("negative index"))
	}
	s := cryptobyte.String(chain)
	last := [2]int{-1, -1}
	for i := 0; !s.Empty(); i++ {
		begin := len(chain) - len(s)
		if !s.SkipASN1(asn1.SEQUENCE) {
			return 0, 0, newError(EncodingInvalid, i, nil, errors.New("not a DER sequence"))
		}
		last = [2]int{begin, len(chain) - len(s)}
		if i == index {
			return last[0], last[1], nil
		}
	}
	if index == -1 && last[0] >= 0 {
		return last[0], last[1], nil
	}
	return 0, 0, newError(EncodingInvalid, index, nil, fmt.Errorf("chain has no certificate at index %d", index))
}

// Parse parses every certificate of a DER concatenation.
func Parse(chain []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for rest, i := chain, 0; len(rest) > 0; i++ {
		_, end, err := Extract(rest, 0)
		if err != nil {
			return nil, newError(EncodingInvalid, i, nil, errors.New("not a DER sequence"))
		}
		c, err := x509.ParseCertificate(rest[:end])
		if err != nil {
			return nil, newError(EncodingInvalid, i, nil, err)
		}
		certs = append(certs, c)
		rest = rest[end:]
	}
	if len(certs) == 0 {
		return nil, newError(EncodingInvalid, -1, nil, errors.New("empty chain"))
	}
	return certs, nil
}

// Verifier validates certificate chains.
type Verifier struct {
	// Roots anchors chains. When nil, every chain is rejected with
	// UntrustedRoot unless AllowSelfSignedRoot is set.
	Roots *x509.CertPool

	// AllowSelfSignedRoot trusts any chain whose first certificate is
	// self-signed when Roots is nil. It provides no authentication of the
	// peer.
	AllowSelfSignedRoot bool

	// CurrentTime overrides the clock used for validity checks.
	CurrentTime func() time.Time
}

// Verify validates a root-first DER chain and returns the parsed
// certificates. Failures are *ValidationError.
func (v Verifier) Verify(chain []byte) ([]*x509.Certificate, error) {
	certs, err := Parse(chain)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if v.CurrentTime != nil {
		now = v.CurrentTime()
	}
	for i, c := range certs {
		if now.Before(c.NotBefore) || now.After(c.NotAfter) {
			return nil, newError(ExpiredOrNotYetValid, i, c,
				fmt.Errorf("valid from %s to %s", c.NotBefore.Format(time.RFC3339), c.NotAfter.Format(time.RFC3339)))
		}
	}
	for i := 1; i < len(certs); i++ {
		if err := certs[i].CheckSignatureFrom(certs[i-1]); err != nil {
			return nil, newError(SignatureInvalid, i, certs[i], err)
		}
	}

	if v.Roots == nil {
		root := certs[0]
		if !v.AllowSelfSignedRoot {
			return nil, newError(UntrustedRoot, 0, root, errors.New("no trusted roots configured"))
		}
		if err := root.CheckSignatureFrom(root); err != nil {
			return nil, newError(UntrustedRoot, 0, root, err)
		}
		return certs, nil
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[:len(certs)-1] {
		intermediates.AddCert(c)
	}
	leaf := certs[len(certs)-1]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		var unknown x509.UnknownAuthorityError
		if errors.As(err, &unknown) {
			return nil, newError(UntrustedRoot, 0, certs[0], err)
		}
		return nil, newError(SignatureInvalid, len(certs)-1, leaf, err)
	}
	return certs, nil
}
