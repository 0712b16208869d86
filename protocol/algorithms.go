// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"fmt"
	"math/bits"
)

// MeasurementSpecDMTF is the only defined measurement specification bit.
const MeasurementSpecDMTF uint8 = 1 << 0

// BaseAsymAlgo is a bit set of asymmetric signature algorithms. A selected
// algorithm has exactly one bit set.
type BaseAsymAlgo uint32

// Asymmetric signature algorithms
const (
	RSASSA2048 BaseAsymAlgo = 1 << 0
	RSAPSS2048 BaseAsymAlgo = 1 << 1
	RSASSA3072 BaseAsymAlgo = 1 << 2
	RSAPSS3072 BaseAsymAlgo = 1 << 3
	ECDSAP256  BaseAsymAlgo = 1 << 4
	RSASSA4096 BaseAsymAlgo = 1 << 5
	RSAPSS4096 BaseAsymAlgo = 1 << 6
	ECDSAP384  BaseAsymAlgo = 1 << 7
	ECDSAP521  BaseAsymAlgo = 1 << 8
)

// SignatureSize returns the encoded signature size of a single algorithm, or
// zero if the value is not a single known algorithm.
func (a BaseAsymAlgo) SignatureSize() int {
	switch a {
	case RSASSA2048, RSAPSS2048:
		return 256
	case RSASSA3072, RSAPSS3072:
		return 384
	case RSASSA4096, RSAPSS4096:
		return 512
	case ECDSAP256:
		return 64
	case ECDSAP384:
		return 96
	case ECDSAP521:
		return 132
	default:
		return 0
	}
}

func (a BaseAsymAlgo) String() string {
	return bitNames(uint32(a), []string{
		"RSASSA_2048", "RSAPSS_2048", "RSASSA_3072", "RSAPSS_3072", "ECDSA_P256",
		"RSASSA_4096", "RSAPSS_4096", "ECDSA_P384", "ECDSA_P521",
	})
}

// BaseHashAlgo is a bit set of hash algorithms.
type BaseHashAlgo uint32

// Hash algorithms
const (
	SHA256   BaseHashAlgo = 1 << 0
	SHA384   BaseHashAlgo = 1 << 1
	SHA512   BaseHashAlgo = 1 << 2
	SHA3_256 BaseHashAlgo = 1 << 3
	SHA3_384 BaseHashAlgo = 1 << 4
	SHA3_512 BaseHashAlgo = 1 << 5
)

// Size returns the digest size of a single algorithm, or zero.
func (h BaseHashAlgo) Size() int {
	switch h {
	case SHA256, SHA3_256:
		return 32
	case SHA384, SHA3_384:
		return 48
	case SHA512, SHA3_512:
		return 64
	default:
		return 0
	}
}

func (h BaseHashAlgo) String() string {
	return bitNames(uint32(h), []string{"SHA_256", "SHA_384", "SHA_512", "SHA3_256", "SHA3_384", "SHA3_512"})
}

// MeasurementHashAlgo is a bit set of measurement hash algorithms.
type MeasurementHashAlgo uint32

// Measurement hash algorithms
const (
	MeasRawBitStream MeasurementHashAlgo = 1 << 0
	MeasSHA256       MeasurementHashAlgo = 1 << 1
	MeasSHA384       MeasurementHashAlgo = 1 << 2
	MeasSHA512       MeasurementHashAlgo = 1 << 3
	MeasSHA3_256     MeasurementHashAlgo = 1 << 4
	MeasSHA3_384     MeasurementHashAlgo = 1 << 5
	MeasSHA3_512     MeasurementHashAlgo = 1 << 6
)

// BaseHash returns the matching base hash algorithm. Raw bit streams have no
// hash and return zero.
func (m MeasurementHashAlgo) BaseHash() BaseHashAlgo {
	if m == MeasRawBitStream || m == 0 {
		return 0
	}
	return BaseHashAlgo(m >> 1)
}

func (m MeasurementHashAlgo) String() string {
	return bitNames(uint32(m), []string{"RAW", "SHA_256", "SHA_384", "SHA_512", "SHA3_256", "SHA3_384", "SHA3_512"})
}

// DHEAlgo is a bit set of key exchange groups.
type DHEAlgo uint16

// Key exchange groups
const (
	FFDHE2048 DHEAlgo = 1 << 0
	FFDHE3072 DHEAlgo = 1 << 1
	FFDHE4096 DHEAlgo = 1 << 2
	SECP256R1 DHEAlgo = 1 << 3
	SECP384R1 DHEAlgo = 1 << 4
	SECP521R1 DHEAlgo = 1 << 5
)

// Size returns the exchange data size of a single group, or zero.
func (d DHEAlgo) Size() int {
	switch d {
	case FFDHE2048:
		return 256
	case FFDHE3072:
		return 384
	case FFDHE4096:
		return 512
	case SECP256R1:
		return 64
	case SECP384R1:
		return 96
	case SECP521R1:
		return 132
	default:
		return 0
	}
}

func (d DHEAlgo) String() string {
	return bitNames(uint32(d), []string{"FFDHE2048", "FFDHE3072", "FFDHE4096", "SECP256R1", "SECP384R1", "SECP521R1"})
}

// AEADAlgo is a bit set of AEAD cipher suites.
type AEADAlgo uint16

// AEAD cipher suites
const (
	AES128GCM        AEADAlgo = 1 << 0
	AES256GCM        AEADAlgo = 1 << 1
	ChaCha20Poly1305 AEADAlgo = 1 << 2
)

// KeySize returns the key size of a single suite, or zero.
func (a AEADAlgo) KeySize() int {
	switch a {
	case AES128GCM:
		return 16
	case AES256GCM, ChaCha20Poly1305:
		return 32
	default:
		return 0
	}
}

// AEADIVSize and AEADTagSize are common to every defined suite.
const (
	AEADIVSize  = 12
	AEADTagSize = 16
)

func (a AEADAlgo) String() string {
	return bitNames(uint32(a), []string{"AES_128_GCM", "AES_256_GCM", "CHACHA20_POLY1305"})
}

// KeyScheduleAlgo is a bit set of key schedules.
type KeyScheduleAlgo uint16

// SPDMKeySchedule is the only defined key schedule.
const SPDMKeySchedule KeyScheduleAlgo = 1 << 0

func (k KeyScheduleAlgo) String() string { return bitNames(uint32(k), []string{"SPDM"}) }

// AlgType identifies an algorithm structure table entry in
// NEGOTIATE_ALGORITHMS and ALGORITHMS.
type AlgType uint8

// Algorithm structure types
const (
	DHEAlgType         AlgType = 2
	AEADAlgType        AlgType = 3
	ReqBaseAsymAlgType AlgType = 4
	KeyScheduleAlgType AlgType = 5
)

func (t AlgType) String() string {
	switch t {
	case DHEAlgType:
		return "DHE"
	case AEADAlgType:
		return "AEAD"
	case ReqBaseAsymAlgType:
		return "ReqBaseAsymAlg"
	case KeyScheduleAlgType:
		return "KeySchedule"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Single reports whether exactly one bit is set.
func Single[T ~uint16 | ~uint32](v T) bool { return bits.OnesCount32(uint32(v)) == 1 }

func bitNames(v uint32, names []string) string {
	if v == 0 {
		return "none"
	}
	var out string
	for i := range 32 {
		if v&(1<<i) == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		if i < len(names) {
			out += names[i]
		} else {
			out += fmt.Sprintf("bit%d", i)
		}
	}
	return out
}
