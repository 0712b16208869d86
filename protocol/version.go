// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// Version is the SPDM version byte carried in each header: major version in
// the high nibble, minor version in the low nibble.
type Version uint8

// Supported SPDM versions
const (
	Version10 Version = 0x10
	Version11 Version = 0x11
	Version12 Version = 0x12
)

// Major version number.
func (v Version) Major() uint8 { return uint8(v) >> 4 }

// Minor version number.
func (v Version) Minor() uint8 { return uint8(v) & 0x0f }

// String returns the version as "major.minor".
func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major(), v.Minor()) }

// IsValid returns true if the version is one this module implements.
func (v Version) IsValid() bool {
	return v == Version10 || v == Version11 || v == Version12
}

// VersionNumber is a version entry of the VERSION response.
//
//	bits 15:12 major, 11:8 minor, 7:4 update, 3:0 alpha
type VersionNumber uint16

// NewVersionNumber creates a version entry with zero update and alpha fields.
func NewVersionNumber(v Version) VersionNumber { return VersionNumber(v) << 8 }

// Version drops the update and alpha fields.
func (n VersionNumber) Version() Version { return Version(n >> 8) }

func (n VersionNumber) String() string {
	return fmt.Sprintf("%s.%d.%d", n.Version(), (n>>4)&0x0f, n&0x0f)
}
