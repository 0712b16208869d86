// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"math"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	for _, test := range []struct {
		exponent uint8
		unit     time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{0, time.Microsecond, time.Minute, time.Microsecond},
		{3, time.Millisecond, time.Minute, 8 * time.Millisecond},
		{25, time.Microsecond, time.Minute, 33554432 * time.Microsecond},
		{26, time.Microsecond, time.Minute, time.Minute},
		{40, time.Hour, time.Minute, time.Minute},
		{62, time.Second, math.MaxInt64, math.MaxInt64},
		{255, time.Nanosecond, math.MaxInt64, math.MaxInt64},
		{10, 0, time.Minute, 0},
	} {
		if got := retryDelay(test.exponent, test.unit, test.max); got != test.want {
			t.Errorf("2^%d * %s capped at %s: got %s, want %s", test.exponent, test.unit, test.max, got, test.want)
		}
	}
}
