// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package transcript_test

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"testing"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/transcript"
)

func TestDigestMonotonic(t *testing.T) {
	msgs := [][]byte{
		[]byte("GET_VERSION"),
		[]byte("VERSION"),
		{},
		bytes.Repeat([]byte{0xa5}, 1000),
		[]byte("ALGORITHMS"),
	}

	buf := transcript.New("A", 0)
	var digests [][]byte
	var concat []byte
	for i, m := range msgs {
		if err := buf.Append(m); err != nil {
			t.Fatal(err)
		}
		concat = append(concat, m...)
		got := buf.Digest(sha512.New384)
		want := sha512.Sum384(concat)
		if !bytes.Equal(got, want[:]) {
			t.Fatalf("after %d appends: expected %x, got %x", i+1, want, got)
		}
		digests = append(digests, got)
	}

	// Earlier digests are unaffected by later appends.
	var prefix []byte
	for i, m := range msgs {
		prefix = append(prefix, m...)
		want := sha512.Sum384(prefix)
		if !bytes.Equal(digests[i], want[:]) {
			t.Errorf("digest %d changed", i)
		}
	}
	if buf.Len() != len(concat) {
		t.Errorf("expected %d bytes, got %d", len(concat), buf.Len())
	}
}

func TestHashOverParts(t *testing.T) {
	a, k := transcript.New("A", 0), transcript.New("K", 0)
	_ = a.Append([]byte("abc"))
	_ = k.Append([]byte("def"), []byte("ghi"))
	pending := []byte("jk")

	got := transcript.Hash(sha512.New384, a.Bytes(), k.Bytes(), pending)
	want := sha512.Sum384([]byte("abcdefghijk"))
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("expected %x, got %x", want, got)
	}
	if k.Len() != 6 {
		t.Fatalf("hashing must not consume the buffer")
	}
}

func TestResourceExhausted(t *testing.T) {
	buf := transcript.New("K", 8)
	if err := buf.Append([]byte("12345")); err != nil {
		t.Fatal(err)
	}
	err := buf.Append([]byte("678"), []byte("9"))
	if !errors.Is(err, protocol.ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte("12345")) {
		t.Fatalf("failed append must not modify the buffer, got %q", buf.Bytes())
	}
	if err := buf.Append([]byte("678")); err != nil {
		t.Fatal(err)
	}

	buf.Reset()
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer after reset")
	}
}
