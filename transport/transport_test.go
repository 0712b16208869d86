// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package transport_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/transport"
)

type encapsulator interface {
	Encap(dst, payload []byte, secured bool) (int, error)
	Decap(dst, msg []byte) (int, bool, error)
	Alignment() int
}

func TestEncapDecap(t *testing.T) {
	payload := []byte{0x12, 0x84, 0x00, 0x00, 0xaa}
	for name, enc := range map[string]encapsulator{
		"mctp":   transport.MCTP{},
		"pcidoe": transport.PCIDOE{},
	} {
		for _, secured := range []bool{false, true} {
			buf := make([]byte, 64)
			n, err := enc.Encap(buf, payload, secured)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if n%enc.Alignment() != 0 {
				t.Fatalf("%s: %d bytes not aligned to %d", name, n, enc.Alignment())
			}
			out := make([]byte, 64)
			m, gotSecured, err := enc.Decap(out, buf[:n])
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if gotSecured != secured {
				t.Fatalf("%s: expected secured=%t, got %t", name, secured, gotSecured)
			}
			if !bytes.HasPrefix(out[:m], payload) {
				t.Fatalf("%s: expected payload %x, got %x", name, payload, out[:m])
			}
			for _, b := range out[len(payload):m] {
				if b != 0 {
					t.Fatalf("%s: non-zero padding %x", name, out[:m])
				}
			}
		}
	}
}

func TestEncapBufferTooSmall(t *testing.T) {
	if _, err := (transport.MCTP{}).Encap(make([]byte, 3), []byte{1, 2, 3}, false); !errors.Is(err, protocol.ErrBufferTooSmall) {
		t.Fatalf("expected buffer too small, got %v", err)
	}
	if _, err := (transport.PCIDOE{}).Encap(make([]byte, 11), []byte{1, 2, 3}, false); !errors.Is(err, protocol.ErrBufferTooSmall) {
		t.Fatalf("expected buffer too small, got %v", err)
	}
	if _, _, err := (transport.MCTP{}).Decap(make([]byte, 1), []byte{transport.MCTPTypeSPDM, 1, 2}); !errors.Is(err, protocol.ErrBufferTooSmall) {
		t.Fatalf("expected buffer too small, got %v", err)
	}
}

func TestDecapMalformedHeader(t *testing.T) {
	out := make([]byte, 64)
	for name, msg := range map[string][]byte{
		"mctp empty":      {},
		"mctp wrong type": {transport.MCTPTypePLDM, 0x12},
	} {
		if _, _, err := (transport.MCTP{}).Decap(out, msg); !errors.Is(err, protocol.ErrMalformedHeader) {
			t.Errorf("%s: expected malformed header, got %v", name, err)
		}
	}
	for name, msg := range map[string][]byte{
		"doe short":      {0x01, 0x00, 0x01},
		"doe vendor":     {0x02, 0x00, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00},
		"doe type":       {0x01, 0x00, 0x05, 0x00, 0x02, 0x00, 0x00, 0x00},
		"doe bad length": {0x01, 0x00, 0x01, 0x00, 0x03, 0x00, 0x00, 0x00},
	} {
		if _, _, err := (transport.PCIDOE{}).Decap(out, msg); !errors.Is(err, protocol.ErrMalformedHeader) {
			t.Errorf("%s: expected malformed header, got %v", name, err)
		}
	}
}

func TestAppMessages(t *testing.T) {
	buf := make([]byte, 32)
	n, err := (transport.MCTP{}).EncapApp(buf, []byte("pldm"), true)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != transport.MCTPTypePLDM {
		t.Fatalf("expected PLDM type, got %#x", buf[0])
	}
	out := make([]byte, 32)
	m, app, err := (transport.MCTP{}).DecapApp(out, buf[:n])
	if err != nil || !app || string(out[:m]) != "pldm" {
		t.Fatalf("decap app: %q %t %v", out[:m], app, err)
	}

	for _, tc := range []struct {
		payload []byte
		app     bool
	}{
		{[]byte("application data"), true},
		{[]byte{0x12, 0xe8, 0x00, 0x00}, false},
	} {
		n, err := (transport.PCIDOE{}).EncapApp(buf, tc.payload, tc.app)
		if err != nil {
			t.Fatal(err)
		}
		m, app, err := (transport.PCIDOE{}).DecapApp(out, buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if app != tc.app || !bytes.Equal(out[:m], tc.payload) {
			t.Errorf("expected %x app=%t, got %x app=%t", tc.payload, tc.app, out[:m], app)
		}
	}

	for name, msg := range map[string][]byte{
		"empty":        {},
		"short":        {0x01, 0x00},
		"wrong type":   {0x01, 0x00, transport.DOETypeSPDM, 0x00, 'x'},
		"wrong vendor": {0x02, 0x00, transport.DOETypeAppData, 0x00, 'x'},
	} {
		if _, _, err := (transport.PCIDOE{}).DecapApp(out, msg); !errors.Is(err, protocol.ErrMalformedHeader) {
			t.Errorf("%s: expected malformed header, got %v", name, err)
		}
	}
}

func TestTransportConstants(t *testing.T) {
	if got := (transport.MCTP{}).SequenceNumberSize(); got != 2 {
		t.Errorf("MCTP sequence number size %d", got)
	}
	if got := (transport.PCIDOE{}).SequenceNumberSize(); got != 0 {
		t.Errorf("PCI-DOE sequence number size %d", got)
	}
	if got := (transport.MCTP{}).MaxRandomCount(); got != 32 {
		t.Errorf("MCTP max random count %d", got)
	}
}
