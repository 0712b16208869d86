// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package memory implements endpoint provisioning using non-persistent
// memory.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/protocol"
)

// State holds pre-shared keys and measurement blocks. It is safe for
// concurrent use.
type State struct {
	mu     sync.RWMutex
	psks   map[string][]byte
	blocks []protocol.MeasurementBlock
}

var _ spdm.PSKStore = (*State)(nil)
var _ spdm.MeasurementStore = (*State)(nil)

// NewState initializes the in-memory state.
func NewState() *State {
	return &State{psks: make(map[string][]byte)}
}

// AddPSK stores a pre-shared key under a hint.
func (s *State) AddPSK(hint, psk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.psks[string(hint)] = slices.Clone(psk)
}

// PSK implements spdm.PSKStore. The returned key is a copy that the caller
// may clear.
func (s *State) PSK(_ context.Context, hint []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	psk, ok := s.psks[string(hint)]
	if !ok {
		return nil, fmt.Errorf("PSK hint %q: %w", hint, spdm.ErrNotFound)
	}
	return slices.Clone(psk), nil
}

// SetMeasurement adds or replaces a DMTF measurement block.
func (s *State) SetMeasurement(index, valueType uint8, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := protocol.NewDMTFBlock(index, valueType, value)
	i, found := slices.BinarySearchFunc(s.blocks, index, func(b protocol.MeasurementBlock, idx uint8) int {
		return int(b.Index) - int(idx)
	})
	if found {
		s.blocks[i] = mb
		return
	}
	s.blocks = slices.Insert(s.blocks, i, mb)
}

// Measurements implements spdm.MeasurementStore.
func (s *State) Measurements(context.Context) ([]protocol.MeasurementBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.MeasurementBlock, len(s.blocks))
	for i, mb := range s.blocks {
		out[i] = protocol.MeasurementBlock{Index: mb.Index, Spec: mb.Spec, Measurement: slices.Clone(mb.Measurement)}
	}
	return out, nil
}
