// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

// Package bridgetest provides in-memory source, target and call builder
// implementations for exercising the relay pipelines.
package bridgetest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/snowfork/go-substrate-rpc-client/v4/types"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

func HashOf(number uint64) types.Hash {
	var hash types.Hash
	binary.BigEndian.PutUint64(hash[24:], number)
	hash[0] = 0xfe
	return hash
}

// Source is a canonical chain of finalized headers. Header n is finalized by
// BaseSetID plus the number of boundaries strictly below n.
type Source struct {
	mu             sync.Mutex
	baseSetID      bridge.AuthoritySetID
	best           uint64
	height         uint64
	boundaries     map[uint64]bool
	justifications map[uint64]bool
	headerCalls    int

	proofs  chan bridge.FinalityProofResult
	reports chan bridge.EquivocationResult
}

func NewSource(baseSetID bridge.AuthoritySetID) *Source {
	return &Source{
		baseSetID:      baseSetID,
		boundaries:     make(map[uint64]bool),
		justifications: make(map[uint64]bool),
		proofs:         make(chan bridge.FinalityProofResult, 64),
		reports:        make(chan bridge.EquivocationResult, 64),
	}
}

// Finalize advances the best finalized header. Headers listed in withJustification
// get a stored justification; boundary headers always have one.
func (s *Source) Finalize(best uint64, withJustification ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.best = best
	if s.height < best {
		s.height = best
	}
	for _, n := range withJustification {
		s.justifications[n] = true
	}
}

func (s *Source) MarkBoundary(number uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.boundaries[number] = true
	s.justifications[number] = true
}

func (s *Source) SetHeight(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.height = height
}

// StreamJustification pushes a justification for number onto the finality proof stream.
func (s *Source) StreamJustification(number uint64) {
	s.proofs <- bridge.FinalityProofResult{Justification: s.justification(s.Header(number))}
}

func (s *Source) PublishReport(report bridge.EquivocationReport) {
	s.reports <- bridge.EquivocationResult{Report: report}
}

func (s *Source) HeaderCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.headerCalls
}

func (s *Source) Header(number uint64) bridge.FinalizedHeader {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.header(number)
}

func (s *Source) header(number uint64) bridge.FinalizedHeader {
	setID := s.baseSetID
	for b := range s.boundaries {
		if b < number {
			setID++
		}
	}
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, number)
	return bridge.FinalizedHeader{
		Number:          number,
		Hash:            HashOf(number),
		ParentHash:      HashOf(number - 1),
		AuthoritySetID:  setID,
		ScheduledChange: s.boundaries[number],
		Encoded:         encoded,
	}
}

func (s *Source) justification(header bridge.FinalizedHeader) bridge.Justification {
	return bridge.Justification{
		Header:       header,
		Round:        header.Number,
		TargetHash:   header.Hash,
		TargetNumber: header.Number,
		Encoded:      append([]byte{0x01}, header.Encoded...),
	}
}

func (s *Source) BestFinalizedHeader(_ context.Context) (bridge.FinalizedHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.header(s.best), nil
}

func (s *Source) HeaderByNumber(_ context.Context, number uint64) (bridge.FinalizedHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.headerCalls++
	if number > s.best {
		return bridge.FinalizedHeader{}, fmt.Errorf("header %d not finalized", number)
	}
	return s.header(number), nil
}

func (s *Source) JustificationFor(_ context.Context, header bridge.FinalizedHeader) (*bridge.Justification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.justifications[header.Number] {
		return nil, nil
	}
	justification := s.justification(header)
	return &justification, nil
}

func (s *Source) FinalityProofs(_ context.Context) (<-chan bridge.FinalityProofResult, error) {
	return s.proofs, nil
}

func (s *Source) EquivocationReports(_ context.Context) (<-chan bridge.EquivocationResult, error) {
	return s.reports, nil
}

func (s *Source) CurrentHeight(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.height, nil
}
