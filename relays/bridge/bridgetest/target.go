// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package bridgetest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

// Target imports finality payloads produced by CallBuilder the way a GRANDPA
// light client would: the header must be newer than the best one and signed by
// the current set, and importing a boundary header enacts the next set.
type Target struct {
	mu          sync.Mutex
	best        bridge.HeaderID
	setID       bridge.AuthoritySetID
	specVersion uint32

	submitErrors []error
	outcomes     []bridge.Outcome
	hang         bool

	Submitted []bridge.Payload
	Imported  []uint64
	Reported  []bridge.ReportID
	abandoned int
}

func NewTarget(best uint64, setID bridge.AuthoritySetID) *Target {
	return &Target{
		best:        bridge.HeaderID{Number: best, Hash: HashOf(best)},
		setID:       setID,
		specVersion: 100,
	}
}

// FailSubmissions queues errors returned by the next calls to Submit.
func (t *Target) FailSubmissions(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.submitErrors = append(t.submitErrors, errs...)
}

// QueueOutcomes overrides the outcome of the next submissions.
func (t *Target) QueueOutcomes(outcomes ...bridge.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outcomes = append(t.outcomes, outcomes...)
}

// Hang makes watches block until their context is done.
func (t *Target) Hang(hang bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hang = hang
}

func (t *Target) SetSpecVersion(version uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.specVersion = version
}

func (t *Target) SetAuthoritySetID(setID bridge.AuthoritySetID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.setID = setID
}

func (t *Target) ReportedIDs() []bridge.ReportID {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]bridge.ReportID(nil), t.Reported...)
}

// Advance imports a header as if another relayer submitted it.
func (t *Target) Advance(number uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.best = bridge.HeaderID{Number: number, Hash: HashOf(number)}
}

func (t *Target) State() bridge.TargetState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bridge.TargetState{LastAccepted: t.best, AuthoritySetID: t.setID}
}

func (t *Target) SubmittedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.Submitted)
}

func (t *Target) ImportedHeaders() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]uint64(nil), t.Imported...)
}

func (t *Target) LastAcceptedHeader(_ context.Context) (bridge.HeaderID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.best, nil
}

func (t *Target) CurrentAuthoritySetID(_ context.Context) (bridge.AuthoritySetID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.setID, nil
}

func (t *Target) RuntimeSpecVersion(_ context.Context) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.specVersion, nil
}

func (t *Target) Submit(_ context.Context, payload bridge.Payload) (bridge.Watch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Submitted = append(t.Submitted, payload)
	if len(t.submitErrors) > 0 {
		err := t.submitErrors[0]
		t.submitErrors = t.submitErrors[1:]
		return nil, err
	}
	if t.hang {
		return &hangingWatch{target: t}, nil
	}
	if len(t.outcomes) > 0 {
		outcome := t.outcomes[0]
		t.outcomes = t.outcomes[1:]
		return Watch{Outcome: outcome}, nil
	}

	switch payload.Kind {
	case bridge.FinalityProofPayload:
		return Watch{Outcome: t.importHeader(payload.Call)}, nil
	case bridge.EquivocationPayload:
		id, err := decodeReportCall(payload.Call)
		if err != nil {
			return Watch{Outcome: bridge.OutcomeRejected}, nil
		}
		t.Reported = append(t.Reported, id)
		return Watch{Outcome: bridge.OutcomeConfirmed}, nil
	}
	return nil, fmt.Errorf("unknown payload kind %d", payload.Kind)
}

func (t *Target) importHeader(call []byte) bridge.Outcome {
	number, setID, boundary, err := decodeFinalityCall(call)
	if err != nil {
		return bridge.OutcomeRejected
	}
	if number <= t.best.Number || setID != t.setID {
		return bridge.OutcomeRejected
	}
	t.best = bridge.HeaderID{Number: number, Hash: HashOf(number)}
	t.Imported = append(t.Imported, number)
	if boundary {
		t.setID++
	}
	return bridge.OutcomeConfirmed
}

type Watch struct {
	Outcome bridge.Outcome
}

func (w Watch) Wait(_ context.Context) (bridge.Outcome, error) {
	return w.Outcome, nil
}

func (w Watch) Cancel() {}

type hangingWatch struct {
	target   *Target
	canceled bool
}

func (w *hangingWatch) Wait(ctx context.Context) (bridge.Outcome, error) {
	<-ctx.Done()
	return bridge.OutcomePending, ctx.Err()
}

func (w *hangingWatch) Cancel() {
	w.target.mu.Lock()
	defer w.target.mu.Unlock()

	if !w.canceled {
		w.canceled = true
		w.target.abandoned++
	}
}

// AbandonedCount is the number of unresolved watches the caller canceled.
func (t *Target) AbandonedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.abandoned
}

// CallBuilder encodes payloads understood by Target.
type CallBuilder struct {
	mu        sync.Mutex
	failAt    map[uint64]bool
	failAllEq bool
}

func NewCallBuilder() *CallBuilder {
	return &CallBuilder{failAt: make(map[uint64]bool)}
}

// FailHeader makes encoding of the justification for number fail.
func (b *CallBuilder) FailHeader(number uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failAt[number] = true
}

func (b *CallBuilder) FailEquivocations() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failAllEq = true
}

func (b *CallBuilder) EncodeFinalityProof(justification bridge.Justification, setID bridge.AuthoritySetID) (bridge.Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failAt[justification.Header.Number] {
		return bridge.Payload{}, fmt.Errorf("%w: header %d", bridge.ErrEncoding, justification.Header.Number)
	}
	call := make([]byte, 17)
	binary.BigEndian.PutUint64(call[0:8], justification.Header.Number)
	binary.BigEndian.PutUint64(call[8:16], uint64(setID))
	if justification.Header.ScheduledChange {
		call[16] = 1
	}
	return bridge.Payload{Kind: bridge.FinalityProofPayload, Call: call}, nil
}

func (b *CallBuilder) EncodeEquivocationReport(report bridge.EquivocationReport) (bridge.Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failAllEq {
		return bridge.Payload{}, fmt.Errorf("%w: report %s", bridge.ErrEncoding, report.ID())
	}
	call := make([]byte, 48)
	copy(call[0:32], report.Offender[:])
	binary.BigEndian.PutUint64(call[32:40], report.Round)
	binary.BigEndian.PutUint64(call[40:48], uint64(report.SetID))
	return bridge.Payload{Kind: bridge.EquivocationPayload, Call: call}, nil
}

func decodeFinalityCall(call []byte) (uint64, bridge.AuthoritySetID, bool, error) {
	if len(call) != 17 {
		return 0, 0, false, errors.New("malformed finality call")
	}
	return binary.BigEndian.Uint64(call[0:8]), bridge.AuthoritySetID(binary.BigEndian.Uint64(call[8:16])), call[16] == 1, nil
}

func decodeReportCall(call []byte) (bridge.ReportID, error) {
	if len(call) != 48 {
		return bridge.ReportID{}, errors.New("malformed report call")
	}
	var id bridge.ReportID
	copy(id.Offender[:], call[0:32])
	id.Round = binary.BigEndian.Uint64(call[32:40])
	id.SetID = bridge.AuthoritySetID(binary.BigEndian.Uint64(call[40:48]))
	return id, nil
}
