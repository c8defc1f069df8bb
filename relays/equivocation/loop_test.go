package equivocation

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowfork/finality-relayer/relays/bridge"
	"github.com/snowfork/finality-relayer/relays/bridge/bridgetest"
	"github.com/snowfork/finality-relayer/relays/submission"
)

func testConfig() Config {
	return Config{
		PollInterval:      5 * time.Millisecond,
		ReportingWindow:   50,
		SetRetention:      2,
		ReportedCacheSize: 32,
		ResubscribeDelay:  5 * time.Millisecond,
	}
}

func newLoop(t *testing.T, source bridge.SourceClient, target bridge.TargetClient, builder bridge.CallBuilder, confirmationTimeout time.Duration) *Loop {
	submitter := submission.NewSubmitter(target, submission.NewTracker(), submission.Config{
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		BackoffCeiling:      4 * time.Millisecond,
		ConfirmationTimeout: confirmationTimeout,
	})
	loop, err := New(testConfig(), source, target, builder, submitter, nil)
	require.NoError(t, err)
	return loop
}

func report(offender byte, round uint64, setID bridge.AuthoritySetID, origin uint64) bridge.EquivocationReport {
	r := bridge.EquivocationReport{
		SetID:      setID,
		Round:      round,
		Stage:      bridge.Precommit,
		First:      bridge.SignedVote{TargetHash: bridgetest.HashOf(origin), TargetNumber: origin},
		Second:     bridge.SignedVote{TargetHash: bridgetest.HashOf(origin + 1), TargetNumber: origin + 1},
		ObservedAt: origin + 2,
	}
	r.Offender[0] = offender
	return r
}

func TestReportsValidEquivocation(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	r := report(1, 7, 3, 95)
	loop.Enqueue(r)
	loop.ProcessPending(context.Background())

	assert.Equal(t, []bridge.ReportID{r.ID()}, target.ReportedIDs())
	assert.Equal(t, 0, loop.Pending())
	assert.Equal(t, bridge.StateConfirmed, loop.State())
}

func TestTransientFailuresThenReported(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	target.FailSubmissions(
		fmt.Errorf("%w: connection reset", bridge.ErrTransientNetwork),
		fmt.Errorf("%w: connection reset", bridge.ErrTransientNetwork),
	)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	r := report(1, 7, 3, 95)
	loop.Enqueue(r)
	loop.ProcessPending(context.Background())

	assert.Equal(t, 3, target.SubmittedCount())
	assert.Equal(t, []bridge.ReportID{r.ID()}, target.ReportedIDs())
	assert.Equal(t, 0, loop.Pending())
}

func TestExhaustedReportStaysPending(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	target.QueueOutcomes(bridge.OutcomeDropped, bridge.OutcomeDropped, bridge.OutcomeDropped)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	r := report(1, 7, 3, 95)
	err := loop.Handle(context.Background(), r)
	assert.ErrorIs(t, err, bridge.ErrExhaustedRetries)

	loop.Enqueue(r)
	target.QueueOutcomes(bridge.OutcomeDropped, bridge.OutcomeDropped, bridge.OutcomeDropped)
	loop.ProcessPending(context.Background())
	assert.Equal(t, 1, loop.Pending())
	assert.Empty(t, target.ReportedIDs())
	assert.Equal(t, 6, target.SubmittedCount())

	loop.ProcessPending(context.Background())
	assert.Equal(t, 0, loop.Pending())
	assert.Equal(t, []bridge.ReportID{r.ID()}, target.ReportedIDs())
	assert.Equal(t, 7, target.SubmittedCount())
}

func TestExpiredEvidenceIsNeverSubmitted(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	err := loop.Handle(context.Background(), report(1, 7, 3, 49))
	assert.ErrorIs(t, err, bridge.ErrExpiredEvidence)

	loop.Enqueue(report(2, 7, 3, 10))
	loop.ProcessPending(context.Background())

	assert.Equal(t, 0, target.SubmittedCount())
	assert.Equal(t, 0, loop.Pending())
}

func TestExpiryBoundary(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		height := uint64(100 + rng.Intn(200))
		origin := uint64(rng.Intn(int(height)))

		source := bridgetest.NewSource(3)
		source.SetHeight(height)
		target := bridgetest.NewTarget(90, 3)
		loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

		err := loop.Handle(context.Background(), report(byte(i), uint64(i), 3, origin))
		if origin+testConfig().ReportingWindow < height {
			require.ErrorIs(t, err, bridge.ErrExpiredEvidence)
			require.Equal(t, 0, target.SubmittedCount())
		} else {
			require.NoError(t, err)
			require.Equal(t, 1, target.SubmittedCount())
		}
	}
}

func TestDuplicateReportsSubmittedOnce(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	first := report(1, 7, 3, 95)
	second := first
	second.ObservedAt = 99

	loop.Enqueue(first)
	loop.Enqueue(second)
	loop.ProcessPending(context.Background())
	loop.Enqueue(first)
	loop.ProcessPending(context.Background())

	assert.Equal(t, 1, target.SubmittedCount())
	assert.ErrorIs(t, loop.Handle(context.Background(), second), ErrAlreadyReported)
}

func TestConcurrentDuplicateHasOneInFlightSubmission(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	target.Hang(true)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := report(1, 7, 3, 95)
	done := make(chan error)
	go func() { done <- loop.Handle(ctx, r) }()

	require.Eventually(t, func() bool {
		return loop.submitter.Tracker().InFlight(r.ID().String())
	}, time.Second, time.Millisecond)

	err := loop.Handle(ctx, r)
	assert.ErrorIs(t, err, submission.ErrAlreadyInFlight)
	assert.Equal(t, 1, target.SubmittedCount())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRejectedReportCountsAsReported(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	target.QueueOutcomes(bridge.OutcomeRejected)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	r := report(1, 7, 3, 95)
	require.NoError(t, loop.Handle(context.Background(), r))
	assert.ErrorIs(t, loop.Handle(context.Background(), r), ErrAlreadyReported)
	assert.Equal(t, 1, target.SubmittedCount())
}

func TestSetRetention(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 5)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	assert.ErrorIs(t, loop.Handle(context.Background(), report(1, 7, 2, 95)), ErrSetNotRetained)
	assert.NoError(t, loop.Handle(context.Background(), report(1, 7, 3, 95)))

	future := report(2, 1, 6, 96)
	loop.Enqueue(future)
	loop.ProcessPending(context.Background())
	assert.Equal(t, 1, loop.Pending())

	target.SetAuthoritySetID(6)
	loop.ProcessPending(context.Background())
	assert.Equal(t, 0, loop.Pending())
	assert.Contains(t, target.ReportedIDs(), future.ID())
}

func TestEncodingFailureDiscardsReport(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	builder := bridgetest.NewCallBuilder()
	builder.FailEquivocations()
	loop := newLoop(t, source, target, builder, 50*time.Millisecond)

	loop.Enqueue(report(1, 7, 3, 95))
	loop.ProcessPending(context.Background())

	assert.Equal(t, 0, loop.Pending())
	assert.Equal(t, 0, target.SubmittedCount())
}

func TestRunRelaysStreamedReports(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.SetHeight(100)
	target := bridgetest.NewTarget(90, 3)
	loop := newLoop(t, source, target, bridgetest.NewCallBuilder(), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- loop.Run(ctx) }()

	r := report(9, 3, 3, 97)
	source.PublishReport(r)
	source.PublishReport(r)

	require.Eventually(t, func() bool {
		return len(target.ReportedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, bridge.StateHalted, loop.State())
	assert.Equal(t, 1, target.SubmittedCount())
}
