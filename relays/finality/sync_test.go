package finality

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
		RecentProofsLimit: 16,
		ResubscribeDelay:  5 * time.Millisecond,
	}
}

func submissionConfig() submission.Config {
	return submission.Config{
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		BackoffCeiling:      4 * time.Millisecond,
		ConfirmationTimeout: 50 * time.Millisecond,
	}
}

func newLoop(t *testing.T, config Config, source bridge.SourceClient, target bridge.TargetClient, builder bridge.CallBuilder) *Loop {
	submitter := submission.NewSubmitter(target, submission.NewTracker(), submissionConfig())
	loop, err := New(config, source, target, builder, submitter, nil)
	require.NoError(t, err)
	return loop
}

func TestSkipPolicySubmitsNewestHeader(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 10, 11, 12)
	target := bridgetest.NewTarget(9, 1)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(12), step.Header.Number)
	assert.Equal(t, bridge.StateConfirmed, loop.State())
	assert.Equal(t, 1, target.SubmittedCount())
	assert.Equal(t, uint64(12), target.State().LastAccepted.Number)

	_, err = loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrNothingToRelay)
	assert.Equal(t, 1, target.SubmittedCount())
}

func TestMandatoryTransitionSubmittedFirst(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.MarkBoundary(15)
	source.Finalize(20, 20)
	target := bridgetest.NewTarget(14, 1)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(15), step.Header.Number)
	assert.True(t, step.Mandatory)
	assert.Equal(t, bridge.AuthoritySetID(2), target.State().AuthoritySetID)

	step, err = loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), step.Header.Number)
	assert.False(t, step.Mandatory)

	assert.Equal(t, []uint64{15, 20}, target.ImportedHeaders())
}

func TestMandatoryHeaderAtBestIsFlagged(t *testing.T) {
	source := bridgetest.NewSource(3)
	source.MarkBoundary(20)
	source.Finalize(20)
	target := bridgetest.NewTarget(14, 3)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.True(t, step.Mandatory)
	assert.Equal(t, 0, source.HeaderCalls())
}

func TestTransientFailuresThenConfirmed(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	target.FailSubmissions(
		fmt.Errorf("%w: timeout", bridge.ErrTransientNetwork),
		fmt.Errorf("%w: timeout", bridge.ErrTransientNetwork),
	)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, bridge.StateConfirmed, loop.State())
	assert.Equal(t, bridge.OutcomeConfirmed, step.Attempt.Outcome)
	assert.Equal(t, uint(2), step.Attempt.Retries)
	assert.Equal(t, uint64(12), target.State().LastAccepted.Number)
}

func TestExhaustedRetriesIsRetriedNextStep(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	target.QueueOutcomes(bridge.OutcomeDropped, bridge.OutcomeDropped, bridge.OutcomeDropped)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	_, err := loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrExhaustedRetries)

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), step.Header.Number)
}

// advancingTarget imports the header on behalf of another relayer just before
// rejecting ours.
type advancingTarget struct {
	*bridgetest.Target
	to uint64
}

func (t *advancingTarget) Submit(ctx context.Context, payload bridge.Payload) (bridge.Watch, error) {
	t.Target.Advance(t.to)
	return t.Target.Submit(ctx, payload)
}

func TestStaleRejectionIsSuccess(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := &advancingTarget{Target: bridgetest.NewTarget(9, 1), to: 13}
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bridge.OutcomeRejected, step.Attempt.Outcome)
	assert.Equal(t, uint64(13), step.Target.LastAccepted.Number)
}

func TestResubmissionIsIdempotent(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	builder := bridgetest.NewCallBuilder()
	loop := newLoop(t, testConfig(), source, target, builder)

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	before := target.State()

	justification, err := source.JustificationFor(context.Background(), step.Header)
	require.NoError(t, err)
	payload, err := builder.EncodeFinalityProof(*justification, step.Header.AuthoritySetID)
	require.NoError(t, err)
	submitter := submission.NewSubmitter(target, submission.NewTracker(), submissionConfig())
	_, err = submitter.Submit(context.Background(), "replay", payload, nil)
	assert.ErrorIs(t, err, bridge.ErrRejected)

	assert.Equal(t, before, target.State())
}

func TestEncodingFailureSkipsHeader(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	builder := bridgetest.NewCallBuilder()
	builder.FailHeader(12)
	loop := newLoop(t, testConfig(), source, target, builder)
	loop.Observe(mustJustification(t, source, 11))

	_, err := loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrEncoding)

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), step.Header.Number)
}

func TestRejectedProofSkipsHeader(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	target.QueueOutcomes(bridge.OutcomeRejected)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	_, err := loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrInvalidProof)

	_, err = loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrJustificationUnavailable)
	assert.Equal(t, 1, target.SubmittedCount())
}

func TestStreamedJustificationUsedWhenBestHasNone(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(30)
	target := bridgetest.NewTarget(20, 1)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	_, err := loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrJustificationUnavailable)

	loop.Observe(mustJustification(t, source, 18))
	loop.Observe(mustJustification(t, source, 25))
	loop.Observe(mustJustification(t, source, 27))

	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(27), step.Header.Number)
}

func TestOnlyMandatoryHeaders(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(20, 20)
	target := bridgetest.NewTarget(10, 1)
	config := testConfig()
	config.OnlyMandatory = true
	loop := newLoop(t, config, source, target, bridgetest.NewCallBuilder())

	_, err := loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrNothingToRelay)

	source.MarkBoundary(15)
	step, err := loop.SyncStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(15), step.Header.Number)

	_, err = loop.SyncStep(context.Background())
	assert.ErrorIs(t, err, bridge.ErrNothingToRelay)
}

func TestSyncStepDoesNotDispatchAfterCancellation(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loop.SyncStep(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, target.SubmittedCount())

	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, bridge.StateHalted, loop.State())
}

func TestRunRelaysUntilCancelled(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.MarkBoundary(15)
	source.Finalize(20, 20)
	target := bridgetest.NewTarget(10, 1)
	loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return target.State().LastAccepted.Number == 20
	}, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, bridge.StateHalted, loop.State())
	assert.Equal(t, []uint64{15, 20}, target.ImportedHeaders())
}

// Over random chains the target only ever moves forward, every boundary is
// imported, and nothing at or below the target is submitted.
func TestNoRedundantSubmissionAndBoundaryOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		start := uint64(rng.Intn(20))
		best := start + 1 + uint64(rng.Intn(60))

		source := bridgetest.NewSource(5)
		var boundaries []uint64
		for n := start + 1; n <= best; n++ {
			switch r := rng.Intn(10); {
			case r == 0:
				source.MarkBoundary(n)
				boundaries = append(boundaries, n)
			case r < 4:
				source.Finalize(best, n)
			}
		}
		source.Finalize(best, best)

		target := bridgetest.NewTarget(start, 5)
		loop := newLoop(t, testConfig(), source, target, bridgetest.NewCallBuilder())

		for steps := 0; steps < 100; steps++ {
			before := target.State().LastAccepted.Number
			step, err := loop.SyncStep(context.Background())
			if err != nil {
				require.ErrorIs(t, err, bridge.ErrNothingToRelay)
				break
			}
			require.Greater(t, step.Header.Number, before)
		}

		imported := target.ImportedHeaders()
		require.Equal(t, best, target.State().LastAccepted.Number)
		require.Equal(t, len(imported), target.SubmittedCount())
		for _, boundary := range boundaries {
			require.Contains(t, imported, boundary)
		}
		for j := 1; j < len(imported); j++ {
			require.Greater(t, imported[j], imported[j-1])
		}
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	config := testConfig()
	config.PollInterval = 0
	assert.Error(t, config.Validate())
}

func mustJustification(t *testing.T, source *bridgetest.Source, number uint64) bridge.Justification {
	justification, err := source.JustificationFor(context.Background(), source.Header(number))
	require.NoError(t, err)
	if justification != nil {
		return *justification
	}
	header := source.Header(number)
	return bridge.Justification{
		Header:       header,
		TargetHash:   header.Hash,
		TargetNumber: header.Number,
		Encoded:      append([]byte{0x02}, header.Encoded...),
	}
}
