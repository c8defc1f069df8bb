package submission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowfork/finality-relayer/relays/bridge"
	"github.com/snowfork/finality-relayer/relays/bridge/bridgetest"
)

func testConfig() Config {
	return Config{
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		BackoffCeiling:      4 * time.Millisecond,
		ConfirmationTimeout: 50 * time.Millisecond,
	}
}

func finalityPayload(t *testing.T, source *bridgetest.Source, number uint64) bridge.Payload {
	justification, err := source.JustificationFor(context.Background(), source.Header(number))
	require.NoError(t, err)
	require.NotNil(t, justification)
	payload, err := bridgetest.NewCallBuilder().EncodeFinalityProof(*justification, 1)
	require.NoError(t, err)
	return payload
}

func TestTrackerRejectsSecondAttemptForSameKey(t *testing.T) {
	tracker := NewTracker()

	_, err := tracker.Begin("finality/12", bridge.Payload{})
	require.NoError(t, err)
	_, err = tracker.Begin("finality/12", bridge.Payload{})
	assert.ErrorIs(t, err, ErrAlreadyInFlight)
	assert.True(t, tracker.InFlight("finality/12"))

	tracker.Retry("finality/12")
	attempt := tracker.Finish("finality/12", bridge.OutcomeConfirmed)
	assert.Equal(t, uint(1), attempt.Retries)
	assert.Equal(t, bridge.OutcomeConfirmed, attempt.Outcome)
	assert.Equal(t, 0, tracker.Len())

	_, err = tracker.Begin("finality/12", bridge.Payload{})
	assert.NoError(t, err)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	target.FailSubmissions(
		fmt.Errorf("%w: connection reset", bridge.ErrTransientNetwork),
		fmt.Errorf("%w: connection reset", bridge.ErrTransientNetwork),
	)

	var events []Event
	submitter := NewSubmitter(target, NewTracker(), testConfig())
	attempt, err := submitter.Submit(context.Background(), "finality/12", finalityPayload(t, source, 12), func(e Event) {
		events = append(events, e)
	})

	require.NoError(t, err)
	assert.Equal(t, bridge.OutcomeConfirmed, attempt.Outcome)
	assert.Equal(t, uint(2), attempt.Retries)
	assert.Equal(t, []Event{EventRetrying, EventRetrying, EventSubmitted}, events)
	assert.Equal(t, uint64(12), target.State().LastAccepted.Number)
}

func TestSubmitExhaustsRetries(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	target.QueueOutcomes(bridge.OutcomeDropped, bridge.OutcomeDropped, bridge.OutcomeDropped)

	var events []Event
	submitter := NewSubmitter(target, NewTracker(), testConfig())
	attempt, err := submitter.Submit(context.Background(), "finality/12", finalityPayload(t, source, 12), func(e Event) {
		events = append(events, e)
	})

	assert.ErrorIs(t, err, bridge.ErrExhaustedRetries)
	assert.ErrorIs(t, err, bridge.ErrTransientNetwork)
	assert.Equal(t, bridge.OutcomeDropped, attempt.Outcome)
	assert.Equal(t, uint(2), attempt.Retries)
	assert.Equal(t, []Event{EventSubmitted, EventRetrying, EventSubmitted, EventRetrying, EventSubmitted}, events)
	assert.Equal(t, 3, target.SubmittedCount())
	assert.False(t, submitter.Tracker().InFlight("finality/12"))
}

func TestSubmitDoesNotRetryRejection(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(12, 1)

	submitter := NewSubmitter(target, NewTracker(), testConfig())
	attempt, err := submitter.Submit(context.Background(), "finality/12", finalityPayload(t, source, 12), nil)

	assert.ErrorIs(t, err, bridge.ErrRejected)
	assert.Equal(t, bridge.OutcomeRejected, attempt.Outcome)
	assert.Equal(t, 1, target.SubmittedCount())
}

func TestSubmitConfirmationTimeoutIsTransient(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)
	target.Hang(true)

	config := testConfig()
	config.MaxAttempts = 2
	config.ConfirmationTimeout = 5 * time.Millisecond
	submitter := NewSubmitter(target, NewTracker(), config)
	_, err := submitter.Submit(context.Background(), "finality/12", finalityPayload(t, source, 12), nil)

	assert.ErrorIs(t, err, bridge.ErrExhaustedRetries)
	assert.ErrorIs(t, err, bridge.ErrConfirmationTimeout)
	assert.Equal(t, 2, target.SubmittedCount())
	assert.Equal(t, 2, target.AbandonedCount())
}

func TestSubmitStopsOnCancellation(t *testing.T) {
	source := bridgetest.NewSource(1)
	source.Finalize(12, 12)
	target := bridgetest.NewTarget(9, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	submitter := NewSubmitter(target, NewTracker(), testConfig())
	_, err := submitter.Submit(ctx, "finality/12", finalityPayload(t, source, 12), nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, target.SubmittedCount())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	config := testConfig()
	config.MaxAttempts = 0
	assert.Error(t, config.Validate())

	config = testConfig()
	config.BackoffCeiling = 0
	assert.Error(t, config.Validate())
}
