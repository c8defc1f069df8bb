package parachain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snowfork/go-substrate-rpc-client/v4/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

type fakeSubscription struct {
	statuses     chan types.ExtrinsicStatus
	errs         chan error
	unsubscribed atomic.Bool
}

func (s *fakeSubscription) Chan() <-chan types.ExtrinsicStatus { return s.statuses }
func (s *fakeSubscription) Err() <-chan error                 { return s.errs }
func (s *fakeSubscription) Unsubscribe()                      { s.unsubscribed.Store(true) }

type fakeAuthor struct {
	mu   sync.Mutex
	subs []*fakeSubscription
}

func (a *fakeAuthor) submit(types.Extrinsic) (statusSubscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := &fakeSubscription{
		statuses: make(chan types.ExtrinsicStatus, 1),
		errs:     make(chan error, 1),
	}
	a.subs = append(a.subs, sub)
	return sub, nil
}

func (a *fakeAuthor) sub(i int) *fakeSubscription {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.subs[i]
}

func newTestPool(eg *errgroup.Group, author *fakeAuthor, max int64, unconfirmed *atomic.Int32) *ExtrinsicPool {
	return newExtrinsicPool(eg, author.submit, max, 50*time.Millisecond, func() {
		unconfirmed.Add(1)
	})
}

func testExtrinsic() *types.Extrinsic {
	ext := types.NewExtrinsic(types.Call{})
	return &ext
}

func TestWatchOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      types.ExtrinsicStatus
		outcome     bridge.Outcome
		unconfirmed int32
	}{
		{"finalized", types.ExtrinsicStatus{IsFinalized: true}, bridge.OutcomeConfirmed, 0},
		{"dropped", types.ExtrinsicStatus{IsDropped: true}, bridge.OutcomeDropped, 1},
		{"finality timeout", types.ExtrinsicStatus{IsFinalityTimeout: true}, bridge.OutcomeDropped, 1},
		{"invalid", types.ExtrinsicStatus{IsInvalid: true}, bridge.OutcomeRejected, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var eg errgroup.Group
			var unconfirmed atomic.Int32
			author := &fakeAuthor{}
			pool := newTestPool(&eg, author, 1, &unconfirmed)

			watch, err := pool.SubmitAndWatch(context.Background(), testExtrinsic())
			require.NoError(t, err)
			author.sub(0).statuses <- types.ExtrinsicStatus{IsReady: true}
			author.sub(0).statuses <- tt.status

			outcome, err := watch.Wait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)

			require.NoError(t, eg.Wait())
			assert.Equal(t, tt.unconfirmed, unconfirmed.Load())
			assert.True(t, author.sub(0).unsubscribed.Load())
		})
	}
}

func TestWatchSubscriptionErrorIsTransient(t *testing.T) {
	var eg errgroup.Group
	var unconfirmed atomic.Int32
	author := &fakeAuthor{}
	pool := newTestPool(&eg, author, 1, &unconfirmed)

	watch, err := pool.SubmitAndWatch(context.Background(), testExtrinsic())
	require.NoError(t, err)
	author.sub(0).errs <- errors.New("connection closed")

	_, err = watch.Wait(context.Background())
	assert.ErrorIs(t, err, bridge.ErrTransientNetwork)

	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), unconfirmed.Load())
}

func TestFullPoolWaitIsBounded(t *testing.T) {
	var eg errgroup.Group
	var unconfirmed atomic.Int32
	author := &fakeAuthor{}
	pool := newTestPool(&eg, author, 1, &unconfirmed)

	first, err := pool.SubmitAndWatch(context.Background(), testExtrinsic())
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.SubmitAndWatch(context.Background(), testExtrinsic())
	assert.ErrorIs(t, err, bridge.ErrTransientNetwork)
	assert.Less(t, time.Since(start), time.Second)

	first.Cancel()
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), unconfirmed.Load())
	assert.True(t, author.sub(0).unsubscribed.Load())

	second, err := pool.SubmitAndWatch(context.Background(), testExtrinsic())
	require.NoError(t, err)
	second.Cancel()
	require.NoError(t, eg.Wait())
}

func TestCancelAfterResolutionIsHarmless(t *testing.T) {
	var eg errgroup.Group
	var unconfirmed atomic.Int32
	author := &fakeAuthor{}
	pool := newTestPool(&eg, author, 1, &unconfirmed)

	watch, err := pool.SubmitAndWatch(context.Background(), testExtrinsic())
	require.NoError(t, err)
	author.sub(0).statuses <- types.ExtrinsicStatus{IsFinalized: true}

	outcome, err := watch.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bridge.OutcomeConfirmed, outcome)

	require.NoError(t, eg.Wait())
	watch.Cancel()
	watch.Cancel()
	assert.Equal(t, int32(0), unconfirmed.Load())
}
