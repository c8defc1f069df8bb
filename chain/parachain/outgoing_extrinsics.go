// Copyright 2020 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package parachain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/snowfork/go-substrate-rpc-client/v4/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/snowfork/finality-relayer/relays/bridge"
)

// ExtrinsicPool bounds the number of extrinsics watched at once.
type ExtrinsicPool struct {
	submit         submitFunc
	eg             *errgroup.Group
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	// Called when a watch ends without the extrinsic being finalized.
	onUnconfirmed func()
}

type statusSubscription interface {
	Chan() <-chan types.ExtrinsicStatus
	Err() <-chan error
	Unsubscribe()
}

type submitFunc func(ext types.Extrinsic) (statusSubscription, error)

func NewExtrinsicPool(
	eg *errgroup.Group,
	conn *Connection,
	maxWatchedExtrinsics int64,
	acquireTimeout time.Duration,
	onUnconfirmed func(),
) *ExtrinsicPool {
	submit := func(ext types.Extrinsic) (statusSubscription, error) {
		return conn.API().RPC.Author.SubmitAndWatchExtrinsic(ext)
	}
	return newExtrinsicPool(eg, submit, maxWatchedExtrinsics, acquireTimeout, onUnconfirmed)
}

func newExtrinsicPool(
	eg *errgroup.Group,
	submit submitFunc,
	maxWatchedExtrinsics int64,
	acquireTimeout time.Duration,
	onUnconfirmed func(),
) *ExtrinsicPool {
	if onUnconfirmed == nil {
		onUnconfirmed = func() {}
	}
	return &ExtrinsicPool{
		submit:         submit,
		eg:             eg,
		sem:            semaphore.NewWeighted(maxWatchedExtrinsics),
		acquireTimeout: acquireTimeout,
		onUnconfirmed:  onUnconfirmed,
	}
}

var _ bridge.Watch = (*ExtrinsicWatch)(nil)

type statusResult struct {
	outcome bridge.Outcome
	block   types.Hash
	err     error
}

// ExtrinsicWatch resolves once the watched extrinsic is finalized or removed
// from the transaction pool.
type ExtrinsicWatch struct {
	nonce  uint64
	result chan statusResult
	cancel context.CancelFunc
}

func (w *ExtrinsicWatch) Wait(ctx context.Context) (bridge.Outcome, error) {
	select {
	case <-ctx.Done():
		return bridge.OutcomePending, ctx.Err()
	case result := <-w.result:
		if result.err != nil {
			return bridge.OutcomePending, result.err
		}
		log.WithFields(log.Fields{
			"nonce":   w.nonce,
			"outcome": result.outcome,
			"block":   result.block.Hex(),
		}).Debug("Extrinsic watch resolved")
		return result.outcome, nil
	}
}

// Cancel stops watching the extrinsic and frees its slot in the pool.
func (w *ExtrinsicWatch) Cancel() {
	w.cancel()
}

// SubmitAndWatch submits ext and watches its status until it resolves, the
// watch is canceled or ctx is done. While the pool is full it waits at most
// the acquire timeout for a free slot.
func (ep *ExtrinsicPool) SubmitAndWatch(ctx context.Context, ext *types.Extrinsic) (*ExtrinsicWatch, error) {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, ep.acquireTimeout)
	err := ep.sem.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no free extrinsic watch slot after %s", bridge.ErrTransientNetwork, ep.acquireTimeout)
	}

	sub, err := ep.submit(*ext)
	if err != nil {
		ep.sem.Release(1)
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watch := &ExtrinsicWatch{
		nonce:  nonce(ext),
		result: make(chan statusResult, 1),
		cancel: cancel,
	}

	ep.eg.Go(func() error {
		defer ep.sem.Release(1)
		defer sub.Unsubscribe()
		defer cancel()
		for {
			select {
			case <-watchCtx.Done():
				ep.onUnconfirmed()
				return nil
			case err := <-sub.Err():
				log.WithError(err).WithField("nonce", watch.nonce).Error("Subscription failed for extrinsic status")
				ep.onUnconfirmed()
				watch.result <- statusResult{err: fmt.Errorf("%w: extrinsic status subscription: %w", bridge.ErrTransientNetwork, err)}
				return nil
			case status := <-sub.Chan():
				// https://github.com/paritytech/substrate/blob/29aca981db5e8bf8b5538e6c7920ded917013ef3/primitives/transaction-pool/src/pool.rs#L56-L127
				outcome, done := outcomeOf(&status)
				if !done {
					continue
				}
				if outcome != bridge.OutcomeConfirmed {
					log.WithFields(log.Fields{
						"nonce":  watch.nonce,
						"reason": reason(&status),
					}).Warn("Extrinsic removed from the transaction pool")
					ep.onUnconfirmed()
				}
				watch.result <- statusResult{outcome: outcome, block: status.AsFinalized}
				return nil
			}
		}
	})

	return watch, nil
}

func outcomeOf(status *types.ExtrinsicStatus) (bridge.Outcome, bool) {
	switch {
	case status.IsFinalized:
		return bridge.OutcomeConfirmed, true
	case status.IsInvalid:
		return bridge.OutcomeRejected, true
	case status.IsDropped, status.IsUsurped, status.IsFinalityTimeout:
		return bridge.OutcomeDropped, true
	}
	return bridge.OutcomePending, false
}

func nonce(ext *types.Extrinsic) uint64 {
	nonce := big.Int(ext.Signature.Nonce)
	return nonce.Uint64()
}

func reason(status *types.ExtrinsicStatus) string {
	switch {
	case status.IsInBlock:
		return "InBlock"
	case status.IsDropped:
		return "Dropped"
	case status.IsInvalid:
		return "Invalid"
	case status.IsUsurped:
		return "Usurped"
	case status.IsFinalityTimeout:
		return "FinalityTimeout"
	}
	return ""
}
