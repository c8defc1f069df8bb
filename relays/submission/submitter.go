// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"github.com/snowfork/finality-relayer/relays/bridge"
)

type Config struct {
	MaxAttempts         uint          `mapstructure:"max-attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff-base"`
	BackoffCeiling      time.Duration `mapstructure:"backoff-ceiling"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation-timeout"`
}

func (c Config) Validate() error {
	if c.MaxAttempts == 0 {
		return errors.New("max-attempts must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return errors.New("backoff-base must be positive")
	}
	if c.BackoffCeiling < c.BackoffBase {
		return errors.New("backoff-ceiling must not be below backoff-base")
	}
	if c.ConfirmationTimeout <= 0 {
		return errors.New("confirmation-timeout must be positive")
	}
	return nil
}

type Event int

const (
	// EventSubmitted fires once the target accepted the payload into its pool.
	EventSubmitted Event = iota
	// EventRetrying fires after a transient failure, before the backoff wait.
	EventRetrying
)

type Submitter struct {
	target  bridge.TargetClient
	tracker *Tracker
	config  Config
}

func NewSubmitter(target bridge.TargetClient, tracker *Tracker, config Config) *Submitter {
	return &Submitter{
		target:  target,
		tracker: tracker,
		config:  config,
	}
}

func (s *Submitter) Tracker() *Tracker {
	return s.tracker
}

// Submit dispatches payload under key and waits for it to be finalized on the
// target. Transient failures are retried with exponential backoff up to
// MaxAttempts; after that the last error is returned wrapped in
// bridge.ErrExhaustedRetries. A payload refused by the target yields
// bridge.ErrRejected without retrying.
func (s *Submitter) Submit(ctx context.Context, key string, payload bridge.Payload, onEvent func(Event)) (Attempt, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	_, err := s.tracker.Begin(key, payload)
	if err != nil {
		return Attempt{}, err
	}

	err = retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.submitOnce(ctx, payload, onEvent)
		},
		retry.Context(ctx),
		retry.Attempts(s.config.MaxAttempts),
		retry.Delay(s.config.BackoffBase),
		retry.MaxDelay(s.config.BackoffCeiling),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(bridge.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			// Also invoked for the final failure, which is not followed by a backoff.
			if n+1 >= s.config.MaxAttempts {
				return
			}
			s.tracker.Retry(key)
			onEvent(EventRetrying)
			log.WithFields(log.Fields{
				"key":     key,
				"kind":    payload.Kind,
				"attempt": n + 1,
				"max":     s.config.MaxAttempts,
			}).WithError(err).Warn("Submission failed, backing off")
		}),
	)

	switch {
	case err == nil:
		return s.tracker.Finish(key, bridge.OutcomeConfirmed), nil
	case errors.Is(err, bridge.ErrRejected):
		return s.tracker.Finish(key, bridge.OutcomeRejected), err
	case ctx.Err() != nil:
		return s.tracker.Finish(key, bridge.OutcomeDropped), ctx.Err()
	case bridge.IsTransient(err):
		return s.tracker.Finish(key, bridge.OutcomeDropped), fmt.Errorf("%w: %w", bridge.ErrExhaustedRetries, err)
	default:
		return s.tracker.Finish(key, bridge.OutcomeDropped), err
	}
}

func (s *Submitter) submitOnce(ctx context.Context, payload bridge.Payload, onEvent func(Event)) error {
	watch, err := s.target.Submit(ctx, payload)
	if err != nil {
		return fmt.Errorf("submit %s payload: %w", payload.Kind, err)
	}
	defer watch.Cancel()
	onEvent(EventSubmitted)

	waitCtx, cancel := context.WithTimeout(ctx, s.config.ConfirmationTimeout)
	defer cancel()

	outcome, err := watch.Wait(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", bridge.ErrConfirmationTimeout, s.config.ConfirmationTimeout)
		}
		return fmt.Errorf("watch %s payload: %w", payload.Kind, err)
	}

	switch outcome {
	case bridge.OutcomeConfirmed:
		return nil
	case bridge.OutcomeRejected:
		return bridge.ErrRejected
	default:
		return fmt.Errorf("%w: %s payload %s", bridge.ErrTransientNetwork, payload.Kind, outcome)
	}
}
