// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package finality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/snowfork/finality-relayer/internal/metrics"
	"github.com/snowfork/finality-relayer/relays/bridge"
	"github.com/snowfork/finality-relayer/relays/submission"
)

const pipelineName = "finality"

type Config struct {
	PollInterval time.Duration `mapstructure:"poll-interval"`
	// Authority set transitions a single proof may cross. The GRANDPA light
	// client accepts none: every boundary header is imported on its own.
	MaxSetTransitions uint `mapstructure:"max-set-transitions"`
	// Relay only headers that enact authority set changes.
	OnlyMandatory     bool `mapstructure:"only-mandatory-headers"`
	RecentProofsLimit int  `mapstructure:"recent-proofs-limit"`
	// Wait before subscribing again to a closed justification stream.
	ResubscribeDelay time.Duration `mapstructure:"resubscribe-delay"`
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be positive")
	}
	if c.RecentProofsLimit <= 0 {
		return errors.New("recent-proofs-limit must be positive")
	}
	if c.ResubscribeDelay <= 0 {
		return errors.New("resubscribe-delay must be positive")
	}
	return nil
}

// Step describes one completed submission.
type Step struct {
	Header    bridge.FinalizedHeader
	Mandatory bool
	Attempt   submission.Attempt
	Target    bridge.TargetState
}

// Loop advances the target light client towards the source best finalized header.
type Loop struct {
	config    Config
	source    bridge.SourceClient
	target    bridge.TargetClient
	builder   bridge.CallBuilder
	submitter *submission.Submitter
	metrics   metrics.Recorder
	recent    *lru.Cache[uint64, bridge.Justification]

	mu    sync.Mutex
	state bridge.State
	skip  map[uint64]struct{}
}

func New(
	config Config,
	source bridge.SourceClient,
	target bridge.TargetClient,
	builder bridge.CallBuilder,
	submitter *submission.Submitter,
	recorder metrics.Recorder,
) (*Loop, error) {
	recent, err := lru.New[uint64, bridge.Justification](config.RecentProofsLimit)
	if err != nil {
		return nil, fmt.Errorf("create recent justification cache: %w", err)
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Loop{
		config:    config,
		source:    source,
		target:    target,
		builder:   builder,
		submitter: submitter,
		metrics:   recorder,
		recent:    recent,
		skip:      make(map[uint64]struct{}),
	}, nil
}

func (l *Loop) State() bridge.State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *Loop) setState(state bridge.State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	l.metrics.SetPipelineState(pipelineName, int(state))
}

func (l *Loop) Start(ctx context.Context, eg *errgroup.Group) error {
	state, err := bridge.ReadTargetState(ctx, l.target)
	if err != nil {
		return fmt.Errorf("fetch initial target state: %w", err)
	}
	log.WithFields(log.Fields{
		"lastAccepted":   state.LastAccepted,
		"authoritySetID": state.AuthoritySetID,
		"onlyMandatory":  l.config.OnlyMandatory,
	}).Info("Starting finality sync")

	eg.Go(func() error {
		l.collect(ctx)
		return nil
	})
	eg.Go(func() error {
		return l.Run(ctx)
	})
	return nil
}

// collect feeds streamed justifications into the recent proofs cache,
// subscribing again whenever the stream closes.
func (l *Loop) collect(ctx context.Context) {
	for {
		proofs, err := l.source.FinalityProofs(ctx)
		if err != nil {
			log.WithError(err).Warn("Justification stream unavailable")
		} else {
			l.drain(ctx, proofs)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.config.ResubscribeDelay):
		}
	}
}

func (l *Loop) drain(ctx context.Context, proofs <-chan bridge.FinalityProofResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-proofs:
			if !ok {
				log.Warn("Justification stream closed")
				return
			}
			if result.Error != nil {
				log.WithError(result.Error).Warn("Justification stream failed")
				continue
			}
			l.Observe(result.Justification)
		}
	}
}

func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			l.setState(bridge.StateHalted)
			return nil
		}

		step, err := l.SyncStep(ctx)
		switch {
		case err == nil:
			log.WithFields(log.Fields{
				"header":    step.Header.ID(),
				"mandatory": step.Mandatory,
				"retries":   step.Attempt.Retries,
			}).Info("Finality proof imported")
		case ctx.Err() != nil:
			l.setState(bridge.StateHalted)
			return nil
		case errors.Is(err, bridge.ErrNothingToRelay):
			log.Debug("Target is up to date with source")
		case errors.Is(err, bridge.ErrJustificationUnavailable):
			log.WithError(err).Info("Waiting for a justification")
		case errors.Is(err, bridge.ErrStaleSubmission):
			log.WithError(err).Info("Target already advanced by another relayer")
		case errors.Is(err, bridge.ErrInvalidProof), errors.Is(err, bridge.ErrEncoding):
			log.WithError(err).Warn("Skipping header")
		case errors.Is(err, bridge.ErrExhaustedRetries):
			log.WithError(err).Warn("Finality proof not delivered, retrying on the next step")
		case errors.Is(err, submission.ErrAlreadyInFlight):
			log.WithError(err).Debug("Finality proof still in flight")
		default:
			log.WithError(err).Warn("Finality sync step failed")
		}

		l.setState(bridge.StateIdle)
		select {
		case <-ctx.Done():
			l.setState(bridge.StateHalted)
			return nil
		case <-ticker.C:
		}
	}
}

// SyncStep re-reads the target, selects the next header, submits its proof and
// confirms the import. A header the target already holds is never submitted.
func (l *Loop) SyncStep(ctx context.Context) (*Step, error) {
	l.setState(bridge.StateSelecting)

	state, err := bridge.ReadTargetState(ctx, l.target)
	if err != nil {
		return nil, err
	}
	l.metrics.SetBestHeight("target", state.LastAccepted.Number)
	l.prune(state.LastAccepted.Number)
	l.pruneSkipped(state.LastAccepted.Number)

	selection, err := l.Select(ctx, state)
	if err != nil {
		return nil, err
	}
	header := selection.Justification.Header
	fields := log.Fields{
		"header":       header.ID(),
		"setID":        header.AuthoritySetID,
		"mandatory":    selection.Mandatory,
		"lastAccepted": state.LastAccepted.Number,
	}
	if header.Number <= state.LastAccepted.Number {
		return nil, fmt.Errorf("%w: header %d not above target %d", bridge.ErrStaleSubmission, header.Number, state.LastAccepted.Number)
	}

	l.setState(bridge.StateBuilding)
	if err := selection.Justification.Validate(); err != nil {
		l.skipHeader(selection)
		return nil, err
	}
	payload, err := l.builder.EncodeFinalityProof(selection.Justification, header.AuthoritySetID)
	if err != nil {
		l.skipHeader(selection)
		return nil, fmt.Errorf("%w: encode finality proof for %s: %w", bridge.ErrEncoding, header.ID(), err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.WithFields(fields).Info("Submitting finality proof")
	l.setState(bridge.StateSubmitting)
	attempt, err := l.submitter.Submit(ctx, proofKey(header), payload, l.onSubmissionEvent)
	if !errors.Is(err, submission.ErrAlreadyInFlight) {
		l.metrics.IncSubmission(pipelineName, attempt.Outcome.String())
	}

	step := &Step{Header: header, Mandatory: selection.Mandatory, Attempt: attempt}
	switch {
	case err == nil:
		return l.confirm(ctx, step, selection)
	case errors.Is(err, bridge.ErrRejected):
		return l.rejected(ctx, step, selection)
	default:
		return nil, err
	}
}

func (l *Loop) onSubmissionEvent(event submission.Event) {
	switch event {
	case submission.EventSubmitted:
		l.setState(bridge.StateAwaitingConfirmation)
	case submission.EventRetrying:
		l.setState(bridge.StateTransientFailure)
		l.setState(bridge.StateBackoff)
	}
}

// confirm checks that the finalized submission actually moved the target.
func (l *Loop) confirm(ctx context.Context, step *Step, selection Selection) (*Step, error) {
	state, err := bridge.ReadTargetState(ctx, l.target)
	if err != nil {
		return nil, fmt.Errorf("confirm import of %s: %w", step.Header.ID(), err)
	}
	step.Target = state
	if state.LastAccepted.Number >= step.Header.Number {
		l.setState(bridge.StateConfirmed)
		return step, nil
	}

	l.setState(bridge.StateRejected)
	l.skipHeader(selection)
	return nil, fmt.Errorf("%w: %s finalized on target but not imported", bridge.ErrInvalidProof, step.Header.ID())
}

// rejected treats a refusal as success when the target already holds an equal
// or later header.
func (l *Loop) rejected(ctx context.Context, step *Step, selection Selection) (*Step, error) {
	l.setState(bridge.StateRejected)

	state, err := bridge.ReadTargetState(ctx, l.target)
	if err != nil {
		return nil, fmt.Errorf("re-read target after rejection of %s: %w", step.Header.ID(), err)
	}
	step.Target = state
	if state.LastAccepted.Number >= step.Header.Number {
		log.WithFields(log.Fields{
			"header":       step.Header.ID(),
			"lastAccepted": state.LastAccepted,
		}).Info("Finality proof rejected as stale, target already advanced")
		return step, nil
	}

	l.skipHeader(selection)
	return nil, fmt.Errorf("%w: target rejected %s", bridge.ErrInvalidProof, step.Header.ID())
}

// skipHeader excludes a non-mandatory header from future selection. Boundary
// headers can never be skipped.
func (l *Loop) skipHeader(selection Selection) {
	if selection.Mandatory {
		return
	}
	l.markSkipped(selection.Justification.Header.Number)
}

func proofKey(header bridge.FinalizedHeader) string {
	return fmt.Sprintf("finality/%d/%s", header.Number, header.Hash.Hex())
}
