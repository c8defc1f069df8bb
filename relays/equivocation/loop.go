// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package equivocation

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

const pipelineName = "equivocation"

var (
	ErrAlreadyReported = errors.New("equivocation already reported")
	// ErrSetNotRetained means the target no longer keeps the offending authority set.
	ErrSetNotRetained = errors.New("authority set no longer retained by target")
	// ErrSetNotYetKnown defers a report until the target learns the offending set.
	ErrSetNotYetKnown = errors.New("authority set not yet known by target")
)

type Config struct {
	PollInterval time.Duration `mapstructure:"poll-interval"`
	// Source blocks after the equivocation during which it may still be reported.
	ReportingWindow uint64 `mapstructure:"reporting-window"`
	// Authority sets behind the current one the target still keeps.
	SetRetention      uint64        `mapstructure:"set-retention"`
	ReportedCacheSize int           `mapstructure:"reported-cache-size"`
	ResubscribeDelay  time.Duration `mapstructure:"resubscribe-delay"`
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be positive")
	}
	if c.ReportingWindow == 0 {
		return errors.New("reporting-window must be positive")
	}
	if c.ReportedCacheSize <= 0 {
		return errors.New("reported-cache-size must be positive")
	}
	if c.ResubscribeDelay <= 0 {
		return errors.New("resubscribe-delay must be positive")
	}
	return nil
}

// Loop relays equivocation evidence observed on the source to the target.
type Loop struct {
	config    Config
	source    bridge.SourceClient
	target    bridge.TargetClient
	builder   bridge.CallBuilder
	submitter *submission.Submitter
	metrics   metrics.Recorder
	reported  *lru.Cache[bridge.ReportID, struct{}]

	mu      sync.Mutex
	state   bridge.State
	pending map[bridge.ReportID]bridge.EquivocationReport
}

func New(
	config Config,
	source bridge.SourceClient,
	target bridge.TargetClient,
	builder bridge.CallBuilder,
	submitter *submission.Submitter,
	recorder metrics.Recorder,
) (*Loop, error) {
	reported, err := lru.New[bridge.ReportID, struct{}](config.ReportedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create reported equivocation cache: %w", err)
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
		reported:  reported,
		pending:   make(map[bridge.ReportID]bridge.EquivocationReport),
	}, nil
}

func (l *Loop) Start(ctx context.Context, eg *errgroup.Group) error {
	log.WithFields(log.Fields{
		"reportingWindow": l.config.ReportingWindow,
		"setRetention":    l.config.SetRetention,
	}).Info("Starting equivocation detection")

	eg.Go(func() error {
		return l.Run(ctx)
	})
	return nil
}

func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	var reports <-chan bridge.EquivocationResult
	var resubscribeAt time.Time

	for {
		if reports == nil && !time.Now().Before(resubscribeAt) {
			stream, err := l.source.EquivocationReports(ctx)
			if err != nil {
				log.WithError(err).Warn("Equivocation stream unavailable")
				resubscribeAt = time.Now().Add(l.config.ResubscribeDelay)
			} else {
				reports = stream
			}
		}

		l.setState(bridge.StateIdle)
		select {
		case <-ctx.Done():
			l.setState(bridge.StateHalted)
			return nil
		case result, ok := <-reports:
			if !ok {
				log.Warn("Equivocation stream closed")
				reports = nil
				resubscribeAt = time.Now().Add(l.config.ResubscribeDelay)
				continue
			}
			if result.Error != nil {
				log.WithError(result.Error).Warn("Equivocation stream failed")
				continue
			}
			l.Enqueue(result.Report)
			l.ProcessPending(ctx)
		case <-ticker.C:
			l.ProcessPending(ctx)
		}
	}
}

// Enqueue records an observed report unless it was already reported.
func (l *Loop) Enqueue(report bridge.EquivocationReport) {
	l.metrics.IncEquivocation("observed")

	id := report.ID()
	if l.reported.Contains(id) {
		log.WithField("report", id).Debug("Ignoring duplicate equivocation")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[id]; !ok {
		l.pending[id] = report
	}
}

func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

// ProcessPending handles every queued report. Reports that were delivered or
// cannot ever be delivered leave the queue; the rest stay for the next tick.
func (l *Loop) ProcessPending(ctx context.Context) {
	l.mu.Lock()
	reports := make([]bridge.EquivocationReport, 0, len(l.pending))
	for _, report := range l.pending {
		reports = append(reports, report)
	}
	l.mu.Unlock()

	for _, report := range reports {
		if ctx.Err() != nil {
			return
		}

		err := l.Handle(ctx, report)
		fields := log.Fields{
			"report":       report.ID(),
			"stage":        report.Stage,
			"originHeight": report.OriginHeight(),
		}
		keep := false
		switch {
		case err == nil:
			l.metrics.IncEquivocation("reported")
			log.WithFields(fields).Info("Equivocation reported")
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrAlreadyReported):
			log.WithFields(fields).Debug("Equivocation already reported")
		case errors.Is(err, bridge.ErrExpiredEvidence):
			l.metrics.IncEquivocation("expired")
			log.WithFields(fields).WithError(err).Info("Discarding expired equivocation")
		case errors.Is(err, ErrSetNotRetained):
			l.metrics.IncEquivocation("expired")
			log.WithFields(fields).WithError(err).Info("Discarding equivocation for pruned authority set")
		case errors.Is(err, bridge.ErrEncoding):
			l.metrics.IncEquivocation("skipped")
			log.WithFields(fields).WithError(err).Warn("Skipping equivocation")
		case errors.Is(err, ErrSetNotYetKnown), errors.Is(err, submission.ErrAlreadyInFlight):
			keep = true
			log.WithFields(fields).WithError(err).Debug("Deferring equivocation")
		case errors.Is(err, bridge.ErrExhaustedRetries):
			keep = true
			log.WithFields(fields).WithError(err).Warn("Equivocation not delivered, retrying on the next step")
		default:
			keep = true
			log.WithFields(fields).WithError(err).Warn("Equivocation handling failed")
		}

		if !keep {
			l.mu.Lock()
			delete(l.pending, report.ID())
			l.mu.Unlock()
		}
	}
}

// Handle relays a single report. Expired evidence is never submitted, and a
// report the target refuses is considered already reported.
func (l *Loop) Handle(ctx context.Context, report bridge.EquivocationReport) error {
	id := report.ID()
	if l.reported.Contains(id) {
		return ErrAlreadyReported
	}

	l.setState(bridge.StateSelecting)
	height, err := l.source.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("fetch source height: %w", err)
	}
	if report.OriginHeight()+l.config.ReportingWindow < height {
		return fmt.Errorf("%w: origin %d + window %d < height %d",
			bridge.ErrExpiredEvidence, report.OriginHeight(), l.config.ReportingWindow, height)
	}

	setID, err := l.target.CurrentAuthoritySetID(ctx)
	if err != nil {
		return fmt.Errorf("fetch target authority set: %w", err)
	}
	if uint64(report.SetID)+l.config.SetRetention < uint64(setID) {
		return fmt.Errorf("%w: set %d, target set %d", ErrSetNotRetained, report.SetID, setID)
	}
	if report.SetID > setID {
		return fmt.Errorf("%w: set %d, target set %d", ErrSetNotYetKnown, report.SetID, setID)
	}

	l.setState(bridge.StateBuilding)
	payload, err := l.builder.EncodeEquivocationReport(report)
	if err != nil {
		return fmt.Errorf("%w: encode report %s: %w", bridge.ErrEncoding, id, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	l.setState(bridge.StateSubmitting)
	attempt, err := l.submitter.Submit(ctx, id.String(), payload, l.onSubmissionEvent)
	if !errors.Is(err, submission.ErrAlreadyInFlight) {
		l.metrics.IncSubmission(pipelineName, attempt.Outcome.String())
	}
	switch {
	case err == nil:
		l.setState(bridge.StateConfirmed)
		l.reported.Add(id, struct{}{})
		return nil
	case errors.Is(err, bridge.ErrRejected):
		l.setState(bridge.StateRejected)
		l.reported.Add(id, struct{}{})
		log.WithField("report", id).Info("Target refused equivocation, treating it as already reported")
		return nil
	default:
		return err
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
