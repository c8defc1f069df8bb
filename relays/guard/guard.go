// Copyright 2023 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/snowfork/finality-relayer/internal/metrics"
	"github.com/snowfork/finality-relayer/relays/bridge"
)

// ExitCodeRuntimeSpecChanged is the process exit status after the guard fires.
const ExitCodeRuntimeSpecChanged = 3

type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

func (c Config) Validate() error {
	if c.Enabled && c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

type SpecVersionReader interface {
	RuntimeSpecVersion(ctx context.Context) (uint32, error)
}

// Guard stops the relay when the target runtime is upgraded, since encoded
// calls may no longer match the runtime.
type Guard struct {
	target   SpecVersionReader
	interval time.Duration
	metrics  metrics.Recorder
	recorded uint32
}

func New(target SpecVersionReader, interval time.Duration, recorder metrics.Recorder) *Guard {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Guard{
		target:   target,
		interval: interval,
		metrics:  recorder,
	}
}

func (g *Guard) Init(ctx context.Context) error {
	version, err := g.target.RuntimeSpecVersion(ctx)
	if err != nil {
		return fmt.Errorf("fetch target runtime spec version: %w", err)
	}
	g.recorded = version
	g.metrics.SetSpecVersion(version)
	log.WithField("specVersion", version).Info("Version guard armed")
	return nil
}

func (g *Guard) Recorded() uint32 {
	return g.recorded
}

// Check compares the current target spec version with the recorded one.
func (g *Guard) Check(ctx context.Context) error {
	version, err := g.target.RuntimeSpecVersion(ctx)
	if err != nil {
		return fmt.Errorf("fetch target runtime spec version: %w", err)
	}
	if version != g.recorded {
		return fmt.Errorf("%w: recorded %d, now %d", bridge.ErrRuntimeSpecChanged, g.recorded, version)
	}
	return nil
}

func (g *Guard) Start(ctx context.Context, eg *errgroup.Group) error {
	if err := g.Init(ctx); err != nil {
		return err
	}
	eg.Go(func() error {
		return g.Run(ctx)
	})
	return nil
}

// Run polls until ctx is done or the spec version changes. A change is
// returned as an error so that the errgroup cancels every other task.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := g.Check(ctx)
		switch {
		case errors.Is(err, bridge.ErrRuntimeSpecChanged):
			log.WithError(err).Error("Target runtime upgraded, stopping relay")
			return err
		case err != nil:
			log.WithError(err).Warn("Version guard poll failed")
		}
	}
}
