package grandpa

import (
	"context"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/snowfork/finality-relayer/chain/parachain"
	"github.com/snowfork/finality-relayer/chain/relaychain"
	"github.com/snowfork/finality-relayer/crypto/sr25519"
	"github.com/snowfork/finality-relayer/internal/metrics"
	"github.com/snowfork/finality-relayer/relays/equivocation"
	"github.com/snowfork/finality-relayer/relays/finality"
	"github.com/snowfork/finality-relayer/relays/guard"
	"github.com/snowfork/finality-relayer/relays/submission"
)

// Relay syncs GRANDPA finality from a relay chain into a bridge pallet on a
// parachain and reports equivocations observed on the relay chain.
type Relay struct {
	config         *Config
	relaychainConn *relaychain.Connection
	parachainConn  *parachain.Connection
	writer         *parachain.ParachainWriter
	metrics        *metrics.PrometheusMetrics
}

func NewRelay(config *Config, keypair *sr25519.Keypair) (*Relay, error) {
	log.Info("Creating worker")

	relaychainConn := relaychain.NewConnection(config.Source.Polkadot.Endpoint)
	parachainConn := parachain.NewConnection(config.Sink.Parachain.Endpoint, keypair.AsKeyringPair())

	writer := parachain.NewParachainWriter(
		parachainConn,
		config.Sink.Parachain.MaxWatchedExtrinsics,
		config.Sink.MortalEraPeriod,
		config.Retry.ConfirmationTimeout,
	)

	return &Relay{
		config:         config,
		relaychainConn: relaychainConn,
		parachainConn:  parachainConn,
		writer:         writer,
		metrics:        metrics.NewPrometheusMetrics(),
	}, nil
}

func (relay *Relay) Start(ctx context.Context, eg *errgroup.Group) error {
	err := relay.relaychainConn.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to relaychain: %w", err)
	}

	err = relay.parachainConn.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to parachain: %w", err)
	}

	err = relay.writer.Start(ctx, eg)
	if err != nil {
		return fmt.Errorf("start parachain writer: %w", err)
	}

	if relay.config.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", relay.config.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on metrics address: %w", err)
		}
		metrics.StartMetricsServer(ctx, eg, ln, relay.metrics.Registry)
	}

	source, err := relaychain.NewSourceAdapter(relay.relaychainConn, relaychain.SourceConfig{
		HeaderCacheSize: relay.config.Source.HeaderCacheSize,
		ScanInterval:    relay.config.Source.ScanInterval,
	})
	if err != nil {
		return err
	}
	target := parachain.NewTargetAdapter(relay.parachainConn, relay.writer, relay.config.Sink.Pallet)

	builder, err := NewCallBuilder(relay.parachainConn.Metadata(), relay.config.EnabledCalls())
	if err != nil {
		return err
	}
	submitter := submission.NewSubmitter(target, submission.NewTracker(), relay.config.Retry)

	if relay.config.Guard.Enabled {
		log.Info("Starting version guard")
		err = guard.New(target, relay.config.Guard.Interval, relay.metrics).Start(ctx, eg)
		if err != nil {
			return err
		}
	}

	if relay.config.Finality.Enabled {
		syncLoop, err := finality.New(relay.config.Finality.Config, source, target, builder, submitter, relay.metrics)
		if err != nil {
			return err
		}
		err = syncLoop.Start(ctx, eg)
		if err != nil {
			return err
		}
	}

	if relay.config.Equivocation.Enabled {
		equivocationLoop, err := equivocation.New(relay.config.Equivocation.Config, source, target, builder, submitter, relay.metrics)
		if err != nil {
			return err
		}
		err = equivocationLoop.Start(ctx, eg)
		if err != nil {
			return err
		}
	}

	return nil
}
