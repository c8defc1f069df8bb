package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snowfork/finality-relayer/chain/relaychain"
)

func scanJustificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan-justifications",
		Short: "Scan GRANDPA justifications and equivocations like the grandpa relayer would.",
		Args:  cobra.ExactArgs(0),
		RunE:  ScanJustificationsFn,
	}

	cmd.Flags().StringP("polkadot-url", "p", "ws://127.0.0.1:9944", "Polkadot URL.")
	cmd.MarkFlagRequired("polkadot-url")
	cmd.Flags().Uint64P("from-block", "b", 1, "First block to scan.")
	cmd.Flags().Uint64P("to-block", "t", 0, "Last block to scan, 0 to follow the finalized head.")
	cmd.Flags().DurationP("scan-interval", "i", 6*time.Second, "Finalized head poll interval.")
	return cmd
}

func ScanJustificationsFn(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	log.SetOutput(logrus.WithFields(logrus.Fields{"logger": "stdlib"}).WriterLevel(logrus.InfoLevel))
	logrus.SetLevel(logrus.DebugLevel)

	polkadotUrl, _ := cmd.Flags().GetString("polkadot-url")
	relaychainConn := relaychain.NewConnection(polkadotUrl)
	err := relaychainConn.Connect(ctx)
	if err != nil {
		return err
	}

	fromBlock, _ := cmd.Flags().GetUint64("from-block")
	toBlock, _ := cmd.Flags().GetUint64("to-block")
	scanInterval, _ := cmd.Flags().GetDuration("scan-interval")

	source, err := relaychain.NewSourceAdapter(relaychainConn, relaychain.SourceConfig{
		HeaderCacheSize: 16,
		ScanInterval:    scanInterval,
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"polkadot-url": polkadotUrl,
		"from-block":   fromBlock,
		"to-block":     toBlock,
	}).Info("Connected to relaychain.")

	blocks := relaychain.ScanBlocks(ctx, relaychainConn.API(), fromBlock, scanInterval)

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case result, ok := <-blocks:
				if !ok {
					return nil
				}
				if result.Error != nil {
					return result.Error
				}
				err := scanBlock(ctx, source, result)
				if err != nil {
					return err
				}
				if toBlock != 0 && result.BlockNumber >= toBlock {
					cancel()
					return nil
				}
			}
		}
	})

	// Ensure clean termination upon SIGINT, SIGTERM
	eg.Go(func() error {
		notify := make(chan os.Signal, 1)
		signal.Notify(notify, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
			return nil
		case sig := <-notify:
			logrus.WithField("signal", sig.String()).Info("Received signal")
			cancel()
		}

		return nil
	})

	err = eg.Wait()
	if err != nil {
		logrus.WithError(err).Fatal("Unhandled error")
		return err
	}

	return nil
}

func scanBlock(ctx context.Context, source *relaychain.SourceAdapter, result relaychain.ScanBlocksResult) error {
	header, err := source.HeaderByNumber(ctx, result.BlockNumber)
	if err != nil {
		return err
	}

	justification, err := source.JustificationFor(ctx, header)
	if err != nil {
		return err
	}

	fields := logrus.Fields{
		"block":           header.ID(),
		"authoritySetID":  header.AuthoritySetID,
		"scheduledChange": header.ScheduledChange,
		"depth":           result.Depth,
	}
	switch {
	case justification == nil && header.ScheduledChange:
		logrus.WithFields(fields).Warn("Mandatory header has no justification")
	case justification == nil:
	default:
		fields["round"] = justification.Round
		entry := logrus.WithFields(fields)
		if err := justification.Validate(); err != nil {
			entry.WithError(err).Warn("Scanned invalid justification")
		} else if header.ScheduledChange {
			entry.Info("Scanned mandatory justification")
		} else {
			entry.Info("Scanned justification")
		}
	}

	return logEquivocations(source, result)
}

func logEquivocations(source *relaychain.SourceAdapter, result relaychain.ScanBlocksResult) error {
	reports, err := source.BlockEquivocations(result)
	if err != nil {
		return err
	}
	for _, report := range reports {
		logrus.WithFields(logrus.Fields{
			"report":       report.ID(),
			"stage":        report.Stage,
			"originHeight": report.OriginHeight(),
		}).Info("Scanned equivocation report")
	}
	return nil
}
