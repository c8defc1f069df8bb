package grandpa

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/snowfork/finality-relayer/chain/parachain"
	"github.com/snowfork/finality-relayer/relays/bridge"
	"github.com/snowfork/finality-relayer/relays/grandpa"
	"github.com/snowfork/finality-relayer/relays/guard"
)

var (
	configFile         string
	privateKey         string
	privateKeyFile     string
	onlyMandatory      bool
	enableVersionGuard bool
	metricsAddr        string
)

func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grandpa",
		Short: "Start the GRANDPA finality relay",
		Args:  cobra.ExactArgs(0),
		RunE:  run,
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to configuration file")
	cmd.MarkFlagRequired("config")

	cmd.Flags().StringVar(&privateKey, "substrate.private-key", "", "Private key URI for the target chain account")
	cmd.Flags().StringVar(&privateKeyFile, "substrate.private-key-file", "", "The file from which to read the private key URI")

	cmd.Flags().BoolVar(&onlyMandatory, "only-mandatory-headers", false, "Relay only headers that change the authority set")
	cmd.Flags().BoolVar(&enableVersionGuard, "enable-version-guard", false, "Stop when the target runtime is upgraded")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics on this address")

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	log.SetOutput(logrus.WithFields(logrus.Fields{"logger": "stdlib"}).WriterLevel(logrus.InfoLevel))
	logrus.SetLevel(logrus.DebugLevel)

	config, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("only-mandatory-headers") {
		config.Finality.OnlyMandatory = onlyMandatory
	}
	if cmd.Flags().Changed("enable-version-guard") {
		config.Guard.Enabled = enableVersionGuard
	}
	if cmd.Flags().Changed("metrics-addr") {
		config.Metrics.Addr = metricsAddr
	}
	err = config.Validate()
	if err != nil {
		return err
	}

	keypair, err := parachain.ResolvePrivateKey(privateKey, privateKeyFile)
	if err != nil {
		return err
	}

	relay, err := grandpa.NewRelay(config, keypair)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	// Ensure clean termination upon SIGINT, SIGTERM
	eg.Go(func() error {
		notify := make(chan os.Signal, 1)
		signal.Notify(notify, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-notify:
			logrus.WithField("signal", sig.String()).Info("Received signal")
			cancel()
		}

		return nil
	})

	err = relay.Start(ctx, eg)
	if err != nil {
		logrus.WithError(err).Fatal("Unhandled error")
		cancel()
		return err
	}

	err = eg.Wait()
	switch {
	case errors.Is(err, bridge.ErrRuntimeSpecChanged):
		logrus.WithError(err).Error("Target runtime spec version changed, restart the relay with updated call encoding")
		logrus.Exit(guard.ExitCodeRuntimeSpecChanged)
	case err != nil && !errors.Is(err, context.Canceled):
		logrus.WithError(err).Fatal("Unhandled error")
		return err
	}

	return nil
}

// LoadConfig reads the relay config file and applies defaults.
func LoadConfig(path string) (*grandpa.Config, error) {
	v := viper.New()
	v.SetDefault("equivocation.set-retention", grandpa.DefaultSetRetention)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config grandpa.Config
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		CallIndexHookFunc(),
	)))
	if err != nil {
		return nil, err
	}
	config.SetDefaults()

	return &config, nil
}

// CallIndexHookFunc decodes hex strings such as "0x3d00" into call indices.
func CallIndexHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}

		if t != reflect.TypeOf(grandpa.CallIndex{}) {
			return data, nil
		}

		raw, err := hexutil.Decode(data.(string))
		if err != nil {
			return nil, err
		}
		if len(raw) != 2 {
			return nil, errors.New("call index must be two bytes")
		}

		return grandpa.CallIndex{Section: raw[0], Method: raw[1], Set: true}, nil
	}
}
