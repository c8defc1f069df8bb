package grandpa

import (
	"errors"
	"fmt"
	"time"

	"github.com/snowfork/finality-relayer/config"
	"github.com/snowfork/finality-relayer/relays"
	"github.com/snowfork/finality-relayer/relays/equivocation"
	"github.com/snowfork/finality-relayer/relays/finality"
	"github.com/snowfork/finality-relayer/relays/guard"
	"github.com/snowfork/finality-relayer/relays/submission"
)

type Config struct {
	Source       SourceConfig       `mapstructure:"source"`
	Sink         SinkConfig         `mapstructure:"sink"`
	Finality     FinalityConfig     `mapstructure:"finality"`
	Equivocation EquivocationConfig `mapstructure:"equivocation"`
	Guard        guard.Config       `mapstructure:"guard"`
	Retry        submission.Config  `mapstructure:"retry"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type SourceConfig struct {
	Polkadot        config.PolkadotConfig `mapstructure:"polkadot"`
	HeaderCacheSize int                   `mapstructure:"header-cache-size"`
	// Interval between finalized head polls while scanning for equivocations.
	ScanInterval time.Duration `mapstructure:"scan-interval"`
}

type SinkConfig struct {
	Parachain config.ParachainConfig `mapstructure:"parachain"`
	// Bridge GRANDPA pallet tracking the source chain.
	Pallet          string      `mapstructure:"pallet"`
	MortalEraPeriod uint64      `mapstructure:"mortal-era-period"`
	Calls           CallsConfig `mapstructure:"calls"`
}

type CallsConfig struct {
	FinalityProof CallConfig `mapstructure:"finality-proof"`
	Equivocation  CallConfig `mapstructure:"equivocation"`
}

// CallConfig names a target call as "Pallet.call". An explicit index takes
// precedence over the name for runtimes whose metadata differs.
type CallConfig struct {
	Name      string    `mapstructure:"name"`
	Index     CallIndex `mapstructure:"index"`
	WithSetID bool      `mapstructure:"with-set-id"`
}

type CallIndex struct {
	Section uint8
	Method  uint8
	Set     bool
}

type FinalityConfig struct {
	relays.WorkerConfig `mapstructure:",squash"`
	finality.Config     `mapstructure:",squash"`
}

type EquivocationConfig struct {
	relays.WorkerConfig `mapstructure:",squash"`
	equivocation.Config `mapstructure:",squash"`
}

// DefaultSetRetention applies when the config file leaves set-retention out.
// Zero is a valid setting, so it is applied by the config loader rather than
// by SetDefaults.
const DefaultSetRetention uint64 = 1

type MetricsConfig struct {
	// Listen address of the metrics server; empty disables it.
	Addr string `mapstructure:"addr"`
}

// SetDefaults fills in every option left unset in the config file. The
// equivocation call has no default: the bridge pallet does not offer one.
func (c *Config) SetDefaults() {
	if c.Source.HeaderCacheSize == 0 {
		c.Source.HeaderCacheSize = 1024
	}
	if c.Source.ScanInterval == 0 {
		c.Source.ScanInterval = 6 * time.Second
	}
	if c.Sink.Parachain.MaxWatchedExtrinsics == 0 {
		c.Sink.Parachain.MaxWatchedExtrinsics = 8
	}
	if c.Sink.Calls.FinalityProof.Name == "" && c.Sink.Pallet != "" {
		name := "submit_finality_proof"
		if c.Sink.Calls.FinalityProof.WithSetID {
			name = "submit_finality_proof_ex"
		}
		c.Sink.Calls.FinalityProof.Name = c.Sink.Pallet + "." + name
	}

	if c.Finality.PollInterval == 0 {
		c.Finality.PollInterval = 6 * time.Second
	}
	if c.Finality.RecentProofsLimit == 0 {
		c.Finality.RecentProofsLimit = 256
	}
	if c.Finality.ResubscribeDelay == 0 {
		c.Finality.ResubscribeDelay = 10 * time.Second
	}

	if c.Equivocation.PollInterval == 0 {
		c.Equivocation.PollInterval = 6 * time.Second
	}
	if c.Equivocation.ReportingWindow == 0 {
		c.Equivocation.ReportingWindow = 14400
	}
	if c.Equivocation.ReportedCacheSize == 0 {
		c.Equivocation.ReportedCacheSize = 4096
	}
	if c.Equivocation.ResubscribeDelay == 0 {
		c.Equivocation.ResubscribeDelay = 10 * time.Second
	}

	if c.Guard.Interval == 0 {
		c.Guard.Interval = 60 * time.Second
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BackoffBase == 0 {
		c.Retry.BackoffBase = time.Second
	}
	if c.Retry.BackoffCeiling == 0 {
		c.Retry.BackoffCeiling = time.Minute
	}
	if c.Retry.ConfirmationTimeout == 0 {
		c.Retry.ConfirmationTimeout = 2 * time.Minute
	}
}

func (c Config) Validate() error {
	err := c.Source.Polkadot.Validate()
	if err != nil {
		return fmt.Errorf("source polkadot config: %w", err)
	}
	if c.Source.HeaderCacheSize <= 0 {
		return errors.New("source header-cache-size must be positive")
	}
	if c.Source.ScanInterval <= 0 {
		return errors.New("source scan-interval must be positive")
	}

	err = c.Sink.Parachain.Validate()
	if err != nil {
		return fmt.Errorf("sink parachain config: %w", err)
	}
	if c.Sink.Pallet == "" {
		return errors.New("sink pallet not set")
	}
	if c.Sink.Parachain.MaxWatchedExtrinsics <= 0 {
		return errors.New("sink maxWatchedExtrinsics must be positive")
	}

	if !c.Finality.Enabled && !c.Equivocation.Enabled {
		return errors.New("neither finality nor equivocation relay is enabled")
	}
	if c.Finality.Enabled {
		err = c.Sink.Calls.FinalityProof.Validate()
		if err != nil {
			return fmt.Errorf("finality-proof call: %w", err)
		}
		err = c.Finality.Config.Validate()
		if err != nil {
			return fmt.Errorf("finality config: %w", err)
		}
	}
	if c.Equivocation.Enabled {
		err = c.Sink.Calls.Equivocation.Validate()
		if err != nil {
			return fmt.Errorf("equivocation call: %w", err)
		}
		err = c.Equivocation.Config.Validate()
		if err != nil {
			return fmt.Errorf("equivocation config: %w", err)
		}
	}

	err = c.Guard.Validate()
	if err != nil {
		return fmt.Errorf("guard config: %w", err)
	}
	err = c.Retry.Validate()
	if err != nil {
		return fmt.Errorf("retry config: %w", err)
	}
	return nil
}

// EnabledCalls returns the calls of the enabled workers only.
func (c Config) EnabledCalls() CallsConfig {
	var calls CallsConfig
	if c.Finality.Enabled {
		calls.FinalityProof = c.Sink.Calls.FinalityProof
	}
	if c.Equivocation.Enabled {
		calls.Equivocation = c.Sink.Calls.Equivocation
	}
	return calls
}

func (c CallConfig) Configured() bool {
	return c.Name != "" || c.Index.Set
}

func (c CallConfig) Validate() error {
	if !c.Configured() {
		return errors.New("neither name nor index set")
	}
	return nil
}
