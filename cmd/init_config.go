package cmd

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/cbroglie/mustache"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//go:embed templates/grandpa-relay.json.mustache
var grandpaConfigTemplate string

func initConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a starter configuration for the grandpa relay.",
		Args:  cobra.ExactArgs(0),
		RunE:  InitConfigFn,
	}

	cmd.Flags().String("source", "ws://127.0.0.1:9944", "Source relaychain endpoint.")
	cmd.Flags().String("sink", "ws://127.0.0.1:11144", "Target parachain endpoint.")
	cmd.Flags().String("pallet", "BridgeWococoGrandpa", "Bridge GRANDPA pallet on the target.")
	cmd.Flags().Bool("with-set-id", false, "Use submit_finality_proof_ex with the current set id.")
	cmd.Flags().String("finality-call-index", "", "Explicit finality call index, e.g. 0x3d00.")
	cmd.Flags().String("equivocation-call", "", "Equivocation call as Pallet.call, required with --equivocation.")
	cmd.Flags().String("equivocation-call-index", "", "Explicit equivocation call index.")
	cmd.Flags().Bool("only-mandatory-headers", false, "Relay only headers that change the authority set.")
	cmd.Flags().Bool("equivocation", false, "Enable the equivocation relay.")
	cmd.Flags().Bool("enable-version-guard", true, "Stop when the target runtime is upgraded.")
	cmd.Flags().String("metrics-addr", "", "Serve metrics on this address.")
	cmd.Flags().StringP("output", "o", "grandpa-relay.json", "Config file to write.")
	return cmd
}

func InitConfigFn(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	data := map[string]interface{}{}
	for _, name := range []string{"source", "sink", "pallet", "finality-call-index", "equivocation-call", "equivocation-call-index", "metrics-addr"} {
		data[name], _ = flags.GetString(name)
	}
	for _, name := range []string{"with-set-id", "only-mandatory-headers", "equivocation", "enable-version-guard"} {
		data[name], _ = flags.GetBool(name)
	}
	output, _ := flags.GetString("output")

	equivocation, _ := flags.GetBool("equivocation")
	if equivocation && data["equivocation-call"] == "" && data["equivocation-call-index"] == "" {
		return errors.New("--equivocation needs --equivocation-call or --equivocation-call-index")
	}

	rendered, err := renderGrandpaConfig(data)
	if err != nil {
		return err
	}

	err = os.WriteFile(output, []byte(rendered), 0o644)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	log.WithField("path", output).Info("Wrote grandpa relay config")
	return nil
}

func renderGrandpaConfig(data map[string]interface{}) (string, error) {
	rendered, err := mustache.Render(grandpaConfigTemplate, data)
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return rendered, nil
}
