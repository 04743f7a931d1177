package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
)

var validateShow bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Printf("Configuration OK: %d sources, %d stages, %d routes, %d sinks\n",
			len(cfg.Sources), len(cfg.Stages), len(cfg.Routes), len(cfg.Sinks))
		if validateShow {
			// Effective config includes every default applied during load,
			// which is what operators actually want to see when debugging.
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			return enc.Close()
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "print the effective configuration after defaults are applied")
}
