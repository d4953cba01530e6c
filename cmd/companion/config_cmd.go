package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aarogyalink/companion/internal/config"
)

const redacted = "[redacted]"

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(redact(*cfg))
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return cmd
}

func redact(cfg config.Config) config.Config {
	if cfg.Gemini.APIKey != "" {
		cfg.Gemini.APIKey = redacted
	}
	if cfg.Teachable.APIKey != "" {
		cfg.Teachable.APIKey = redacted
	}
	if cfg.Storage.Driver == "postgres" || cfg.Storage.Driver == "postgresql" {
		cfg.Storage.DSN = redacted
	}
	return cfg
}
