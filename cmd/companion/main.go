// Command companion runs the AarogyaLink health companion API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aarogyalink/companion/internal/config"
)

const serviceName = "aarogyalink"

var (
	version    = "1.0.0"
	configPath string
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "companion",
		Short:         "AarogyaLink health companion API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(dropCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
		},
	}
}

// loadConfig loads the config and builds a JSON logger whose level can be
// changed later through lv.
func loadConfig() (*config.Config, *slog.Logger, *slog.LevelVar, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	lv := new(slog.LevelVar)
	level, _ := config.ParseLevel(cfg.Log.Level)
	lv.Set(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(logger)

	return cfg, logger, lv, nil
}
