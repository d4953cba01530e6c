package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create any missing database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg.Storage)
			if err != nil {
				return err
			}
			if store == nil {
				logger.Info("storage disabled, nothing to migrate")
				return nil
			}
			defer store.Close()

			if err := store.CreateTables(cmd.Context()); err != nil {
				return err
			}
			logger.Info("database tables ready", slog.String("driver", cfg.Storage.Driver))
			return nil
		},
	}
}

func dropCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every database table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("refusing to drop tables without --yes")
			}

			cfg, logger, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg.Storage)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("storage driver %q has no tables", cfg.Storage.Driver)
			}
			defer store.Close()

			if err := store.DropTables(cmd.Context()); err != nil {
				return err
			}
			logger.Warn("all database tables dropped", slog.String("driver", cfg.Storage.Driver))
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm dropping all tables")
	return cmd
}
