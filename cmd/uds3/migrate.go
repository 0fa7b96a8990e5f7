package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/uds3-core/internal/observability"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Idempotently create the saga event-store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			observability.SetupLogger(cfg.ServiceName, cfg.AppEnv)
			doc, err := loadDoc(cfg)
			if err != nil {
				return err
			}
			_, relational, err := buildManager(cfg, doc)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, relational, cfg.StartTimeout)
			if err != nil {
				return err
			}
			defer func() { _ = relational.Close(ctx) }()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			slog.Info("migration complete")
			return nil
		},
	}
}
