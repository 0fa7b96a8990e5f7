package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/uds3-core/internal/observability"
	"github.com/fairyhunter13/uds3-core/internal/usecase/saga"
)

func newSagaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Saga operational commands",
	}
	cmd.AddCommand(newResumeOpenCmd())
	return cmd
}

func newResumeOpenCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "resume-open",
		Short: "Resume non-terminal sagas idle for longer than --older-than",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			observability.SetupLogger(cfg.ServiceName, cfg.AppEnv)
			observability.InitMetrics()
			doc, err := loadDoc(cfg)
			if err != nil {
				return err
			}
			mgr, relational, err := buildManager(cfg, doc)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			report := mgr.StartAll(ctx, nil, cfg.StartTimeout)
			slog.Info("backends started",
				slog.Any("started", report.Started),
				slog.Any("failed", report.Failed))
			defer mgr.StopAll(ctx)

			store, err := openStore(ctx, relational, cfg.StartTimeout)
			if err != nil {
				return err
			}
			orch := saga.New(store, mgr, saga.NewRegistry(), saga.Config{
				LeaseTTL:           cfg.LeaseTTL,
				LeaseRenewInterval: cfg.LeaseRenewInterval,
			})
			rec, err := orch.ResumeOpen(ctx, olderThan)
			if err != nil {
				return err
			}
			slog.Info("recovery pass finished",
				slog.Int("resumed", len(rec.Resumed)),
				slog.Int("skipped", len(rec.Skipped)),
				slog.Int("failed", len(rec.Failed)))
			if rec.Partial() {
				return fmt.Errorf("%w: %d of %d sagas failed to resume",
					errPartialRecovery, len(rec.Failed), len(rec.Resumed)+len(rec.Failed))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "minimum idle age before a saga is resumed")
	return cmd
}
