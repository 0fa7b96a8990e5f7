package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/uds3-core/internal/adapter/audit"
	"github.com/fairyhunter13/uds3-core/internal/batcher"
	"github.com/fairyhunter13/uds3-core/internal/domain"
	"github.com/fairyhunter13/uds3-core/internal/observability"
	"github.com/fairyhunter13/uds3-core/internal/usecase/saga"
)

func newServeCmd() *cobra.Command {
	var recoveryInterval, recoveryOlderThan time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with health probing, recovery, and batching",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), recoveryInterval, recoveryOlderThan)
		},
	}
	cmd.Flags().DurationVar(&recoveryInterval, "recovery-interval", time.Minute, "how often to scan for stale open sagas")
	cmd.Flags().DurationVar(&recoveryOlderThan, "recovery-older-than", 5*time.Minute, "minimum idle age before a saga is resumed")
	return cmd
}

func runServe(ctx context.Context, recoveryInterval, recoveryOlderThan time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	observability.SetupLogger(cfg.ServiceName, cfg.AppEnv)
	observability.InitMetrics()
	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := observability.SetupTracing(cfg.OTLPEndpoint, cfg.ServiceName, cfg.AppEnv)
		if err != nil {
			slog.Warn("tracing setup failed", slog.Any("error", err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(sctx)
			}()
		}
	}

	doc, err := loadDoc(cfg)
	if err != nil {
		return err
	}
	mgr, relational, err := buildManager(cfg, doc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report := mgr.StartAll(ctx, nil, cfg.StartTimeout)
	slog.Info("backends started",
		slog.Any("started", report.Started),
		slog.Any("failed", report.Failed))
	defer mgr.StopAll(context.Background())
	mgr.StartHealthTicker(ctx)

	store, err := openStore(ctx, relational, cfg.StartTimeout)
	if err != nil {
		return err
	}

	var publisher domain.AuditPublisher
	if len(cfg.AuditBrokers) > 0 && cfg.AuditBrokers[0] != "" {
		p, err := audit.NewPublisher(ctx, cfg.AuditBrokers, cfg.AuditTopic)
		if err != nil {
			slog.Warn("audit publisher unavailable", slog.Any("error", err))
		} else {
			publisher = p
			defer func() { _ = p.Close() }()
		}
	}

	orch := saga.New(store, mgr, saga.NewRegistry(), saga.Config{
		LeaseTTL:           cfg.LeaseTTL,
		LeaseRenewInterval: cfg.LeaseRenewInterval,
		Audit:              publisher,
	})
	go orch.RunRecoveryLoop(ctx, recoveryInterval, recoveryOlderThan)

	recLog, err := batcher.OpenRecoveryLog(cfg.RecoveryDir)
	if err != nil {
		slog.Warn("batcher recovery log unavailable", slog.Any("error", err))
		recLog = nil
	} else {
		defer func() { _ = recLog.Close() }()
	}
	b := batcher.New(mgr, recLog, batcher.Config{
		MinBatch:      cfg.BatchMin,
		MaxBatch:      cfg.BatchMax,
		Growth:        cfg.BatchGrowth,
		Shrink:        cfg.BatchShrink,
		LatencyTarget: cfg.LatencyTarget,
		MaxLinger:     cfg.MaxLinger,
		HighWatermark: cfg.HighWatermark,
	})
	b.Start(ctx)
	go b.RunReplayLoop(ctx, cfg.ReplayInterval)
	defer func() {
		if err := b.Shutdown(30 * time.Second); err != nil {
			slog.Warn("batcher drain incomplete", slog.Any("error", err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           newOpsRouter(mgr),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("ops endpoint listening", slog.Int("port", cfg.MetricsPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops endpoint failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return nil
}

// newOpsRouter serves metrics plus liveness and readiness probes.
func newOpsRouter(mgr interface {
	Readiness(ctx context.Context) []domain.ReadinessCheck
}) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		checks := mgr.Readiness(req.Context())
		ready := true
		for _, c := range checks {
			if !c.OK {
				ready = false
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
	})
	return r
}
