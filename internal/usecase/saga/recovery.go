package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// RecoveryReport summarizes one ResumeOpen pass. Skipped holds sagas Resume
// deliberately left alone: still Created, never dispatched.
type RecoveryReport struct {
	Resumed []string
	Skipped []string
	Failed  []string
}

// Partial reports whether some sagas could not be driven to progress.
func (r RecoveryReport) Partial() bool { return len(r.Failed) > 0 }

// ResumeOpen finds non-terminal sagas idle for longer than olderThan and
// resumes each. Lock contention with a live owner is not a failure; the
// other instance is simply still working.
func (o *Orchestrator) ResumeOpen(ctx context.Context, olderThan time.Duration) (RecoveryReport, error) {
	ids, err := o.store.ListOpenSagas(ctx, olderThan)
	if err != nil {
		return RecoveryReport{}, err
	}
	var report RecoveryReport
	for _, id := range ids {
		res, err := o.Resume(ctx, id)
		if errors.Is(err, domain.ErrLockLost) {
			slog.Info("saga held by another instance, skipping", slog.String("saga_id", id))
			continue
		}
		if err != nil {
			report.Failed = append(report.Failed, id)
			slog.Error("saga resume failed",
				slog.String("saga_id", id),
				slog.String("status", string(res.Status)),
				slog.Any("error", err))
			continue
		}
		if res.Status == domain.SagaCreated {
			// Resume is a no-op for sagas that never started; reporting them
			// as recovered on every pass would be noise.
			report.Skipped = append(report.Skipped, id)
			slog.Info("saga never started, skipping", slog.String("saga_id", id))
			continue
		}
		report.Resumed = append(report.Resumed, id)
		slog.Info("saga resumed",
			slog.String("saga_id", id),
			slog.String("status", string(res.Status)))
	}
	return report, nil
}

// RunRecoveryLoop periodically resumes stale open sagas until ctx ends.
func (o *Orchestrator) RunRecoveryLoop(ctx context.Context, interval, olderThan time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := o.ResumeOpen(ctx, olderThan); err != nil {
				slog.Warn("recovery pass failed", slog.Any("error", err))
			}
		}
	}
}
