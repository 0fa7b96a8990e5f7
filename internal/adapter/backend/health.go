package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/uds3-core/internal/domain"
	"github.com/fairyhunter13/uds3-core/internal/observability"
)

// probeErrorThreshold is the number of consecutive failed probes after which
// a backend transitions from Degraded to Error.
const probeErrorThreshold = 3

// StartHealthTicker launches the background re-probe loop. Probes are
// advisory: a failed probe marks the backend Degraded without tearing down
// in-flight work. The loop exits when ctx is cancelled or StopAll is called.
func (m *Manager) StartHealthTicker(ctx context.Context) {
	if m.healthInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-m.healthStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) probeAll(ctx context.Context) {
	for _, in := range m.instances {
		in.mu.Lock()
		status := in.status
		in.mu.Unlock()
		// Only probe backends that have been connected at some point.
		switch status {
		case domain.StatusUninitialized, domain.StatusInitializing, domain.StatusOffline:
			continue
		}
		m.probe(ctx, in)
	}
}

func (m *Manager) probe(ctx context.Context, in *instance) {
	pctx, cancel := context.WithTimeout(ctx, m.healthInterval/2)
	err := in.adapter.Ping(pctx)
	cancel()

	in.mu.Lock()
	in.lastProbeAt = time.Now().UTC()
	if err != nil {
		in.probeFailures++
		failures := in.probeFailures
		in.lastError = err.Error()
		if failures >= probeErrorThreshold {
			in.status = domain.StatusError
		} else {
			in.status = domain.StatusDegraded
		}
		status := in.status
		in.mu.Unlock()
		slog.Warn("backend health probe failed",
			slog.String("kind", string(in.adapter.Kind())),
			slog.String("type", in.adapter.TypeTag()),
			slog.Int("consecutive_failures", failures),
			slog.String("status", string(status)),
			slog.Any("error", err))
	} else {
		recovered := in.probeFailures > 0
		in.probeFailures = 0
		in.status = domain.StatusHealthy
		in.lastError = ""
		in.mu.Unlock()
		if recovered {
			slog.Info("backend health recovered",
				slog.String("kind", string(in.adapter.Kind())),
				slog.String("type", in.adapter.TypeTag()))
		}
	}
	info := in.snapshot()
	observability.BackendUp(string(info.Kind), info.TypeTag, info.Status.Dispatchable())
}
