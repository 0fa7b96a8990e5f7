// Package backend implements the backend manager: lifecycle, lazy startup,
// and health-bounded dispatch to a typed set of storage backends.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/uds3-core/internal/adapter/governance"
	"github.com/fairyhunter13/uds3-core/internal/domain"
	"github.com/fairyhunter13/uds3-core/internal/observability"
)

// instance pairs one adapter with its serialized lifecycle state.
type instance struct {
	adapter domain.Adapter
	breaker *breaker

	mu             sync.Mutex
	status         domain.BackendStatus
	lastError      string
	lastProbeAt    time.Time
	probeFailures  int
	autostart      bool
}

func (in *instance) setStatus(status domain.BackendStatus, errMsg string) {
	in.mu.Lock()
	in.status = status
	in.lastError = errMsg
	in.mu.Unlock()
	observability.BackendUp(string(in.adapter.Kind()), in.adapter.TypeTag(), status.Dispatchable())
}

func (in *instance) snapshot() domain.BackendInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	return domain.BackendInfo{
		Kind:              in.adapter.Kind(),
		TypeTag:           in.adapter.TypeTag(),
		Status:            in.status,
		LastError:         in.lastError,
		LastHealthCheckAt: in.lastProbeAt,
	}
}

// Manager owns the backend instances and dispatches operations to them.
// Methods are safe for concurrent callers; dispatch holds no global lock.
type Manager struct {
	gate      *governance.Gate
	instances map[domain.BackendKind]*instance

	healthInterval time.Duration
	healthStop     chan struct{}
	healthOnce     sync.Once
}

// NewManager instantiates a manager over the given adapters without
// connecting any of them. Adapters flagged autostart connect on StartAll with
// an empty name filter.
func NewManager(gate *governance.Gate, adapters map[domain.BackendKind]domain.Adapter, autostart map[domain.BackendKind]bool, healthInterval time.Duration) *Manager {
	m := &Manager{
		gate:           gate,
		instances:      make(map[domain.BackendKind]*instance, len(adapters)),
		healthInterval: healthInterval,
		healthStop:     make(chan struct{}),
	}
	for kind, a := range adapters {
		m.instances[kind] = &instance{
			adapter:   a,
			breaker:   newBreaker(),
			status:    domain.StatusUninitialized,
			autostart: autostart[kind],
		}
	}
	return m
}

// StartAll connects the named backends in parallel, each bounded by
// perBackendTimeout. An empty names slice selects every autostart backend.
// Failures mark the instance Error but never abort the overall call.
func (m *Manager) StartAll(ctx context.Context, names []domain.BackendKind, perBackendTimeout time.Duration) domain.StartReport {
	targets := make([]*instance, 0, len(m.instances))
	if len(names) == 0 {
		for _, in := range m.instances {
			if in.autostart {
				targets = append(targets, in)
			}
		}
	} else {
		for _, kind := range names {
			if in, ok := m.instances[kind]; ok {
				targets = append(targets, in)
			}
		}
	}

	var mu sync.Mutex
	report := domain.StartReport{}
	g, gctx := errgroup.WithContext(ctx)
	for _, in := range targets {
		in := in
		g.Go(func() error {
			kind := in.adapter.Kind()
			in.setStatus(domain.StatusInitializing, "")
			cctx, cancel := context.WithTimeout(gctx, perBackendTimeout)
			defer cancel()
			err := in.adapter.Connect(cctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				in.setStatus(domain.StatusError, err.Error())
				report.Failed = append(report.Failed, kind)
				slog.Error("backend start failed",
					slog.String("kind", string(kind)),
					slog.String("type", in.adapter.TypeTag()),
					slog.Any("error", err))
				return nil
			}
			in.setStatus(domain.StatusHealthy, "")
			report.Started = append(report.Started, kind)
			slog.Info("backend started",
				slog.String("kind", string(kind)),
				slog.String("type", in.adapter.TypeTag()))
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// StopAll idempotently closes every connected backend and stops the health
// ticker.
func (m *Manager) StopAll(ctx context.Context) {
	m.healthOnce.Do(func() { close(m.healthStop) })
	for _, in := range m.instances {
		in.mu.Lock()
		status := in.status
		in.mu.Unlock()
		if status == domain.StatusUninitialized || status == domain.StatusOffline {
			continue
		}
		if err := in.adapter.Close(ctx); err != nil {
			slog.Warn("backend close failed",
				slog.String("kind", string(in.adapter.Kind())),
				slog.Any("error", err))
		}
		in.setStatus(domain.StatusOffline, "")
	}
}

// Authorize runs the governance gate for (kind, op, payload) without
// dispatching, so the saga engine can fail a denied step before writing its
// Pending event. Execute re-checks; the gate is cheap and direct callers
// stay covered.
func (m *Manager) Authorize(ctx context.Context, kind domain.BackendKind, op string, payload domain.Payload) error {
	if err := m.gate.EnsureAllowed(ctx, kind, op); err != nil {
		return err
	}
	return m.gate.ValidatePayload(ctx, kind, op, payload)
}

// Execute dispatches one operation to the backend configured for kind.
// The error taxonomy surfaced here: NoBackend, Unavailable, PolicyDenied,
// then whatever the adapter translated the driver error into.
func (m *Manager) Execute(ctx context.Context, kind domain.BackendKind, op string, payload domain.Payload) (any, error) {
	tracer := otel.Tracer("backend.manager")
	ctx, span := tracer.Start(ctx, "manager.Execute")
	defer span.End()

	in, ok := m.instances[kind]
	if !ok {
		return nil, domain.NewError(domain.ErrNoBackend, fmt.Sprintf("no backend configured for kind %s", kind), "", "")
	}

	in.mu.Lock()
	status := in.status
	in.mu.Unlock()
	if !status.Dispatchable() {
		return nil, domain.NewError(domain.ErrUnavailable,
			fmt.Sprintf("backend %s/%s status %s", kind, in.adapter.TypeTag(), status), "", "")
	}

	if !in.breaker.allow() {
		observability.BreakerOpen(string(kind), in.adapter.TypeTag(), true)
		return nil, domain.NewError(domain.ErrUnavailable,
			fmt.Sprintf("backend %s/%s circuit open", kind, in.adapter.TypeTag()), "", "")
	}

	if err := m.gate.EnsureAllowed(ctx, kind, op); err != nil {
		return nil, err
	}
	if err := m.gate.ValidatePayload(ctx, kind, op, payload); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := in.adapter.Execute(ctx, op, payload)
	elapsed := time.Since(start)
	if err != nil {
		err = domain.Classify(err)
		in.breaker.record(err)
		observability.BreakerOpen(string(kind), in.adapter.TypeTag(), in.breaker.isOpen())
		observability.DispatchObserved(string(kind), op, "error", elapsed.Seconds())
		return nil, fmt.Errorf("op=manager.execute kind=%s operation=%s: %w", kind, op, err)
	}
	in.breaker.record(nil)
	observability.BreakerOpen(string(kind), in.adapter.TypeTag(), false)
	observability.DispatchObserved(string(kind), op, "ok", elapsed.Seconds())
	return res, nil
}

// Restart reconnects a single backend, transitioning it through Initializing.
func (m *Manager) Restart(ctx context.Context, kind domain.BackendKind, timeout time.Duration) error {
	in, ok := m.instances[kind]
	if !ok {
		return domain.NewError(domain.ErrNoBackend, fmt.Sprintf("no backend configured for kind %s", kind), "", "")
	}
	_ = in.adapter.Close(ctx)
	in.setStatus(domain.StatusInitializing, "")
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := in.adapter.Connect(cctx); err != nil {
		in.setStatus(domain.StatusError, err.Error())
		return fmt.Errorf("op=manager.restart kind=%s: %w", kind, err)
	}
	in.breaker.reset()
	in.setStatus(domain.StatusHealthy, "")
	return nil
}

// Info returns the public view of one backend, or ok=false when absent.
func (m *Manager) Info(kind domain.BackendKind) (domain.BackendInfo, bool) {
	in, ok := m.instances[kind]
	if !ok {
		return domain.BackendInfo{}, false
	}
	return in.snapshot(), true
}

// Readiness summarizes every configured backend for readiness probes.
func (m *Manager) Readiness(_ context.Context) []domain.ReadinessCheck {
	checks := make([]domain.ReadinessCheck, 0, len(m.instances))
	for _, kind := range domain.Kinds() {
		in, ok := m.instances[kind]
		if !ok {
			continue
		}
		info := in.snapshot()
		checks = append(checks, domain.ReadinessCheck{
			Name:    string(kind) + "/" + info.TypeTag,
			OK:      info.Status.Dispatchable(),
			Details: string(info.Status),
		})
	}
	return checks
}
