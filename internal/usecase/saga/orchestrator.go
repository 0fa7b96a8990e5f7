// Package saga drives ordered multi-backend mutations with write-ahead event
// logging, lease-based locking, compensation, and crash recovery.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/uds3-core/internal/domain"
	"github.com/fairyhunter13/uds3-core/internal/observability"
)

// Config tunes one orchestrator instance. Zero values fall back to defaults.
type Config struct {
	// Owner identifies this instance in saga lock rows. Defaults to a UUID.
	Owner              string
	LeaseTTL           time.Duration
	LeaseRenewInterval time.Duration
	// Audit is optional; when set, terminal saga transitions are published.
	Audit domain.AuditPublisher
}

// Orchestrator executes sagas against an injected event store and backend
// executor. Safe for concurrent use; steps of one saga never run in parallel.
type Orchestrator struct {
	store    domain.EventStore
	exec     domain.Executor
	registry *Registry
	audit    domain.AuditPublisher

	owner      string
	leaseTTL   time.Duration
	renewEvery time.Duration
}

// Result is the outcome of a saga run: the final status plus the full event
// trail, so callers can always reconstruct what happened.
type Result struct {
	Status domain.SagaStatus
	Events []domain.SagaEvent
}

// New constructs an orchestrator.
func New(store domain.EventStore, exec domain.Executor, registry *Registry, cfg Config) *Orchestrator {
	if cfg.Owner == "" {
		cfg.Owner = uuid.New().String()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = cfg.LeaseTTL / 3
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Orchestrator{
		store:      store,
		exec:       exec,
		registry:   registry,
		audit:      cfg.Audit,
		owner:      cfg.Owner,
		leaseTTL:   cfg.LeaseTTL,
		renewEvery: cfg.LeaseRenewInterval,
	}
}

// Owner returns the instance's lock token.
func (o *Orchestrator) Owner() string { return o.owner }

// Create validates the step list and persists the saga header in status
// Created. Nothing is dispatched.
func (o *Orchestrator) Create(ctx context.Context, name string, steps []domain.StepSpec, traceID string) (string, error) {
	if name == "" {
		return "", domain.NewError(domain.ErrInvalidArgument, "saga name required", "", "")
	}
	seen := make(map[string]struct{}, len(steps))
	for i, st := range steps {
		if st.StepID == "" {
			return "", domain.NewError(domain.ErrInvalidArgument, fmt.Sprintf("step %d: step_id required", i), "", "")
		}
		if _, dup := seen[st.StepID]; dup {
			return "", domain.NewError(domain.ErrInvalidArgument, "duplicate step_id", "", st.StepID)
		}
		seen[st.StepID] = struct{}{}
		if !st.BackendKind.Valid() {
			return "", domain.NewError(domain.ErrInvalidArgument, fmt.Sprintf("unknown backend kind %q", st.BackendKind), "", st.StepID)
		}
		if st.Operation == "" {
			return "", domain.NewError(domain.ErrInvalidArgument, "operation required", "", st.StepID)
		}
		if st.Retry == nil {
			def := domain.DefaultRetryPolicy()
			steps[i].Retry = &def
		}
	}
	saga := domain.Saga{
		SagaID:  uuid.New().String(),
		Name:    name,
		TraceID: traceID,
		Status:  domain.SagaCreated,
		Steps:   steps,
	}
	if err := o.store.CreateSaga(ctx, saga); err != nil {
		return "", fmt.Errorf("op=saga.create: %w", err)
	}
	slog.Info("saga created",
		slog.String("saga_id", saga.SagaID),
		slog.String("name", name),
		slog.Int("steps", len(steps)))
	return saga.SagaID, nil
}

// Execute runs the saga to completion, failure, or compensation. Idempotent:
// a call on an already-terminal saga returns its recorded outcome.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) (Result, error) {
	tracer := otel.Tracer("saga")
	ctx, span := tracer.Start(ctx, "saga.Execute")
	defer span.End()

	saga, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if saga.Status.Terminal() {
		events, err := o.store.ListEvents(ctx, sagaID)
		return Result{Status: saga.Status, Events: events}, err
	}

	if err := o.store.AcquireLock(ctx, sagaID, o.owner, o.leaseTTL); err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			return Result{Status: saga.Status}, domain.NewError(domain.ErrLockLost, "another orchestrator holds the saga", sagaID, "")
		}
		return Result{Status: saga.Status}, err
	}
	defer o.releaseLock(sagaID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost atomic.Bool
	go o.renewLoop(runCtx, sagaID, cancel, &lost)

	res, err := o.run(runCtx, saga)
	if lost.Load() {
		return res, domain.NewError(domain.ErrLockLost, "lease lost during execution", sagaID, "")
	}
	return res, err
}

// Resume reconstructs state from the event log and continues or compensates.
// Safe to call repeatedly; a saga never started stays Created.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (Result, error) {
	saga, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	events, err := o.store.ListEvents(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if err := validateLog(events); err != nil {
		return Result{Status: saga.Status, Events: events}, domain.NewError(domain.ErrCorruptEventLog, err.Error(), sagaID, "")
	}
	switch saga.Status {
	case domain.SagaCreated:
		// Never started; nothing to resume.
		return Result{Status: saga.Status, Events: events}, nil
	case domain.SagaRunning:
		return o.Execute(ctx, sagaID)
	case domain.SagaFailed, domain.SagaCompensating:
		return o.Compensate(ctx, sagaID, nil)
	default:
		return Result{Status: saga.Status, Events: events}, nil
	}
}

// Compensate undoes the successful steps in reverse order. When executed is
// nil the success set is inferred from the event log. Calling it on an
// already-compensated saga is a no-op.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string, executed []string) (Result, error) {
	saga, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if saga.Status == domain.SagaCompensated || saga.Status == domain.SagaAborted {
		events, err := o.store.ListEvents(ctx, sagaID)
		return Result{Status: saga.Status, Events: events}, err
	}
	if err := o.store.AcquireLock(ctx, sagaID, o.owner, o.leaseTTL); err != nil {
		return Result{Status: saga.Status}, err
	}
	defer o.releaseLock(sagaID)

	events, err := o.store.ListEvents(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	status, appended, compErr := o.compensatePass(ctx, saga, events, executed)
	return Result{Status: status, Events: append(events, appended...)}, compErr
}

// Abort marks the saga Aborted and compensates whatever already succeeded.
func (o *Orchestrator) Abort(ctx context.Context, sagaID, reason string) (Result, error) {
	saga, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if saga.Status.Terminal() {
		events, err := o.store.ListEvents(ctx, sagaID)
		return Result{Status: saga.Status, Events: events}, err
	}
	if err := o.store.AcquireLock(ctx, sagaID, o.owner, o.leaseTTL); err != nil {
		return Result{Status: saga.Status}, err
	}
	defer o.releaseLock(sagaID)

	o.recordAudit(ctx, domain.AuditRecord{Kind: "saga_aborted", SagaID: sagaID, Reason: reason})
	events, err := o.store.ListEvents(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if !hasSuccess(events) {
		if err := o.store.UpdateSagaStatus(ctx, sagaID, domain.SagaAborted); err != nil {
			return Result{Status: saga.Status, Events: events}, err
		}
		return Result{Status: domain.SagaAborted, Events: events}, nil
	}
	status, appended, compErr := o.compensatePass(ctx, saga, events, nil)
	events = append(events, appended...)
	if compErr != nil {
		// Compensation failures keep their own terminal status.
		return Result{Status: status, Events: events}, compErr
	}
	if err := o.store.UpdateSagaStatus(ctx, sagaID, domain.SagaAborted); err != nil {
		return Result{Status: status, Events: events}, err
	}
	return Result{Status: domain.SagaAborted, Events: events}, nil
}

// run drives the remaining steps under an already-held lock.
func (o *Orchestrator) run(ctx context.Context, saga domain.Saga) (Result, error) {
	start := time.Now()
	if saga.Status == domain.SagaCreated {
		if err := o.store.UpdateSagaStatus(ctx, saga.SagaID, domain.SagaRunning); err != nil {
			return Result{Status: saga.Status}, err
		}
		saga.Status = domain.SagaRunning
	}
	observability.SagasStartedTotal.WithLabelValues(saga.Name).Inc()

	events, err := o.store.ListEvents(ctx, saga.SagaID)
	if err != nil {
		return Result{Status: saga.Status}, err
	}

	var stepErr error
	for _, step := range saga.Steps {
		prog := progressFor(events, step.StepID)
		if prog.terminal == domain.EventSuccess || prog.terminal == domain.EventSkipped {
			continue
		}
		if prog.terminal == domain.EventFail {
			stepErr = domain.NewError(domain.ErrPermanent, "prior attempt failed", saga.SagaID, step.StepID)
			break
		}
		appended, err := o.runStep(ctx, saga, step, prog)
		events = append(events, appended...)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-flight; the saga stays Running and a later
				// Resume picks up from the event log.
				return Result{Status: domain.SagaRunning, Events: events}, err
			}
			stepErr = err
			break
		}
	}

	if stepErr == nil {
		if err := o.store.UpdateSagaStatus(ctx, saga.SagaID, domain.SagaCompleted); err != nil {
			return Result{Status: saga.Status, Events: events}, err
		}
		o.finish(ctx, saga, domain.SagaCompleted, start)
		return Result{Status: domain.SagaCompleted, Events: events}, nil
	}

	if err := o.store.UpdateSagaStatus(ctx, saga.SagaID, domain.SagaFailed); err != nil {
		return Result{Status: saga.Status, Events: events}, err
	}
	status, appended, compErr := o.compensatePass(ctx, saga, events, nil)
	events = append(events, appended...)
	o.finish(ctx, saga, status, start)
	if compErr != nil {
		return Result{Status: status, Events: events}, compErr
	}
	return Result{Status: status, Events: events}, stepErr
}

// runStep executes one step per the write-ahead protocol: durable Pending,
// dispatch, terminal event. Transient errors retry with backoff.
func (o *Orchestrator) runStep(ctx context.Context, saga domain.Saga, step domain.StepSpec, prog stepProgress) ([]domain.SagaEvent, error) {
	attempt := prog.attempt
	pendingDurable := prog.pending

	// A durable Pending with no terminal means the prior run crashed
	// mid-dispatch and the outcome is unknown. Re-execution is only safe for
	// idempotent steps; everything else is treated as at-most-once.
	if pendingDurable && !step.Idempotent() {
		ev, err := o.appendEvent(ctx, saga, step, attempt, domain.EventSkipped, 0,
			"outcome unknown after crash; step is not idempotent", nil)
		if err != nil {
			return nil, err
		}
		slog.Warn("skipping in-flight non-idempotent step",
			slog.String("saga_id", saga.SagaID), slog.String("step_id", step.StepID))
		return []domain.SagaEvent{ev}, nil
	}

	retry := domain.DefaultRetryPolicy()
	if step.Retry != nil {
		retry = *step.Retry
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retry.BackoffInitial
	bo.Multiplier = retry.BackoffMult
	bo.MaxInterval = retry.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var appended []domain.SagaEvent
	for {
		if step.IdempotencyKey != "" {
			prior, err := o.store.FindTerminalByIdemKey(ctx, step.IdempotencyKey)
			switch {
			case err == nil && prior.Status == domain.EventSuccess:
				ev, aerr := o.appendEvent(ctx, saga, step, attempt, domain.EventSkipped, 0, "",
					domain.Payload{"prior_event_id": prior.EventID})
				if aerr != nil {
					return appended, aerr
				}
				return append(appended, ev), nil
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				return appended, err
			}
		}

		// Policy is checked before the Pending write: a denied step fails
		// without ever entering the log as in flight.
		if auth, ok := o.exec.(domain.Authorizer); ok {
			if err := auth.Authorize(ctx, step.BackendKind, step.Operation, step.Payload); err != nil {
				ev, aerr := o.appendEvent(ctx, saga, step, attempt, domain.EventFail, 0, err.Error(), nil)
				if aerr != nil {
					return appended, aerr
				}
				appended = append(appended, ev)
				return appended, domain.NewError(unwrapSentinel(domain.Classify(err)), err.Error(), saga.SagaID, step.StepID)
			}
		}

		if !pendingDurable {
			ev, err := o.appendEvent(ctx, saga, step, attempt, domain.EventPending, 0, "", step.Payload)
			if err != nil {
				// No durable Pending, no dispatch.
				return appended, err
			}
			appended = append(appended, ev)
		}
		pendingDurable = false

		dispatchCtx := observability.ContextWithSaga(ctx, saga.SagaID, step.StepID)
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			dispatchCtx, cancel = context.WithTimeout(dispatchCtx, step.Timeout)
		}
		started := time.Now()
		_, execErr := o.exec.Execute(dispatchCtx, step.BackendKind, step.Operation, step.Payload)
		if cancel != nil {
			cancel()
		}
		durMS := time.Since(started).Milliseconds()

		if execErr == nil {
			ev, err := o.appendEvent(ctx, saga, step, attempt, domain.EventSuccess, durMS, "", nil)
			if err != nil {
				return appended, err
			}
			return append(appended, ev), nil
		}
		if ctx.Err() != nil {
			// Cancellation, not a backend verdict; leave the attempt in flight.
			return appended, ctx.Err()
		}

		switch {
		case errors.Is(execErr, domain.ErrTransient):
			if attempt < retry.MaxRetries {
				observability.SagaStepRetriesTotal.Inc()
				slog.Warn("transient step failure, retrying",
					slog.String("saga_id", saga.SagaID),
					slog.String("step_id", step.StepID),
					slog.Int("attempt", attempt),
					slog.Any("error", execErr))
				select {
				case <-time.After(bo.NextBackOff()):
				case <-ctx.Done():
					return appended, ctx.Err()
				}
				attempt++
				continue
			}
		case errors.Is(execErr, domain.ErrConflict):
			// A conflict on an idempotent write means the effect already
			// landed; converge instead of failing.
			if step.IdempotencyKey != "" {
				prior, err := o.store.FindTerminalByIdemKey(ctx, step.IdempotencyKey)
				if err == nil && prior.Status == domain.EventSuccess {
					ev, aerr := o.appendEvent(ctx, saga, step, attempt, domain.EventSkipped, durMS, "",
						domain.Payload{"prior_event_id": prior.EventID})
					if aerr != nil {
						return appended, aerr
					}
					return append(appended, ev), nil
				}
			}
			if step.Idempotent() {
				ev, err := o.appendEvent(ctx, saga, step, attempt, domain.EventSuccess, durMS, "", nil)
				if err != nil {
					return appended, err
				}
				return append(appended, ev), nil
			}
		case errors.Is(execErr, domain.ErrNotFound):
			// Deleting something already gone is a success; updating it is not.
			if strings.HasPrefix(step.Operation, "delete") {
				ev, err := o.appendEvent(ctx, saga, step, attempt, domain.EventSuccess, durMS, "", nil)
				if err != nil {
					return appended, err
				}
				return append(appended, ev), nil
			}
		}

		ev, err := o.appendEvent(ctx, saga, step, attempt, domain.EventFail, durMS, execErr.Error(), nil)
		if err != nil {
			return appended, err
		}
		appended = append(appended, ev)
		kind := domain.Classify(execErr)
		return appended, domain.NewError(unwrapSentinel(kind), execErr.Error(), saga.SagaID, step.StepID)
	}
}

// compensatePass undoes the successful steps in reverse order, best-effort.
// A handler failure is recorded and the pass continues with the next step.
func (o *Orchestrator) compensatePass(ctx context.Context, saga domain.Saga, events []domain.SagaEvent, executed []string) (domain.SagaStatus, []domain.SagaEvent, error) {
	if err := o.store.UpdateSagaStatus(ctx, saga.SagaID, domain.SagaCompensating); err != nil {
		return saga.Status, nil, err
	}

	var targets []domain.StepSpec
	if executed != nil {
		byID := make(map[string]domain.StepSpec, len(saga.Steps))
		for _, st := range saga.Steps {
			byID[st.StepID] = st
		}
		for _, id := range executed {
			if st, ok := byID[id]; ok {
				targets = append(targets, st)
			}
		}
	} else {
		for _, st := range saga.Steps {
			if progressFor(events, st.StepID).terminal == domain.EventSuccess {
				targets = append(targets, st)
			}
		}
	}

	var appended []domain.SagaEvent
	anyFailed := false
	for i := len(targets) - 1; i >= 0; i-- {
		step := targets[i]
		if compensationDone(events, step.StepID) {
			continue
		}
		attempt := compensationAttempts(events, step.StepID)

		var handler domain.CompensationHandler
		if step.CompensationName != "" {
			handler, _ = o.registry.Get(step.CompensationName)
		}
		if handler == nil {
			ev, err := o.appendCompEvent(ctx, saga, step, attempt, domain.EventCompensated, "",
				domain.Payload{"noop": true})
			if err != nil {
				return domain.SagaCompensating, appended, err
			}
			appended = append(appended, ev)
			observability.CompensationsTotal.WithLabelValues("noop").Inc()
			continue
		}

		pend, err := o.appendCompEvent(ctx, saga, step, attempt, domain.EventPending, "", nil)
		if err != nil {
			return domain.SagaCompensating, appended, err
		}
		appended = append(appended, pend)

		compCtx := observability.ContextWithSaga(ctx, saga.SagaID, step.StepID)
		if herr := handler(compCtx, o.exec, step.Payload); herr != nil {
			anyFailed = true
			observability.CompensationsTotal.WithLabelValues("failure").Inc()
			slog.Error("compensation handler failed",
				slog.String("saga_id", saga.SagaID),
				slog.String("step_id", step.StepID),
				slog.String("handler", step.CompensationName),
				slog.Any("error", herr))
			ev, aerr := o.appendCompEvent(ctx, saga, step, attempt, domain.EventFail, herr.Error(), nil)
			if aerr != nil {
				return domain.SagaCompensating, appended, aerr
			}
			appended = append(appended, ev)
			continue
		}
		ev, err := o.appendCompEvent(ctx, saga, step, attempt, domain.EventCompensated, "", nil)
		if err != nil {
			return domain.SagaCompensating, appended, err
		}
		appended = append(appended, ev)
		observability.CompensationsTotal.WithLabelValues("success").Inc()
	}

	status := domain.SagaCompensated
	if anyFailed {
		status = domain.SagaCompensationFailed
		o.recordAudit(ctx, domain.AuditRecord{
			Kind:   "compensation_failed",
			SagaID: saga.SagaID,
			Reason: "one or more compensation handlers failed",
		})
	}
	if err := o.store.UpdateSagaStatus(ctx, saga.SagaID, status); err != nil {
		return domain.SagaCompensating, appended, err
	}
	if anyFailed {
		return status, appended, domain.NewError(domain.ErrCompensationFailed, "compensation pass incomplete", saga.SagaID, "")
	}
	return status, appended, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, saga domain.Saga, step domain.StepSpec, attempt int, status domain.EventStatus, durMS int64, errMsg string, snapshot domain.Payload) (domain.SagaEvent, error) {
	ev := domain.SagaEvent{
		SagaID:          saga.SagaID,
		TraceID:         saga.TraceID,
		StepID:          step.StepID,
		Attempt:         attempt,
		Status:          status,
		StartedAt:       time.Now().UTC(),
		DurationMS:      durMS,
		Error:           errMsg,
		PayloadSnapshot: snapshot,
		IdempotencyKey:  step.IdempotencyKey,
	}
	id, err := o.store.AppendEvent(ctx, ev)
	if err != nil {
		return domain.SagaEvent{}, fmt.Errorf("op=saga.append_event saga=%s step=%s status=%s: %w", saga.SagaID, step.StepID, status, err)
	}
	ev.EventID = id
	return ev, nil
}

func (o *Orchestrator) appendCompEvent(ctx context.Context, saga domain.Saga, step domain.StepSpec, attempt int, status domain.EventStatus, errMsg string, snapshot domain.Payload) (domain.SagaEvent, error) {
	ev := domain.SagaEvent{
		SagaID:          saga.SagaID,
		TraceID:         saga.TraceID,
		StepID:          step.StepID,
		Attempt:         attempt,
		Status:          status,
		StartedAt:       time.Now().UTC(),
		Error:           errMsg,
		PayloadSnapshot: snapshot,
		Compensation:    true,
	}
	id, err := o.store.AppendEvent(ctx, ev)
	if err != nil {
		return domain.SagaEvent{}, fmt.Errorf("op=saga.append_comp_event saga=%s step=%s: %w", saga.SagaID, step.StepID, err)
	}
	ev.EventID = id
	return ev, nil
}

// renewLoop extends the lease until ctx ends. Losing the lease cancels the
// run so the other owner is the only one writing terminals.
func (o *Orchestrator) renewLoop(ctx context.Context, sagaID string, cancel context.CancelFunc, lost *atomic.Bool) {
	t := time.NewTicker(o.renewEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := o.store.RenewLock(rctx, sagaID, o.owner, o.leaseTTL)
			rcancel()
			if errors.Is(err, domain.ErrLockLost) {
				lost.Store(true)
				slog.Error("saga lease lost", slog.String("saga_id", sagaID), slog.String("owner", o.owner))
				cancel()
				return
			}
			if err != nil {
				slog.Warn("saga lease renewal failed", slog.String("saga_id", sagaID), slog.Any("error", err))
			}
		}
	}
}

func (o *Orchestrator) releaseLock(sagaID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.ReleaseLock(ctx, sagaID, o.owner); err != nil {
		slog.Warn("saga lock release failed", slog.String("saga_id", sagaID), slog.Any("error", err))
	}
}

// finish records terminal metrics and a best-effort audit trail.
func (o *Orchestrator) finish(ctx context.Context, saga domain.Saga, status domain.SagaStatus, start time.Time) {
	elapsed := time.Since(start)
	observability.SagasFinishedTotal.WithLabelValues(saga.Name, string(status)).Inc()
	observability.SagaDuration.WithLabelValues(saga.Name).Observe(elapsed.Seconds())
	if err := o.store.AppendMetric(ctx, domain.MetricSample{
		SagaID: saga.SagaID,
		Name:   "saga_duration_ms",
		Value:  float64(elapsed.Milliseconds()),
	}); err != nil {
		slog.Warn("saga metric sample failed", slog.String("saga_id", saga.SagaID), slog.Any("error", err))
	}
	o.recordAudit(ctx, domain.AuditRecord{Kind: "saga_finished", SagaID: saga.SagaID, Reason: string(status)})
}

// recordAudit writes the side-table record and fans out to the publisher.
// Both are advisory; failures never alter saga control flow.
func (o *Orchestrator) recordAudit(ctx context.Context, rec domain.AuditRecord) {
	if err := o.store.AppendAudit(ctx, rec); err != nil {
		slog.Warn("audit append failed", slog.String("kind", rec.Kind), slog.Any("error", err))
	}
	if o.audit == nil {
		return
	}
	if err := o.audit.Publish(ctx, rec); err != nil {
		slog.Warn("audit publish failed", slog.String("kind", rec.Kind), slog.Any("error", err))
	}
}

// stepProgress summarizes the forward (non-compensation) WAL for one step.
type stepProgress struct {
	attempt  int
	pending  bool
	terminal domain.EventStatus
}

func progressFor(events []domain.SagaEvent, stepID string) stepProgress {
	var p stepProgress
	for _, ev := range events {
		if ev.StepID != stepID || ev.Compensation {
			continue
		}
		if ev.Attempt > p.attempt {
			p = stepProgress{attempt: ev.Attempt}
		}
		if ev.Attempt == p.attempt {
			if ev.Status == domain.EventPending {
				p.pending = true
			} else {
				p.terminal = ev.Status
			}
		}
	}
	return p
}

func compensationDone(events []domain.SagaEvent, stepID string) bool {
	for _, ev := range events {
		if ev.StepID == stepID && ev.Compensation && ev.Status == domain.EventCompensated {
			return true
		}
	}
	return false
}

func compensationAttempts(events []domain.SagaEvent, stepID string) int {
	n := 0
	for _, ev := range events {
		if ev.StepID == stepID && ev.Compensation && ev.Status.Terminal() {
			n++
		}
	}
	return n
}

func hasSuccess(events []domain.SagaEvent) bool {
	for _, ev := range events {
		if !ev.Compensation && ev.Status == domain.EventSuccess {
			return true
		}
	}
	return false
}

// validateLog checks the write-ahead invariants: a Success requires a durable
// Pending for the same (step, attempt), and there is at most one terminal per
// attempt. Fail and Skipped may stand alone (policy denials and idempotency
// short-circuits never dispatch).
func validateLog(events []domain.SagaEvent) error {
	type key struct {
		step    string
		attempt int
	}
	pending := map[key]bool{}
	terminals := map[key]int{}
	for _, ev := range events {
		if ev.Compensation {
			continue
		}
		k := key{ev.StepID, ev.Attempt}
		switch ev.Status {
		case domain.EventPending:
			pending[k] = true
		case domain.EventSuccess:
			if !pending[k] {
				return fmt.Errorf("success without pending for step=%s attempt=%d", ev.StepID, ev.Attempt)
			}
			terminals[k]++
		default:
			terminals[k]++
		}
		if terminals[k] > 1 {
			return fmt.Errorf("multiple terminals for step=%s attempt=%d", ev.StepID, ev.Attempt)
		}
	}
	return nil
}

// unwrapSentinel reduces a wrapped taxonomy error to its sentinel for the
// structured Error surface.
func unwrapSentinel(err error) error {
	for _, sentinel := range []error{
		domain.ErrTransient, domain.ErrPermanent, domain.ErrConflict, domain.ErrNotFound,
		domain.ErrPolicyDenied, domain.ErrNoBackend, domain.ErrUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return domain.ErrPermanent
}
