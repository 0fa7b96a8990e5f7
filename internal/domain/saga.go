package domain

import (
	"context"
	"time"
)

// SagaStatus enumerates the lifecycle of a saga.
type SagaStatus string

const (
	SagaCreated            SagaStatus = "created"
	SagaRunning            SagaStatus = "running"
	SagaCompleted          SagaStatus = "completed"
	SagaFailed             SagaStatus = "failed"
	SagaCompensating       SagaStatus = "compensating"
	SagaCompensated        SagaStatus = "compensated"
	SagaCompensationFailed SagaStatus = "compensation_failed"
	SagaAborted            SagaStatus = "aborted"
)

// Terminal reports whether no further forward progress is possible.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaCompensationFailed, SagaAborted:
		return true
	}
	return false
}

// EventStatus enumerates WAL record outcomes.
type EventStatus string

const (
	EventPending     EventStatus = "pending"
	EventSuccess     EventStatus = "success"
	EventFail        EventStatus = "fail"
	EventCompensated EventStatus = "compensated"
	EventSkipped     EventStatus = "skipped"
)

// Terminal reports whether the event closes its attempt.
func (s EventStatus) Terminal() bool { return s != EventPending }

// RetryPolicy bounds per-step retries of transient failures.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMult    float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultRetryPolicy is applied to steps that do not carry their own policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffInitial: 200 * time.Millisecond, BackoffMult: 2.0, MaxBackoff: 5 * time.Second}
}

// StepSpec is one unit of a saga. StepID is unique within the saga and stable
// across replays.
type StepSpec struct {
	StepID           string        `yaml:"step_id" json:"step_id"`
	BackendKind      BackendKind   `yaml:"backend_kind" json:"backend_kind"`
	Operation        string        `yaml:"operation" json:"operation"`
	Payload          Payload       `yaml:"payload" json:"payload"`
	CompensationName string        `yaml:"compensation_name,omitempty" json:"compensation_name,omitempty"`
	IdempotencyKey   string        `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Retry is optional; nil means the default policy. A present policy with
	// MaxRetries 0 disables retries rather than falling back to the default.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Idempotent reports whether re-execution after an unknown outcome is safe.
// Steps without an idempotency key rely on the operation being upsert-shaped.
func (s StepSpec) Idempotent() bool {
	if s.IdempotencyKey != "" {
		return true
	}
	switch s.Operation {
	case "upsert", "add_documents", "put", "create_node", "create_edge", "delete", "delete_node":
		return true
	}
	return false
}

// Saga is the persisted header of one multi-backend transaction.
type Saga struct {
	SagaID        string
	Name          string
	TraceID       string
	Status        SagaStatus
	Steps         []StepSpec
	OwnerToken    string
	LockExpiresAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SagaEvent is the write-ahead log record. For every completed step attempt
// there exist at least two events: a Pending written before the backend call
// and a terminal one written after.
type SagaEvent struct {
	EventID         string
	SagaID          string
	TraceID         string
	StepID          string
	Attempt         int
	Status          EventStatus
	StartedAt       time.Time
	DurationMS      int64
	Error           string
	PayloadSnapshot Payload
	// IdempotencyKey mirrors the step's key so prior terminals can be found
	// across sagas.
	IdempotencyKey string
	// Compensation marks events written by the compensation pass.
	Compensation bool
}

// AuditRecord is an append-only observability side record. Its schema is
// opaque to the core beyond these fields.
type AuditRecord struct {
	Kind      string
	SagaID    string
	StepID    string
	Reason    string
	Detail    string
	CreatedAt time.Time
}

// MetricSample records one saga-level measurement into the metrics side table.
type MetricSample struct {
	SagaID     string
	Name       string
	Value      float64
	RecordedAt time.Time
}

// EventStore is the injected persistence contract for saga headers and WAL
// events. The relational implementation adapts to the columns actually
// present (safe-insert); tests use an in-memory store.
type EventStore interface {
	CreateSaga(ctx context.Context, s Saga) error
	GetSaga(ctx context.Context, sagaID string) (Saga, error)
	UpdateSagaStatus(ctx context.Context, sagaID string, status SagaStatus) error
	// AcquireLock claims the saga via row-level CAS. It succeeds when the row
	// is unlocked, expired, or already held by owner.
	AcquireLock(ctx context.Context, sagaID, owner string, ttl time.Duration) error
	RenewLock(ctx context.Context, sagaID, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, sagaID, owner string) error
	// AppendEvent durably persists one WAL record and returns its event ID.
	AppendEvent(ctx context.Context, ev SagaEvent) (string, error)
	// ListEvents returns all events for the saga ordered by (step order,
	// attempt, write order).
	ListEvents(ctx context.Context, sagaID string) ([]SagaEvent, error)
	// FindTerminalByIdemKey looks up a prior terminal event recorded under the
	// given idempotency key, across sagas.
	FindTerminalByIdemKey(ctx context.Context, key string) (SagaEvent, error)
	// ListOpenSagas returns saga IDs in non-terminal states older than cutoff.
	ListOpenSagas(ctx context.Context, olderThan time.Duration) ([]string, error)
	AppendAudit(ctx context.Context, rec AuditRecord) error
	AppendMetric(ctx context.Context, sample MetricSample) error
}

// CompensationHandler undoes one previously successful step. Handlers must be
// idempotent: a second invocation on an already-undone target reports success.
type CompensationHandler func(ctx context.Context, executor Executor, payload Payload) error

// Executor is the dispatch surface the orchestrator and compensation handlers
// borrow from the backend manager.
type Executor interface {
	Execute(ctx context.Context, kind BackendKind, op string, payload Payload) (any, error)
}

// Authorizer is optionally implemented by policy-gated executors so callers
// can check an operation before committing durable work to it. A denial is
// ErrPolicyDenied, same as the dispatch path would raise.
type Authorizer interface {
	Authorize(ctx context.Context, kind BackendKind, op string, payload Payload) error
}

// AuditPublisher fans audit records out to an external sink (Kafka topic).
// Publishing is advisory; failures are logged, never propagated into saga
// control flow.
type AuditPublisher interface {
	Publish(ctx context.Context, rec AuditRecord) error
}
