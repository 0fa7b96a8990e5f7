// Package postgres implements the saga event store over PostgreSQL: saga
// headers with row-level CAS locking, the write-ahead event log via
// safe-insert, and the audit/metrics side tables.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	pgadapter "github.com/fairyhunter13/uds3-core/internal/adapter/backend/postgres"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// Tables with drift-tolerant schemas go through safe-insert by name; the
// fixed-schema tables are addressed directly in their queries.
const (
	eventsTable = "uds3_saga_events"
	auditTable  = "uds3_audit_log"
)

// Store persists sagas and their WAL events. It implements domain.EventStore.
type Store struct {
	pool pgadapter.PgxPool

	// colsMu guards the per-table column cache backing safe-insert.
	colsMu sync.Mutex
	cols   map[string][]string
}

// NewStore constructs a Store over an existing pool.
func NewStore(pool pgadapter.PgxPool) *Store {
	return &Store{pool: pool, cols: map[string][]string{}}
}

// CreateSaga inserts the saga header with its serialized step list.
func (s *Store) CreateSaga(ctx context.Context, saga domain.Saga) error {
	tracer := otel.Tracer("eventstore.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Create")
	defer span.End()
	stepsJSON, err := json.Marshal(saga.Steps)
	if err != nil {
		return fmt.Errorf("op=saga.create: %w: %v", domain.ErrPermanent, err)
	}
	q := `INSERT INTO uds3_sagas (saga_id, name, trace_id, status, steps, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, q, saga.SagaID, saga.Name, saga.TraceID, saga.Status, stepsJSON, now, now); err != nil {
		return fmt.Errorf("op=saga.create: %w", translate(err))
	}
	return nil
}

// GetSaga loads a saga header by id.
func (s *Store) GetSaga(ctx context.Context, sagaID string) (domain.Saga, error) {
	tracer := otel.Tracer("eventstore.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Get")
	defer span.End()
	q := `SELECT saga_id, name, trace_id, status, steps, COALESCE(owner_token,''), COALESCE(lock_expires_at, 'epoch'::timestamptz), created_at, updated_at FROM uds3_sagas WHERE saga_id=$1`
	row := s.pool.QueryRow(ctx, q, sagaID)
	var saga domain.Saga
	var stepsJSON []byte
	if err := row.Scan(&saga.SagaID, &saga.Name, &saga.TraceID, &saga.Status, &stepsJSON, &saga.OwnerToken, &saga.LockExpiresAt, &saga.CreatedAt, &saga.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Saga{}, fmt.Errorf("op=saga.get saga=%s: %w", sagaID, domain.ErrNotFound)
		}
		return domain.Saga{}, fmt.Errorf("op=saga.get: %w", translate(err))
	}
	if err := json.Unmarshal(stepsJSON, &saga.Steps); err != nil {
		return domain.Saga{}, fmt.Errorf("op=saga.get saga=%s: %w: steps corrupt: %v", sagaID, domain.ErrCorruptEventLog, err)
	}
	return saga, nil
}

// UpdateSagaStatus transitions the saga header status.
func (s *Store) UpdateSagaStatus(ctx context.Context, sagaID string, status domain.SagaStatus) error {
	q := `UPDATE uds3_sagas SET status=$2, updated_at=$3 WHERE saga_id=$1`
	tag, err := s.pool.Exec(ctx, q, sagaID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=saga.update_status: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=saga.update_status saga=%s: %w", sagaID, domain.ErrNotFound)
	}
	return nil
}

// AcquireLock claims the saga row via a single conditional update. It
// succeeds when the row is unlocked, the previous lease expired, or the
// caller already holds it.
func (s *Store) AcquireLock(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	q := `UPDATE uds3_sagas
	      SET owner_token=$2, lock_expires_at=$3, updated_at=$4
	      WHERE saga_id=$1 AND (owner_token IS NULL OR owner_token='' OR lock_expires_at < $4 OR owner_token=$2)`
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, q, sagaID, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("op=saga.acquire_lock: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=saga.acquire_lock saga=%s owner=%s: %w", sagaID, owner, domain.ErrLockLost)
	}
	return nil
}

// RenewLock extends the lease while the caller still owns the row.
func (s *Store) RenewLock(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	q := `UPDATE uds3_sagas SET lock_expires_at=$3, updated_at=$4 WHERE saga_id=$1 AND owner_token=$2`
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, q, sagaID, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("op=saga.renew_lock: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=saga.renew_lock saga=%s owner=%s: %w", sagaID, owner, domain.ErrLockLost)
	}
	return nil
}

// ReleaseLock clears the lease when owned by the caller; releasing a lock
// already taken over by someone else is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, sagaID, owner string) error {
	q := `UPDATE uds3_sagas SET owner_token=NULL, lock_expires_at=NULL, updated_at=$3 WHERE saga_id=$1 AND owner_token=$2`
	if _, err := s.pool.Exec(ctx, q, sagaID, owner, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=saga.release_lock: %w", translate(err))
	}
	return nil
}

// ListOpenSagas returns ids of non-terminal sagas whose last update is older
// than the cutoff.
func (s *Store) ListOpenSagas(ctx context.Context, olderThan time.Duration) ([]string, error) {
	q := `SELECT saga_id FROM uds3_sagas
	      WHERE status IN ('created','running','failed','compensating')
	        AND updated_at < $1
	      ORDER BY updated_at ASC`
	rows, err := s.pool.Query(ctx, q, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("op=saga.list_open: %w", translate(err))
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=saga.list_open: %w", translate(err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=saga.list_open: %w", translate(err))
	}
	return ids, nil
}
