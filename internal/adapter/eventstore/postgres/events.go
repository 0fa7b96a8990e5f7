package postgres

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	pgadapter "github.com/fairyhunter13/uds3-core/internal/adapter/backend/postgres"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// AppendEvent durably persists one WAL record via safe-insert, so deployments
// with a trimmed events table still capture every attempt. Event IDs are ULIDs
// and therefore sort by write time.
func (s *Store) AppendEvent(ctx context.Context, ev domain.SagaEvent) (string, error) {
	tracer := otel.Tracer("eventstore.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()

	if ev.EventID == "" {
		ev.EventID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	if ev.StartedAt.IsZero() {
		ev.StartedAt = time.Now().UTC()
	}
	values := map[string]any{
		"event_id":     ev.EventID,
		"saga_id":      ev.SagaID,
		"trace_id":     ev.TraceID,
		"step_id":      ev.StepID,
		"attempt":      ev.Attempt,
		"status":       string(ev.Status),
		"compensation": ev.Compensation,
		"started_at":   ev.StartedAt,
		"duration_ms":  ev.DurationMS,
	}
	if ev.Error != "" {
		values["error"] = ev.Error
	}
	if ev.IdempotencyKey != "" {
		values["idempotency_key"] = ev.IdempotencyKey
	}
	if ev.PayloadSnapshot != nil {
		b, err := json.Marshal(ev.PayloadSnapshot)
		if err != nil {
			return "", fmt.Errorf("op=events.append saga=%s step=%s: %w: %v", ev.SagaID, ev.StepID, domain.ErrPermanent, err)
		}
		values["payload_snapshot"] = string(b)
	}

	cols, err := s.tableColumns(ctx, eventsTable)
	if err != nil {
		return "", fmt.Errorf("op=events.append: %w", err)
	}
	if _, err := pgadapter.SafeInsertColumns(ctx, s.pool, eventsTable, cols, values); err != nil {
		return "", fmt.Errorf("op=events.append saga=%s step=%s: %w", ev.SagaID, ev.StepID, err)
	}
	return ev.EventID, nil
}

// ListEvents returns the saga's full WAL ordered by write time.
func (s *Store) ListEvents(ctx context.Context, sagaID string) ([]domain.SagaEvent, error) {
	tracer := otel.Tracer("eventstore.events")
	ctx, span := tracer.Start(ctx, "events.List")
	defer span.End()

	q := eventSelect + ` WHERE saga_id=$1 ORDER BY started_at ASC, event_id ASC`
	rows, err := s.pool.Query(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("op=events.list saga=%s: %w", sagaID, translate(err))
	}
	defer rows.Close()
	var events []domain.SagaEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=events.list saga=%s: %w", sagaID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=events.list saga=%s: %w", sagaID, translate(err))
	}
	return events, nil
}

// FindTerminalByIdemKey returns the most recent terminal event recorded under
// the key, across sagas. Used to skip steps whose effect already landed.
func (s *Store) FindTerminalByIdemKey(ctx context.Context, key string) (domain.SagaEvent, error) {
	q := eventSelect + ` WHERE idempotency_key=$1 AND status <> 'pending' ORDER BY started_at DESC, event_id DESC LIMIT 1`
	rows, err := s.pool.Query(ctx, q, key)
	if err != nil {
		return domain.SagaEvent{}, fmt.Errorf("op=events.find_by_idem_key: %w", translate(err))
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.SagaEvent{}, fmt.Errorf("op=events.find_by_idem_key: %w", translate(err))
		}
		return domain.SagaEvent{}, fmt.Errorf("op=events.find_by_idem_key key=%s: %w", key, domain.ErrNotFound)
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return domain.SagaEvent{}, fmt.Errorf("op=events.find_by_idem_key: %w", err)
	}
	return ev, nil
}

const eventSelect = `SELECT event_id, saga_id, COALESCE(trace_id,''), step_id, attempt, status,
	COALESCE(compensation,false), started_at, COALESCE(duration_ms,0), COALESCE(error,''),
	COALESCE(idempotency_key,''), payload_snapshot
	FROM uds3_saga_events`

func scanEvent(rows pgx.Rows) (domain.SagaEvent, error) {
	var ev domain.SagaEvent
	var snapshot []byte
	if err := rows.Scan(&ev.EventID, &ev.SagaID, &ev.TraceID, &ev.StepID, &ev.Attempt, &ev.Status,
		&ev.Compensation, &ev.StartedAt, &ev.DurationMS, &ev.Error, &ev.IdempotencyKey, &snapshot); err != nil {
		return domain.SagaEvent{}, translate(err)
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &ev.PayloadSnapshot); err != nil {
			return domain.SagaEvent{}, fmt.Errorf("event=%s: %w: payload snapshot corrupt: %v", ev.EventID, domain.ErrCorruptEventLog, err)
		}
	}
	return ev, nil
}

// tableColumns introspects once per table and serves later writes from cache.
func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	s.colsMu.Lock()
	cached, ok := s.cols[table]
	s.colsMu.Unlock()
	if ok {
		return cached, nil
	}
	cols, err := pgadapter.TableColumns(ctx, s.pool, table)
	if err != nil {
		return nil, err
	}
	s.colsMu.Lock()
	s.cols[table] = cols
	s.colsMu.Unlock()
	return cols, nil
}
