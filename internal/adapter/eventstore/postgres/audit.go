package postgres

import (
	"context"
	"fmt"
	"time"

	pgadapter "github.com/fairyhunter13/uds3-core/internal/adapter/backend/postgres"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// AppendAudit writes one append-only audit row. The audit table carries a
// catch-all column, so extra fields survive schema drift.
func (s *Store) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	values := map[string]any{
		"kind":       rec.Kind,
		"saga_id":    rec.SagaID,
		"step_id":    rec.StepID,
		"reason":     rec.Reason,
		"detail":     rec.Detail,
		"created_at": rec.CreatedAt,
	}
	cols, err := s.tableColumns(ctx, auditTable)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	if _, err := pgadapter.SafeInsertColumns(ctx, s.pool, auditTable, cols, values); err != nil {
		return fmt.Errorf("op=audit.append kind=%s: %w", rec.Kind, err)
	}
	return nil
}

// AppendMetric records one saga-level sample into the metrics side table.
func (s *Store) AppendMetric(ctx context.Context, sample domain.MetricSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	q := `INSERT INTO uds3_saga_metrics (saga_id, name, value, recorded_at) VALUES ($1,$2,$3,$4)`
	if _, err := s.pool.Exec(ctx, q, sample.SagaID, sample.Name, sample.Value, sample.RecordedAt); err != nil {
		return fmt.Errorf("op=metrics.append name=%s: %w", sample.Name, translate(err))
	}
	return nil
}
