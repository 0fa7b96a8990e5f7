package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/uds3-core/internal/adapter/backend/postgres"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

func newMockAdapter(t *testing.T) (*postgres.Adapter, pgxmock.PgxPoolIface) {
	t.Helper()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return postgres.NewWithPool(m), m
}

// anyArgs builds n wildcard matchers; pgxmock requires the expected argument
// count to match even when the test does not care about the values.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestAdapter_Insert(t *testing.T) {
	t.Parallel()
	a, m := newMockAdapter(t)

	m.ExpectExec("INSERT INTO docs").
		WithArgs(anyArgs(1)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := a.Execute(context.Background(), "insert", domain.Payload{
		"table":  "docs",
		"values": map[string]any{"id": "d1"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestAdapter_Update_MissingRowIsNotFound(t *testing.T) {
	t.Parallel()
	a, m := newMockAdapter(t)

	m.ExpectExec("UPDATE docs SET").
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := a.Execute(context.Background(), "update", domain.Payload{
		"table":  "docs",
		"id":     "ghost",
		"values": map[string]any{"title": "x"},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestAdapter_Delete_MissingRowSucceeds(t *testing.T) {
	t.Parallel()
	a, m := newMockAdapter(t)

	m.ExpectExec("DELETE FROM docs").
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	n, err := a.Execute(context.Background(), "delete", domain.Payload{"table": "docs", "id": "ghost"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestAdapter_InvalidTableName(t *testing.T) {
	t.Parallel()
	a, _ := newMockAdapter(t)

	for _, table := range []string{"", "docs; DROP TABLE x", `docs"`} {
		_, err := a.Execute(context.Background(), "insert", domain.Payload{
			"table":  table,
			"values": map[string]any{"id": "d1"},
		})
		assert.ErrorIs(t, err, domain.ErrPermanent, "table %q must be rejected", table)
	}
}

func TestAdapter_InvalidColumnName(t *testing.T) {
	t.Parallel()
	a, _ := newMockAdapter(t)

	// Column keys become SQL identifiers just like table names; a key that
	// closes the quoting must be rejected before any statement is built.
	hostile := `id", status) SELECT saga_id, 'completed' FROM uds3_sagas; --`
	for _, op := range []string{"insert", "update"} {
		_, err := a.Execute(context.Background(), op, domain.Payload{
			"table":  "docs",
			"id":     "d1",
			"values": map[string]any{hostile: "x"},
		})
		assert.ErrorIs(t, err, domain.ErrPermanent, "op %s must reject hostile column", op)
	}
}

func TestAdapter_UniqueViolationIsConflict(t *testing.T) {
	t.Parallel()
	a, m := newMockAdapter(t)

	m.ExpectExec("INSERT INTO docs").
		WithArgs(anyArgs(1)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := a.Execute(context.Background(), "insert", domain.Payload{
		"table":  "docs",
		"values": map[string]any{"id": "dup"},
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestAdapter_ConnectionFailureIsTransient(t *testing.T) {
	t.Parallel()
	a, m := newMockAdapter(t)

	m.ExpectExec("INSERT INTO docs").
		WithArgs(anyArgs(1)...).
		WillReturnError(&pgconn.PgError{Code: "08006"})

	_, err := a.Execute(context.Background(), "insert", domain.Payload{
		"table":  "docs",
		"values": map[string]any{"id": "d1"},
	})
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestSafeInsert_ProjectsOntoAvailableColumns(t *testing.T) {
	t.Parallel()
	_, m := newMockAdapter(t)

	m.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("uds3_saga_events").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("event_id").AddRow("saga_id").AddRow("status").AddRow("payload_snapshot"))
	m.ExpectExec("INSERT INTO uds3_saga_events").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := postgres.SafeInsert(context.Background(), m, "uds3_saga_events", map[string]any{
		"event_id": "e1",
		"saga_id":  "s1",
		"status":   "pending",
		// No matching column: must spill into payload_snapshot, not fail.
		"step_id": "step-1",
	})
	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestSafeInsert_SingleJSONColumnFallback(t *testing.T) {
	t.Parallel()
	_, m := newMockAdapter(t)

	m.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("blobs").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("data"))
	m.ExpectExec("INSERT INTO blobs").
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := postgres.SafeInsert(context.Background(), m, "blobs", map[string]any{
		"anything": "goes",
		"nested":   map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	// The table has an id column and the caller supplied none: one is minted.
	assert.NotEmpty(t, id)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestSafeInsert_KeepsCallerID(t *testing.T) {
	t.Parallel()
	_, m := newMockAdapter(t)

	m.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("docs").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("title"))
	m.ExpectExec("INSERT INTO docs").
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := postgres.SafeInsert(context.Background(), m, "docs", map[string]any{
		"id":    "given-id",
		"title": "t",
	})
	require.NoError(t, err)
	assert.Equal(t, "given-id", id)
}

func TestSafeInsertColumns_InvalidTable(t *testing.T) {
	t.Parallel()
	_, m := newMockAdapter(t)

	// Callers that cache columns hand the table name in directly, bypassing
	// the adapter's payload validation; it is re-checked here.
	_, err := postgres.SafeInsertColumns(context.Background(), m, `docs"; --`, []string{"id"}, map[string]any{"id": "a"})
	assert.ErrorIs(t, err, domain.ErrPermanent)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestSafeInsert_UnknownTable(t *testing.T) {
	t.Parallel()
	_, m := newMockAdapter(t)

	m.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))

	_, err := postgres.SafeInsert(context.Background(), m, "nope", map[string]any{"a": 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTableColumns(t *testing.T) {
	t.Parallel()
	_, m := newMockAdapter(t)

	m.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("uds3_sagas").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("saga_id").AddRow("name").AddRow("status"))

	cols, err := postgres.TableColumns(context.Background(), m, "uds3_sagas")
	require.NoError(t, err)
	assert.Equal(t, []string{"saga_id", "name", "status"}, cols)
}
