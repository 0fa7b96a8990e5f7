package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventstore "github.com/fairyhunter13/uds3-core/internal/adapter/eventstore/postgres"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

func newMockStore(t *testing.T) (*eventstore.Store, pgxmock.PgxPoolIface) {
	t.Helper()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return eventstore.NewStore(m), m
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

func TestStore_CreateAndGetSaga(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)
	ctx := context.Background()

	saga := domain.Saga{
		SagaID: "s1",
		Name:   "ingest",
		Status: domain.SagaCreated,
		Steps: []domain.StepSpec{
			{StepID: "st1", BackendKind: domain.KindRelational, Operation: "insert"},
		},
	}
	m.ExpectExec("INSERT INTO uds3_sagas").
		WithArgs(anyArgs(7)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.CreateSaga(ctx, saga))

	stepsJSON, err := json.Marshal(saga.Steps)
	require.NoError(t, err)
	now := time.Now().UTC()
	m.ExpectQuery("SELECT saga_id, name, trace_id, status, steps").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{
			"saga_id", "name", "trace_id", "status", "steps",
			"owner_token", "lock_expires_at", "created_at", "updated_at",
		}).AddRow("s1", "ingest", "", "created", stepsJSON, "", time.Time{}, now, now))

	got, err := s.GetSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCreated, got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "st1", got.Steps[0].StepID)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestStore_GetSaga_NotFound(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)

	m.ExpectQuery("SELECT saga_id, name, trace_id, status, steps").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"saga_id", "name", "trace_id", "status", "steps",
			"owner_token", "lock_expires_at", "created_at", "updated_at",
		}))

	_, err := s.GetSaga(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_AcquireLock(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)
	ctx := context.Background()

	m.ExpectExec("UPDATE uds3_sagas").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.AcquireLock(ctx, "s1", "owner-a", 30*time.Second))

	// The CAS matches no row when someone else holds a live lease.
	m.ExpectExec("UPDATE uds3_sagas").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.AcquireLock(ctx, "s1", "owner-b", 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockLost)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestStore_RenewLock_LostOwnership(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)

	m.ExpectExec("UPDATE uds3_sagas").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.RenewLock(context.Background(), "s1", "owner-a", 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockLost)
}

func TestStore_UpdateSagaStatus_NotFound(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)

	m.ExpectExec("UPDATE uds3_sagas").
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := s.UpdateSagaStatus(context.Background(), "ghost", domain.SagaRunning)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_AppendEvent_CachesColumnIntrospection(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)
	ctx := context.Background()

	// Introspection runs once; the second append reuses the cached columns.
	m.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("uds3_saga_events").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("event_id").AddRow("saga_id").AddRow("step_id").
			AddRow("attempt").AddRow("status").AddRow("compensation").
			AddRow("started_at").AddRow("duration_ms").AddRow("payload_snapshot"))
	m.ExpectExec("INSERT INTO uds3_saga_events").
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("INSERT INTO uds3_saga_events").
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ev := domain.SagaEvent{SagaID: "s1", StepID: "st1", Status: domain.EventPending}
	id1, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestStore_ListEvents(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)

	snapshot, err := json.Marshal(map[string]any{"table": "docs"})
	require.NoError(t, err)
	now := time.Now().UTC()
	m.ExpectQuery("SELECT event_id, saga_id").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{
			"event_id", "saga_id", "trace_id", "step_id", "attempt", "status",
			"compensation", "started_at", "duration_ms", "error", "idempotency_key", "payload_snapshot",
		}).
			AddRow("e1", "s1", "", "st1", 0, "pending", false, now, int64(0), "", "", snapshot).
			AddRow("e2", "s1", "", "st1", 0, "success", false, now, int64(12), "", "", []byte(nil)))

	events, err := s.ListEvents(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventPending, events[0].Status)
	assert.Equal(t, "docs", events[0].PayloadSnapshot["table"])
	assert.Equal(t, domain.EventSuccess, events[1].Status)
	assert.Nil(t, events[1].PayloadSnapshot)
}

func TestStore_FindTerminalByIdemKey_NotFound(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)

	m.ExpectQuery("SELECT event_id, saga_id").
		WithArgs("key-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"event_id", "saga_id", "trace_id", "step_id", "attempt", "status",
			"compensation", "started_at", "duration_ms", "error", "idempotency_key", "payload_snapshot",
		}))

	_, err := s.FindTerminalByIdemKey(context.Background(), "key-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_Migrate(t *testing.T) {
	t.Parallel()
	s, m := newMockStore(t)

	for i := 0; i < 7; i++ {
		m.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, m.ExpectationsWereMet())
}
