package backend_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/uds3-core/internal/adapter/backend"
	"github.com/fairyhunter13/uds3-core/internal/adapter/governance"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// fakeAdapter is an in-memory adapter with scriptable failures.
type fakeAdapter struct {
	kind domain.BackendKind

	mu          sync.Mutex
	connectErr  error
	pingErr     error
	executeErr  error
	connects    int
	pings       int
	executions  int
	lastOp      string
	lastPayload domain.Payload
}

func (f *fakeAdapter) Kind() domain.BackendKind { return f.kind }
func (f *fakeAdapter) TypeTag() string          { return "fake" }

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeAdapter) Close(context.Context) error { return nil }

func (f *fakeAdapter) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeAdapter) Execute(_ context.Context, op string, payload domain.Payload) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions++
	f.lastOp = op
	f.lastPayload = payload
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return "ok", nil
}

func (f *fakeAdapter) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func lenientGate() *governance.Gate {
	return governance.New(governance.ModeLenient, nil)
}

func TestManager_StartAll_PartialFailure(t *testing.T) {
	t.Parallel()

	good := &fakeAdapter{kind: domain.KindRelational}
	bad := &fakeAdapter{kind: domain.KindVector, connectErr: errors.New("refused")}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: good,
		domain.KindVector:     bad,
	}, map[domain.BackendKind]bool{
		domain.KindRelational: true,
		domain.KindVector:     true,
	}, time.Minute)

	report := m.StartAll(context.Background(), nil, time.Second)
	assert.ElementsMatch(t, []domain.BackendKind{domain.KindRelational}, report.Started)
	assert.ElementsMatch(t, []domain.BackendKind{domain.KindVector}, report.Failed)

	info, ok := m.Info(domain.KindVector)
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, info.Status)
	assert.Contains(t, info.LastError, "refused")
}

func TestManager_StartAll_NameFilter(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational}
	kv := &fakeAdapter{kind: domain.KindKeyValue}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
		domain.KindKeyValue:   kv,
	}, nil, time.Minute)

	report := m.StartAll(context.Background(), []domain.BackendKind{domain.KindKeyValue}, time.Second)
	assert.ElementsMatch(t, []domain.BackendKind{domain.KindKeyValue}, report.Started)
	assert.Zero(t, rel.connects)
	assert.Equal(t, 1, kv.connects)
}

func TestManager_Execute(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
	}, map[domain.BackendKind]bool{domain.KindRelational: true}, time.Minute)
	m.StartAll(context.Background(), nil, time.Second)

	res, err := m.Execute(context.Background(), domain.KindRelational, "insert", domain.Payload{"table": "docs"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, "insert", rel.lastOp)
}

func TestManager_Execute_NoBackend(t *testing.T) {
	t.Parallel()

	m := backend.NewManager(lenientGate(), nil, nil, time.Minute)
	_, err := m.Execute(context.Background(), domain.KindGraph, "match", nil)
	assert.ErrorIs(t, err, domain.ErrNoBackend)
}

func TestManager_Execute_Unavailable(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
	}, nil, time.Minute)

	// Never started: Uninitialized is not dispatchable.
	_, err := m.Execute(context.Background(), domain.KindRelational, "insert", nil)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Zero(t, rel.executions)
}

func TestManager_Execute_PolicyDenied(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational}
	gate := governance.New(governance.ModeStrict, nil)
	m := backend.NewManager(gate, map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
	}, map[domain.BackendKind]bool{domain.KindRelational: true}, time.Minute)
	m.StartAll(context.Background(), nil, time.Second)

	_, err := m.Execute(context.Background(), domain.KindRelational, "insert", nil)
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
	assert.Zero(t, rel.executions)
}

func TestManager_Authorize(t *testing.T) {
	t.Parallel()

	gate := governance.New(governance.ModeStrict, map[string]governance.Policy{
		"relational.insert": {Allow: true},
	})
	m := backend.NewManager(gate, nil, nil, time.Minute)

	// Authorize consults only the policy gate; no backend needs to exist.
	require.NoError(t, m.Authorize(context.Background(), domain.KindRelational, "insert", nil))
	err := m.Authorize(context.Background(), domain.KindRelational, "drop_table", nil)
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
}

func TestManager_Execute_ClassifiesUnknownErrors(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational, executeErr: errors.New("weird driver fault")}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
	}, map[domain.BackendKind]bool{domain.KindRelational: true}, time.Minute)
	m.StartAll(context.Background(), nil, time.Second)

	_, err := m.Execute(context.Background(), domain.KindRelational, "insert", nil)
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestManager_Execute_BreakerTripsOnTransientStorm(t *testing.T) {
	t.Parallel()

	transient := fmt.Errorf("conn refused: %w", domain.ErrTransient)
	rel := &fakeAdapter{kind: domain.KindRelational, executeErr: transient}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
	}, map[domain.BackendKind]bool{domain.KindRelational: true}, time.Minute)
	m.StartAll(context.Background(), nil, time.Second)

	for i := 0; i < 5; i++ {
		_, err := m.Execute(context.Background(), domain.KindRelational, "insert", nil)
		assert.ErrorIs(t, err, domain.ErrTransient)
	}
	// The circuit is open now; the adapter is no longer reached.
	_, err := m.Execute(context.Background(), domain.KindRelational, "insert", nil)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, 5, rel.executions)

	// Restart resets the breaker along with the connection.
	rel.mu.Lock()
	rel.executeErr = nil
	rel.mu.Unlock()
	require.NoError(t, m.Restart(context.Background(), domain.KindRelational, time.Second))
	_, err = m.Execute(context.Background(), domain.KindRelational, "insert", nil)
	assert.NoError(t, err)
}

func TestManager_Restart(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational, connectErr: errors.New("down")}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
	}, map[domain.BackendKind]bool{domain.KindRelational: true}, time.Minute)
	m.StartAll(context.Background(), nil, time.Second)

	info, _ := m.Info(domain.KindRelational)
	require.Equal(t, domain.StatusError, info.Status)

	rel.mu.Lock()
	rel.connectErr = nil
	rel.mu.Unlock()
	require.NoError(t, m.Restart(context.Background(), domain.KindRelational, time.Second))

	info, _ = m.Info(domain.KindRelational)
	assert.Equal(t, domain.StatusHealthy, info.Status)
}

func TestManager_HealthProbe_DegradesThenErrors(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
	}, map[domain.BackendKind]bool{domain.KindRelational: true}, 10*time.Millisecond)
	m.StartAll(context.Background(), nil, time.Second)

	rel.setPingErr(errors.New("probe failed"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartHealthTicker(ctx)

	// One failure degrades; three consecutive failures error out.
	require.Eventually(t, func() bool {
		info, _ := m.Info(domain.KindRelational)
		return info.Status == domain.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	// A passing probe recovers the backend.
	rel.setPingErr(nil)
	require.Eventually(t, func() bool {
		info, _ := m.Info(domain.KindRelational)
		return info.Status == domain.StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
	m.StopAll(context.Background())
}

func TestManager_Readiness(t *testing.T) {
	t.Parallel()

	rel := &fakeAdapter{kind: domain.KindRelational}
	kv := &fakeAdapter{kind: domain.KindKeyValue, connectErr: errors.New("down")}
	m := backend.NewManager(lenientGate(), map[domain.BackendKind]domain.Adapter{
		domain.KindRelational: rel,
		domain.KindKeyValue:   kv,
	}, map[domain.BackendKind]bool{domain.KindRelational: true, domain.KindKeyValue: true}, time.Minute)
	m.StartAll(context.Background(), nil, time.Second)

	checks := m.Readiness(context.Background())
	require.Len(t, checks, 2)
	byName := map[string]bool{}
	for _, c := range checks {
		byName[c.Name] = c.OK
	}
	assert.True(t, byName["relational/fake"])
	assert.False(t, byName["keyvalue/fake"])
}
