package saga_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/uds3-core/internal/domain"
	"github.com/fairyhunter13/uds3-core/internal/usecase/saga"
)

func TestRegistry_Defaults(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	for _, name := range []string{"relational_delete", "graph_delete_node", "vector_delete_chunks"} {
		_, ok := r.Get(name)
		assert.True(t, ok, "default handler %s missing", name)
	}
	_, ok := r.Get("never_registered")
	assert.False(t, ok)
}

func TestRegistry_RelationalDeleteTreatsMissingRowAsDone(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	handler, ok := r.Get("relational_delete")
	require.True(t, ok)

	exec := newScriptExec()
	exec.script(domain.KindRelational, "delete", fmt.Errorf("gone: %w", domain.ErrNotFound))

	// Undoing something already undone must converge, not fail.
	err := handler(context.Background(), exec, domain.Payload{"table": "docs", "id": "d1"})
	assert.NoError(t, err)
}

func TestRegistry_VectorDeletePassesIDs(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	handler, ok := r.Get("vector_delete_chunks")
	require.True(t, ok)

	exec := newScriptExec()
	err := handler(context.Background(), exec, domain.Payload{"ids": []any{"c1", "c2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.callCount(domain.KindVector, "delete"))
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	called := false
	r.Register("relational_delete", func(context.Context, domain.Executor, domain.Payload) error {
		called = true
		return nil
	})
	handler, ok := r.Get("relational_delete")
	require.True(t, ok)
	require.NoError(t, handler(context.Background(), newScriptExec(), nil))
	assert.True(t, called)
}
