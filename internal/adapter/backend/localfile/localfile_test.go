package localfile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/uds3-core/internal/adapter/backend/localfile"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

func newTestAdapter(t *testing.T) *localfile.Adapter {
	t.Helper()
	a := localfile.New(t.TempDir())
	require.NoError(t, a.Connect(context.Background()))
	return a
}

func TestAdapter_PutGetDelete(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "put", domain.Payload{"key": "docs/d1.txt", "content": "hello"})
	require.NoError(t, err)

	got, err := a.Execute(ctx, "get", domain.Payload{"key": "docs/d1.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = a.Execute(ctx, "delete", domain.Payload{"key": "docs/d1.txt"})
	require.NoError(t, err)

	_, err = a.Execute(ctx, "get", domain.Payload{"key": "docs/d1.txt"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdapter_PutOverwrites(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "put", domain.Payload{"key": "k", "content": []byte("one")})
	require.NoError(t, err)
	_, err = a.Execute(ctx, "put", domain.Payload{"key": "k", "content": []byte("two")})
	require.NoError(t, err)

	got, err := a.Execute(ctx, "get", domain.Payload{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestAdapter_DeleteMissingSucceeds(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)

	_, err := a.Execute(context.Background(), "delete", domain.Payload{"key": "never/was"})
	assert.NoError(t, err)
}

func TestAdapter_KeyEscapeRejected(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	ctx := context.Background()

	for _, key := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		_, err := a.Execute(ctx, "put", domain.Payload{"key": key, "content": "x"})
		assert.ErrorIs(t, err, domain.ErrPermanent, "key %q must be rejected", key)
	}
}

func TestAdapter_MissingContent(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)

	_, err := a.Execute(context.Background(), "put", domain.Payload{"key": "k"})
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestAdapter_Ping(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	assert.NoError(t, a.Ping(context.Background()))

	missing := localfile.New("/nonexistent/root/for/sure")
	assert.ErrorIs(t, missing.Ping(context.Background()), domain.ErrUnavailable)
}
