package rediskv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/uds3-core/internal/adapter/backend/rediskv"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

func newTestAdapter(t *testing.T) (*rediskv.Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := rediskv.NewWithClient(client)
	require.NoError(t, a.Connect(context.Background()))
	return a, mr
}

func TestAdapter_PutGetDelete(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "put", domain.Payload{"key": "k1", "value": "v1"})
	require.NoError(t, err)

	got, err := a.Execute(ctx, "get", domain.Payload{"key": "k1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	n, err := a.Execute(ctx, "delete", domain.Payload{"key": "k1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = a.Execute(ctx, "get", domain.Payload{"key": "k1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdapter_PutWithTTL(t *testing.T) {
	t.Parallel()
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "put", domain.Payload{"key": "k1", "value": "v1", "ttl_ms": 500})
	require.NoError(t, err)
	require.True(t, mr.TTL("k1") > 0)

	mr.FastForward(time.Second)
	_, err = a.Execute(ctx, "get", domain.Payload{"key": "k1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdapter_DeleteMissingKeySucceeds(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t)

	n, err := a.Execute(context.Background(), "delete", domain.Payload{"key": "ghost"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestAdapter_Validation(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "get", domain.Payload{})
	assert.ErrorIs(t, err, domain.ErrPermanent)

	_, err = a.Execute(ctx, "put", domain.Payload{"key": "k1"})
	assert.ErrorIs(t, err, domain.ErrPermanent)

	_, err = a.Execute(ctx, "explode", domain.Payload{"key": "k1"})
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestAdapter_Ping(t *testing.T) {
	t.Parallel()
	a, mr := newTestAdapter(t)

	require.NoError(t, a.Ping(context.Background()))
	mr.Close()
	assert.Error(t, a.Ping(context.Background()))
}
