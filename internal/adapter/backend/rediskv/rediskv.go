// Package rediskv provides the key-value backend adapter over Redis.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// Adapter is the key-value backend adapter.
type Adapter struct {
	addr     string
	password string
	db       int
	client   *redis.Client
}

// New constructs the adapter without connecting.
func New(addr, password string, db int) *Adapter {
	return &Adapter{addr: addr, password: password, db: db}
}

// NewWithClient wires an existing client; used by tests (miniredis).
func NewWithClient(client *redis.Client) *Adapter { return &Adapter{client: client} }

// Kind implements domain.Adapter.
func (a *Adapter) Kind() domain.BackendKind { return domain.KindKeyValue }

// TypeTag implements domain.Adapter.
func (a *Adapter) TypeTag() string { return "redis" }

// Connect creates the client and verifies it with a ping.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.client == nil {
		a.client = redis.NewClient(&redis.Options{Addr: a.addr, Password: a.password, DB: a.db})
	}
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=rediskv.connect: %w", translate(err))
	}
	return nil
}

// Close implements domain.Adapter.
func (a *Adapter) Close(_ context.Context) error {
	if a.client != nil {
		err := a.client.Close()
		a.client = nil
		return err
	}
	return nil
}

// Ping implements the advisory health probe.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("op=rediskv.ping: %w: not connected", domain.ErrUnavailable)
	}
	return translate(a.client.Ping(ctx).Err())
}

// Execute implements the key-value capability matrix: get, put, delete.
func (a *Adapter) Execute(ctx context.Context, op string, payload domain.Payload) (any, error) {
	if a.client == nil {
		return nil, fmt.Errorf("op=rediskv.execute: %w: not connected", domain.ErrUnavailable)
	}
	key, _ := payload["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("op=rediskv.execute operation=%s: %w: key required", op, domain.ErrPermanent)
	}
	switch op {
	case "get":
		val, err := a.client.Get(ctx, key).Result()
		if err != nil {
			return nil, translate(err)
		}
		return val, nil
	case "put":
		val, ok := payload["value"].(string)
		if !ok {
			return nil, fmt.Errorf("op=rediskv.put: %w: value required", domain.ErrPermanent)
		}
		var ttl time.Duration
		if ms, ok := payload["ttl_ms"].(int); ok && ms > 0 {
			ttl = time.Duration(ms) * time.Millisecond
		}
		if err := a.client.Set(ctx, key, val, ttl).Err(); err != nil {
			return nil, translate(err)
		}
		return key, nil
	case "delete":
		n, err := a.client.Del(ctx, key).Result()
		if err != nil {
			return nil, translate(err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("op=rediskv.execute operation=%s: %w: unsupported operation", op, domain.ErrPermanent)
	}
}

// translate maps go-redis errors onto the domain taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%w: key missing", domain.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	default:
		// Connection-level redis failures are retryable.
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
}
