package saga

import (
	"context"
	"errors"
	"sync"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// Registry holds named compensation handlers. Registrations happen at process
// startup; lookups at runtime are read-only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.CompensationHandler
}

// NewRegistry returns a registry preloaded with the default handlers for the
// common mutation shapes.
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]domain.CompensationHandler{}}
	r.Register("relational_delete", relationalDelete)
	r.Register("graph_delete_node", graphDeleteNode)
	r.Register("vector_delete_chunks", vectorDeleteChunks)
	return r
}

// Register adds or replaces a handler under name.
func (r *Registry) Register(name string, h domain.CompensationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (domain.CompensationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// relationalDelete undoes a relational insert by deleting the inserted row.
// Adapters treat deleting a missing row as success, so replays converge.
func relationalDelete(ctx context.Context, exec domain.Executor, payload domain.Payload) error {
	p := domain.Payload{"table": payload["table"], "id": payload["id"]}
	_, err := exec.Execute(ctx, domain.KindRelational, "delete", p)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// graphDeleteNode undoes a node creation; DETACH DELETE on a missing node is
// a no-op on the backend side.
func graphDeleteNode(ctx context.Context, exec domain.Executor, payload domain.Payload) error {
	_, err := exec.Execute(ctx, domain.KindGraph, "delete_node", domain.Payload{"id": payload["id"]})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// vectorDeleteChunks undoes a vector ingest by deleting the points again.
func vectorDeleteChunks(ctx context.Context, exec domain.Executor, payload domain.Payload) error {
	p := domain.Payload{}
	if ids, ok := payload["ids"]; ok {
		p["ids"] = ids
	}
	if id, ok := payload["id"]; ok {
		p["id"] = id
	}
	_, err := exec.Execute(ctx, domain.KindVector, "delete", p)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
