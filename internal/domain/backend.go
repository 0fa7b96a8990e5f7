// Package domain holds the core entities and ports of the UDS3 orchestrator.
package domain

import (
	"context"
	"time"
)

// BackendKind is the closed set of storage families the manager dispatches to.
type BackendKind string

const (
	KindVector     BackendKind = "vector"
	KindGraph      BackendKind = "graph"
	KindRelational BackendKind = "relational"
	KindKeyValue   BackendKind = "keyvalue"
	KindDocument   BackendKind = "document"
	KindFile       BackendKind = "file"
)

// Kinds lists every backend kind in dispatch order.
func Kinds() []BackendKind {
	return []BackendKind{KindVector, KindGraph, KindRelational, KindKeyValue, KindDocument, KindFile}
}

// Valid reports whether k names a known backend kind.
func (k BackendKind) Valid() bool {
	switch k {
	case KindVector, KindGraph, KindRelational, KindKeyValue, KindDocument, KindFile:
		return true
	}
	return false
}

// BackendStatus is the lifecycle state of one backend instance.
type BackendStatus string

const (
	StatusUninitialized BackendStatus = "uninitialized"
	StatusInitializing  BackendStatus = "initializing"
	StatusHealthy       BackendStatus = "healthy"
	StatusDegraded      BackendStatus = "degraded"
	StatusError         BackendStatus = "error"
	StatusOffline       BackendStatus = "offline"
)

// Dispatchable reports whether operations may be routed to a backend in this state.
func (s BackendStatus) Dispatchable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// Payload is the operation-specific argument map passed through dispatch.
type Payload map[string]any

// Adapter is the capability contract one concrete storage engine implements.
// Connect must not be called at construction time; drivers that are absent or
// misconfigured report it from Connect, never from New.
type Adapter interface {
	Kind() BackendKind
	// TypeTag identifies the concrete engine, e.g. "postgres", "qdrant".
	TypeTag() string
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	// Ping is the advisory health probe.
	Ping(ctx context.Context) error
	// Execute runs one capability-matrix operation. Errors are translated to
	// the domain taxonomy before returning.
	Execute(ctx context.Context, op string, payload Payload) (any, error)
}

// BackendInfo is the manager's public view of one backend instance.
type BackendInfo struct {
	Kind              BackendKind
	TypeTag           string
	Status            BackendStatus
	LastError         string
	LastHealthCheckAt time.Time
}

// StartReport is the partial result of a StartAll call.
type StartReport struct {
	Started []BackendKind
	Failed  []BackendKind
}

// ReadinessCheck summarizes one backend for readiness probes.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}
