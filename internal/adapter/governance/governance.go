// Package governance implements the policy gate applied on every backend
// operation before dispatch.
package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/uds3-core/internal/domain"
	"github.com/fairyhunter13/uds3-core/internal/observability"
)

// Mode selects the default verdict for unknown (kind, op) pairs.
type Mode string

const (
	// ModeStrict denies unless an explicit allow entry exists.
	ModeStrict Mode = "strict"
	// ModeLenient allows unless an explicit deny entry exists.
	ModeLenient Mode = "lenient"
)

// Denial reasons reported in logs and structured errors.
const (
	ReasonUnknownPolicy    = "UnknownPolicy"
	ReasonExplicitDeny     = "ExplicitDeny"
	ReasonFieldNotAllowed  = "FieldNotAllowed"
	ReasonPayloadTooLarge  = "PayloadTooLarge"
	ReasonUnknownKind      = "UnknownKind"
	ReasonMissingOperation = "MissingOperation"
)

// Policy is one (kind, operation) rule.
type Policy struct {
	Allow bool `yaml:"allow" json:"allow"`
	// Fields whitelists payload keys; empty means any.
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	// MaxPayloadBytes caps the serialized payload size; zero means unlimited.
	MaxPayloadBytes int `yaml:"max_payload_bytes,omitempty" json:"max_payload_bytes,omitempty"`
}

// Gate authorizes backend operations. Policies are keyed "<kind>.<op>".
// Denials are terminal for the calling step; callers never retry them.
type Gate struct {
	mode     Mode
	policies map[string]Policy
}

// New constructs a Gate. Unknown modes fall back to strict.
func New(mode Mode, policies map[string]Policy) *Gate {
	if mode != ModeLenient {
		mode = ModeStrict
	}
	if policies == nil {
		policies = map[string]Policy{}
	}
	return &Gate{mode: mode, policies: policies}
}

// Mode returns the configured default-verdict mode.
func (g *Gate) Mode() Mode { return g.mode }

// EnsureAllowed authorizes one (kind, operation) pair.
func (g *Gate) EnsureAllowed(ctx context.Context, kind domain.BackendKind, op string) error {
	if !kind.Valid() {
		return g.deny(ctx, kind, op, ReasonUnknownKind)
	}
	if op == "" {
		return g.deny(ctx, kind, op, ReasonMissingOperation)
	}
	pol, ok := g.policies[key(kind, op)]
	if !ok {
		if g.mode == ModeLenient {
			return nil
		}
		return g.deny(ctx, kind, op, ReasonUnknownPolicy)
	}
	if !pol.Allow {
		return g.deny(ctx, kind, op, ReasonExplicitDeny)
	}
	return nil
}

// ValidatePayload enforces declared field whitelists and size ceilings.
// It is a no-op for pairs without an explicit policy.
func (g *Gate) ValidatePayload(ctx context.Context, kind domain.BackendKind, op string, payload domain.Payload) error {
	pol, ok := g.policies[key(kind, op)]
	if !ok {
		if g.mode == ModeLenient {
			return nil
		}
		return g.deny(ctx, kind, op, ReasonUnknownPolicy)
	}
	if len(pol.Fields) > 0 {
		allowed := make(map[string]struct{}, len(pol.Fields))
		for _, f := range pol.Fields {
			allowed[f] = struct{}{}
		}
		for k := range payload {
			if _, ok := allowed[k]; !ok {
				return g.deny(ctx, kind, op, ReasonFieldNotAllowed)
			}
		}
	}
	if pol.MaxPayloadBytes > 0 && approxSize(payload) > pol.MaxPayloadBytes {
		return g.deny(ctx, kind, op, ReasonPayloadTooLarge)
	}
	return nil
}

func (g *Gate) deny(ctx context.Context, kind domain.BackendKind, op, reason string) error {
	sagaID, stepID := observability.SagaFromContext(ctx)
	slog.Warn("governance denial",
		slog.String("kind", string(kind)),
		slog.String("op", op),
		slog.String("reason", reason),
		slog.String("saga_id", sagaID),
		slog.String("step_id", stepID),
		slog.String("mode", string(g.mode)))
	observability.GovernanceDenied(string(kind), op, reason)
	return fmt.Errorf("op=governance.ensure_allowed kind=%s operation=%s reason=%s: %w",
		kind, op, reason, domain.ErrPolicyDenied)
}

func key(kind domain.BackendKind, op string) string { return string(kind) + "." + op }

// approxSize estimates the serialized payload size without a JSON round trip.
func approxSize(p domain.Payload) int {
	n := 0
	for k, v := range p {
		n += len(k)
		switch t := v.(type) {
		case string:
			n += len(t)
		case []byte:
			n += len(t)
		case []string:
			for _, s := range t {
				n += len(s)
			}
		default:
			n += 8
		}
	}
	return n
}
