package governance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/uds3-core/internal/adapter/governance"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

func TestGate_EnsureAllowed_Strict(t *testing.T) {
	t.Parallel()

	gate := governance.New(governance.ModeStrict, map[string]governance.Policy{
		"relational.insert": {Allow: true},
		"vector.delete":     {Allow: false},
	})

	tests := []struct {
		name    string
		kind    domain.BackendKind
		op      string
		wantErr bool
	}{
		{name: "explicit allow", kind: domain.KindRelational, op: "insert", wantErr: false},
		{name: "explicit deny", kind: domain.KindVector, op: "delete", wantErr: true},
		{name: "unknown pair denied", kind: domain.KindGraph, op: "match", wantErr: true},
		{name: "unknown kind", kind: domain.BackendKind("bogus"), op: "insert", wantErr: true},
		{name: "missing operation", kind: domain.KindRelational, op: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := gate.EnsureAllowed(context.Background(), tt.kind, tt.op)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrPolicyDenied)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestGate_EnsureAllowed_Lenient(t *testing.T) {
	t.Parallel()

	gate := governance.New(governance.ModeLenient, map[string]governance.Policy{
		"vector.delete": {Allow: false},
	})

	require.NoError(t, gate.EnsureAllowed(context.Background(), domain.KindGraph, "match"))
	err := gate.EnsureAllowed(context.Background(), domain.KindVector, "delete")
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
}

func TestGate_ValidatePayload_Fields(t *testing.T) {
	t.Parallel()

	gate := governance.New(governance.ModeStrict, map[string]governance.Policy{
		"relational.insert": {Allow: true, Fields: []string{"table", "id", "body"}},
	})

	ok := domain.Payload{"table": "docs", "id": "d1"}
	require.NoError(t, gate.ValidatePayload(context.Background(), domain.KindRelational, "insert", ok))

	bad := domain.Payload{"table": "docs", "secret": "x"}
	err := gate.ValidatePayload(context.Background(), domain.KindRelational, "insert", bad)
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
}

func TestGate_ValidatePayload_SizeCeiling(t *testing.T) {
	t.Parallel()

	gate := governance.New(governance.ModeStrict, map[string]governance.Policy{
		"file.put": {Allow: true, MaxPayloadBytes: 16},
	})

	small := domain.Payload{"key": "a", "content": "tiny"}
	require.NoError(t, gate.ValidatePayload(context.Background(), domain.KindFile, "put", small))

	big := domain.Payload{"key": "a", "content": string(make([]byte, 64))}
	err := gate.ValidatePayload(context.Background(), domain.KindFile, "put", big)
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
}

func TestGate_UnknownModeFallsBackToStrict(t *testing.T) {
	t.Parallel()

	gate := governance.New(governance.Mode("whatever"), nil)
	assert.Equal(t, governance.ModeStrict, gate.Mode())
	err := gate.EnsureAllowed(context.Background(), domain.KindRelational, "insert")
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
}
