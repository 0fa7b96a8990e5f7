package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil passes through", nil, nil},
		{"transient kept", fmt.Errorf("conn: %w", domain.ErrTransient), domain.ErrTransient},
		{"conflict kept", fmt.Errorf("dup: %w", domain.ErrConflict), domain.ErrConflict},
		{"not found kept", domain.ErrNotFound, domain.ErrNotFound},
		{"policy kept", fmt.Errorf("gate: %w", domain.ErrPolicyDenied), domain.ErrPolicyDenied},
		{"unknown is permanent", errors.New("driver exploded"), domain.ErrPermanent},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := domain.Classify(tc.in)
			if tc.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tc.want)
		})
	}
}

func TestErrorSurface(t *testing.T) {
	t.Parallel()

	err := domain.NewError(domain.ErrTransient, "backend flapping", "s1", "st2")
	assert.True(t, err.Retriable)
	assert.True(t, domain.IsRetriable(err))
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Contains(t, err.Error(), "saga=s1")
	assert.Contains(t, err.Error(), "step=st2")

	perm := domain.NewError(domain.ErrPermanent, "schema mismatch", "", "")
	assert.False(t, perm.Retriable)
	assert.False(t, domain.IsRetriable(perm))
}

func TestStepIdempotent(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.StepSpec{Operation: "insert", IdempotencyKey: "k"}.Idempotent())
	assert.True(t, domain.StepSpec{Operation: "upsert"}.Idempotent())
	assert.True(t, domain.StepSpec{Operation: "put"}.Idempotent())
	assert.False(t, domain.StepSpec{Operation: "insert"}.Idempotent())
	assert.False(t, domain.StepSpec{Operation: "update"}.Idempotent())
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.SagaCompleted.Terminal())
	assert.True(t, domain.SagaCompensated.Terminal())
	assert.True(t, domain.SagaCompensationFailed.Terminal())
	assert.True(t, domain.SagaAborted.Terminal())
	assert.False(t, domain.SagaRunning.Terminal())
	assert.False(t, domain.SagaCompensating.Terminal())

	assert.False(t, domain.EventPending.Terminal())
	assert.True(t, domain.EventSkipped.Terminal())
}
