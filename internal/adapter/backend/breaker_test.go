package backend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

func TestBreaker_TripsOnInfraFailures(t *testing.T) {
	t.Parallel()
	b := newBreaker()
	transient := fmt.Errorf("conn reset: %w", domain.ErrTransient)

	for i := 0; i < breakerMaxFailures-1; i++ {
		assert.True(t, b.allow())
		b.record(transient)
	}
	assert.True(t, b.allow())
	b.record(transient)
	assert.False(t, b.allow(), "breaker must open after %d infra failures", breakerMaxFailures)
	assert.True(t, b.isOpen())
}

func TestBreaker_DomainVerdictsDoNotCount(t *testing.T) {
	t.Parallel()
	b := newBreaker()

	for i := 0; i < breakerMaxFailures*2; i++ {
		b.record(fmt.Errorf("dup: %w", domain.ErrConflict))
		b.record(fmt.Errorf("gone: %w", domain.ErrNotFound))
		b.record(fmt.Errorf("bad: %w", domain.ErrPermanent))
	}
	assert.True(t, b.allow())
	assert.False(t, b.isOpen())
}

func TestBreaker_SuccessResetsClosedCount(t *testing.T) {
	t.Parallel()
	b := newBreaker()
	transient := fmt.Errorf("blip: %w", domain.ErrTransient)

	for i := 0; i < breakerMaxFailures-1; i++ {
		b.record(transient)
	}
	b.record(nil)
	// The streak is broken; more failures are needed to trip.
	b.record(transient)
	assert.True(t, b.allow())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	b := newBreaker()
	b.cooldown = 0
	transient := fmt.Errorf("down: %w", domain.ErrTransient)

	for i := 0; i < breakerMaxFailures; i++ {
		b.record(transient)
	}
	assert.True(t, b.isOpen())

	// Zero cooldown moves the breaker to half-open on the next check; enough
	// probe successes close it again.
	for i := 0; i < breakerHalfOpenMax; i++ {
		assert.True(t, b.allow())
		b.record(nil)
	}
	assert.True(t, b.allow())
	assert.False(t, b.isOpen())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := newBreaker()
	b.cooldown = 0
	transient := fmt.Errorf("down: %w", domain.ErrTransient)

	for i := 0; i < breakerMaxFailures; i++ {
		b.record(transient)
	}
	assert.True(t, b.allow())
	b.record(transient)
	assert.True(t, b.isOpen())
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := newBreaker()
	for i := 0; i < breakerMaxFailures; i++ {
		b.record(fmt.Errorf("down: %w", domain.ErrTransient))
	}
	assert.False(t, b.allow())
	b.reset()
	assert.True(t, b.allow())
}
