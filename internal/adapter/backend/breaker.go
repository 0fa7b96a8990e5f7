package backend

import (
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	breakerMaxFailures = 5
	breakerCooldown    = 30 * time.Second
	breakerHalfOpenMax = 3
)

// breaker is a per-backend circuit breaker guarding dispatch. Only
// infrastructure failures (Transient, Unavailable) count toward tripping;
// domain verdicts like Conflict or NotFound pass through without effect.
type breaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration
	halfOpenMax int

	state     breakerState
	failures  int
	successes int
	openedAt  time.Time
}

func newBreaker() *breaker {
	return &breaker{
		maxFailures: breakerMaxFailures,
		cooldown:    breakerCooldown,
		halfOpenMax: breakerHalfOpenMax,
	}
}

// allow reports whether a dispatch may proceed, moving an open breaker to
// half-open once the cooldown has passed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && time.Since(b.openedAt) >= b.cooldown {
		b.state = breakerHalfOpen
		b.successes = 0
	}
	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		return b.successes < b.halfOpenMax
	default:
		return false
	}
}

// record feeds one dispatch outcome into the breaker.
func (b *breaker) record(err error) {
	infra := err != nil &&
		(errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrUnavailable))

	b.mu.Lock()
	defer b.mu.Unlock()
	if infra {
		b.failures++
		if b.state == breakerHalfOpen || b.failures >= b.maxFailures {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
		return
	}
	switch b.state {
	case breakerClosed:
		b.failures = 0
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = breakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}

// reset closes the breaker; used after an explicit Restart.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.successes = 0
}
