package errors

import (
	"sync"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/config"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops calling a failing endpoint for a cool-down period. Only
// transient failures count towards tripping it: a rejected symbol says nothing
// about the health of the exchange.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	trials    int
	now       func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openUntil time.Time
	passed    int
}

// NewBreaker creates a closed Breaker from cfg.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	cooldown, _ := time.ParseDuration(cfg.RecoveryTimeout)
	return &Breaker{
		threshold: max(cfg.FailureThreshold, 1),
		cooldown:  cooldown,
		trials:    max(cfg.HalfOpenRequests, 1),
		now:       time.Now,
	}
}

// Call runs fn unless the breaker is open, in which case it returns
// ErrCircuitOpen.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state, moving an expired open breaker to half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire()
	switch b.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return b.passed < b.trials
	default:
		return true
	}
}

func (b *Breaker) expire() {
	if b.state == CircuitOpen && !b.now().Before(b.openUntil) {
		b.state = CircuitHalfOpen
		b.passed = 0
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && IsTransient(err) {
		b.failures++
		if b.state == CircuitHalfOpen || b.failures >= b.threshold {
			b.state = CircuitOpen
			b.openUntil = b.now().Add(b.cooldown)
			b.passed = 0
		}
		return
	}

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.passed++
		if b.passed >= b.trials {
			b.state = CircuitClosed
			b.passed = 0
		}
	}
}
