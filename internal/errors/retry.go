package errors

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-kline-sync/internal/config"
)

// RetryError is returned by Retrier.Do once it stops retrying.
type RetryError struct {
	Component string
	Operation string
	Type      ErrorType
	Attempts  int
	Err       error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s %s gave up after %d attempts (%s): %v", e.Component, e.Operation, e.Attempts, e.Type, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retrier runs remote calls under the retry policy of their component. With
// circuit breaking enabled each component also gets its own Breaker.
type Retrier struct {
	cfg    config.ErrorHandlingConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRetrier creates a Retrier for cfg.
func NewRetrier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{cfg: cfg, logger: logger, breakers: make(map[string]*Breaker)}
}

// Policy returns the retry policy for component, falling back to the global one.
func (r *Retrier) Policy(component string) config.RetryPolicyConfig {
	if p, ok := r.cfg.ComponentPolicies[component]; ok {
		return p
	}
	return r.cfg.GlobalRetryPolicy
}

// Do calls fn until it succeeds, fails with a non-transient error, or the policy
// runs out of attempts. A Retry-After hint longer than the backoff delay
// replaces it. Cancelling ctx stops the loop with ctx.Err().
func (r *Retrier) Do(ctx context.Context, component, operation string, fn func() error) error {
	policy := r.Policy(component)
	breaker := r.breaker(component)
	hinted := &hintedBackOff{BackOff: newBackOff(policy)}
	retryable := policy.RetryableErrors

	attempts := 0
	var last error
	op := func() error {
		attempts++
		hinted.hint = 0

		var err error
		if breaker != nil {
			err = breaker.Call(fn)
		} else {
			err = fn()
		}
		if err == nil {
			return nil
		}
		last = err

		t := Classify(err)
		if Has[*backoff.PermanentError](err) || !(t.Transient() || slices.Contains(retryable, string(t))) {
			return backoff.Permanent(err)
		}
		hinted.hint = RetryAfter(err)
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "remote call failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"error_type", Classify(err),
			"wait", wait,
			"error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(hinted, ctx), notify)
	if err == nil {
		if attempts > 1 {
			r.logger.DebugContext(ctx, "remote call succeeded after retry",
				"component", component, "operation", operation, "attempts", attempts)
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", component, operation, ctxErr)
	}
	if last == nil {
		last = err
	}

	retryErr := &RetryError{
		Component: component,
		Operation: operation,
		Type:      Classify(last),
		Attempts:  attempts,
		Err:       last,
	}
	r.logger.ErrorContext(ctx, "remote call failed",
		"component", component,
		"operation", operation,
		"attempts", attempts,
		"error_type", retryErr.Type,
		"error", last)
	return retryErr
}

func (r *Retrier) breaker(component string) *Breaker {
	if !r.cfg.EnableCircuitBreaker {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[component]
	if !ok {
		b = NewBreaker(r.cfg.CircuitBreakerConfig)
		r.breakers[component] = b
	}
	return b
}

// newBackOff builds the delay schedule for policy, capped at MaxAttempts-1 retries.
func newBackOff(policy config.RetryPolicyConfig) backoff.BackOff {
	initial, _ := time.ParseDuration(policy.InitialDelay)
	ceiling, _ := time.ParseDuration(policy.MaxDelay)
	ceiling = max(ceiling, initial)

	var b backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		b = backoff.NewConstantBackOff(initial)
	case "linear":
		b = &linearBackOff{step: initial, ceiling: ceiling}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = initial
		exp.MaxInterval = ceiling
		exp.MaxElapsedTime = 0
		exp.RandomizationFactor = 0
		if policy.Jitter {
			exp.RandomizationFactor = backoff.DefaultRandomizationFactor
		}
		exp.Reset()
		b = exp
	}
	if policy.Jitter && (policy.BackoffStrategy == "fixed" || policy.BackoffStrategy == "linear") {
		b = &jitteredBackOff{BackOff: b}
	}

	return backoff.WithMaxRetries(b, uint64(max(policy.MaxAttempts-1, 0)))
}

// hintedBackOff stretches the next delay to a server-supplied Retry-After.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return max(next, h.hint)
}

// linearBackOff waits step, 2*step, 3*step and so on, up to ceiling.
type linearBackOff struct {
	step    time.Duration
	ceiling time.Duration
	current time.Duration
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.current = min(l.current+l.step, l.ceiling)
	return l.current
}

func (l *linearBackOff) Reset() {
	l.current = 0
}

// jitteredBackOff spreads each delay by up to 10% either way.
type jitteredBackOff struct {
	backoff.BackOff
}

func (j *jitteredBackOff) NextBackOff() time.Duration {
	next := j.BackOff.NextBackOff()
	if next == backoff.Stop || next == 0 {
		return next
	}
	spread := float64(next) * 0.1
	return next + time.Duration((rand.Float64()*2-1)*spread)
}
