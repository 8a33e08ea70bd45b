package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/kriptik-ai/forge/internal/sandbox"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// CircuitBreakerRegistry manages per-port circuit breakers. The sandbox
// runtime and the verification swarm fail independently, so each gets its
// own breaker.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given port name.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(port string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[port]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        port,
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Don't count cancellation as a port failure
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[port] = cb
	return cb
}

// callWithRetry runs fn with exponential backoff retry and circuit breaker
// protection. An open circuit and a cancelled context both stop retrying.
func callWithRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, fn func() (interface{}, error)) (interface{}, error) {
	var out interface{}

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(fn)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		out = result
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(backoffPolicy, ctx))
	return out, err
}

// execWithRetry runs one task in a sandbox through the runtime breaker.
// Transport errors are retried; a task that ran and reported failure is
// returned as-is, not retried.
func execWithRetry(ctx context.Context, rt sandbox.Runtime, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, sandboxID string, payload sandbox.TaskPayload) (sandbox.ExecResult, error) {
	result, err := callWithRetry(ctx, cb, retryCfg, func() (interface{}, error) {
		return rt.ExecuteTask(ctx, sandboxID, payload)
	})
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	return result.(sandbox.ExecResult), nil
}

// verifyWithRetry scores an artifact through the verifier breaker.
func verifyWithRetry(ctx context.Context, v sandbox.Verifier, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, artifactRef string) (sandbox.Verification, error) {
	result, err := callWithRetry(ctx, cb, retryCfg, func() (interface{}, error) {
		return v.Verify(ctx, artifactRef)
	})
	if err != nil {
		return sandbox.Verification{}, err
	}
	return result.(sandbox.Verification), nil
}
