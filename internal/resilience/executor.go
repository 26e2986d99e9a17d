// Package resilience implements the outbound executor: exponential-backoff
// retry around a per-target circuit breaker. It has no dependencies on the
// rest of the pipeline and protects each external service independently.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"dealbridge.app/sync/core/config"
)

// RetryPolicy configures the retry loop for one class of outbound calls.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// PerCallTimeout bounds a single attempt, independent of backoff, so a
	// slow external service cannot starve the worker pool.
	PerCallTimeout time.Duration
	// Retryable overrides the default predicate (network errors, 5xx, 429,
	// 408) when set.
	Retryable func(error) bool
}

// ERPWritePolicy covers writes to the ERP record store.
func ERPWritePolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		InitialDelay:   2 * time.Second,
		MaxDelay:       60 * time.Second,
		Multiplier:     2.0,
		PerCallTimeout: 30 * time.Second,
	}
}

// CRMReadPolicy covers reads and patches against the CRM record store.
func CRMReadPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		PerCallTimeout: 10 * time.Second,
	}
}

// ReprocessPolicy covers webhook re-processing. Deliberately conservative to
// avoid duplicate side effects.
func ReprocessPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialDelay:   5 * time.Second,
		MaxDelay:       15 * time.Second,
		Multiplier:     2.0,
		PerCallTimeout: 30 * time.Second,
	}
}

// Executor owns one circuit breaker per service name. Breakers are created
// lazily and live for the process lifetime; state is process-local, each
// instance protects itself independently.
type Executor struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      config.BreakerConfig
	logger   *slog.Logger
}

func NewExecutor(cfg config.BreakerConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 60 * time.Second
	}
	return &Executor{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute runs op with retry and circuit breaking for the named service.
// While the breaker is open, calls fail immediately without invoking op.
func (e *Executor) Execute(ctx context.Context, service string, policy RetryPolicy, op func(ctx context.Context) error) error {
	cb := e.breaker(service)

	retryable := policy.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.Multiplier

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		_, cbErr := cb.Execute(func() (any, error) {
			callCtx := ctx
			if policy.PerCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, policy.PerCallTimeout)
				defer cancel()
			}
			return nil, op(callCtx)
		})
		if cbErr == nil {
			return struct{}{}, nil
		}
		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			e.logger.WarnContext(ctx, "circuit breaker rejected call",
				"service", service, "error", cbErr)
			return struct{}{}, backoff.Permanent(cbErr)
		}
		if !retryable(cbErr) {
			return struct{}{}, backoff.Permanent(cbErr)
		}
		e.logger.DebugContext(ctx, "retryable outbound failure",
			"service", service, "attempt", attempt, "error", cbErr)
		return struct{}{}, cbErr
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
	)
	return err
}

// Call is Execute with a typed result.
func Call[T any](ctx context.Context, e *Executor, service string, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, service, policy, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		out = v
		return nil
	})
	return out, err
}

// State reports the breaker state for a service, for health surfaces.
func (e *Executor) State(service string) gobreaker.State {
	return e.breaker(service).State()
}

func (e *Executor) breaker(service string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[service]; ok {
		return cb
	}

	threshold := e.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: service,
		// Exactly one probe call while half-open.
		MaxRequests: 1,
		Timeout:     e.cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state change",
				"service", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[service] = cb
	return cb
}
