package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"regtech-pipeline/internal/models"
)

// RetryPolicy is the shared retry shape for external collaborators.
// Only transient and timeout faults are retried; everything else is
// surfaced immediately.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		Multiplier:      2.0,
		MaxInterval:     30 * time.Second,
	}
}

// RetryWithPolicy runs op under the policy with exponential backoff.
// Unrecoverable faults stop the loop on first occurrence.
func RetryWithPolicy[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.Multiplier = policy.Multiplier
	expo.MaxInterval = policy.MaxInterval

	wrapped := func() (T, error) {
		result, err := op()
		if err == nil {
			return result, nil
		}
		var appErr *models.AppError
		if errors.As(err, &appErr) && !appErr.Recoverable() {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
}

// NewServiceBreaker builds the circuit breaker guarding one external
// service. Five consecutive failures open the circuit for thirty seconds.
func NewServiceBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// ExecuteWithBreaker routes op through the breaker and normalizes an open
// circuit into a transient fault so the orchestrator may retry later.
func ExecuteWithBreaker[T any](breaker *gobreaker.CircuitBreaker, op func() (T, error)) (T, error) {
	var zero T
	result, err := breaker.Execute(func() (interface{}, error) {
		return op()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, models.NewTransientError("CIRCUIT_OPEN", breaker.Name()+" circuit breaker open").WithCause(err)
		}
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, models.NewInternalError("BREAKER_RESULT_TYPE", "unexpected breaker result type")
	}
	return typed, nil
}
