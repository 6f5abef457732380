package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	ilincsRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	ilincsRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ilincs_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	}, []string{"error_class"})

	ilincsRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// maxBackoffShift caps the exponent so BackoffUnit << attempt cannot overflow.
const maxBackoffShift = 30

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy holds the configuration for retry logic.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// BackoffUnit is the wait before the second attempt. The wait before
	// attempt k+1 is BackoffUnit * 2^k. No jitter is applied.
	BackoffUnit time.Duration

	// RetryMalformed retries 2xx responses whose body could not be decoded.
	RetryMalformed bool

	// Sleep replaces the timer based wait (for tests). Nil uses a real timer.
	Sleep SleepFunc
}

// DefaultRetryPolicy returns the default retry configuration:
// 10 attempts with 1s, 2s, 4s, ... between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    10,
		BackoffUnit:    1 * time.Second,
		RetryMalformed: true,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.BackoffUnit < 0 {
		return fmt.Errorf("backoff unit must not be negative (got %v)", p.BackoffUnit)
	}
	return nil
}

// Backoff returns the wait after the failed attempt with 0-based index attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return p.BackoffUnit << uint(attempt)
}

// Wait sleeps for d using the policy's sleeper.
func (p RetryPolicy) Wait(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds or policy.MaxAttempts attempts failed.
// fn receives the 0-based attempt index. There is no wait after the final
// attempt. Cancelling ctx stops the loop with ErrContextCancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class := string(ClassOf(err))

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		if !shouldRetry(err, policy) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		backoff := policy.Backoff(attempt)
		ilincsRetriesTotal.WithLabelValues(class).Inc()
		ilincsRetryBackoffSeconds.WithLabelValues(class).Observe(backoff.Seconds())

		log.Debug().
			Str("error_class", class).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := policy.Wait(ctx, backoff); err != nil {
			log.Warn().
				Str("error_class", class).
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	ilincsRetryExhaustedTotal.WithLabelValues(string(ClassOf(lastErr))).Inc()
	log.Warn().
		Str("error_class", string(ClassOf(lastErr))).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}
