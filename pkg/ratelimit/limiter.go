// Package ratelimit paces outgoing iLINCS requests.
//
// iLINCS publishes no rate limit headers, so the client keeps its own
// token bucket and waits for a token before each request.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	ilincsThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilincs_rate_limit_throttles_total",
		Help: "Total number of requests delayed by the client-side rate limiter",
	})

	ilincsThrottleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ilincs_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for the client-side rate limiter",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
	})
)

// DefaultBurst is used when a positive rate is configured without a burst.
const DefaultBurst = 1

// Limiter gates requests with a token bucket. A nil Limiter allows everything.
type Limiter struct {
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a limiter allowing rps requests per second with the given burst.
// rps <= 0 disables limiting and returns nil.
func New(rps float64, burst int, logger zerolog.Logger) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Wait blocks until a request may be issued or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	r := l.limiter.Reserve()
	if !r.OK() {
		// Only happens when burst is 0, which New prevents.
		return nil
	}

	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	ilincsThrottlesTotal.Inc()
	ilincsThrottleSeconds.Observe(delay.Seconds())
	l.logger.Debug().Dur("delay", delay).Msg("Rate limiter delaying request")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limit returns the configured rate in requests per second, 0 when unlimited.
func (l *Limiter) Limit() float64 {
	if l == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}
