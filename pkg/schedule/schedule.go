// Package schedule runs a job on a cron schedule.
//
// Expressions use standard five-field cron syntax, an optional leading
// seconds field, or macros such as @daily (see github.com/adhocore/gronx).
// Ticks are computed in UTC. Runs never overlap: a tick that passes while
// the job is still running is skipped.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/logging"
	"github.com/adhocore/gronx"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Validate reports whether expr is a valid cron expression.
func Validate(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty cron expression")
	}
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression: %s", expr)
	}
	return nil
}

// Next returns the first tick strictly after after.
func Next(expr string, after time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, after.UTC(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick for %q: %w", expr, err)
	}
	return next, nil
}

// clock abstracts time for the loop.
type clock struct {
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

var realClock = clock{now: time.Now, after: time.After}

// Run calls job at every tick of expr until ctx is cancelled. Job errors are
// logged and do not stop the schedule. Run returns ctx.Err() on shutdown.
func Run(ctx context.Context, expr string, job Job) error {
	return run(ctx, expr, job, realClock)
}

func run(ctx context.Context, expr string, job Job, clk clock) error {
	if err := Validate(expr); err != nil {
		return err
	}
	logger := logging.NewLogger("scheduler").With().Str("cron", expr).Logger()
	logger.Info().Msg("Scheduler started")

	for runs := 1; ; runs++ {
		if err := ctx.Err(); err != nil {
			logger.Info().Msg("Scheduler stopping")
			return err
		}

		next, err := Next(expr, clk.now())
		if err != nil {
			return err
		}
		logger.Info().Time("next_run", next).Msg("Waiting for next run")

		select {
		case <-ctx.Done():
			logger.Info().Msg("Scheduler stopping")
			return ctx.Err()
		case <-clk.after(next.Sub(clk.now())):
		}

		start := clk.now()
		logger.Info().Int("run", runs).Msg("Scheduled run starting")
		if err := job(ctx); err != nil {
			logger.Error().Err(err).Int("run", runs).Msg("Scheduled run failed")
		} else {
			logger.Info().
				Int("run", runs).
				Dur("duration", clk.now().Sub(start)).
				Msg("Scheduled run finished")
		}
	}
}
