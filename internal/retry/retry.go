// Package retry implements the bounded exponential-backoff retry policy
// spec.md §4.3 requires of the Executor: base 100ms, doubling, capped at
// 2s, with ±20% jitter, bounded by a caller-supplied attempt count.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/dsyncpro/dsync/internal/clock"
)

// Options configures one WithExponentialBackoff call.
type Options struct {
	// InitialSleep is the backoff before the first retry (spec.md §4.3:
	// "base 100 ms").
	InitialSleep time.Duration

	// MaxSleep caps the backoff regardless of how many attempts have
	// elapsed (spec.md §4.3: "capped at 2 s").
	MaxSleep time.Duration

	// Jitter is applied as ±Jitter fraction of the computed sleep
	// (spec.md §4.3: "±20% jitter").
	Jitter float64

	// MaxAttempts is the total number of calls to f, including the first
	// (spec.md §4.3: "retried up to retries times" — callers pass
	// retries+1).
	MaxAttempts int
}

// DefaultOptions returns the spec.md §4.3 defaults for the given Job
// retries count (the number of *retries* after the first attempt).
func DefaultOptions(retries int) Options {
	return Options{
		InitialSleep: 100 * time.Millisecond,
		MaxSleep:     2 * time.Second,
		Jitter:       0.2,
		MaxAttempts:  retries + 1,
	}
}

// WithExponentialBackoff calls f until it succeeds, isRetriable(err) is
// false, ctx is done, or opts.MaxAttempts is exhausted — generalizing
// kopia's internal/retry.WithExponentialBackoff to a caller-supplied
// Options rather than package-level tunables, since the backoff parameters
// here are per-Job (spec.md §3 retries field) rather than process-global.
func WithExponentialBackoff[T any](
	ctx context.Context,
	desc string,
	f func() (T, error),
	isRetriable func(error) bool,
	opts Options,
) (T, error) {
	var (
		zero  T
		sleep = opts.InitialSleep
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := f()
		if err == nil {
			return v, nil
		}

		if !isRetriable(err) {
			return zero, err
		}

		if attempt >= opts.MaxAttempts {
			return zero, err
		}

		if !clock.SleepInterruptibly(ctx, jittered(sleep, opts.Jitter)) {
			return zero, ctx.Err()
		}

		sleep *= 2
		if sleep > opts.MaxSleep {
			sleep = opts.MaxSleep
		}
	}
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}

	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta //nolint:gosec // non-cryptographic jitter

	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}

	return result
}
