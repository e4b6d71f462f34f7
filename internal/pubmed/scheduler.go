package pubmed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Scheduler is the single process-wide gate in front of every NCBI request:
// at most maxInFlight concurrent requests, a rolling requests-per-second cap,
// a per-request timeout, and bounded retry with exponential backoff.
//
// All PubMed operations of every strategy share one Scheduler, so the
// pipeline's total E-utilities rate stays within NCBI policy no matter how
// many trials are processed in parallel.
type Scheduler struct {
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries uint64
}

// SchedulerPolicy configures a Scheduler. Zero values fall back to the
// defaults: 4 in flight, 8 req/s, 30 s timeout, 3 retries.
type SchedulerPolicy struct {
	MaxInFlight   int64
	RequestsPerSec float64
	Timeout       time.Duration
	MaxRetries    uint64
}

// NewScheduler builds a Scheduler from policy.
func NewScheduler(policy SchedulerPolicy) *Scheduler {
	if policy.MaxInFlight <= 0 {
		policy.MaxInFlight = 4
	}
	if policy.RequestsPerSec <= 0 {
		policy.RequestsPerSec = 8
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 30 * time.Second
	}
	if policy.MaxRetries == 0 {
		policy.MaxRetries = 3
	}
	return &Scheduler{
		sem:        semaphore.NewWeighted(policy.MaxInFlight),
		limiter:    rate.NewLimiter(rate.Limit(policy.RequestsPerSec), int(policy.RequestsPerSec)),
		timeout:    policy.Timeout,
		maxRetries: policy.MaxRetries,
	}
}

// transientError marks a failure worth retrying (timeouts, 429, 5xx).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the scheduler retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Do runs fn under the scheduler's concurrency, rate, timeout, and retry
// policy. fn receives a context that expires after the per-request timeout.
//
// Expectations:
//   - At most MaxInFlight invocations of fn run concurrently
//   - Each attempt waits for a rate-limiter token first
//   - Errors wrapped with Transient are retried up to MaxRetries times
//   - Other errors fail immediately
//   - Context cancellation stops waiting and retrying
func (s *Scheduler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	attempt := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		var te *transientError
		if errors.As(err, &te) {
			// Attempt timeout counts as transient unless the parent is done.
			return te.err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("pubmed: request failed: %w", err)
	}
	return nil
}
