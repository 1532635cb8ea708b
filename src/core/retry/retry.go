package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"webrag/src/core/knowledge"
	"webrag/src/infrastructure/log"
)

var ErrInvalidMaxAttempts = errors.New("retry: max attempts must be positive")

// Classifier decides whether err is worth another attempt and returns the
// minimum wait requested by the remote side, if any.
type Classifier func(err error) (retryable bool, wait time.Duration)

// Policy is one parameterized retry-with-backoff used at every external call site.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64 // fraction of each delay that is randomized, in [0, 1]
	AttemptTimeout time.Duration
	Classify       Classifier
}

// DefaultClassifier retries transient and rate limited failures, honoring retry-after.
func DefaultClassifier(err error) (bool, time.Duration) {
	return knowledge.IsRetryable(err), knowledge.RetryAfter(err)
}

// Default is used when a component is not given its own policy.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, the attempts
// are exhausted or ctx is done. A per-attempt timeout is reported as a
// transient error so it is retried like a network failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.attempt(ctx, op)
		if err == nil {
			if attempt > 1 {
				log.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		retryable, wait := classify(err)
		if !retryable {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		delay := p.Backoff(attempt)
		if wait > delay {
			delay = wait
		}
		log.Debug("operation failed, will retry", "attempt", attempt, "maxAttempts", p.MaxAttempts, "delay", delay, "error", err.Error())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &knowledge.TransientError{Op: "attempt timed out", Err: err}
	}
	return err
}

// Backoff is the delay after the given failed attempt: BaseDelay * 2^(attempt-1),
// capped by MaxDelay and spread by Jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 && delay > 0 {
		spread := float64(delay) * min(p.Jitter, 1)
		delay = time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
	}
	return delay
}
