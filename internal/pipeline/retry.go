package pipeline

import (
	"context"
	"time"

	"go-event-pipeline/internal/model"
)

// Policy drives the retry loop around one stage's remote call. Backoff grows
// linearly: the wait before attempt n+1 is Backoff multiplied by n.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration

	// Sleep waits between attempts; tests override it to avoid real delays.
	// Nil selects a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// PolicyFromConfig derives the retry policy from a stage's settings.
// MaxRetries counts the retries after the first call, so a stage with
// MaxRetries n makes up to n+1 attempts in total.
func PolicyFromConfig(sc model.StageConfig) Policy {
	return Policy{
		MaxAttempts: sc.MaxRetries + 1,
		Backoff:     sc.Backoff(),
	}
}

// Do runs fn until it succeeds, the error is not retryable, or attempts run
// out. It returns the number of attempts actually made together with the
// final error. Context cancellation stops the loop between attempts.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = waitFor
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !model.Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == max {
			break
		}
		if err := sleep(ctx, p.Backoff*time.Duration(attempt)); err != nil {
			return attempt, lastErr
		}
	}
	return max, lastErr
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
