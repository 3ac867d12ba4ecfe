package drafts

import (
	"context"
	"time"
)

// Backoff decides how long to wait before reservation attempt n+1 and when to stop.
type Backoff struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

func FixedBackoff(d time.Duration, maxAttempts int) Backoff {
	return Backoff{MaxAttempts: maxAttempts, Delay: func(int) time.Duration { return d }}
}

// NoBackoff retries immediately; meant for tests.
func NoBackoff(maxAttempts int) Backoff { return FixedBackoff(0, maxAttempts) }

func (b Backoff) exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}

func (b Backoff) wait(ctx context.Context, attempt int) error {
	var d time.Duration
	if b.Delay != nil {
		d = b.Delay(attempt)
	}
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
