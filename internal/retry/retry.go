package retry

import (
	"context"
	"time"
)

// Policy retries an operation whose transient failure would degrade
// availability. Backoff grows linearly with the attempt number
// (base, 2*base, 3*base, ...).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond}
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done. It
// returns the last error when every attempt failed.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.BaseDelay * time.Duration(i)):
		}
	}
	return lastErr
}
