package backend

import (
	"context"
	"errors"
	"fmt"
)

// RetryPolicy retries a request that failed with ErrUnauthorized after a
// token refresh. There is no backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below one are treated as one.
	MaxAttempts int
}

// DefaultRetryPolicy retries once.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 2}

// Do calls attempt until it succeeds, fails with something other than
// ErrUnauthorized, or the attempts run out. refresh runs before every retry;
// if it fails the retry is abandoned and both errors are returned.
func (p RetryPolicy) Do(ctx context.Context, attempt, refresh func(context.Context) error) error {
	maxAttempts := max(p.MaxAttempts, 1)
	var err error
	for i := range maxAttempts {
		if i > 0 {
			if rerr := refresh(ctx); rerr != nil {
				return fmt.Errorf("%w; %w", err, rerr)
			}
		}
		err = attempt(ctx)
		if !errors.Is(err, ErrUnauthorized) {
			return err
		}
	}
	return err
}
