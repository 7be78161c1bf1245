// ABOUTME: Exponential backoff for collection fetches
// ABOUTME: Only transport failures, throttling, and server errors are retried
package sync

import (
	"context"
	"time"

	"github.com/harperreed/schoolsync/remote"
)

// Retry configures fetch retries. Attempts <= 1 disables retrying.
type Retry struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetry is three attempts starting at half a second.
var DefaultRetry = Retry{Attempts: 3, Initial: 500 * time.Millisecond, Max: 4 * time.Second}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. The delay doubles up to Max.
func retry(ctx context.Context, policy Retry, fn func() error) error {
	if policy.Attempts <= 1 {
		return fn()
	}
	d := policy.Initial
	var err error
	for i := 0; i < policy.Attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return err
			}
			if d < policy.Max {
				d *= 2
				if d > policy.Max {
					d = policy.Max
				}
			}
		}
		if err = fn(); err == nil || !remote.IsRetryable(err) {
			return err
		}
	}
	return err
}
