// Package retry provides the shared retry policy used for calls that leave
// the process: the metrics backend, the action executor, Kafka and S3.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds how a call site retries transient failures.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; each further
	// attempt doubles it. Defaults to 200ms if zero.
	BaseDelay time.Duration

	// MaxDelay clamps the backoff. Defaults to 5s if zero.
	MaxDelay time.Duration

	// Jitter adds up to this fraction of the delay as random slack.
	// Defaults to 0.2 if zero.
	Jitter float64
}

// Permanent marks an error as not worth retrying.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a Permanent error, the context is
// cancelled, or the attempt budget is exhausted. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := p.BaseDelay
	if base == 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = 5 * time.Second
	}
	jitter := p.Jitter
	if jitter == 0 {
		jitter = 0.2
	}

	var lastErr error
	delay := base
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		sleep := delay + time.Duration(rand.Float64()*jitter*float64(delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}
