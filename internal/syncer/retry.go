package syncer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kay-ou/SimTradeData/internal/provider"
)

// RetryPolicy is the single backoff policy applied to provider calls.
// Only transient provider errors are retried; shape errors and no-data
// responses surface immediately.
type RetryPolicy struct {
	maxRetries      uint64
	initialInterval time.Duration
}

func NewRetryPolicy(maxRetries int, initialInterval time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if initialInterval <= 0 {
		initialInterval = 500 * time.Millisecond
	}
	return &RetryPolicy{
		maxRetries:      uint64(maxRetries),
		initialInterval: initialInterval,
	}
}

// Do runs op, retrying transient failures with exponential backoff until
// the retry budget or the context expires.
func (p *RetryPolicy) Do(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if provider.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
