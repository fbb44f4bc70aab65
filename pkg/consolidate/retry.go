package consolidate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

// retry runs a storage call with exponential backoff. Missing and duplicate
// memories are answers, not transient failures, and are returned at once.
func retry[T any](ctx context.Context, c *Consolidator, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 20 * c.cfg.RetryInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if errors.Is(err, memory.ErrNotFound) || errors.Is(err, memory.ErrDuplicate) || errors.Is(err, memory.ErrEmptyContent) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.Retries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("storage call failed, retrying",
				zap.String("op", op),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
}

func retryDo(ctx context.Context, c *Consolidator, op string, fn func() error) error {
	_, err := retry(ctx, c, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
