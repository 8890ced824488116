package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retry runs op with exponential backoff until it succeeds, maxElapsed
// passes or ctx is done. Wrap an error with backoff.Permanent to stop early.
func Retry(ctx context.Context, log *zap.Logger, what string, maxElapsed time.Duration, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxElapsed

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("retrying", zap.String("target", what), zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	})
}
