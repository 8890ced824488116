package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), zap.NewNop(), "store", 5*time.Second, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	bad := errors.New("bad credentials")
	err := Retry(context.Background(), zap.NewNop(), "store", 5*time.Second, func(context.Context) error {
		calls++
		return backoff.Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, zap.NewNop(), "store", time.Minute, func(context.Context) error {
		return errors.New("down")
	})
	assert.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	log, err := NewLogger(false, "warn")
	assert.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))

	dev, err := NewLogger(true, "")
	assert.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zap.DebugLevel))
}
