package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"go.uber.org/zap"
)

type Limits struct {
	PerMinute    int
	PerHour      int
	MinuteWindow time.Duration
	HourWindow   time.Duration
}

func DefaultLimits() Limits {
	return Limits{PerMinute: 60, PerHour: 1000, MinuteWindow: time.Minute, HourWindow: time.Hour}
}

type window struct {
	count   int
	resetAt time.Time
}

// roll starts a fresh window once length has passed since the last reset.
func (w *window) roll(now time.Time, length time.Duration) {
	if now.Sub(w.resetAt) >= length {
		w.count = 0
		w.resetAt = now
	}
}

type counter struct {
	mu       sync.Mutex
	minute   window
	hour     window
	lastSeen time.Time
}

// Governor enforces per-identity frame quotas over a minute and an hour
// window.
type Governor struct {
	limits  Limits
	entries sync.Map // key -> *counter
	now     func() time.Time
	log     *zap.Logger
}

func NewGovernor(limits Limits, log *zap.Logger) *Governor {
	return &Governor{limits: limits, now: time.Now, log: log}
}

func (g *Governor) Name() string { return "ratelimit" }

func (g *Governor) counter(key string, now time.Time) *counter {
	if v, ok := g.entries.Load(key); ok {
		return v.(*counter)
	}
	c := &counter{minute: window{resetAt: now}, hour: window{resetAt: now}}
	v, _ := g.entries.LoadOrStore(key, c)
	return v.(*counter)
}

// Allow admits one frame for key, counting it against both windows.
func (g *Governor) Allow(key string) bool {
	now := g.now()
	c := g.counter(key, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
	c.minute.roll(now, g.limits.MinuteWindow)
	c.hour.roll(now, g.limits.HourWindow)
	if c.minute.count >= g.limits.PerMinute || c.hour.count >= g.limits.PerHour {
		return false
	}
	c.minute.count++
	c.hour.count++
	return true
}

// Inspect keys the quota on the authenticated identity so that reconnecting
// does not reset it; the session id is used only for anonymous frames.
func (g *Governor) Inspect(_ context.Context, in *Inbound) error {
	key := in.UserID
	if key == "" {
		key = in.SessionID
	}
	if !g.Allow(key) {
		return apperror.New(apperror.KindRateLimit, "rate limit exceeded")
	}
	return nil
}

// Purge drops counters idle for more than two hour-windows and returns how
// many were removed.
func (g *Governor) Purge() int {
	cutoff := g.now().Add(-2 * g.limits.HourWindow)
	removed := 0
	g.entries.Range(func(k, v any) bool {
		c := v.(*counter)
		c.mu.Lock()
		idle := c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if idle {
			g.entries.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// Run purges idle counters every minute window until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	t := time.NewTicker(g.limits.MinuteWindow)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := g.Purge(); n > 0 {
				g.log.Debug("rate limit counters purged", zap.Int("removed", n))
			}
		}
	}
}
