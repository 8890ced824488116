package api

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/ws"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const localUserID = "user_id"

// RequireAuth admits the request through the gatekeeper and stores the
// principal in Locals for handlers and the socket upgrade.
func RequireAuth(gate *auth.Gatekeeper) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, err := gate.Admit(c.Get(fiber.HeaderAuthorization), c.Query("token"))
		if err != nil {
			return respondError(c, err)
		}
		c.Locals(localUserID, p.UserID)
		c.Locals(ws.LocalPrincipal, p)
		return c.Next()
	}
}

func userID(c *fiber.Ctx) string {
	uid, _ := c.Locals(localUserID).(string)
	return uid
}

// UpgradeLimiter throttles connection attempts per client IP.
type UpgradeLimiter struct {
	visitors sync.Map // ip -> *visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
	log      *zap.Logger
}

type visitor struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

func NewUpgradeLimiter(perMinute int, log *zap.Logger) *UpgradeLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &UpgradeLimiter{
		rps:   rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
		idle:  5 * time.Minute,
		log:   log,
	}
}

func (l *UpgradeLimiter) limiter(ip string) *rate.Limiter {
	now := time.Now()
	v, ok := l.visitors.Load(ip)
	if !ok {
		v, _ = l.visitors.LoadOrStore(ip, &visitor{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now})
	}
	vi := v.(*visitor)
	vi.mu.Lock()
	vi.lastSeen = now
	vi.mu.Unlock()
	return vi.limiter
}

// Run evicts idle visitors until ctx is done.
func (l *UpgradeLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(time.Now().Add(-l.idle))
		}
	}
}

func (l *UpgradeLimiter) evict(cutoff time.Time) {
	l.visitors.Range(func(k, v any) bool {
		vi := v.(*visitor)
		vi.mu.Lock()
		stale := vi.lastSeen.Before(cutoff)
		vi.mu.Unlock()
		if stale {
			l.visitors.Delete(k)
		}
		return true
	})
}

func (l *UpgradeLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := clientIP(c)
		if !l.limiter(ip).Allow() {
			l.log.Warn("connection rate limit exceeded", zap.String("ip", ip), zap.String("path", c.Path()))
			return respondError(c, apperror.New(apperror.KindRateLimit, "too many connection attempts"))
		}
		return c.Next()
	}
}

func clientIP(c *fiber.Ctx) string {
	ip := c.IP()
	if ip == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
