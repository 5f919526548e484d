package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how often a single client may request reports. Each
// uncached report costs a dozen warehouse queries against a shared pool.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	IdleTTL           time.Duration // limiters unused for this long are dropped
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		BurstSize:         20,
		IdleTTL:           10 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitors struct {
	mu    sync.Mutex
	cfg   RateLimitConfig
	byKey map[string]*visitor
	swept time.Time
}

func (v *visitors) get(key string, now time.Time) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cfg.IdleTTL > 0 && now.Sub(v.swept) > v.cfg.IdleTTL {
		for k, vis := range v.byKey {
			if now.Sub(vis.lastSeen) > v.cfg.IdleTTL {
				delete(v.byKey, k)
			}
		}
		v.swept = now
	}

	vis, ok := v.byKey[key]
	if !ok {
		vis = &visitor{limiter: rate.NewLimiter(rate.Limit(v.cfg.RequestsPerSecond), v.cfg.BurstSize)}
		v.byKey[key] = vis
	}
	vis.lastSeen = now
	return vis.limiter
}

// RateLimit applies a token bucket per client IP, or per token subject when
// the auth middleware has run.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := &visitors{cfg: cfg, byKey: make(map[string]*visitor), swept: time.Now()}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if sub, ok := c.Get("auth_subject").(string); ok && sub != "" {
				key = "sub:" + sub
			}

			now := time.Now()
			lim := store.get(key, now)
			c.Response().Header().Set("X-RateLimit-Limit", limit)

			r := lim.ReserveN(now, 1)
			if !r.OK() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if delay := r.DelayFrom(now); delay > 0 {
				r.CancelAt(now)
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
