package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis *redis.Client

	// PerMinute caps requests per identity per minute.
	PerMinute int64
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:     redisClient,
		PerMinute: 30,
	}
}

// Limit wraps a route handler with a Redis counter keyed by the
// authenticated user, falling back to the client IP for anonymous traffic.
func (r *RateLimiter) Limit(next func(e *core.RequestEvent) error) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if ua := e.Request.Header.Get("User-Agent"); isSuspiciousUserAgent(ua) {
			return e.JSON(403, map[string]string{
				"error": "Access denied",
			})
		}

		key := fmt.Sprintf("ratelimit:%s", r.identity(e))
		ctx := e.Request.Context()

		count, err := r.redis.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(ctx, key, time.Minute)
			}
			if count > r.PerMinute {
				return e.JSON(429, map[string]string{
					"error": "Rate limit exceeded. Please try again later.",
				})
			}
		}

		return next(e)
	}
}

func (r *RateLimiter) identity(e *core.RequestEvent) string {
	if e.Auth != nil {
		return fmt.Sprintf("user:%s", e.Auth.Id)
	}
	return e.RealIP()
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
