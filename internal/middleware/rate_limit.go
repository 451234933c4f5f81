package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-exam-api/internal/utils"
)

const (
	defaultRateLimitMax    = 10
	defaultRateLimitWindow = time.Second
)

// RateLimit allows max requests per window for each caller of the named bucket. The limiter
// keeps its counters in process memory, so the ceiling applies per API replica.
func RateLimit(bucket string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = defaultRateLimitMax
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	return limiter.New(limiter.Config{
		Max:          max,
		Expiration:   window,
		KeyGenerator: rateLimitKey(bucket),
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendErrorCode(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests")
		},
	})
}

// rateLimitKey buckets authenticated callers by user id and anonymous ones by client IP.
func rateLimitKey(bucket string) func(*fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(LocalUserID).(uint); ok && userID > 0 {
			return bucket + ":user:" + strconv.FormatUint(uint64(userID), 10)
		}
		return bucket + ":ip:" + c.IP()
	}
}
