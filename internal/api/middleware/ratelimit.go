package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// IngestRateLimit limits uploads per authenticated device. Must run after DeviceAuth.
func IngestRateLimit(perMinute int) fiber.Handler {
	if perMinute <= 0 {
		perMinute = 60
	}
	return limiter.New(limiter.Config{
		Max:        perMinute,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if device := GetDevice(c); device != nil {
				return fmt.Sprintf("ingest:device:%s", device.ID)
			}
			return fmt.Sprintf("ingest:ip:%s", c.IP())
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
				"code":  fiber.StatusTooManyRequests,
			})
		},
	})
}

// LoginRateLimit returns a rate limiter for the operator login (5 per minute)
func LoginRateLimit() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        5,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("login:%s", c.IP())
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many login attempts. Please try again later.",
				"code":  fiber.StatusTooManyRequests,
			})
		},
	})
}
