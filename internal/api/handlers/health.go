package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/whadgest/whadgest-backend/internal/services"
)

// HealthChecker reports component health
type HealthChecker interface {
	Check(ctx context.Context) *services.HealthReport
	Ready(ctx context.Context) *services.HealthReport
}

// Health handles GET /api/v1/health. Only an unhealthy report fails the probe.
func Health(checker HealthChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return healthResponse(c, checker.Check(c.Context()))
	}
}

// Ready handles GET /api/v1/health/ready. It checks the required
// components only.
func Ready(checker HealthChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return healthResponse(c, checker.Ready(c.Context()))
	}
}

// Live handles GET /api/v1/health/live without touching any dependency
func Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func healthResponse(c *fiber.Ctx, report *services.HealthReport) error {
	status := fiber.StatusOK
	if report.Status == "unhealthy" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}
