package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// OperatorAudit logs every operator request with who made it and how it
// ended. Must run after OperatorAuth.
func OperatorAudit(logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		entry := logger.WithFields(logrus.Fields{
			"operator":    GetOperator(c),
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
			"ip":          c.IP(),
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		if status >= fiber.StatusBadRequest {
			entry.Warn("Operator request failed")
		} else {
			entry.Info("Operator request")
		}
		return err
	}
}
