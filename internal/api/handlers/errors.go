package handlers

import (
	"database/sql"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/queue"
	"github.com/whadgest/whadgest-backend/internal/services"
)

// ErrorHandler renders errors as {"error": ..., "code": ...}. Domain errors
// map to their HTTP status; anything unknown is logged and hidden.
func ErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code, message := statusFor(err)
		if code >= fiber.StatusInternalServerError {
			logger.WithError(err).WithFields(logrus.Fields{
				"method": c.Method(),
				"path":   c.Path(),
			}).Error("Request failed")
		}
		return c.Status(code).JSON(fiber.Map{
			"error": message,
			"code":  code,
		})
	}
}

func statusFor(err error) (int, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, fe.Message
	}

	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		return fiber.StatusBadRequest, verr.Error()
	case errors.Is(err, services.ErrDeviceMismatch),
		errors.Is(err, services.ErrBatchSizeMismatch):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrConversationNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, sql.ErrNoRows):
		return fiber.StatusNotFound, "Not found"
	case errors.Is(err, queue.ErrKeyBusy),
		errors.Is(err, queue.ErrNotDead):
		return fiber.StatusConflict, err.Error()
	case errors.Is(err, services.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable, "Message store unavailable, retry later"
	default:
		return fiber.StatusInternalServerError, "Internal server error"
	}
}
