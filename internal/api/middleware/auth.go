package middleware

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/auth"
	"github.com/whadgest/whadgest-backend/internal/models"
)

const (
	deviceKey   = "device"
	operatorKey = "operator"
)

// DeviceAuthenticator resolves a device bearer token
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Device, error)
}

// TokenValidator validates operator access tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.OperatorClaims, error)
}

// DeviceAuth requires a valid device token in the Authorization header.
// When allowQuery is set the token may also come from ?token=, which
// websocket clients need.
func DeviceAuth(authn DeviceAuthenticator, allowQuery bool, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.ExtractTokenFromBearer(c.Get(fiber.HeaderAuthorization))
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing device token")
		}

		device, err := authn.Authenticate(c.UserContext(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				return fiber.NewError(fiber.StatusUnauthorized, "Invalid device token")
			}
			logger.WithError(err).Error("Device authentication failed")
			return fiber.NewError(fiber.StatusServiceUnavailable, "Authentication unavailable")
		}

		c.Locals(deviceKey, device)
		return c.Next()
	}
}

// GetDevice returns the authenticated device
func GetDevice(c *fiber.Ctx) *models.Device {
	if device, ok := c.Locals(deviceKey).(*models.Device); ok {
		return device
	}
	return nil
}

// OperatorAuth requires a valid operator access token
func OperatorAuth(tokens TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.ExtractTokenFromBearer(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Authentication required")
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				return fiber.NewError(fiber.StatusUnauthorized, "Token expired")
			}
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid or expired token")
		}

		c.Locals(operatorKey, claims.Username)
		return c.Next()
	}
}

// GetOperator returns the authenticated operator's username
func GetOperator(c *fiber.Ctx) string {
	if name, ok := c.Locals(operatorKey).(string); ok {
		return name
	}
	return ""
}
