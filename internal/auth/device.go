package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
)

const (
	// DeviceTokenPrefix is the prefix for all device tokens
	DeviceTokenPrefix = "wd_"
	// DeviceTokenLength is the length of the random part of a device token
	DeviceTokenLength = 32
)

// GenerateDeviceToken creates a new random device bearer token
func GenerateDeviceToken() (string, error) {
	bytes := make([]byte, DeviceTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return DeviceTokenPrefix + strings.TrimRight(base64.URLEncoding.EncodeToString(bytes), "="), nil
}

// HashDeviceToken hashes a device token with the server salt for storage
func HashDeviceToken(token, salt string) string {
	hash := sha256.Sum256([]byte(token + salt))
	return hex.EncodeToString(hash[:])
}

// DeviceAuthenticator resolves device bearer tokens
type DeviceAuthenticator struct {
	devices repository.DeviceRepository
	salt    string
	logger  *logrus.Logger
	now     func() time.Time
}

// NewDeviceAuthenticator creates a device authenticator
func NewDeviceAuthenticator(devices repository.DeviceRepository, salt string, logger *logrus.Logger) *DeviceAuthenticator {
	return &DeviceAuthenticator{
		devices: devices,
		salt:    salt,
		logger:  logger,
		now:     time.Now,
	}
}

// Authenticate returns the device owning token and records its activity
func (a *DeviceAuthenticator) Authenticate(ctx context.Context, token string) (*models.Device, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	device, err := a.devices.GetByTokenHash(ctx, HashDeviceToken(token, a.salt))
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrInvalidToken
	}

	if err := a.devices.TouchLastSeen(ctx, device.ID, a.now().UTC()); err != nil {
		a.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to update device last_seen")
	}
	return device, nil
}

// Register creates a device and returns its plaintext token, shown once
func (a *DeviceAuthenticator) Register(ctx context.Context, deviceID, platform string) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", errors.New("device id is required")
	}
	token, err := GenerateDeviceToken()
	if err != nil {
		return "", err
	}
	device := &models.Device{
		ID:        deviceID,
		TokenHash: HashDeviceToken(token, a.salt),
	}
	if platform != "" {
		device.Platform.String = platform
		device.Platform.Valid = true
	}
	if err := a.devices.Create(ctx, device); err != nil {
		return "", err
	}
	return token, nil
}

// Rotate issues a new token for an existing device
func (a *DeviceAuthenticator) Rotate(ctx context.Context, deviceID string) (string, error) {
	token, err := GenerateDeviceToken()
	if err != nil {
		return "", err
	}
	if err := a.devices.RotateToken(ctx, deviceID, HashDeviceToken(token, a.salt)); err != nil {
		return "", err
	}
	return token, nil
}
