package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
)

// DeviceRepository implements repository.DeviceRepository using PostgreSQL
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository creates a new PostgreSQL device repository
func NewDeviceRepository(db *sqlx.DB) repository.DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `id, token_hash, last_seen, created_at, app_version, platform`

// Create registers a device
func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	if device.LastSeen.IsZero() {
		device.LastSeen = now
	}

	query := `
		INSERT INTO devices (id, token_hash, last_seen, created_at, app_version, platform)
		VALUES (:id, :token_hash, :last_seen, :created_at, :app_version, :platform)
	`
	_, err := r.db.NamedExecContext(ctx, query, device)
	return err
}

// Get retrieves a device by ID
func (r *DeviceRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	var device models.Device
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	err := r.db.GetContext(ctx, &device, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// GetByTokenHash retrieves a device by its token hash
func (r *DeviceRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Device, error) {
	var device models.Device
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE token_hash = $1`

	err := r.db.GetContext(ctx, &device, query, tokenHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// List retrieves all devices
func (r *DeviceRepository) List(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY last_seen DESC`

	err := r.db.SelectContext(ctx, &devices, query)
	return devices, err
}

// TouchLastSeen records device activity
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen = $2 WHERE id = $1`, id, at)
	return err
}

// UpdateInfo stores the reported app version and platform
func (r *DeviceRepository) UpdateInfo(ctx context.Context, id string, info models.DeviceInfo, at time.Time) error {
	query := `
		UPDATE devices
		SET last_seen = $2,
			app_version = COALESCE(NULLIF($3, ''), app_version),
			platform = COALESCE(NULLIF($4, ''), platform)
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, at, info.AppVersion, info.Platform)
	return err
}

// RotateToken replaces the token hash of a device
func (r *DeviceRepository) RotateToken(ctx context.Context, id, tokenHash string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE devices SET token_hash = $2 WHERE id = $1`, id, tokenHash)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
