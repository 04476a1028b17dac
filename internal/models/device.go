package models

import (
	"database/sql"
	"time"
)

// Device represents a registered Android client
type Device struct {
	ID         string         `json:"id" db:"id"`
	TokenHash  string         `json:"-" db:"token_hash"`
	LastSeen   time.Time      `json:"last_seen" db:"last_seen"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	AppVersion sql.NullString `json:"-" db:"app_version"`
	Platform   sql.NullString `json:"-" db:"platform"`
}

// DeviceInfo is the metadata a device reports with each batch
type DeviceInfo struct {
	AppVersion string `json:"app_version" validate:"omitempty,max=50"`
	Platform   string `json:"platform" validate:"omitempty,max=20"`
}
