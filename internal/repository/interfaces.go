package repository

import (
	"context"
	"time"

	"github.com/whadgest/whadgest-backend/internal/models"
)

// DeviceRepository defines device storage operations
type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	Get(ctx context.Context, id string) (*models.Device, error)
	// GetByTokenHash returns nil when no device holds the hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	UpdateInfo(ctx context.Context, id string, info models.DeviceInfo, at time.Time) error
	RotateToken(ctx context.Context, id, tokenHash string) error
}

// MessageRepository defines message storage operations
type MessageRepository interface {
	// Insert stores msg unless its natural key already exists. A duplicate
	// returns false and no error.
	Insert(ctx context.Context, msg *models.Message) (bool, error)
	// ListUnprocessedInWindow returns unprocessed messages with
	// start <= ts_original < end, oldest first.
	ListUnprocessedInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]models.Message, error)
	MarkProcessed(ctx context.Context, ids []string, at time.Time) (int64, error)
	// ListOrphanWindows groups unprocessed messages received in [from, to) by
	// conversation and bucket.
	ListOrphanWindows(ctx context.Context, bucketSize time.Duration, from, to time.Time) ([]models.OrphanWindow, error)
	CountByDevice(ctx context.Context, deviceID string) (int, error)
	ListConversations(ctx context.Context, deviceID string) ([]models.ConversationActivity, error)
	DeviceHasConversation(ctx context.Context, deviceID, conversationID string) (bool, error)
	// DevicesInWindow lists devices that reported messages in the window.
	DevicesInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]string, error)
}

// SummaryRepository defines summary storage operations
type SummaryRepository interface {
	Exists(ctx context.Context, conversationID string, start, end time.Time) (bool, error)
	// CommitWindow inserts summary unless one exists for its window and marks
	// messageIDs processed, atomically. It reports whether summary was inserted.
	CommitWindow(ctx context.Context, summary *models.Summary, messageIDs []string, at time.Time) (bool, error)
	ListByConversation(ctx context.Context, conversationID string, filter SummaryFilter) ([]models.Summary, int, error)
	Stats(ctx context.Context, deviceID string, from, to time.Time) (*models.SummaryStats, error)
}

// SummaryFilter narrows a summary listing
type SummaryFilter struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
