package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
)

// MessageRepository implements repository.MessageRepository using PostgreSQL
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository creates a new PostgreSQL message repository
func NewMessageRepository(db *sqlx.DB) repository.MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, device_id, conversation_id, sender, body, ts_original, source_app,
	created_at, processed_at, is_processed`

// Insert stores a message, skipping natural-key duplicates
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (id, device_id, conversation_id, sender, body, ts_original, source_app, created_at, is_processed)
		VALUES (:id, :device_id, :conversation_id, :sender, :body, :ts_original, :source_app, :created_at, FALSE)
		ON CONFLICT DO NOTHING
	`
	result, err := r.db.NamedExecContext(ctx, query, msg)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListUnprocessedInWindow retrieves the unprocessed messages of a window
func (r *MessageRepository) ListUnprocessedInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]models.Message, error) {
	var messages []models.Message
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
			AND ts_original >= $2
			AND ts_original < $3
			AND is_processed = FALSE
		ORDER BY ts_original ASC, created_at ASC, id ASC
	`
	err := r.db.SelectContext(ctx, &messages, query, conversationID, start, end)
	return messages, err
}

// MarkProcessed flips unprocessed messages to processed
func (r *MessageRepository) MarkProcessed(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return markProcessed(ctx, r.db, ids, at)
}

func markProcessed(ctx context.Context, exec sqlx.ExecerContext, ids []string, at time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET is_processed = TRUE, processed_at = $2
		WHERE id = ANY($1) AND is_processed = FALSE
	`
	result, err := exec.ExecContext(ctx, query, pq.Array(ids), at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListOrphanWindows aggregates unprocessed messages per conversation bucket
func (r *MessageRepository) ListOrphanWindows(ctx context.Context, bucketSize time.Duration, from, to time.Time) ([]models.OrphanWindow, error) {
	var windows []models.OrphanWindow
	// floor() keeps pre-epoch timestamps in the bucket that starts before them.
	query := `
		SELECT conversation_id,
			to_timestamp((floor(extract(epoch FROM ts_original) * 1000 / $1::bigint) * $1::bigint / 1000.0)::double precision) AS bucket_start,
			max(created_at) AS last_received_at,
			count(*) AS message_count
		FROM messages
		WHERE is_processed = FALSE
			AND created_at >= $2
			AND created_at < $3
		GROUP BY 1, 2
		ORDER BY 2 ASC, 1 ASC
	`
	err := r.db.SelectContext(ctx, &windows, query, bucketSize.Milliseconds(), from, to)
	return windows, err
}

// CountByDevice counts the messages a device has reported
func (r *MessageRepository) CountByDevice(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM messages WHERE device_id = $1`, deviceID)
	return count, err
}

// ListConversations lists the conversations a device has reported
func (r *MessageRepository) ListConversations(ctx context.Context, deviceID string) ([]models.ConversationActivity, error) {
	var conversations []models.ConversationActivity
	query := `
		SELECT m.conversation_id,
			max(m.ts_original) AS last_message_at,
			count(*) AS message_count,
			(SELECT count(*) FROM summaries s WHERE s.conversation_id = m.conversation_id) AS summary_count
		FROM messages m
		WHERE m.device_id = $1
		GROUP BY m.conversation_id
		ORDER BY last_message_at DESC
	`
	err := r.db.SelectContext(ctx, &conversations, query, deviceID)
	return conversations, err
}

// DeviceHasConversation reports whether the device reported the conversation
func (r *MessageRepository) DeviceHasConversation(ctx context.Context, deviceID, conversationID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM messages WHERE device_id = $1 AND conversation_id = $2)`
	err := r.db.GetContext(ctx, &exists, query, deviceID, conversationID)
	return exists, err
}

// DevicesInWindow lists the devices that reported messages in a window
func (r *MessageRepository) DevicesInWindow(ctx context.Context, conversationID string, start, end time.Time) ([]string, error) {
	var devices []string
	query := `
		SELECT DISTINCT device_id
		FROM messages
		WHERE conversation_id = $1 AND ts_original >= $2 AND ts_original < $3
	`
	err := r.db.SelectContext(ctx, &devices, query, conversationID, start, end)
	return devices, err
}
