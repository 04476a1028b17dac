package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
)

// SummaryRepository implements repository.SummaryRepository using PostgreSQL
type SummaryRepository struct {
	db *sqlx.DB
}

// NewSummaryRepository creates a new PostgreSQL summary repository
func NewSummaryRepository(db *sqlx.DB) repository.SummaryRepository {
	return &SummaryRepository{db: db}
}

const summaryColumns = `id, conversation_id, summary_text, period_start, period_end, message_count,
	model, tokens_used, created_at, metadata`

// Exists reports whether the window already has a summary
func (r *SummaryRepository) Exists(ctx context.Context, conversationID string, start, end time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM summaries
			WHERE conversation_id = $1 AND period_start = $2 AND period_end = $3
		)
	`
	err := r.db.GetContext(ctx, &exists, query, conversationID, start, end)
	return exists, err
}

// CommitWindow writes the summary and marks the window's messages in one transaction
func (r *SummaryRepository) CommitWindow(ctx context.Context, summary *models.Summary, messageIDs []string, at time.Time) (bool, error) {
	if summary.ID == "" {
		summary.ID = uuid.New().String()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = at
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM summaries
			WHERE conversation_id = $1 AND period_start = $2 AND period_end = $3
		)`, summary.ConversationID, summary.PeriodStart, summary.PeriodEnd)
	if err != nil {
		return false, fmt.Errorf("failed to check summary: %w", err)
	}

	created := false
	if !exists {
		query := `
			INSERT INTO summaries (id, conversation_id, summary_text, period_start, period_end,
				message_count, model, tokens_used, created_at, metadata)
			VALUES (:id, :conversation_id, :summary_text, :period_start, :period_end,
				:message_count, :model, :tokens_used, :created_at, :metadata)
			ON CONFLICT (conversation_id, period_start, period_end) DO NOTHING
		`
		result, err := tx.NamedExecContext(ctx, query, summary)
		if err != nil {
			return false, fmt.Errorf("failed to insert summary: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		created = rows == 1
	}

	if len(messageIDs) > 0 {
		if _, err := markProcessed(ctx, tx, messageIDs, at); err != nil {
			return false, fmt.Errorf("failed to mark messages processed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit window: %w", err)
	}
	return created, nil
}

// ListByConversation pages through a conversation's summaries, newest first
func (r *SummaryRepository) ListByConversation(ctx context.Context, conversationID string, filter repository.SummaryFilter) ([]models.Summary, int, error) {
	where := `WHERE conversation_id = $1`
	args := []interface{}{conversationID}
	if filter.From != nil {
		args = append(args, *filter.From)
		where += fmt.Sprintf(` AND period_start >= $%d`, len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where += fmt.Sprintf(` AND period_end <= $%d`, len(args))
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT count(*) FROM summaries `+where, args...); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM summaries %s ORDER BY period_start DESC LIMIT $%d OFFSET $%d`,
		summaryColumns, where, len(args)-1, len(args))

	var summaries []models.Summary
	if err := r.db.SelectContext(ctx, &summaries, query, args...); err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

// Stats aggregates the summaries of a device's conversations
func (r *SummaryRepository) Stats(ctx context.Context, deviceID string, from, to time.Time) (*models.SummaryStats, error) {
	var stats models.SummaryStats
	query := `
		SELECT count(*) AS total_summaries,
			count(DISTINCT conversation_id) AS total_conversations,
			COALESCE(sum(message_count), 0) AS total_messages,
			COALESCE(avg(message_count), 0)::double precision AS avg_messages,
			COALESCE(sum(tokens_used), 0)::bigint AS total_tokens
		FROM summaries
		WHERE period_start >= $2 AND period_start < $3
			AND conversation_id IN (SELECT DISTINCT conversation_id FROM messages WHERE device_id = $1)
	`
	if err := r.db.GetContext(ctx, &stats, query, deviceID, from, to); err != nil {
		return nil, err
	}
	return &stats, nil
}
