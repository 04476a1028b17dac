package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Summary is the digest of one conversation window
type Summary struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	SummaryText    string          `json:"summary_text" db:"summary_text"`
	PeriodStart    time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time       `json:"period_end" db:"period_end"`
	MessageCount   int             `json:"message_count" db:"message_count"`
	Model          string          `json:"model" db:"model"`
	TokensUsed     sql.NullInt64   `json:"-" db:"tokens_used"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	Metadata       SummaryMetadata `json:"metadata" db:"metadata"`
}

// SummaryMetadata is stored as JSONB next to each summary
type SummaryMetadata struct {
	OriginalCount  int    `json:"original_message_count"`
	FilteredCount  int    `json:"filtered_message_count"`
	BlockedCount   int    `json:"blocked_message_count"`
	TruncatedCount int    `json:"truncated_message_count,omitempty"`
	JobKey         string `json:"job_key,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	Language       string `json:"language,omitempty"`
	ProcessingMs   int64  `json:"processing_ms"`
}

// Value implements driver.Valuer
func (m SummaryMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *SummaryMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = SummaryMetadata{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into SummaryMetadata", value)
	}

	return json.Unmarshal(bytes, m)
}

// SummaryStats aggregates summaries over a period
type SummaryStats struct {
	TotalSummaries      int     `json:"total_summaries" db:"total_summaries"`
	TotalConversations  int     `json:"total_conversations" db:"total_conversations"`
	TotalMessages       int     `json:"total_messages" db:"total_messages"`
	AvgMessagesPerChunk float64 `json:"avg_messages_per_summary" db:"avg_messages"`
	TotalTokensUsed     int64   `json:"total_tokens_used" db:"total_tokens"`
}
