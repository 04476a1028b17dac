package models

import (
	"database/sql"
	"time"
)

// Message represents one captured notification
type Message struct {
	ID             string       `json:"id" db:"id"`
	DeviceID       string       `json:"device_id" db:"device_id"`
	ConversationID string       `json:"conversation_id" db:"conversation_id"`
	Sender         string       `json:"sender" db:"sender"`
	Body           string       `json:"body" db:"body"`
	TsOriginal     time.Time    `json:"ts_original" db:"ts_original"`
	SourceApp      string       `json:"source_app" db:"source_app"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	ProcessedAt    sql.NullTime `json:"-" db:"processed_at"`
	IsProcessed    bool         `json:"is_processed" db:"is_processed"`
}

// MessageIDs returns the ids of msgs in order
func MessageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// OrphanWindow is an aggregate of unprocessed messages in one conversation bucket
type OrphanWindow struct {
	ConversationID string    `db:"conversation_id"`
	BucketStart    time.Time `db:"bucket_start"`
	LastReceivedAt time.Time `db:"last_received_at"`
	Count          int       `db:"message_count"`
}

// ConversationActivity summarizes one conversation a device has reported
type ConversationActivity struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	LastMessageAt  time.Time `json:"last_message_at" db:"last_message_at"`
	MessageCount   int       `json:"message_count" db:"message_count"`
	SummaryCount   int       `json:"summary_count" db:"summary_count"`
}
