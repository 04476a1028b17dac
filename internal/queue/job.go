package queue

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a summarization job
type State string

const (
	StatePending   State = "pending"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	// StateFailed labels the transition out of a failed attempt. The stored
	// outcome is always StateDelayed or StateDead.
	StateFailed State = "failed"
	StateDead   State = "dead"
)

// Live reports whether a job in this state still holds its key
func (s State) Live() bool {
	return s == StatePending || s == StateDelayed || s == StateActive
}

// ParseState validates a state name coming from an operator
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(s)); st {
	case StatePending, StateDelayed, StateActive, StateCompleted, StateFailed, StateDead:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Payload identifies the window a job summarizes
type Payload struct {
	ConversationID string    `json:"conversation_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	// Flush skips the minimum message count gate for stragglers.
	Flush bool `json:"flush,omitempty"`
}

// NewPayload builds a validated window payload
func NewPayload(conversationID string, start, end time.Time) (Payload, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Payload{}, errors.New("payload: conversation id is required")
	}
	if !end.After(start) {
		return Payload{}, fmt.Errorf("payload: window end %s is not after start %s", end, start)
	}
	return Payload{
		ConversationID: conversationID,
		PeriodStart:    start.UTC(),
		PeriodEnd:      end.UTC(),
	}, nil
}

// Value implements driver.Valuer
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner
func (p *Payload) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
	return json.Unmarshal(bytes, p)
}

// Job is one scheduled unit of summarization work
type Job struct {
	ID             string         `json:"id" db:"id"`
	Key            string         `json:"job_key" db:"job_key"`
	State          State          `json:"state" db:"state"`
	Payload        Payload        `json:"payload" db:"payload"`
	Attempts       int            `json:"attempts" db:"attempts"`
	MaxAttempts    int            `json:"max_attempts" db:"max_attempts"`
	DueAt          time.Time      `json:"due_at" db:"due_at"`
	LeaseOwner     sql.NullString `json:"-" db:"lease_owner"`
	LeaseExpiresAt sql.NullTime   `json:"-" db:"lease_expires_at"`
	// LeasedAt is when the latest attempt started and re-read its window.
	LeasedAt       sql.NullTime   `json:"-" db:"leased_at"`
	LastError      sql.NullString `json:"-" db:"last_error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// AttemptsLeft reports whether another attempt is allowed
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}
