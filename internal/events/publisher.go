package events

import (
	"context"
	"errors"
	"time"
)

// SummaryCreated announces a newly written summary
type SummaryCreated struct {
	SummaryID      string    `json:"summary_id"`
	ConversationID string    `json:"conversation_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	MessageCount   int       `json:"message_count"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
	// DeviceIDs are the devices that reported messages in the window.
	DeviceIDs []string `json:"-"`
}

// Publisher delivers summary events
type Publisher interface {
	PublishSummaryCreated(ctx context.Context, evt SummaryCreated) error
}

// Fanout publishes to every publisher and joins their errors
type Fanout []Publisher

// PublishSummaryCreated implements Publisher
func (f Fanout) PublishSummaryCreated(ctx context.Context, evt SummaryCreated) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishSummaryCreated(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events
type Nop struct{}

// PublishSummaryCreated implements Publisher
func (Nop) PublishSummaryCreated(ctx context.Context, evt SummaryCreated) error {
	return nil
}
