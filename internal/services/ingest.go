package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
)

var validate = validator.New()

var (
	// ErrDeviceMismatch is returned when a batch names another device
	ErrDeviceMismatch = errors.New("device_id does not match the authenticated device")
	// ErrBatchSizeMismatch is returned when batch_size disagrees with the events
	ErrBatchSizeMismatch = errors.New("batch_size does not match the number of events")
	// ErrStoreUnavailable is returned when messages could not be stored
	ErrStoreUnavailable = errors.New("message store unavailable")
)

// DefaultSourceApps are the accepted notification packages
var DefaultSourceApps = []string{"com.whatsapp", "com.whatsapp.w4b"}

// ValidationError wraps a request that failed validation
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid ingest request: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IngestEvent is one captured notification as sent by the device
type IngestEvent struct {
	ChatID      string `json:"chatId" validate:"required,max=255"`
	Sender      string `json:"sender" validate:"required,max=255"`
	Body        string `json:"body" validate:"required"`
	Timestamp   int64  `json:"timestamp" validate:"gte=0"`
	PackageName string `json:"packageName" validate:"required,max=100"`
}

// IngestRequest is a batch upload from a device
type IngestRequest struct {
	DeviceID   string        `json:"device_id" validate:"required,max=255"`
	Events     []IngestEvent `json:"events" validate:"required,min=1,max=1000"`
	Timestamp  int64         `json:"timestamp" validate:"gte=0"`
	BatchSize  int           `json:"batch_size" validate:"min=1,max=1000"`
	AppVersion string        `json:"app_version,omitempty" validate:"max=50"`
	Platform   string        `json:"platform,omitempty" validate:"max=20"`
}

// IngestResult reports what happened to a batch
type IngestResult struct {
	Success            bool   `json:"success"`
	Message            string `json:"message"`
	ProcessedCount     int    `json:"processed_count"`
	Timestamp          int64  `json:"timestamp"`
	DuplicatesSkipped  int    `json:"duplicates_skipped"`
	ValidationFailures int    `json:"validation_failures"`
}

// WindowScheduler schedules the window of a stored message
type WindowScheduler interface {
	Track(ctx context.Context, msg *models.Message)
}

// IngestService stores device batches and schedules their windows
type IngestService struct {
	messages   repository.MessageRepository
	devices    repository.DeviceRepository
	tracker    WindowScheduler
	sourceApps map[string]bool
	metrics    *Metrics
	logger     *logrus.Logger
	now        func() time.Time
}

// NewIngestService creates the ingestion service
func NewIngestService(
	messages repository.MessageRepository,
	devices repository.DeviceRepository,
	tracker WindowScheduler,
	sourceApps []string,
	metrics *Metrics,
	logger *logrus.Logger,
) *IngestService {
	if len(sourceApps) == 0 {
		sourceApps = DefaultSourceApps
	}
	allowed := make(map[string]bool, len(sourceApps))
	for _, app := range sourceApps {
		allowed[app] = true
	}
	return &IngestService{
		messages:   messages,
		devices:    devices,
		tracker:    tracker,
		sourceApps: allowed,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest stores the events of req for device. Duplicates and invalid events
// are counted and skipped; a store failure aborts the batch so the client
// retries it, which is safe because duplicates are dropped.
func (s *IngestService) Ingest(ctx context.Context, device *models.Device, req *IngestRequest) (*IngestResult, error) {
	if err := validate.StructCtx(ctx, req); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if req.DeviceID != device.ID {
		return nil, ErrDeviceMismatch
	}
	if req.BatchSize != len(req.Events) {
		return nil, ErrBatchSizeMismatch
	}

	log := s.logger.WithField("device_id", device.ID)
	result := &IngestResult{}

	for i := range req.Events {
		ev := &req.Events[i]
		if err := validate.StructCtx(ctx, ev); err != nil || !s.sourceApps[ev.PackageName] {
			result.ValidationFailures++
			log.WithField("chat_id", ev.ChatID).Debug("Skipping invalid event")
			continue
		}

		msg := &models.Message{
			DeviceID:       device.ID,
			ConversationID: ev.ChatID,
			Sender:         ev.Sender,
			Body:           ev.Body,
			TsOriginal:     time.UnixMilli(ev.Timestamp).UTC(),
			SourceApp:      ev.PackageName,
			CreatedAt:      s.now().UTC(),
		}
		inserted, err := s.messages.Insert(ctx, msg)
		if err != nil {
			log.WithError(err).Error("Failed to store message")
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !inserted {
			result.DuplicatesSkipped++
			continue
		}

		result.ProcessedCount++
		s.tracker.Track(ctx, msg)
	}

	if err := s.devices.UpdateInfo(ctx, device.ID, models.DeviceInfo{
		AppVersion: req.AppVersion,
		Platform:   req.Platform,
	}, s.now().UTC()); err != nil {
		log.WithError(err).Warn("Failed to update device info")
	}

	s.metrics.RecordIngest(result.ProcessedCount, result.DuplicatesSkipped, result.ValidationFailures)
	log.WithFields(logrus.Fields{
		"processed":  result.ProcessedCount,
		"duplicates": result.DuplicatesSkipped,
		"invalid":    result.ValidationFailures,
	}).Info("Ingested batch")

	result.Success = true
	result.Message = "Events processed successfully"
	result.Timestamp = s.now().UnixMilli()
	return result, nil
}
