package window

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/queue"
)

const (
	DefaultSize  = time.Hour
	DefaultGrace = 5 * time.Minute
)

// Enqueuer is the part of queue.Queue the tracker needs
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, payload queue.Payload, dueAt time.Time) (bool, error)
}

// Tracker maps messages to fixed windows and schedules one job per window
type Tracker struct {
	queue  Enqueuer
	size   time.Duration
	grace  time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewTracker creates a window tracker
func NewTracker(q Enqueuer, cfg config.SummarizationConfig, logger *logrus.Logger) *Tracker {
	size := cfg.BucketSize
	if size <= 0 {
		size = DefaultSize
	}
	grace := cfg.GracePeriod
	if grace < 0 {
		grace = DefaultGrace
	}
	return &Tracker{
		queue:  q,
		size:   size,
		grace:  grace,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Size returns the window length
func (t *Tracker) Size() time.Duration {
	return t.size
}

// BucketStart returns the start of the window containing ts. Timestamps on a
// boundary belong to the window that starts there.
func BucketStart(ts time.Time, size time.Duration) time.Time {
	ms := ts.UnixMilli()
	sizeMs := size.Milliseconds()
	bucket := ms / sizeMs
	if ms%sizeMs != 0 && ms < 0 {
		bucket--
	}
	return time.UnixMilli(bucket * sizeMs).UTC()
}

// JobKey names the job of a conversation window
func JobKey(conversationID string, bucketStart time.Time) string {
	return conversationID + ":" + strconv.FormatInt(bucketStart.UnixMilli(), 10)
}

// Window returns the half-open window [start, end) containing ts
func (t *Tracker) Window(ts time.Time) (time.Time, time.Time) {
	start := BucketStart(ts, t.size)
	return start, start.Add(t.size)
}

// DueAt is the window end plus grace, or now when that has passed
func (t *Tracker) DueAt(bucketStart, now time.Time) time.Time {
	due := bucketStart.Add(t.size + t.grace)
	if due.Before(now) {
		return now
	}
	return due
}

// Track schedules the window of msg. Failures are logged, never returned:
// the message is already stored and the re-scan will pick it up.
func (t *Tracker) Track(ctx context.Context, msg *models.Message) {
	start, _ := t.Window(msg.TsOriginal)
	if _, err := t.Schedule(ctx, msg.ConversationID, start, false); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": msg.ConversationID,
			"job_key":         JobKey(msg.ConversationID, start),
		}).Warn("Failed to schedule summary job")
	}
}

// Schedule enqueues the job for the window starting at bucketStart
func (t *Tracker) Schedule(ctx context.Context, conversationID string, bucketStart time.Time, flush bool) (bool, error) {
	payload, err := queue.NewPayload(conversationID, bucketStart, bucketStart.Add(t.size))
	if err != nil {
		return false, err
	}
	payload.Flush = flush

	key := JobKey(conversationID, bucketStart)
	created, err := t.queue.Enqueue(ctx, key, payload, t.DueAt(bucketStart, t.now()))
	if err != nil {
		return false, err
	}
	if created {
		t.logger.WithFields(logrus.Fields{
			"job_key": key,
			"flush":   flush,
		}).Debug("Scheduled summary job")
	}
	return created, nil
}
