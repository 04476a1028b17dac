package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/queue"
	"github.com/whadgest/whadgest-backend/internal/repository"
	"github.com/whadgest/whadgest-backend/internal/window"
)

// WindowTracker is the part of window.Tracker maintenance needs
type WindowTracker interface {
	Size() time.Duration
	Schedule(ctx context.Context, conversationID string, bucketStart time.Time, flush bool) (bool, error)
}

// Pruner drops expired cache entries
type Pruner interface {
	Prune() int
}

// RescanReport summarizes one orphan re-scan
type RescanReport struct {
	Windows  int `json:"windows"`
	Enqueued int `json:"enqueued"`
	Flushed  int `json:"flushed"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Maintenance runs the periodic jobs: orphan re-scan, lease reaper and
// metrics flush
type Maintenance struct {
	messages   repository.MessageRepository
	queue      queue.Queue
	tracker    WindowTracker
	metrics    *Metrics
	locker     Locker
	pruner     Pruner
	cfg        config.MaintenanceConfig
	flushAfter time.Duration
	logger     *logrus.Logger
	now        func() time.Time
}

// NewMaintenance creates the maintenance runner. locker and pruner may be nil.
func NewMaintenance(
	messages repository.MessageRepository,
	q queue.Queue,
	tracker WindowTracker,
	metrics *Metrics,
	locker Locker,
	pruner Pruner,
	cfg config.MaintenanceConfig,
	flushAfter time.Duration,
	logger *logrus.Logger,
) *Maintenance {
	if cfg.RescanLookback <= 0 {
		cfg.RescanLookback = 48 * time.Hour
	}
	return &Maintenance{
		messages:   messages,
		queue:      q,
		tracker:    tracker,
		metrics:    metrics,
		locker:     locker,
		pruner:     pruner,
		cfg:        cfg,
		flushAfter: flushAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Rescan enqueues windows whose unprocessed messages have no job that will
// see them: no job at all, or a finished job whose last attempt started before the
// newest message arrived.
// With straggler flushing enabled, old windows left below the minimum get a
// single flush job.
func (m *Maintenance) Rescan(ctx context.Context) (*RescanReport, error) {
	return m.rescan(ctx, nil)
}

// Trigger re-scans only the conversations deviceID has reported, or just
// conversationID when it is set. Windows still open are scheduled for their
// normal due time.
func (m *Maintenance) Trigger(ctx context.Context, deviceID, conversationID string) (*RescanReport, error) {
	owned := make(map[string]bool)
	if conversationID != "" {
		ok, err := m.messages.DeviceHasConversation(ctx, deviceID, conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to check conversation: %w", err)
		}
		if !ok {
			return nil, ErrConversationNotFound
		}
		owned[conversationID] = true
	} else {
		conversations, err := m.messages.ListConversations(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		for _, c := range conversations {
			owned[c.ConversationID] = true
		}
	}

	m.logger.WithFields(logrus.Fields{
		"device_id":     deviceID,
		"conversations": len(owned),
	}).Info("Manual summarization triggered")
	return m.rescan(ctx, func(conversationID string) bool { return owned[conversationID] })
}

func (m *Maintenance) rescan(ctx context.Context, include func(conversationID string) bool) (*RescanReport, error) {
	now := m.now().UTC()
	size := m.tracker.Size()

	windows, err := m.messages.ListOrphanWindows(ctx, size, now.Add(-m.cfg.RescanLookback), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan windows: %w", err)
	}

	report := &RescanReport{}
	for _, w := range windows {
		if include != nil && !include(w.ConversationID) {
			continue
		}
		report.Windows++
		key := window.JobKey(w.ConversationID, w.BucketStart)
		log := m.logger.WithFields(logrus.Fields{
			"job_key":  key,
			"messages": w.Count,
		})

		latest, err := m.queue.Latest(ctx, key)
		if err != nil {
			report.Errors++
			log.WithError(err).Warn("Failed to look up window job")
			continue
		}

		flush := false
		switch {
		case latest == nil:
		case latest.State.Live():
			report.Skipped++
			continue
		case lastRead(latest).Before(w.LastReceivedAt):
		case m.straggler(w.BucketStart.Add(size), now) && latest.State == queue.StateCompleted && !latest.Payload.Flush:
			flush = true
		default:
			report.Skipped++
			continue
		}

		created, err := m.tracker.Schedule(ctx, w.ConversationID, w.BucketStart, flush)
		if err != nil {
			report.Errors++
			log.WithError(err).Warn("Failed to enqueue orphan window")
			continue
		}
		if !created {
			report.Skipped++
			continue
		}
		if flush {
			report.Flushed++
		} else {
			report.Enqueued++
		}
		log.WithField("flush", flush).Info("Re-enqueued orphan window")
	}
	return report, nil
}

// lastRead is when job last fetched its window. Messages received after it
// were not part of that attempt even if the job finished later.
func lastRead(job *queue.Job) time.Time {
	if job.LeasedAt.Valid {
		return job.LeasedAt.Time
	}
	return job.UpdatedAt
}

func (m *Maintenance) straggler(windowEnd, now time.Time) bool {
	return m.flushAfter > 0 && now.Sub(windowEnd) >= m.flushAfter
}

// Reap dead-letters jobs whose final attempt lost its worker
func (m *Maintenance) Reap(ctx context.Context) (int, error) {
	n, err := m.queue.ReapExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.WithField("jobs", n).Warn("Dead-lettered jobs with expired leases")
	}
	return n, nil
}

// FlushMetrics logs the metrics snapshot and prunes the verdict cache
func (m *Maintenance) FlushMetrics(ctx context.Context) {
	if m.pruner != nil {
		m.pruner.Prune()
	}
	if stats, err := m.queue.Stats(ctx); err == nil {
		m.logger.WithField("jobs", stats).Info("Queue depth")
	}
	m.metrics.Log(m.logger)
}

// Start schedules the maintenance jobs and blocks until ctx is cancelled
func (m *Maintenance) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(m.logger))))

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"rescan", m.cfg.RescanSchedule, func(ctx context.Context) error {
			report, err := m.Rescan(ctx)
			if err == nil && report.Enqueued+report.Flushed > 0 {
				m.logger.WithFields(logrus.Fields{
					"enqueued": report.Enqueued,
					"flushed":  report.Flushed,
				}).Info("Orphan re-scan finished")
			}
			return err
		}},
		{"reap", m.cfg.ReapSchedule, func(ctx context.Context) error {
			_, err := m.Reap(ctx)
			return err
		}},
		{"metrics", m.cfg.MetricsFlush, func(ctx context.Context) error {
			m.FlushMetrics(ctx)
			return nil
		}},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		job := job
		if _, err := c.AddFunc(job.schedule, func() { m.runLocked(ctx, job.name, job.run) }); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", job.name, job.schedule, err)
		}
		m.logger.WithFields(logrus.Fields{
			"job":      job.name,
			"schedule": job.schedule,
		}).Info("Registered maintenance job")
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (m *Maintenance) runLocked(ctx context.Context, name string, run func(ctx context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if m.locker != nil {
		if !m.locker.TryLock(ctx, name, 10*time.Minute) {
			m.logger.WithField("job", name).Debug("Maintenance job running elsewhere")
			return
		}
		defer m.locker.Unlock(context.WithoutCancel(ctx), name)
	}
	if err := run(ctx); err != nil {
		m.logger.WithError(err).WithField("job", name).Error("Maintenance job failed")
	}
}
