package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/queue"
)

// ErrWorkerPanic marks an attempt that panicked
var ErrWorkerPanic = errors.New("worker panic")

// Processor runs one job attempt
type Processor interface {
	Process(ctx context.Context, job *queue.Job) Result
}

// Pool runs lease loops against the queue
type Pool struct {
	queue        queue.Queue
	processor    Processor
	waker        queue.Waker
	metrics      *Metrics
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	instanceID   string
	logger       *logrus.Logger
}

// NewPool creates a worker pool. waker may be nil; workers then only poll.
func NewPool(q queue.Queue, processor Processor, waker queue.Waker, cfg config.WorkerConfig, metrics *Metrics, logger *logrus.Logger) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 3 * time.Minute
	}
	hostname, _ := os.Hostname()
	return &Pool{
		queue:        q,
		processor:    processor,
		waker:        waker,
		metrics:      metrics,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		instanceID:   fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"workers":  p.concurrency,
		"instance": p.instanceID,
	}).Info("Starting summarization workers")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s/%d", p.instanceID, i)
		g.Go(func() error {
			p.loop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if p.waker != nil {
		wake = p.waker.Wake()
	}

	for {
		processed, err := p.runOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logger.WithError(err).WithField("worker", workerID).Warn("Lease failed")
		}
		if processed && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// RunOnce leases and processes at most one due job. It reports whether a
// job was processed.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	return p.runOnce(ctx, p.instanceID+"/once")
}

func (p *Pool) runOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Lease(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.handle(ctx, job)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	log := p.logger.WithFields(logrus.Fields{
		"job_key": job.Key,
		"job_id":  job.ID,
		"attempt": job.Attempts,
	})

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	result := p.safeProcess(jobCtx, job)
	cancel()
	p.metrics.RecordOutcome(result.Outcome)

	// Settle the job even when shutting down so the attempt is not lost.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer settleCancel()

	var err error
	switch result.Outcome {
	case OutcomeSuccess:
		err = p.queue.Complete(settleCtx, job)
		if err == nil {
			log.WithField("reason", result.Reason).Debug("Job completed")
		}
	case OutcomeRetry:
		var state queue.State
		state, err = p.queue.Fail(settleCtx, job, result.Err)
		if err == nil {
			entry := log.WithError(result.Err).WithField("state", state)
			if state == queue.StateDead {
				entry.Error("Job failed permanently after retries")
			} else {
				entry.Warn("Job failed, will retry")
			}
		}
	case OutcomePermanent:
		err = p.queue.Bury(settleCtx, job, result.Err)
		if err == nil {
			log.WithError(result.Err).Error("Job dead-lettered")
		}
	}

	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn("Lease lost before the job was settled")
	} else if err != nil {
		log.WithError(err).Error("Failed to settle job")
	}
}

func (p *Pool) safeProcess(ctx context.Context, job *queue.Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"job_key": job.Key,
				"panic":   r,
				"stack":   string(debug.Stack()),
			}).Error("Worker panicked")
			result = retry(fmt.Errorf("%w: %v", ErrWorkerPanic, r))
		}
	}()
	return p.processor.Process(ctx, job)
}
