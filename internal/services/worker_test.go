package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/filter"
	"github.com/whadgest/whadgest-backend/internal/llm"
	"github.com/whadgest/whadgest-backend/internal/logging"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/queue"
	"github.com/whadgest/whadgest-backend/internal/window"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Set(t time.Time)         { c.t = t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// pipeline wires ingestion, the tracker, the queue and one worker over
// in-memory stores
type pipeline struct {
	store     *memStore
	clock     *testClock
	queue     *queue.MemoryQueue
	tracker   *window.Tracker
	ingest    *IngestService
	worker    *Worker
	pool      *Pool
	backend   *scriptedBackend
	publisher *recordingPublisher
	metrics   *Metrics
	device    *models.Device
}

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := logging.Discard()
	clock := &testClock{t: at(10, 0)}

	store := newMemStore()
	device := &models.Device{ID: "device-1", TokenHash: "hash", CreatedAt: clock.Now()}
	require.NoError(t, store.Create(context.Background(), device))

	q := queue.NewMemoryQueue(queue.Options{MaxAttempts: 3, BackoffBase: 2 * time.Second, VisibilityTimeout: time.Minute})
	q.SetClock(clock.Now)

	tracker := window.NewTracker(q, config.SummarizationConfig{BucketSize: time.Hour, GracePeriod: 5 * time.Minute}, logger)
	tracker.SetClock(clock.Now)

	metrics := NewMetrics()
	ingest := NewIngestService(store, store, tracker, nil, metrics, logger)
	ingest.now = clock.Now

	backend := &scriptedBackend{}
	publisher := &recordingPublisher{}
	worker := NewWorker(WorkerDeps{
		Messages:  store,
		Summaries: store,
		Filter:    filter.New(config.FilterConfig{}, nil, nil, logger),
		Backend:   backend,
		Publisher: publisher,
		Metrics:   metrics,
	}, 5, logger)
	worker.now = clock.Now

	pool := NewPool(q, worker, q, config.WorkerConfig{Concurrency: 1, JobTimeout: time.Second}, metrics, logger)

	return &pipeline{
		store:     store,
		clock:     clock,
		queue:     q,
		tracker:   tracker,
		ingest:    ingest,
		worker:    worker,
		pool:      pool,
		backend:   backend,
		publisher: publisher,
		metrics:   metrics,
		device:    device,
	}
}

func (p *pipeline) send(t *testing.T, chatID string, events ...IngestEvent) *IngestResult {
	t.Helper()
	for i := range events {
		events[i].ChatID = chatID
		if events[i].Sender == "" {
			events[i].Sender = "Alice"
		}
		if events[i].PackageName == "" {
			events[i].PackageName = "com.whatsapp"
		}
	}
	res, err := p.ingest.Ingest(context.Background(), p.device, &IngestRequest{
		DeviceID:  p.device.ID,
		Events:    events,
		Timestamp: p.clock.Now().UnixMilli(),
		BatchSize: len(events),
	})
	require.NoError(t, err)
	return res
}

func event(ts time.Time, body string) IngestEvent {
	return IngestEvent{Body: body, Timestamp: ts.UnixMilli()}
}

func (p *pipeline) runDue(t *testing.T) bool {
	t.Helper()
	processed, err := p.pool.RunOnce(context.Background())
	require.NoError(t, err)
	return processed
}

func (p *pipeline) jobs(t *testing.T, state queue.State) []queue.Job {
	t.Helper()
	jobs, err := p.queue.List(context.Background(), state, 0)
	require.NoError(t, err)
	return jobs
}

func fiveMessages() []IngestEvent {
	return []IngestEvent{
		event(at(10, 5), "Who is bringing the cake?"),
		event(at(10, 15), "I can pick it up"),
		event(at(10, 30), "Dinner moved to 8pm"),
		event(at(10, 45), "Grandma arrives Saturday"),
		event(at(10, 55), "Please confirm by tonight"),
	}
}

func TestPipelineExampleScenario(t *testing.T) {
	p := newPipeline(t)

	res := p.send(t, "family", fiveMessages()...)
	assert.Equal(t, 5, res.ProcessedCount)

	jobs := p.jobs(t, "")
	require.Len(t, jobs, 1)
	assert.Equal(t, fmt.Sprintf("family:%d", at(10, 0).UnixMilli()), jobs[0].Key)
	assert.Equal(t, at(11, 5), jobs[0].DueAt)

	p.clock.Set(at(11, 4))
	assert.False(t, p.runDue(t), "job must not run before window end plus grace")

	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))

	require.Equal(t, 1, p.store.summaryCount())
	sm := p.store.summaries[0]
	assert.Equal(t, at(10, 0), sm.PeriodStart)
	assert.Equal(t, at(11, 0), sm.PeriodEnd)
	assert.Equal(t, 5, sm.MessageCount)
	assert.Equal(t, "test-model", sm.Model)
	assert.Equal(t, jobs[0].Key, sm.Metadata.JobKey)
	assert.Equal(t, 0, p.store.unprocessed())

	completed := p.jobs(t, queue.StateCompleted)
	require.Len(t, completed, 1)

	// messages reach the backend oldest first
	req := p.backend.lastReq
	require.Len(t, req.Messages, 5)
	for i := 1; i < len(req.Messages); i++ {
		assert.False(t, req.Messages[i].TsOriginal.Before(req.Messages[i-1].TsOriginal))
	}

	evts := p.publisher.Events()
	require.Len(t, evts, 1)
	assert.Equal(t, []string{"device-1"}, evts[0].DeviceIDs)
}

func TestSingleLiveJobPerWindow(t *testing.T) {
	p := newPipeline(t)

	for _, ev := range fiveMessages() {
		p.send(t, "family", ev)
	}
	// a message in the next window gets its own job
	p.send(t, "family", event(at(11, 0), "boundary message"))

	jobs := p.jobs(t, "")
	require.Len(t, jobs, 2)
	keys := []string{jobs[0].Key, jobs[1].Key}
	assert.ElementsMatch(t, []string{
		window.JobKey("family", at(10, 0)),
		window.JobKey("family", at(11, 0)),
	}, keys)
}

func TestMinimumCountGate(t *testing.T) {
	p := newPipeline(t)
	msgs := fiveMessages()

	p.send(t, "family", msgs[:4]...)
	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))

	assert.Equal(t, 0, p.store.summaryCount())
	assert.Equal(t, 4, p.store.unprocessed())
	assert.Equal(t, 0, p.backend.Calls())

	// a late fifth message schedules a new job for the same window
	p.send(t, "family", msgs[4])
	require.True(t, p.runDue(t))

	require.Equal(t, 1, p.store.summaryCount())
	assert.Equal(t, 5, p.store.summaries[0].MessageCount)
	assert.Equal(t, 0, p.store.unprocessed())
}

func TestAlreadySummarizedWindowMarksLateMessages(t *testing.T) {
	p := newPipeline(t)
	p.send(t, "family", fiveMessages()...)
	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))
	require.Equal(t, 1, p.store.summaryCount())

	p.clock.Set(at(11, 30))
	p.send(t, "family", event(at(10, 58), "sorry, late reply"))
	require.True(t, p.runDue(t))

	assert.Equal(t, 1, p.store.summaryCount(), "no second summary for the window")
	assert.Equal(t, 0, p.store.unprocessed())
	assert.Equal(t, 1, p.backend.Calls())
}

func TestRetryThenSuccess(t *testing.T) {
	p := newPipeline(t)
	p.backend.errs = []error{
		&llm.BackendError{Kind: llm.Retryable, StatusCode: http.StatusTooManyRequests, Err: errors.New("rate limited")},
		context.DeadlineExceeded,
	}
	p.send(t, "family", fiveMessages()...)

	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))
	delayed := p.jobs(t, queue.StateDelayed)
	require.Len(t, delayed, 1)
	assert.Equal(t, at(11, 5).Add(2*time.Second), delayed[0].DueAt)

	p.clock.Advance(2 * time.Second)
	require.True(t, p.runDue(t))
	delayed = p.jobs(t, queue.StateDelayed)
	require.Len(t, delayed, 1)
	assert.Equal(t, p.clock.Now().Add(4*time.Second), delayed[0].DueAt)

	p.clock.Advance(4 * time.Second)
	require.True(t, p.runDue(t))

	completed := p.jobs(t, queue.StateCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 3, completed[0].Attempts)
	assert.Equal(t, 1, p.store.summaryCount())
	assert.Equal(t, 3, p.store.summaries[0].Metadata.Attempt)
	assert.Equal(t, int64(1), p.metrics.Snapshot().JobOutcomes["success"])
	assert.Equal(t, int64(2), p.metrics.Snapshot().JobOutcomes["retry"])
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	p := newPipeline(t)
	boom := errors.New("backend unavailable")
	p.backend.errs = []error{boom, boom, boom}
	p.send(t, "family", fiveMessages()...)

	p.clock.Set(at(11, 5))
	for i := 0; i < 3; i++ {
		require.True(t, p.runDue(t), "attempt %d", i+1)
		p.clock.Advance(time.Minute)
	}
	assert.False(t, p.runDue(t))

	dead := p.jobs(t, queue.StateDead)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError.String, "backend unavailable")
	assert.Equal(t, 0, p.store.summaryCount())
	assert.Equal(t, 5, p.store.unprocessed())
}

func TestPermanentBackendErrorBuriesJob(t *testing.T) {
	p := newPipeline(t)
	p.backend.errs = []error{&llm.BackendError{Kind: llm.Permanent, StatusCode: http.StatusBadRequest, Err: errors.New("content rejected")}}
	p.send(t, "family", fiveMessages()...)

	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))

	dead := p.jobs(t, queue.StateDead)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Equal(t, 1, p.backend.Calls())
	assert.Equal(t, 0, p.store.summaryCount())
}

func TestPanicIsRetried(t *testing.T) {
	p := newPipeline(t)
	p.backend.panicMsg = "unexpected nil"
	p.send(t, "family", fiveMessages()...)

	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))

	delayed := p.jobs(t, queue.StateDelayed)
	require.Len(t, delayed, 1)
	assert.Contains(t, delayed[0].LastError.String, ErrWorkerPanic.Error())

	p.clock.Advance(time.Minute)
	require.True(t, p.runDue(t))
	assert.Equal(t, 1, p.store.summaryCount())
}

func TestFilteredMessagesStayOutOfSummary(t *testing.T) {
	p := newPipeline(t)
	msgs := fiveMessages()
	msgs = append(msgs, event(at(10, 50), "Click here to claim your free bitcoin"))
	p.send(t, "family", msgs...)

	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))

	require.Equal(t, 1, p.store.summaryCount())
	sm := p.store.summaries[0]
	assert.Equal(t, 5, sm.MessageCount)
	assert.Equal(t, 6, sm.Metadata.OriginalCount)
	assert.Equal(t, 1, sm.Metadata.BlockedCount)
	assert.Len(t, p.backend.lastReq.Messages, 5)
	assert.Equal(t, 0, p.store.unprocessed(), "blocked messages are marked processed with the window")
}

func TestAllFilteredIsNoop(t *testing.T) {
	p := newPipeline(t)
	spam := []IngestEvent{
		event(at(10, 1), "free bitcoin giveaway"),
		event(at(10, 2), "crypto investment opportunity"),
		event(at(10, 3), "click here now"),
		event(at(10, 4), "limited time offer"),
		event(at(10, 5), "Congratulations you won a car"),
	}
	p.send(t, "family", spam...)

	p.clock.Set(at(11, 5))
	job, err := p.queue.Lease(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	res := p.worker.Process(context.Background(), job)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, ReasonAllFiltered, res.Reason)
	assert.Equal(t, 0, p.backend.Calls())
	assert.Equal(t, 0, p.store.summaryCount())
}

type failingClassifier struct{}

func (failingClassifier) Classify(ctx context.Context, text string, labels []string) ([]filter.LabelScore, error) {
	return nil, errors.New("classifier unavailable")
}

func TestClassifierOutageFailsOpen(t *testing.T) {
	p := newPipeline(t)
	p.worker.filter = filter.New(config.FilterConfig{}, failingClassifier{}, nil, logging.Discard())
	ctx := context.Background()

	p.send(t, "family", fiveMessages()...)
	p.clock.Set(at(11, 5))

	job, err := p.queue.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	result := p.worker.Process(ctx, job)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	require.NotNil(t, result.Summary)
	assert.Equal(t, 5, result.Summary.MessageCount)
	require.NoError(t, p.queue.Complete(ctx, job))

	assert.Equal(t, 1, p.store.summaryCount())
	assert.Len(t, p.jobs(t, queue.StateCompleted), 1)
	assert.Equal(t, 0, p.store.unprocessed())
}

func TestFlushJobIgnoresMinimum(t *testing.T) {
	p := newPipeline(t)
	p.send(t, "family", fiveMessages()[:2]...)

	payload, err := queue.NewPayload("family", at(10, 0), at(11, 0))
	require.NoError(t, err)
	payload.Flush = true

	res := p.worker.Process(context.Background(), &queue.Job{Key: "family:flush", Payload: payload, Attempts: 1})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, ReasonCommitted, res.Reason)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Summary.MessageCount)
}

func TestPublishFailureDoesNotFailJob(t *testing.T) {
	p := newPipeline(t)
	p.publisher.err = errors.New("nats down")
	p.send(t, "family", fiveMessages()...)

	p.clock.Set(at(11, 5))
	require.True(t, p.runDue(t))

	assert.Len(t, p.jobs(t, queue.StateCompleted), 1)
	assert.Equal(t, 1, p.store.summaryCount())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "retry", OutcomeRetry.String())
	assert.Equal(t, "permanent", OutcomePermanent.String())
}
