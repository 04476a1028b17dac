package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/logging"
	"github.com/whadgest/whadgest-backend/internal/queue"
	"github.com/whadgest/whadgest-backend/internal/window"
)

func TestIngestDeduplicates(t *testing.T) {
	p := newPipeline(t)

	first := p.send(t, "family", event(at(10, 5), "hello"), event(at(10, 6), "world"))
	assert.True(t, first.Success)
	assert.Equal(t, 2, first.ProcessedCount)
	assert.Equal(t, 0, first.DuplicatesSkipped)

	second := p.send(t, "family", event(at(10, 5), "hello"))
	assert.Equal(t, 0, second.ProcessedCount)
	assert.Equal(t, 1, second.DuplicatesSkipped)

	assert.Len(t, p.store.messages, 2)
	assert.Equal(t, at(10, 0).UnixMilli(), first.Timestamp)
}

func TestIngestCountsInvalidEvents(t *testing.T) {
	p := newPipeline(t)

	res := p.send(t, "family",
		event(at(10, 5), "ok"),
		IngestEvent{Body: "from telegram", Timestamp: at(10, 6).UnixMilli(), PackageName: "org.telegram.messenger"},
		IngestEvent{Body: "", Timestamp: at(10, 7).UnixMilli()},
	)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.Equal(t, 2, res.ValidationFailures)
	assert.Equal(t, 0, res.DuplicatesSkipped)
}

func TestIngestAcceptsBusinessApp(t *testing.T) {
	p := newPipeline(t)
	res := p.send(t, "shop", IngestEvent{Body: "order ready", Timestamp: at(10, 5).UnixMilli(), PackageName: "com.whatsapp.w4b"})
	assert.Equal(t, 1, res.ProcessedCount)
}

func TestIngestRejectsBatch(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	events := []IngestEvent{{ChatID: "family", Sender: "Bob", Body: "hi", Timestamp: at(10, 5).UnixMilli(), PackageName: "com.whatsapp"}}

	tests := []struct {
		name    string
		req     *IngestRequest
		wantErr error
	}{
		{
			name:    "other device",
			req:     &IngestRequest{DeviceID: "device-2", Events: events, BatchSize: 1},
			wantErr: ErrDeviceMismatch,
		},
		{
			name:    "batch size mismatch",
			req:     &IngestRequest{DeviceID: p.device.ID, Events: events, BatchSize: 2},
			wantErr: ErrBatchSizeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ingest.Ingest(ctx, p.device, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("empty batch", func(t *testing.T) {
		_, err := p.ingest.Ingest(ctx, p.device, &IngestRequest{DeviceID: p.device.ID})
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	assert.Empty(t, p.store.messages)
}

func TestIngestStoreFailureAbortsBatch(t *testing.T) {
	p := newPipeline(t)
	p.store.insertErr = errors.New("connection refused")

	_, err := p.ingest.Ingest(context.Background(), p.device, &IngestRequest{
		DeviceID:  p.device.ID,
		Events:    []IngestEvent{{ChatID: "family", Sender: "Bob", Body: "hi", Timestamp: at(10, 5).UnixMilli(), PackageName: "com.whatsapp"}},
		BatchSize: 1,
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, key string, payload queue.Payload, dueAt time.Time) (bool, error) {
	return false, errors.New("queue unavailable")
}

func TestIngestSurvivesSchedulingFailure(t *testing.T) {
	p := newPipeline(t)
	tracker := window.NewTracker(failingEnqueuer{}, config.SummarizationConfig{}, logging.Discard())
	svc := NewIngestService(p.store, p.store, tracker, nil, nil, logging.Discard())

	res, err := svc.Ingest(context.Background(), p.device, &IngestRequest{
		DeviceID:  p.device.ID,
		Events:    []IngestEvent{{ChatID: "family", Sender: "Bob", Body: "hi", Timestamp: at(10, 5).UnixMilli(), PackageName: "com.whatsapp"}},
		BatchSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.Len(t, p.store.messages, 1, "message is stored even when its window cannot be scheduled")
}

func TestIngestUpdatesDeviceInfo(t *testing.T) {
	p := newPipeline(t)
	_, err := p.ingest.Ingest(context.Background(), p.device, &IngestRequest{
		DeviceID:   p.device.ID,
		Events:     []IngestEvent{{ChatID: "family", Sender: "Bob", Body: "hi", Timestamp: at(10, 5).UnixMilli(), PackageName: "com.whatsapp"}},
		BatchSize:  1,
		AppVersion: "1.4.2",
		Platform:   "android",
	})
	require.NoError(t, err)

	device, err := p.store.Get(context.Background(), p.device.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", device.AppVersion.String)
	assert.Equal(t, "android", device.Platform.String)
	assert.Equal(t, at(10, 0), device.LastSeen)

	snap := p.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.MessagesIngested)
}
