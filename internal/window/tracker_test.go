package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/logging"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/queue"
)

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, key string, payload queue.Payload, dueAt time.Time) (bool, error) {
	return false, errors.New("queue unavailable")
}

func TestBucketStart(t *testing.T) {
	tests := []struct {
		name     string
		ts       time.Time
		expected time.Time
	}{
		{
			name:     "inside window",
			ts:       time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "boundary belongs to next window",
			ts:       time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
		},
		{
			name:     "last millisecond",
			ts:       time.Date(2024, 1, 1, 10, 59, 59, int(999*time.Millisecond), time.UTC),
			expected: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "non-UTC input",
			ts:       time.Date(2024, 1, 1, 12, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
			expected: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "pre-epoch",
			ts:       time.UnixMilli(-1).UTC(),
			expected: time.UnixMilli(-3600000).UTC(),
		},
		{
			name:     "pre-epoch boundary",
			ts:       time.UnixMilli(-3600000).UTC(),
			expected: time.UnixMilli(-3600000).UTC(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BucketStart(tt.ts, time.Hour)
			assert.True(t, tt.expected.Equal(got), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestJobKey(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "chatA:1704103200000", JobKey("chatA", start))
}

func TestTracker_DueAt(t *testing.T) {
	tracker := NewTracker(queue.NewMemoryQueue(queue.Options{}), config.SummarizationConfig{
		BucketSize:  time.Hour,
		GracePeriod: 5 * time.Minute,
	}, logging.Discard())

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	early := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	late := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)

	assert.True(t, tracker.DueAt(start, early).Equal(time.Date(2024, 1, 1, 11, 5, 0, 0, time.UTC)))
	assert.True(t, tracker.DueAt(start, late).Equal(late))
}

func TestTracker_TrackSchedulesOneJobPerWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	q := queue.NewMemoryQueue(queue.Options{})
	q.SetClock(func() time.Time { return now })

	tracker := NewTracker(q, config.SummarizationConfig{BucketSize: time.Hour, GracePeriod: 5 * time.Minute}, logging.Discard())
	tracker.SetClock(func() time.Time { return now })

	for _, minute := range []int{0, 10, 20, 59} {
		tracker.Track(ctx, &models.Message{
			ConversationID: "chatA",
			TsOriginal:     time.Date(2024, 1, 1, 10, minute, 0, 0, time.UTC),
		})
	}
	tracker.Track(ctx, &models.Message{
		ConversationID: "chatA",
		TsOriginal:     time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	})

	jobs, err := q.List(ctx, queue.StatePending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	job, err := q.Latest(ctx, "chatA:1704103200000")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.DueAt.Equal(time.Date(2024, 1, 1, 11, 5, 0, 0, time.UTC)))
	assert.True(t, job.Payload.PeriodEnd.Equal(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)))
}

func TestTracker_TrackSwallowsQueueErrors(t *testing.T) {
	tracker := NewTracker(failingEnqueuer{}, config.SummarizationConfig{}, logging.Discard())
	assert.NotPanics(t, func() {
		tracker.Track(context.Background(), &models.Message{
			ConversationID: "chatA",
			TsOriginal:     time.Now(),
		})
	})
}
