package queue

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same semantics as the
// postgres queue. It backs tests and single-process dry runs.
type MemoryQueue struct {
	mu   sync.Mutex
	opts Options
	now  func() time.Time
	seq  int64
	jobs map[string]*memJob
	wake chan struct{}
}

type memJob struct {
	Job
	seq int64
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts: opts.withDefaults(),
		now:  time.Now,
		jobs: make(map[string]*memJob),
		wake: make(chan struct{}, 1),
	}
}

// SetClock replaces the time source
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Wake implements Waker
func (q *MemoryQueue) Wake() <-chan struct{} {
	return q.wake
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) liveByKey(key string) *memJob {
	for _, j := range q.jobs {
		if j.Key == key && j.State.Live() {
			return j
		}
	}
	return nil
}

// Enqueue implements Queue
func (q *MemoryQueue) Enqueue(ctx context.Context, key string, payload Payload, dueAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.liveByKey(key) != nil {
		return false, nil
	}

	now := q.now()
	q.seq++
	j := &memJob{
		Job: Job{
			ID:          uuid.New().String(),
			Key:         key,
			State:       StatePending,
			Payload:     payload,
			MaxAttempts: q.opts.MaxAttempts,
			DueAt:       dueAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		seq: q.seq,
	}
	q.jobs[j.ID] = j

	if !dueAt.After(now) {
		q.signal()
	}
	return true, nil
}

// Lease implements Queue
func (q *MemoryQueue) Lease(ctx context.Context, workerID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var candidates []*memJob
	for _, j := range q.jobs {
		switch {
		case (j.State == StatePending || j.State == StateDelayed) && !j.DueAt.After(now):
			candidates = append(candidates, j)
		case j.State == StateActive && j.LeaseExpiresAt.Valid && !j.LeaseExpiresAt.Time.After(now) && j.AttemptsLeft():
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		if !candidates[a].DueAt.Equal(candidates[b].DueAt) {
			return candidates[a].DueAt.Before(candidates[b].DueAt)
		}
		return candidates[a].seq < candidates[b].seq
	})

	j := candidates[0]
	j.State = StateActive
	j.Attempts++
	j.LeaseOwner = sql.NullString{String: workerID, Valid: true}
	j.LeaseExpiresAt = sql.NullTime{Time: now.Add(q.opts.VisibilityTimeout), Valid: true}
	j.LeasedAt = sql.NullTime{Time: now, Valid: true}
	j.UpdatedAt = now

	leased := j.Job
	return &leased, nil
}

// owned returns the stored job if job still holds its lease
func (q *MemoryQueue) owned(job *Job) (*memJob, error) {
	j, ok := q.jobs[job.ID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.State != StateActive || j.LeaseOwner != job.LeaseOwner || j.Attempts != job.Attempts {
		return nil, ErrLeaseLost
	}
	return j, nil
}

// Complete implements Queue
func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(job)
	if err != nil {
		return err
	}
	j.State = StateCompleted
	j.LeaseOwner = sql.NullString{}
	j.LeaseExpiresAt = sql.NullTime{}
	j.UpdatedAt = q.now()
	return nil
}

// Fail implements Queue
func (q *MemoryQueue) Fail(ctx context.Context, job *Job, cause error) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(job)
	if err != nil {
		return "", err
	}
	now := q.now()
	j.LastError = sql.NullString{String: ErrorText(cause), Valid: true}
	j.LeaseOwner = sql.NullString{}
	j.LeaseExpiresAt = sql.NullTime{}
	j.UpdatedAt = now
	if j.AttemptsLeft() {
		j.State = StateDelayed
		j.DueAt = now.Add(Backoff(q.opts.BackoffBase, j.Attempts))
	} else {
		j.State = StateDead
	}
	return j.State, nil
}

// Bury implements Queue
func (q *MemoryQueue) Bury(ctx context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(job)
	if err != nil {
		return err
	}
	j.State = StateDead
	j.LastError = sql.NullString{String: ErrorText(cause), Valid: true}
	j.LeaseOwner = sql.NullString{}
	j.LeaseExpiresAt = sql.NullTime{}
	j.UpdatedAt = q.now()
	return nil
}

// ReapExpired implements Queue
func (q *MemoryQueue) ReapExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	reaped := 0
	for _, j := range q.jobs {
		if j.State == StateActive && j.LeaseExpiresAt.Valid && !j.LeaseExpiresAt.Time.After(now) && !j.AttemptsLeft() {
			j.State = StateDead
			j.LastError = sql.NullString{String: "lease expired", Valid: true}
			j.LeaseOwner = sql.NullString{}
			j.LeaseExpiresAt = sql.NullTime{}
			j.UpdatedAt = now
			reaped++
		}
	}
	return reaped, nil
}

// List implements Queue
func (q *MemoryQueue) List(ctx context.Context, state State, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*memJob
	for _, j := range q.jobs {
		if state == "" || j.State == state {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].seq > out[b].seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	jobs := make([]Job, len(out))
	for i, j := range out {
		jobs[i] = j.Job
	}
	return jobs, nil
}

// Requeue implements Queue
func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.State != StateDead {
		return ErrNotDead
	}
	if q.liveByKey(j.Key) != nil {
		return ErrKeyBusy
	}
	now := q.now()
	j.State = StatePending
	j.Attempts = 0
	j.DueAt = now
	j.UpdatedAt = now
	q.signal()
	return nil
}

// Latest implements Queue
func (q *MemoryQueue) Latest(ctx context.Context, key string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var latest *memJob
	for _, j := range q.jobs {
		if j.Key != key {
			continue
		}
		if latest == nil || j.UpdatedAt.After(latest.UpdatedAt) ||
			(j.UpdatedAt.Equal(latest.UpdatedAt) && j.seq > latest.seq) {
			latest = j
		}
	}
	if latest == nil {
		return nil, nil
	}
	job := latest.Job
	return &job, nil
}

// Stats implements Queue
func (q *MemoryQueue) Stats(ctx context.Context) (map[State]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[State]int)
	for _, j := range q.jobs {
		stats[j.State]++
	}
	return stats, nil
}
