package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whadgest/whadgest-backend/internal/queue"
)

// JobQueue implements queue.Queue on the summary_jobs table.
// Workers compete with FOR UPDATE SKIP LOCKED.
type JobQueue struct {
	db      *sqlx.DB
	opts    queue.Options
	channel string
}

// NewJobQueue creates a PostgreSQL backed job queue. Enqueues of due jobs
// are announced with NOTIFY on channel when it is set.
func NewJobQueue(db *sqlx.DB, opts queue.Options, channel string) *JobQueue {
	return &JobQueue{db: db, opts: opts, channel: channel}
}

const jobColumns = `id, job_key, state, payload, attempts, max_attempts, due_at,
	lease_owner, lease_expires_at, leased_at, last_error, created_at, updated_at`

// Enqueue implements queue.Queue
func (q *JobQueue) Enqueue(ctx context.Context, key string, payload queue.Payload, dueAt time.Time) (bool, error) {
	query := `
		INSERT INTO summary_jobs (id, job_key, state, payload, attempts, max_attempts, due_at, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, 0, $4, $5, NOW(), NOW())
		ON CONFLICT (job_key) WHERE state IN ('pending', 'delayed', 'active') DO NOTHING
		RETURNING id, due_at <= NOW() AS due
	`
	var row struct {
		ID  string `db:"id"`
		Due bool   `db:"due"`
	}
	err := q.db.GetContext(ctx, &row, query, uuid.New().String(), key, payload, q.opts.MaxAttempts, dueAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue job %s: %w", key, err)
	}

	if row.Due && q.channel != "" {
		// Workers also poll, so a lost notification only delays the job.
		_, _ = q.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, q.channel, row.ID)
	}
	return true, nil
}

// Lease implements queue.Queue
func (q *JobQueue) Lease(ctx context.Context, workerID string) (*queue.Job, error) {
	query := `
		UPDATE summary_jobs
		SET state = 'active',
			attempts = attempts + 1,
			lease_owner = $1,
			lease_expires_at = NOW() + $2::double precision * INTERVAL '1 millisecond',
			leased_at = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM summary_jobs
			WHERE (state IN ('pending', 'delayed') AND due_at <= NOW())
				OR (state = 'active' AND lease_expires_at <= NOW() AND attempts < max_attempts)
			ORDER BY due_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var job queue.Job
	err := q.db.GetContext(ctx, &job, query, workerID, q.opts.VisibilityTimeout.Milliseconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	return &job, nil
}

// Complete implements queue.Queue
func (q *JobQueue) Complete(ctx context.Context, job *queue.Job) error {
	query := `
		UPDATE summary_jobs
		SET state = 'completed', lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND lease_owner = $2 AND attempts = $3
	`
	result, err := q.db.ExecContext(ctx, query, job.ID, job.LeaseOwner.String, job.Attempts)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return q.checkOwned(ctx, job.ID, result)
}

// Fail implements queue.Queue
func (q *JobQueue) Fail(ctx context.Context, job *queue.Job, cause error) (queue.State, error) {
	backoff := queue.Backoff(q.opts.BackoffBase, job.Attempts)
	query := `
		UPDATE summary_jobs
		SET state = CASE WHEN attempts < max_attempts THEN 'delayed' ELSE 'dead' END,
			due_at = CASE WHEN attempts < max_attempts THEN NOW() + $4::double precision * INTERVAL '1 millisecond' ELSE due_at END,
			last_error = $5,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND lease_owner = $2 AND attempts = $3
		RETURNING state
	`
	var state queue.State
	err := q.db.GetContext(ctx, &state, query, job.ID, job.LeaseOwner.String, job.Attempts,
		backoff.Milliseconds(), queue.ErrorText(cause))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", q.lostOrMissing(ctx, job.ID)
		}
		return "", fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	return state, nil
}

// Bury implements queue.Queue
func (q *JobQueue) Bury(ctx context.Context, job *queue.Job, cause error) error {
	query := `
		UPDATE summary_jobs
		SET state = 'dead', last_error = $4, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND lease_owner = $2 AND attempts = $3
	`
	result, err := q.db.ExecContext(ctx, query, job.ID, job.LeaseOwner.String, job.Attempts, queue.ErrorText(cause))
	if err != nil {
		return fmt.Errorf("failed to bury job %s: %w", job.ID, err)
	}
	return q.checkOwned(ctx, job.ID, result)
}

// ReapExpired implements queue.Queue
func (q *JobQueue) ReapExpired(ctx context.Context) (int, error) {
	query := `
		UPDATE summary_jobs
		SET state = 'dead', last_error = 'lease expired', lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE state = 'active' AND lease_expires_at <= NOW() AND attempts >= max_attempts
	`
	result, err := q.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired jobs: %w", err)
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// List implements queue.Queue
func (q *JobQueue) List(ctx context.Context, state queue.State, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []queue.Job
	query := `
		SELECT ` + jobColumns + `
		FROM summary_jobs
		WHERE ($1 = '' OR state = $1)
		ORDER BY updated_at DESC
		LIMIT $2
	`
	err := q.db.SelectContext(ctx, &jobs, query, string(state), limit)
	return jobs, err
}

// Requeue implements queue.Queue
func (q *JobQueue) Requeue(ctx context.Context, id string) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current struct {
		Key   string      `db:"job_key"`
		State queue.State `db:"state"`
	}
	err = tx.GetContext(ctx, &current, `SELECT job_key, state FROM summary_jobs WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrJobNotFound
		}
		return err
	}
	if current.State != queue.StateDead {
		return queue.ErrNotDead
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE summary_jobs
		SET state = 'pending', attempts = 0, due_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return queue.ErrKeyBusy
		}
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}

	if q.channel != "" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, q.channel, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Latest implements queue.Queue
func (q *JobQueue) Latest(ctx context.Context, key string) (*queue.Job, error) {
	var job queue.Job
	query := `SELECT ` + jobColumns + ` FROM summary_jobs WHERE job_key = $1 ORDER BY updated_at DESC LIMIT 1`

	err := q.db.GetContext(ctx, &job, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// Stats implements queue.Queue
func (q *JobQueue) Stats(ctx context.Context) (map[queue.State]int, error) {
	var rows []struct {
		State queue.State `db:"state"`
		Count int         `db:"count"`
	}
	if err := q.db.SelectContext(ctx, &rows, `SELECT state, count(*) AS count FROM summary_jobs GROUP BY state`); err != nil {
		return nil, err
	}
	stats := make(map[queue.State]int, len(rows))
	for _, r := range rows {
		stats[r.State] = r.Count
	}
	return stats, nil
}

func (q *JobQueue) checkOwned(ctx context.Context, id string, result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return q.lostOrMissing(ctx, id)
	}
	return nil
}

func (q *JobQueue) lostOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := q.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM summary_jobs WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return queue.ErrJobNotFound
	}
	return queue.ErrLeaseLost
}

var _ queue.Queue = (*JobQueue)(nil)
