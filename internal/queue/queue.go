package queue

import (
	"context"
	"errors"
	"time"

	"github.com/whadgest/whadgest-backend/internal/config"
)

var (
	// ErrLeaseLost is returned when a worker finishes a job it no longer owns.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrKeyBusy is returned when requeueing a key that already has a live job.
	ErrKeyBusy = errors.New("job key has a live job")
	// ErrNotDead is returned when requeueing a job that is not dead-lettered.
	ErrNotDead = errors.New("job is not dead")
)

// Queue is a durable, keyed, delayed job queue with at-least-once delivery
type Queue interface {
	// Enqueue creates a job unless a live job holds the key. It reports
	// whether a job was created; an existing live job is not an error.
	Enqueue(ctx context.Context, key string, payload Payload, dueAt time.Time) (bool, error)
	// Lease claims one due job for workerID, or returns nil when none is due.
	Lease(ctx context.Context, workerID string) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Fail records a failed attempt and returns the persisted outcome.
	Fail(ctx context.Context, job *Job, cause error) (State, error)
	// Bury dead-letters a job without further attempts.
	Bury(ctx context.Context, job *Job, cause error) error
	// ReapExpired dead-letters expired leases that have no attempts left.
	ReapExpired(ctx context.Context) (int, error)

	List(ctx context.Context, state State, limit int) ([]Job, error)
	Requeue(ctx context.Context, id string) error
	Latest(ctx context.Context, key string) (*Job, error)
	Stats(ctx context.Context) (map[State]int, error)
}

// Waker signals workers that a job may have become due
type Waker interface {
	Wake() <-chan struct{}
}

// Options control retries and leases
type Options struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	VisibilityTimeout time.Duration
}

// OptionsFromConfig maps the queue section of the configuration
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	return o
}

// Backoff returns the delay before the next attempt after `attempts` failures:
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		attempts = 30
	}
	return base * time.Duration(1<<uint(attempts-1))
}

// ErrorText renders a failure cause for the last_error column
func ErrorText(cause error) string {
	if cause == nil {
		return ""
	}
	msg := cause.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}
