package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
)

// PGNotifier listens on the queue's NOTIFY channel and wakes idle workers.
// Missed notifications are harmless; workers also poll.
type PGNotifier struct {
	pool    *pgxpool.Pool
	channel string
	logger  *logrus.Logger
	wake    chan struct{}
}

// NewPGNotifier creates a notifier for channel
func NewPGNotifier(pool *pgxpool.Pool, channel string, logger *logrus.Logger) *PGNotifier {
	return &PGNotifier{
		pool:    pool,
		channel: channel,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Wake implements Waker
func (n *PGNotifier) Wake() <-chan struct{} {
	return n.wake
}

// Run listens until ctx is cancelled, reconnecting after errors
func (n *PGNotifier) Run(ctx context.Context) error {
	for {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		n.logger.WithError(err).WithField("channel", n.channel).Warn("Queue listener disconnected, retrying")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func (n *PGNotifier) listen(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.channel, err)
	}
	n.logger.WithField("channel", n.channel).Debug("Listening for queue notifications")

	// Jobs may have been enqueued while disconnected.
	n.signal()

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		n.signal()
	}
}

func (n *PGNotifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}
