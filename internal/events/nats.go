package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/config"
)

// ConnectNATS opens a reconnecting NATS connection
func ConnectNATS(cfg config.NATSConfig, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("whadgest-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.PingInterval(20 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NATSPublisher publishes summary events on a NATS subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher creates a NATS publisher
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// PublishSummaryCreated implements Publisher
func (p *NATSPublisher) PublishSummaryCreated(ctx context.Context, evt SummaryCreated) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("Nats-Msg-Id", evt.SummaryID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish summary event: %w", err)
	}
	return nil
}
