package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"actindex/internal/collector"
	"actindex/internal/config"
)

// DefaultSubject is the subject prefix used when none is configured.
// Messages go to <prefix>.<activity>, e.g. "actindex.activity.create".
const DefaultSubject = "actindex.activity"

// natsConn is the subset of *nats.Conn used by the publisher.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSPublisher publishes activities as JSON messages. Each message carries
// a Nats-Msg-Id header of activity id and change sequence, so a JetStream
// stream on the subject deduplicates re-published batches while still
// accepting correlator rewrites.
type NATSPublisher struct {
	conn    natsConn
	subject string
	hostID  string
	logger  collector.Logger
}

// NewNATSPublisher connects to the configured server. The connection
// reconnects forever; Publish fails only while the client buffer is full.
func NewNATSPublisher(cfg config.PublishConfig, hostID string, logger collector.Logger) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name("actindex-" + hostID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSPublisher(conn, cfg.Subject, hostID, logger), nil
}

func newNATSPublisher(conn natsConn, subject, hostID string, logger collector.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject, hostID: hostID, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev collector.FileActivityEvent) string {
	return p.subject + "." + strings.ToLower(ev.Activity.String())
}

// Publish sends every event and flushes the connection.
func (p *NATSPublisher) Publish(ctx context.Context, events []collector.FileActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(NewActivityMessage(p.hostID, ev))
		if err != nil {
			return fmt.Errorf("marshal activity %s: %w", ev.ActivityID, err)
		}
		msg := nats.NewMsg(p.Subject(ev))
		msg.Data = data
		msg.Header.Set(nats.MsgIdHdr, ev.ActivityID+"-"+strconv.FormatUint(ev.Seq, 10))
		msg.Header.Set("Actindex-Host", p.hostID)
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish activity %s: %w", ev.ActivityID, err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	p.logger.Debug("published activities", "count", len(events), "subject", p.subject)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

var _ Sink = (*NATSPublisher)(nil)
