package publish

import (
	"context"
	"fmt"

	"actindex/internal/collector"
	"actindex/internal/config"
)

// Sink receives batches of recorded activities.
type Sink interface {
	Publish(ctx context.Context, events []collector.FileActivityEvent) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Publish(context.Context, []collector.FileActivityEvent) error { return nil }
func (NopSink) Close() error                                                 { return nil }

// NewSinkFromConfig creates the configured publisher.
func NewSinkFromConfig(cfg config.PublishConfig, hostID string, logger collector.Logger) (Sink, error) {
	switch cfg.Type {
	case "none", "":
		return NopSink{}, nil
	case "nats":
		return NewNATSPublisher(cfg, hostID, logger)
	default:
		return nil, fmt.Errorf("unknown publish type: %q", cfg.Type)
	}
}
