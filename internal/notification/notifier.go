// Package notification delivers new-asset events to downstream consumers.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"TapLedger/internal/config"
	"TapLedger/internal/model"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of a NATS connection the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every new-asset event as JSON on one subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a sink publishing on subject.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// OnNewAsset publishes the event.
func (s *NATSSink) OnNewAsset(_ context.Context, event model.NewAssetEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal asset event: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish asset event: %w", err)
	}
	return nil
}

// LogSink writes every new-asset event to the log.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink logging through log.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With("component", "asset-events")}
}

// OnNewAsset logs the event.
func (s *LogSink) OnNewAsset(_ context.Context, event model.NewAssetEvent) error {
	s.log.Info("new asset",
		"subsystem", event.Subsystem,
		"asset_id", event.AssetID,
		"mac", event.MAC,
		"tap_id", event.TapID,
		"first_seen", event.FirstSeen,
	)
	return nil
}

// New builds the sink selected by cfg. nc is only required for the nats sink.
func New(cfg config.AssetsConfig, nc *nats.Conn, log *slog.Logger) (model.AssetEventSink, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogSink(log), nil
	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("nats asset sink requires a nats connection")
		}
		return NewNATSSink(nc, cfg.Subject), nil
	default:
		return nil, fmt.Errorf("unknown asset sink %q", cfg.Sink)
	}
}
