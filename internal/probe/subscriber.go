package probe

import (
	"context"
	"fmt"
	"log/slog"

	"TapLedger/internal/config"

	"github.com/nats-io/nats.go"
)

// Subscriber consumes report envelopes from NATS. Nodes sharing a queue
// group split the reports between them.
type Subscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	group  string
	log    *slog.Logger
}

// NewSubscriber connects to NATS.
func NewSubscriber(cfg config.IngestConfig, log *slog.Logger) (*Subscriber, error) {
	log = log.With("component", "nats_subscriber")
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("tapledger-node"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.NATSURL, err)
	}
	log.Info("connected to nats", "url", cfg.NATSURL)
	return &Subscriber{nc: nc, prefix: cfg.SubjectPrefix, group: cfg.QueueGroup, log: log}, nil
}

// Start subscribes to every protocol subject under the prefix.
func (s *Subscriber) Start(ctx context.Context, deliver Deliver) error {
	subject := s.prefix + ".*"
	sub, err := s.nc.QueueSubscribe(subject, s.group, func(msg *nats.Msg) {
		report, err := DecodeReport(msg.Data, msg.Subject)
		if err != nil {
			s.log.Warn("dropping malformed report", "subject", msg.Subject, "error", err)
			return
		}
		deliver(ctx, report)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.sub = sub
	s.log.Info("subscribed", "subject", subject, "queue_group", s.group)
	return nil
}

// Ready reports whether the NATS connection is up.
func (s *Subscriber) Ready() error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats connection is %v", s.nc.Status())
	}
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn("failed to unsubscribe", "error", err)
		}
	}
	s.nc.Close()
	s.log.Info("nats connection closed")
	return nil
}
