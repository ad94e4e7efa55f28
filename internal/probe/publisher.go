package probe

import (
	"context"
	"log/slog"

	"TapLedger/internal/model"

	"github.com/nats-io/nats.go"
)

// Conn is the part of a NATS connection the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher publishes report envelopes to NATS, one subject per protocol.
type Publisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
}

// NewPublisher connects to NATS.
func NewPublisher(url, prefix string, log *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("tapledger-probe"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	log.Info("connected to nats", "url", url)
	p := NewConnPublisher(nc, prefix)
	p.nc = nc
	return p, nil
}

// NewConnPublisher publishes over an existing connection.
func NewConnPublisher(conn Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// Publish serializes the report and publishes it to <prefix>.<protocol>.
func (p *Publisher) Publish(_ context.Context, report model.Report) error {
	data, err := EncodeReport(report)
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(p.prefix, report.Protocol), data)
}

// Close drains and closes the NATS connection it owns.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
