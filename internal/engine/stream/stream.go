// Package stream connects a report transport to the ingestion coordinator.
package stream

import (
	"context"
	"errors"
	"log/slog"

	"TapLedger/internal/model"
	"TapLedger/internal/probe"
)

// Source delivers decoded reports until it is closed.
type Source interface {
	Start(ctx context.Context, deliver probe.Deliver) error
	Close() error
}

// Coordinator queues reports for the worker pool.
type Coordinator interface {
	Start()
	Submit(ctx context.Context, report model.Report) error
	Stop()
}

// Stream consumes reports from a source and hands them to the coordinator.
type Stream struct {
	source  Source
	coord   Coordinator
	log     *slog.Logger
	dropped func()
}

// New creates a stream. dropped, if set, is called for every report the
// coordinator did not accept.
func New(source Source, coord Coordinator, log *slog.Logger, dropped func()) *Stream {
	if dropped == nil {
		dropped = func() {}
	}
	return &Stream{source: source, coord: coord, log: log.With("component", "stream"), dropped: dropped}
}

// Start starts the coordinator and then the source.
func (s *Stream) Start(ctx context.Context) error {
	s.coord.Start()
	if err := s.source.Start(ctx, s.deliver); err != nil {
		s.coord.Stop()
		return err
	}
	s.log.Info("stream started")
	return nil
}

// Stop closes the source first so no new reports arrive, then drains the
// coordinator.
func (s *Stream) Stop() {
	s.log.Info("stream stopping")
	if err := s.source.Close(); err != nil {
		s.log.Warn("failed to close source", "error", err)
	}
	s.coord.Stop()
	s.log.Info("stream stopped")
}

func (s *Stream) deliver(ctx context.Context, report model.Report) {
	err := s.coord.Submit(ctx, report)
	if err == nil {
		return
	}
	s.dropped()
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Warn("report not accepted", "tap_id", report.TapID, "protocol", string(report.Protocol), "error", err)
}
