// Package statistics turns reconciled flow batches into append-only
// aggregate buckets.
package statistics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"TapLedger/internal/engine/reconcile"
	"TapLedger/internal/model"

	"github.com/google/uuid"
)

// DefaultBucketSpan is the width of one statistics bucket.
const DefaultBucketSpan = time.Minute

// Accumulate computes the contribution of one written flow batch. Counter
// deltas are the final record minus the matched baseline, or the full value
// for an insert.
func Accumulate(tapID uuid.UUID, protocol model.Protocol, bucket time.Time, pending []*reconcile.Pending[model.FlowRecord]) model.StatisticsBucket {
	b := model.StatisticsBucket{TapID: tapID, Protocol: protocol, Bucket: bucket}
	for _, p := range pending {
		rec := p.Record
		var baseBytes, basePackets uint64
		if p.Baseline != nil {
			baseBytes = p.Baseline.BytesCount
			basePackets = p.Baseline.PacketsCount
		}
		bytes := delta(rec.BytesCount, baseBytes)

		b.BytesCount += bytes
		b.PacketsCount += delta(rec.PacketsCount, basePackets)
		b.Sessions++
		if p.Insert() {
			b.NewSessions++
		}
		if rec.Internal() {
			b.BytesInternal += bytes
			b.InternalSessions++
		}
	}
	return b
}

func delta(final, base uint64) uint64 {
	if final < base {
		return 0
	}
	return final - base
}

// Recorder writes one bucket per processed flow batch to every writer.
type Recorder struct {
	writers []model.StatisticsWriter
	span    time.Duration
	log     *slog.Logger
}

// NewRecorder creates a recorder. A non-positive span uses DefaultBucketSpan.
func NewRecorder(writers []model.StatisticsWriter, span time.Duration, log *slog.Logger) *Recorder {
	if span <= 0 {
		span = DefaultBucketSpan
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{writers: writers, span: span, log: log.With("component", "statistics")}
}

// Bucket returns the bucket a report timestamp falls into.
func (r *Recorder) Bucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(r.span)
}

// Record accumulates pending and hands the bucket to every writer. Batches
// without sessions write nothing. Writer failures are joined; a failing
// writer does not stop the others.
func (r *Recorder) Record(ctx context.Context, tap *model.Tap, protocol model.Protocol, ts time.Time, pending []*reconcile.Pending[model.FlowRecord]) (model.StatisticsBucket, error) {
	b := Accumulate(tap.ID, protocol, r.Bucket(ts), pending)
	if b.Empty() {
		return b, nil
	}

	var errs []error
	for _, w := range r.writers {
		if err := w.Write(ctx, []model.StatisticsBucket{b}); err != nil {
			r.log.Error("failed to write statistics", "tap_id", tap.ID, "protocol", string(protocol), "error", err)
			errs = append(errs, err)
		}
	}
	return b, errors.Join(errs...)
}

// Close closes every writer.
func (r *Recorder) Close() error {
	var errs []error
	for _, w := range r.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
