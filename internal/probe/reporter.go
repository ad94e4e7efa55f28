package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/probe/tracker"

	"github.com/google/uuid"
)

// Reporter publishes session table snapshots as tap reports.
type Reporter struct {
	tracker  *tracker.Tracker
	pub      ReportPublisher
	tapID    uuid.UUID
	interval time.Duration
	log      *slog.Logger
}

// NewReporter creates a reporter for one tap.
func NewReporter(t *tracker.Tracker, pub ReportPublisher, tapID uuid.UUID, interval time.Duration, log *slog.Logger) *Reporter {
	return &Reporter{tracker: t, pub: pub, tapID: tapID, interval: interval, log: log.With("component", "reporter")}
}

// Flush snapshots the table as of now and publishes one report per
// protocol that has entries.
func (r *Reporter) Flush(ctx context.Context, now time.Time) error {
	snap := r.tracker.Snapshot(now)
	if snap.Empty() {
		return nil
	}
	var errs []error
	errs = append(errs, publish(ctx, r, model.ProtocolTCP, now, snap.TCP))
	errs = append(errs, publish(ctx, r, model.ProtocolUDP, now, snap.UDP))
	errs = append(errs, publish(ctx, r, model.ProtocolDHCP, now, snap.DHCP))
	r.log.Debug("published snapshot", "tcp", len(snap.TCP), "udp", len(snap.UDP), "dhcp", len(snap.DHCP))
	return errors.Join(errs...)
}

func publish[E any](ctx context.Context, r *Reporter, protocol model.Protocol, now time.Time, entries []E) error {
	if len(entries) == 0 {
		return nil
	}
	report, err := model.NewReport(r.tapID, protocol, now, entries)
	if err != nil {
		return fmt.Errorf("failed to build %s report: %w", protocol, err)
	}
	if err := r.pub.Publish(ctx, report); err != nil {
		return fmt.Errorf("failed to publish %s report: %w", protocol, err)
	}
	return nil
}

// Run flushes on every interval of wall-clock time until ctx is done, then
// flushes once more.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx, time.Now()); err != nil {
				r.log.Error("final flush failed", "error", err)
			}
			cancel()
			return
		case now := <-ticker.C:
			if err := r.Flush(ctx, now); err != nil {
				r.log.Error("flush failed", "error", err)
			}
		}
	}
}
