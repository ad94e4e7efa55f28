package probe

import (
	"context"
	"errors"
	"time"

	"TapLedger/internal/engine/protocol"
	"TapLedger/pkg/pcap"
)

// PacketSource yields decoded packets with their capture time.
type PacketSource interface {
	ReadPackets(ctx context.Context, handle pcap.Handler) (int, error)
}

// Replay feeds a finished capture into the tracker, flushing on every
// interval of capture time, and ends with a flush just past one idle timeout
// after the last packet so that every session is reported closed. A non-zero rebase
// shifts all capture times so that the first packet is seen at rebase.
func (r *Reporter) Replay(ctx context.Context, src PacketSource, idle time.Duration, rebase time.Time) (int, error) {
	var (
		offset     time.Duration
		next, last time.Time
	)
	flush := func(ctx context.Context, at time.Time) {
		if err := r.Flush(ctx, at); err != nil {
			r.log.Error("flush failed", "error", err)
		}
	}
	n, err := src.ReadPackets(ctx, func(ts time.Time, p *protocol.Packet) {
		if next.IsZero() {
			if !rebase.IsZero() {
				offset = rebase.Sub(ts)
			}
			next = ts.Add(offset + r.interval)
		}
		ts = ts.Add(offset)
		for !ts.Before(next) {
			flush(ctx, next)
			next = next.Add(r.interval)
		}
		r.tracker.Process(p, ts)
		last = ts
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return n, err
	}
	if !last.IsZero() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		flush(fctx, last.Add(idle+time.Second))
		cancel()
	}
	return n, nil
}
