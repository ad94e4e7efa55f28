// Package reconcile merges tap snapshot entries into canonical records. One
// generic skeleton runs every protocol; a Strategy supplies the key, the
// staleness threshold, the matcher and the field merge policy.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"
)

// Outcome classifies what happened to one entry.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeStale     Outcome = "stale"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

var (
	// ErrInvalidEntry marks entry content the node cannot reconcile.
	ErrInvalidEntry = errors.New("invalid entry")
	// ErrTerminated marks an entry for a record that is already closed.
	ErrTerminated = errors.New("record already terminated")
)

// Strategy is the per-protocol part of reconciliation.
type Strategy[E any, R any] interface {
	Protocol() model.Protocol
	// Key derives the identity key and the optional match anchor of e.
	Key(e *E) (key string, anchor *time.Time, err error)
	// LastActivity is compared against the staleness threshold.
	LastActivity(e *E) time.Time
	// Staleness is the maximum age of LastActivity. Zero disables the check.
	Staleness() time.Duration
	// Match returns the open candidates for q, oldest first.
	Match(ctx context.Context, q storage.OpenQuery, e *E) ([]R, error)
	// Create builds a new record, including its enrichment snapshot.
	Create(ctx context.Context, tap *model.Tap, key string, e *E) (*R, error)
	// Update merges the mutable fields of e into r.
	Update(r *R, e *E) error
	// Frozen reports whether r must not absorb more entries.
	Frozen(r *R) bool
	// Observe returns the asset observation carried by e, if any.
	Observe(e *E) (model.Observation, bool)
	// Write executes one batch of inserts and updates.
	Write(ctx context.Context, inserts, updates []*R) error
}

// Observer receives reconciliation measurements.
type Observer interface {
	ObserveMatch(protocol model.Protocol, d time.Duration)
	ObserveWrite(protocol model.Protocol, d time.Duration)
	CountEntry(protocol model.Protocol, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) ObserveMatch(model.Protocol, time.Duration) {}
func (nopObserver) ObserveWrite(model.Protocol, time.Duration) {}
func (nopObserver) CountEntry(model.Protocol, Outcome)         {}

// Pending is one queued write. Baseline is the matched record before the
// update and nil for inserts.
type Pending[R any] struct {
	Key      string
	Record   *R
	Baseline *R
}

// Insert reports whether the write creates a record.
func (p *Pending[R]) Insert() bool {
	return p.Baseline == nil
}

// Result is the outcome of reconciling one report.
type Result[R any] struct {
	Pending      []*Pending[R]
	Observations []model.Observation
	Outcomes     map[Outcome]int
	Written      bool
	WriteErr     error
}

// Accepted returns how many entries were turned into writes.
func (r *Result[R]) Accepted() int {
	return r.Outcomes[OutcomeCreated] + r.Outcomes[OutcomeUpdated] + r.Outcomes[OutcomeCoalesced]
}

// Reconciler runs the shared algorithm for one strategy.
type Reconciler[E any, R any] struct {
	strategy Strategy[E, R]
	log      *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*options)

type options struct {
	observer Observer
	now      func() time.Time
}

// WithObserver sets the measurement sink.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithClock sets the clock used for staleness.
func WithClock(now func() time.Time) Option {
	return func(opts *options) { opts.now = now }
}

// New returns a reconciler for strategy.
func New[E any, R any](strategy Strategy[E, R], log *slog.Logger, opts ...Option) *Reconciler[E, R] {
	o := options{observer: nopObserver{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler[E, R]{
		strategy: strategy,
		log:      log.With("component", "reconcile", "protocol", string(strategy.Protocol())),
		observer: o.observer,
		now:      o.now,
	}
}

// Protocol returns the protocol of the underlying strategy.
func (r *Reconciler[E, R]) Protocol() model.Protocol {
	return r.strategy.Protocol()
}

// Reconcile decodes and reconciles every entry of one report for tap, then
// executes the resulting batch. Entry failures are isolated: they are logged,
// counted and skipped. A failed batch is reported in Result.WriteErr.
func (r *Reconciler[E, R]) Reconcile(ctx context.Context, tap *model.Tap, entries []json.RawMessage) *Result[R] {
	res := &Result[R]{Outcomes: make(map[Outcome]int)}
	protocol := r.strategy.Protocol()
	now := r.now()
	byKey := make(map[string]*Pending[R], len(entries))

	for i, raw := range entries {
		outcome, err := r.reconcileEntry(ctx, tap, raw, now, byKey, res)
		res.Outcomes[outcome]++
		r.observer.CountEntry(protocol, outcome)
		if err != nil {
			r.log.Warn("skipping entry", "tap_id", tap.ID, "index", i, "outcome", string(outcome), "error", err)
		}
	}

	if len(res.Pending) == 0 {
		return res
	}

	inserts := make([]*R, 0, len(res.Pending))
	updates := make([]*R, 0, len(res.Pending))
	for _, p := range res.Pending {
		if p.Insert() {
			inserts = append(inserts, p.Record)
		} else {
			updates = append(updates, p.Record)
		}
	}

	start := time.Now()
	err := r.strategy.Write(ctx, inserts, updates)
	r.observer.ObserveWrite(protocol, time.Since(start))
	if err != nil {
		res.WriteErr = err
		r.log.Error("batch write failed", "tap_id", tap.ID, "inserts", len(inserts), "updates", len(updates), "error", err)
		return res
	}
	res.Written = true
	r.log.Debug("batch written", "tap_id", tap.ID, "inserts", len(inserts), "updates", len(updates))
	return res
}

func (r *Reconciler[E, R]) reconcileEntry(ctx context.Context, tap *model.Tap, raw json.RawMessage, now time.Time, byKey map[string]*Pending[R], res *Result[R]) (Outcome, error) {
	var entry E
	if err := json.Unmarshal(raw, &entry); err != nil {
		return OutcomeInvalid, errors.Join(ErrInvalidEntry, err)
	}

	key, anchor, err := r.strategy.Key(&entry)
	if err != nil {
		return OutcomeInvalid, err
	}

	if threshold := r.strategy.Staleness(); threshold > 0 {
		if last := r.strategy.LastActivity(&entry); now.Sub(last) > threshold {
			return OutcomeStale, nil
		}
	}

	if p, ok := byKey[key]; ok && !r.strategy.Frozen(p.Record) {
		if err := r.strategy.Update(p.Record, &entry); err != nil {
			return failure(err)
		}
		r.observe(&entry, res)
		return OutcomeCoalesced, nil
	} else if ok {
		// A frozen pending record means the exchange was already completed in
		// this batch; anything after it starts a new record.
		return r.create(ctx, tap, key, &entry, byKey, res)
	}

	q := storage.OpenQuery{TapID: tap.ID, Protocol: r.strategy.Protocol(), Key: key, Anchor: anchor}
	start := time.Now()
	matches, err := r.strategy.Match(ctx, q, &entry)
	r.observer.ObserveMatch(r.strategy.Protocol(), time.Since(start))
	if err != nil {
		if errors.Is(err, ErrTerminated) {
			return OutcomeDuplicate, nil
		}
		return OutcomeFailed, err
	}
	if len(matches) > 1 {
		r.log.Warn("open record invariant violated, using oldest", "tap_id", tap.ID, "key", key, "candidates", len(matches))
	}
	if len(matches) == 0 {
		return r.create(ctx, tap, key, &entry, byKey, res)
	}

	baseline := matches[0]
	record := matches[0]
	if err := r.strategy.Update(&record, &entry); err != nil {
		return failure(err)
	}
	p := &Pending[R]{Key: key, Record: &record, Baseline: &baseline}
	byKey[key] = p
	res.Pending = append(res.Pending, p)
	r.observe(&entry, res)
	return OutcomeUpdated, nil
}

func (r *Reconciler[E, R]) create(ctx context.Context, tap *model.Tap, key string, entry *E, byKey map[string]*Pending[R], res *Result[R]) (Outcome, error) {
	record, err := r.strategy.Create(ctx, tap, key, entry)
	if err != nil {
		return failure(err)
	}
	p := &Pending[R]{Key: key, Record: record}
	byKey[key] = p
	res.Pending = append(res.Pending, p)
	r.observe(entry, res)
	return OutcomeCreated, nil
}

func (r *Reconciler[E, R]) observe(entry *E, res *Result[R]) {
	if obs, ok := r.strategy.Observe(entry); ok {
		res.Observations = append(res.Observations, obs)
	}
}

func failure(err error) (Outcome, error) {
	if errors.Is(err, ErrInvalidEntry) {
		return OutcomeInvalid, err
	}
	return OutcomeFailed, err
}
