// Package manager is the batch ingestion coordinator: a bounded worker pool
// that runs one task per tap report.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"TapLedger/internal/engine/assets"
	"TapLedger/internal/engine/reconcile"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
)

var (
	// ErrUnknownTap is fatal for a report: nothing is written.
	ErrUnknownTap = errors.New("unknown tap")
	// ErrUnsupportedProtocol rejects reports for protocols without a strategy.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("manager stopped")
)

// Report results as recorded by Metrics.
const (
	resultOK       = "ok"
	resultPartial  = "partial"
	resultRejected = "rejected"
	resultPanic    = "panic"
)

// TapResolver resolves tap metadata.
type TapResolver interface {
	Lookup(ctx context.Context, id uuid.UUID) (*model.Tap, error)
}

// AssetDiscoverer folds observations into asset records.
type AssetDiscoverer interface {
	Discover(ctx context.Context, tap *model.Tap, observations []model.Observation) assets.Summary
}

// StatisticsRecorder writes one bucket per processed flow batch.
type StatisticsRecorder interface {
	Record(ctx context.Context, tap *model.Tap, protocol model.Protocol, ts time.Time, pending []*reconcile.Pending[model.FlowRecord]) (model.StatisticsBucket, error)
}

// Metrics receives coordinator measurements.
type Metrics interface {
	Report(protocol model.Protocol, result string, d time.Duration)
	Phase(protocol model.Protocol, phase string, d time.Duration)
	NewAssets(n int)
	QueueDepth(n int)
	WorkerPanic()
}

type nopMetrics struct{}

func (nopMetrics) Report(model.Protocol, string, time.Duration) {}
func (nopMetrics) Phase(model.Protocol, string, time.Duration)  {}
func (nopMetrics) NewAssets(int)                                {}
func (nopMetrics) QueueDepth(int)                               {}
func (nopMetrics) WorkerPanic()                                 {}

// Config sizes the worker pool.
type Config struct {
	NumWorkers    int
	QueueSize     int
	ReportTimeout time.Duration
}

// Deps are the collaborators of the coordinator. Assets, Statistics, Geo,
// Metrics, Observer and Clock are optional.
type Deps struct {
	Taps         TapResolver
	Flows        storage.FlowRepository
	Transactions storage.TransactionRepository
	Geo          reconcile.GeoLookup
	Assets       AssetDiscoverer
	Statistics   StatisticsRecorder
	Metrics      Metrics
	Observer     reconcile.Observer
	Clock        func() time.Time
	Logger       *slog.Logger

	FlowStaleness        time.Duration
	TransactionStaleness time.Duration
}

// handler runs every phase after tap resolution for one protocol and
// reports whether a phase failed.
type handler interface {
	handle(ctx context.Context, tap *model.Tap, report model.Report) (partial bool)
}

// Manager orchestrates report handling.
type Manager struct {
	handlers map[model.Protocol]handler
	taps     TapResolver
	assets   AssetDiscoverer
	stats    StatisticsRecorder
	metrics  Metrics
	log      *slog.Logger

	queue      chan model.Report
	numWorkers int
	timeout    time.Duration
	workerWg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewManager wires one reconciler per protocol.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Taps == nil || deps.Flows == nil || deps.Transactions == nil {
		return nil, fmt.Errorf("manager requires a tap resolver, a flow repository and a transaction repository")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	var opts []reconcile.Option
	if deps.Observer != nil {
		opts = append(opts, reconcile.WithObserver(deps.Observer))
	}
	if deps.Clock != nil {
		opts = append(opts, reconcile.WithClock(deps.Clock))
	}

	m := &Manager{
		taps:       deps.Taps,
		assets:     deps.Assets,
		stats:      deps.Statistics,
		metrics:    metrics,
		log:        log.With("component", "manager"),
		queue:      make(chan model.Report, cfg.QueueSize),
		numWorkers: cfg.NumWorkers,
		timeout:    cfg.ReportTimeout,
	}
	m.handlers = map[model.Protocol]handler{
		model.ProtocolTCP:   &flowHandler[model.TCPEntry]{m: m, rec: reconcile.New(reconcile.NewTCPStrategy(deps.Flows, deps.Geo, deps.FlowStaleness), log, opts...)},
		model.ProtocolUDP:   &flowHandler[model.UDPEntry]{m: m, rec: reconcile.New(reconcile.NewUDPStrategy(deps.Flows, deps.Geo, deps.FlowStaleness), log, opts...)},
		model.ProtocolDHCP:  &transactionHandler[model.DHCPEntry]{m: m, rec: reconcile.New(reconcile.NewDHCPStrategy(deps.Transactions, deps.TransactionStaleness), log, opts...)},
		model.ProtocolSSH:   &transactionHandler[model.SSHEntry]{m: m, rec: reconcile.New(reconcile.NewSSHStrategy(deps.Transactions, deps.TransactionStaleness), log, opts...)},
		model.ProtocolSOCKS: &transactionHandler[model.SOCKSEntry]{m: m, rec: reconcile.New(reconcile.NewSOCKSStrategy(deps.Transactions, deps.TransactionStaleness), log, opts...)},
		model.ProtocolNTP:   &transactionHandler[model.NTPEntry]{m: m, rec: reconcile.New(reconcile.NewNTPStrategy(deps.Transactions, deps.TransactionStaleness), log, opts...)},
	}
	return m, nil
}

// Start launches the worker pool.
func (m *Manager) Start() {
	m.workerWg.Add(m.numWorkers)
	for i := 0; i < m.numWorkers; i++ {
		go m.worker()
	}
	m.log.Info("manager started", "workers", m.numWorkers, "queue_size", cap(m.queue))
}

// Submit queues a report for asynchronous handling. It blocks while the
// queue is full, until ctx is done.
func (m *Manager) Submit(ctx context.Context, report model.Report) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrStopped
	}
	select {
	case m.queue <- report:
		m.metrics.QueueDepth(len(m.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting reports, drains the queue and waits for the workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.queue)
	m.mu.Unlock()

	m.log.Info("waiting for workers to finish")
	m.workerWg.Wait()
	m.log.Info("manager stopped")
}

func (m *Manager) worker() {
	defer m.workerWg.Done()
	for report := range m.queue {
		m.metrics.QueueDepth(len(m.queue))
		m.runTask(report)
	}
}

func (m *Manager) runTask(report model.Report) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.WorkerPanic()
			m.log.Error("report handling panicked", "tap_id", report.TapID, "protocol", string(report.Protocol), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := m.HandleReport(ctx, report); err != nil {
		m.log.Warn("report rejected", "tap_id", report.TapID, "protocol", string(report.Protocol), "error", err)
	}
}

// HandleReport reconciles one report synchronously. Only report-level
// failures are returned; entry and phase failures are logged and counted.
func (m *Manager) HandleReport(ctx context.Context, report model.Report) error {
	start := time.Now()
	result := resultPanic
	defer func() { m.metrics.Report(report.Protocol, result, time.Since(start)) }()

	if p, err := model.ParseProtocol(string(report.Protocol)); err == nil {
		report.Protocol = p
	}
	h, ok := m.handlers[report.Protocol]
	if !ok {
		result = resultRejected
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, report.Protocol)
	}
	if err := report.Validate(); err != nil {
		result = resultRejected
		return fmt.Errorf("invalid report: %w", err)
	}

	tap, err := m.taps.Lookup(ctx, report.TapID)
	if err != nil {
		result = resultRejected
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownTap, report.TapID)
		}
		return fmt.Errorf("failed to resolve tap %s: %w", report.TapID, err)
	}

	result = resultOK
	if len(report.Entries) == 0 {
		return nil
	}
	if h.handle(ctx, tap, report) {
		result = resultPartial
	}
	return nil
}

func (m *Manager) discover(ctx context.Context, tap *model.Tap, protocol model.Protocol, observations []model.Observation) bool {
	if m.assets == nil || len(observations) == 0 {
		return false
	}
	start := time.Now()
	sum := m.assets.Discover(ctx, tap, observations)
	m.metrics.Phase(protocol, "assets", time.Since(start))
	m.metrics.NewAssets(sum.Created)
	return sum.Failed > 0
}

type flowHandler[E any] struct {
	m   *Manager
	rec *reconcile.Reconciler[E, model.FlowRecord]
}

func (h *flowHandler[E]) handle(ctx context.Context, tap *model.Tap, report model.Report) bool {
	start := time.Now()
	res := h.rec.Reconcile(ctx, tap, report.Entries)
	h.m.metrics.Phase(report.Protocol, "reconcile", time.Since(start))

	partial := res.WriteErr != nil
	if h.m.discover(ctx, tap, report.Protocol, res.Observations) {
		partial = true
	}

	// Deltas of an unwritten batch would be counted again on the next report.
	if !res.Written || h.m.stats == nil {
		return partial
	}
	start = time.Now()
	_, err := h.m.stats.Record(ctx, tap, report.Protocol, report.Timestamp, res.Pending)
	h.m.metrics.Phase(report.Protocol, "statistics", time.Since(start))
	return partial || err != nil
}

type transactionHandler[E any] struct {
	m   *Manager
	rec *reconcile.Reconciler[E, model.TransactionRecord]
}

func (h *transactionHandler[E]) handle(ctx context.Context, tap *model.Tap, report model.Report) bool {
	start := time.Now()
	res := h.rec.Reconcile(ctx, tap, report.Entries)
	h.m.metrics.Phase(report.Protocol, "reconcile", time.Since(start))

	partial := res.WriteErr != nil
	if h.m.discover(ctx, tap, report.Protocol, res.Observations) {
		partial = true
	}
	return partial
}
