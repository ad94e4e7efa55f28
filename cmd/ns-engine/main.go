package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/engine/assets"
	"TapLedger/internal/engine/manager"
	"TapLedger/internal/engine/statistics"
	"TapLedger/internal/engine/stream"
	"TapLedger/internal/factory"
	"TapLedger/internal/geo"
	"TapLedger/internal/metrics"
	"TapLedger/internal/notification"
	"TapLedger/internal/ops"
	"TapLedger/internal/probe"
	"TapLedger/internal/query"
	"TapLedger/internal/storage"
	"TapLedger/internal/storage/memory"
	"TapLedger/internal/storage/migrate"
	"TapLedger/internal/storage/postgres"
	"TapLedger/internal/taps"
	"TapLedger/pkg/logger"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("ns-engine", logger.ParseLevel(cfg.Log.Level))

	if err := run(cfg, log); err != nil {
		log.Error("ns-engine failed", "error", err)
		os.Exit(1)
	}
}

// source is a report transport with a readiness probe.
type source interface {
	stream.Source
	Ready() error
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Record store
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := taps.Seed(ctx, store, cfg.Taps.Seed); err != nil {
		return err
	}

	// 2. Geo enrichment
	m := metrics.New(prometheus.DefaultRegisterer)
	provider, err := geo.NewProvider(cfg.Geo)
	if err != nil {
		return err
	}
	geoOpts := geo.Options{
		CacheSize: cfg.Geo.CacheSize,
		CacheTTL:  cfg.Geo.CacheTTL,
		Workers:   cfg.Geo.Workers,
		Timeout:   cfg.Geo.Timeout,
		Observer:  m,
	}
	if cfg.Redis.Addr != "" {
		shared, err := geo.NewRedisCache(cfg.Redis, cfg.Geo.CacheTTL, log)
		if err != nil {
			return err
		}
		geoOpts.Shared = shared
	}
	geoClient := geo.NewClient(provider, geoOpts, log)
	defer geoClient.Close()

	// 3. Asset events
	var nc *nats.Conn
	if cfg.Assets.Sink == "nats" {
		nc, err = nats.Connect(cfg.Ingest.NATSURL, nats.Name("tapledger-assets"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("failed to connect to nats for asset events: %w", err)
		}
		defer nc.Drain()
	}
	sink, err := notification.New(cfg.Assets, nc, log)
	if err != nil {
		return err
	}

	// 4. Statistics
	writers, err := factory.CreateWriters(factory.Deps{Config: cfg, Statistics: store, Logger: log})
	if err != nil {
		return err
	}
	recorder := statistics.NewRecorder(writers, cfg.Statistics.BucketSpan, log)
	defer recorder.Close()

	// 5. Coordinator
	mgr, err := manager.NewManager(manager.Config{
		NumWorkers:    cfg.Coordinator.NumWorkers,
		QueueSize:     cfg.Coordinator.QueueSize,
		ReportTimeout: cfg.Coordinator.ReportTimeout,
	}, manager.Deps{
		Taps:                 taps.NewResolver(store, cfg.Taps.CacheTTL),
		Flows:                store,
		Transactions:         store,
		Geo:                  geoClient,
		Assets:               assets.NewDiscoverer(store, sink, log),
		Statistics:           recorder,
		Metrics:              m,
		Observer:             m,
		Logger:               log,
		FlowStaleness:        cfg.Reconcile.FlowStaleness,
		TransactionStaleness: cfg.Reconcile.TransactionStaleness,
	})
	if err != nil {
		return err
	}

	// 6. Transport
	src, err := openSource(cfg, log)
	if err != nil {
		return err
	}
	st := stream.New(src, mgr, log, m.Dropped)

	// 7. Ops endpoints
	reader, closeReader, err := statisticsReader(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeReader()
	opsServer := ops.New(ops.Config{
		Addr:     cfg.Ops.Addr,
		GRPCAddr: cfg.Ops.GRPCAddr,
		Gatherer: prometheus.DefaultGatherer,
		Checks: map[string]ops.Check{
			"store":     store.Ping,
			"transport": func(context.Context) error { return src.Ready() },
		},
		Statistics: reader,
		Logger:     log,
	})
	if err := opsServer.Start(); err != nil {
		return err
	}

	if err := st.Start(ctx); err != nil {
		shutdownOps(opsServer, log)
		return err
	}
	log.Info("ns-engine started", "transport", cfg.Ingest.Transport, "storage", cfg.Storage.Type)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	st.Stop()
	shutdownOps(opsServer, log)
	log.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error) {
	if cfg.Storage.Type == "memory" {
		log.Warn("using the in-memory store, records are lost on exit")
		return memory.New(), nil
	}
	if cfg.Postgres.MigrateOnStart {
		runner, err := migrate.New(cfg.Postgres.DSN, log)
		if err != nil {
			return nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, err
		}
	}
	return postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
}

func openSource(cfg *config.Config, log *slog.Logger) (source, error) {
	if cfg.Ingest.Transport == "kafka" {
		return probe.NewKafkaSource(cfg.Ingest.Kafka, log)
	}
	return probe.NewSubscriber(cfg.Ingest, log)
}

// statisticsReader serves the ops API from ClickHouse when the ClickHouse
// writer is enabled, otherwise from the record store.
func statisticsReader(ctx context.Context, cfg *config.Config, store storage.Store) (storage.StatisticsReader, func(), error) {
	if !slices.Contains(cfg.Statistics.Writers, "clickhouse") {
		return store, func() {}, nil
	}
	q, err := query.NewClickHouseQuerier(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, nil, err
	}
	return q, func() { _ = q.Close() }, nil
}

func shutdownOps(s *ops.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Error("ops shutdown failed", "error", err)
	}
}
