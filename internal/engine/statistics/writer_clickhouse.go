package statistics

import (
	"context"
	"fmt"
	"log/slog"

	"TapLedger/internal/config"
	"TapLedger/internal/factory"
	"TapLedger/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func init() {
	factory.RegisterWriter("clickhouse", func(deps factory.Deps) (model.StatisticsWriter, error) {
		return NewClickHouseWriter(context.Background(), deps.Config.ClickHouse, deps.Logger)
	})
}

const createTableStatement = `
CREATE TABLE IF NOT EXISTS l4_statistics (
    Bucket           DateTime,
    TapID            UUID,
    Protocol         LowCardinality(String),
    BytesCount       UInt64,
    BytesInternal    UInt64,
    PacketsCount     UInt64,
    Sessions         UInt64,
    NewSessions      UInt64,
    InternalSessions UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Bucket)
ORDER BY (TapID, Protocol, Bucket);
`

// ClickHouseWriter appends statistics buckets to the l4_statistics table.
type ClickHouseWriter struct {
	conn driver.Conn
	log  *slog.Logger
}

// NewClickHouseWriter connects and ensures the table exists.
func NewClickHouseWriter(ctx context.Context, cfg config.ClickHouseConfig, log *slog.Logger) (*ClickHouseWriter, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log.Info("connected to clickhouse", "host", cfg.Host, "database", cfg.Database)
	return &ClickHouseWriter{conn: conn, log: log.With("component", "clickhouse-writer")}, nil
}

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Write appends buckets in one batch.
func (w *ClickHouseWriter) Write(ctx context.Context, buckets []model.StatisticsBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO l4_statistics")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, b := range buckets {
		err := batch.Append(
			b.Bucket,
			b.TapID,
			string(b.Protocol),
			b.BytesCount,
			b.BytesInternal,
			b.PacketsCount,
			b.Sessions,
			b.NewSessions,
			b.InternalSessions,
		)
		if err != nil {
			return fmt.Errorf("failed to append bucket to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.log.Debug("wrote statistics buckets", "count", len(buckets))
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
