// Package query reads aggregate statistics back for the ops API.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Querier reads summed statistics rows.
type Querier = storage.StatisticsReader

// ClickHouseQuerier reads the l4_statistics table written by the ClickHouse
// statistics writer.
type ClickHouseQuerier struct {
	conn driver.Conn
}

var _ Querier = (*ClickHouseQuerier)(nil)

// NewClickHouseQuerier connects to ClickHouse.
func NewClickHouseQuerier(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseQuerier, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &ClickHouseQuerier{conn: conn}, nil
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
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// buildStatisticsQuery renders the aggregation for q.
func buildStatisticsQuery(q storage.StatisticsQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			Protocol,
			Bucket,
			SUM(BytesCount),
			SUM(BytesInternal),
			SUM(PacketsCount),
			SUM(Sessions),
			SUM(NewSessions),
			SUM(InternalSessions)
		FROM l4_statistics
		WHERE TapID = ? AND Bucket >= ? AND Bucket < ?`)
	args := []any{q.TapID, q.From.UTC(), q.To.UTC()}
	if q.Protocol != "" {
		b.WriteString(" AND Protocol = ?")
		args = append(args, string(q.Protocol))
	}
	b.WriteString(`
		GROUP BY Protocol, Bucket
		ORDER BY Bucket, Protocol`)
	return b.String(), args
}

// QueryStatistics sums the appended rows per protocol and bucket.
func (c *ClickHouseQuerier) QueryStatistics(ctx context.Context, q storage.StatisticsQuery) ([]model.StatisticsBucket, error) {
	query, args := buildStatisticsQuery(q)
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var out []model.StatisticsBucket
	for rows.Next() {
		var (
			protocol string
			bucket   time.Time
			sb       model.StatisticsBucket
		)
		if err := rows.Scan(&protocol, &bucket, &sb.BytesCount, &sb.BytesInternal, &sb.PacketsCount,
			&sb.Sessions, &sb.NewSessions, &sb.InternalSessions); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		sb.TapID = q.TapID
		sb.Protocol = model.Protocol(protocol)
		sb.Bucket = bucket.UTC()
		out = append(out, sb)
	}
	return out, rows.Err()
}

// Close closes the connection.
func (c *ClickHouseQuerier) Close() error {
	return c.conn.Close()
}
