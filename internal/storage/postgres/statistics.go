package postgres

import (
	"context"
	"fmt"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/jackc/pgx/v5"
)

// InsertStatistics appends one row per bucket.
func (r *Repository) InsertStatistics(ctx context.Context, buckets []model.StatisticsBucket) error {
	const query = `INSERT INTO l4_statistics
		(tap_id, protocol, bucket, bytes_count, bytes_internal, packets_count, sessions, new_sessions, internal_sessions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	batch := &pgx.Batch{}
	for _, b := range buckets {
		batch.Queue(query,
			b.TapID,
			string(b.Protocol),
			b.Bucket.UTC(),
			b.BytesCount,
			b.BytesInternal,
			b.PacketsCount,
			b.Sessions,
			b.NewSessions,
			b.InternalSessions,
		)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert statistics: %w", err)
	}
	return nil
}

// QueryStatistics sums the appended rows per protocol and bucket.
func (r *Repository) QueryStatistics(ctx context.Context, q storage.StatisticsQuery) ([]model.StatisticsBucket, error) {
	const query = `SELECT protocol, bucket,
		SUM(bytes_count)::BIGINT, SUM(bytes_internal)::BIGINT, SUM(packets_count)::BIGINT,
		SUM(sessions)::BIGINT, SUM(new_sessions)::BIGINT, SUM(internal_sessions)::BIGINT
		FROM l4_statistics
		WHERE tap_id = $1 AND ($2::TEXT = '' OR protocol = $2::TEXT) AND bucket >= $3 AND bucket < $4
		GROUP BY protocol, bucket
		ORDER BY bucket, protocol`
	rows, err := r.pool.Query(ctx, query, q.TapID, string(q.Protocol), q.From.UTC(), q.To.UTC())
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	var out []model.StatisticsBucket
	for rows.Next() {
		b := model.StatisticsBucket{TapID: q.TapID}
		var protocol string
		var bytes, internal, packets, sessions, newSessions, internalSessions int64
		if err := rows.Scan(&protocol, &b.Bucket, &bytes, &internal, &packets, &sessions, &newSessions, &internalSessions); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		b.Protocol = model.Protocol(protocol)
		b.Bucket = b.Bucket.UTC()
		b.BytesCount = uint64(bytes)
		b.BytesInternal = uint64(internal)
		b.PacketsCount = uint64(packets)
		b.Sessions = uint64(sessions)
		b.NewSessions = uint64(newSessions)
		b.InternalSessions = uint64(internalSessions)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}
