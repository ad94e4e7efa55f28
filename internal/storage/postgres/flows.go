package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/jackc/pgx/v5"
)

const flowColumns = `id, tap_id, protocol, session_key,
	source_mac, source_address, source_port, source_site_local, source_loopback, source_multicast, source_geo,
	destination_mac, destination_address, destination_port, destination_site_local, destination_loopback, destination_multicast, destination_geo,
	bytes_rx, bytes_tx, bytes_count, packets_count, state,
	start_time, end_time, most_recent_activity, fingerprint, created_at, updated_at`

// upsertFlow inserts a flow, or merges into the open row a concurrent
// creator won the race for. Counters never move backwards.
const upsertFlow = `INSERT INTO flows (` + flowColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	ON CONFLICT (tap_id, protocol, session_key) WHERE end_time IS NULL DO UPDATE SET
		bytes_rx = GREATEST(flows.bytes_rx, EXCLUDED.bytes_rx),
		bytes_tx = GREATEST(flows.bytes_tx, EXCLUDED.bytes_tx),
		bytes_count = GREATEST(flows.bytes_count, EXCLUDED.bytes_count),
		packets_count = GREATEST(flows.packets_count, EXCLUDED.packets_count),
		state = EXCLUDED.state,
		end_time = EXCLUDED.end_time,
		most_recent_activity = GREATEST(flows.most_recent_activity, EXCLUDED.most_recent_activity),
		updated_at = EXCLUDED.updated_at`

const updateFlow = `UPDATE flows SET
		bytes_rx = GREATEST(bytes_rx, $2),
		bytes_tx = GREATEST(bytes_tx, $3),
		bytes_count = GREATEST(bytes_count, $4),
		packets_count = GREATEST(packets_count, $5),
		state = $6,
		end_time = $7,
		most_recent_activity = GREATEST(most_recent_activity, $8),
		updated_at = $9
	WHERE id = $1 AND end_time IS NULL`

// FindOpenFlows returns open flows for q ordered by (created_at, id).
func (r *Repository) FindOpenFlows(ctx context.Context, q storage.OpenQuery, limit int) ([]model.FlowRecord, error) {
	if limit <= 0 {
		limit = storage.MatchLimit
	}
	query := `SELECT ` + flowColumns + ` FROM flows
		WHERE tap_id = $1 AND protocol = $2 AND session_key = $3 AND end_time IS NULL
		ORDER BY created_at, id
		LIMIT $4`
	rows, err := r.pool.Query(ctx, query, q.TapID, string(q.Protocol), q.Key, limit)
	if err != nil {
		return nil, fmt.Errorf("query open flows: %w", err)
	}
	defer rows.Close()

	flows := make([]model.FlowRecord, 0, limit)
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, rows.Err()
}

// FindClosedFlow returns the latest terminated flow for q.
func (r *Repository) FindClosedFlow(ctx context.Context, q storage.OpenQuery) (*model.FlowRecord, error) {
	query := `SELECT ` + flowColumns + ` FROM flows
		WHERE tap_id = $1 AND protocol = $2 AND session_key = $3 AND end_time IS NOT NULL
		ORDER BY end_time DESC, id
		LIMIT 1`
	flow, err := scanFlow(r.pool.QueryRow(ctx, query, q.TapID, string(q.Protocol), q.Key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return flow, nil
}

// WriteFlows executes inserts and updates as one batch.
func (r *Repository) WriteFlows(ctx context.Context, inserts, updates []*model.FlowRecord) error {
	now := r.now().UTC()
	batch := &pgx.Batch{}
	for _, f := range inserts {
		args, err := flowInsertArgs(f, now)
		if err != nil {
			return fmt.Errorf("flow %s: %w", f.SessionKey, err)
		}
		batch.Queue(upsertFlow, args...)
	}
	for _, f := range updates {
		batch.Queue(updateFlow,
			f.ID,
			f.BytesRx,
			f.BytesTx,
			f.BytesCount,
			f.PacketsCount,
			f.State,
			timePtrToNil(f.EndTime),
			f.MostRecentActivity.UTC(),
			now,
		)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("write flows: %w", err)
	}
	return nil
}

func flowInsertArgs(f *model.FlowRecord, now time.Time) ([]any, error) {
	srcGeo, err := geoToNil(f.Source.Geo)
	if err != nil {
		return nil, err
	}
	dstGeo, err := geoToNil(f.Destination.Geo)
	if err != nil {
		return nil, err
	}
	created := f.CreatedAt
	if created.IsZero() {
		created = now
	}
	return []any{
		f.ID, f.TapID, string(f.Protocol), f.SessionKey,
		emptyToNil(f.Source.MAC), f.Source.Address.Unmap(), f.Source.Port,
		f.Source.SiteLocal, f.Source.Loopback, f.Source.Multicast, srcGeo,
		emptyToNil(f.Destination.MAC), f.Destination.Address.Unmap(), f.Destination.Port,
		f.Destination.SiteLocal, f.Destination.Loopback, f.Destination.Multicast, dstGeo,
		f.BytesRx, f.BytesTx, f.BytesCount, f.PacketsCount, f.State,
		f.StartTime.UTC(), timePtrToNil(f.EndTime), f.MostRecentActivity.UTC(), emptyToNil(f.Fingerprint),
		created.UTC(), now,
	}, nil
}

func scanFlow(row pgx.Row) (*model.FlowRecord, error) {
	var (
		f                model.FlowRecord
		protocol         string
		srcMAC, dstMAC   *string
		srcAddr, dstAddr netip.Addr
		srcGeo, dstGeo   []byte
		fingerprint      *string
	)
	if err := row.Scan(
		&f.ID, &f.TapID, &protocol, &f.SessionKey,
		&srcMAC, &srcAddr, &f.Source.Port, &f.Source.SiteLocal, &f.Source.Loopback, &f.Source.Multicast, &srcGeo,
		&dstMAC, &dstAddr, &f.Destination.Port, &f.Destination.SiteLocal, &f.Destination.Loopback, &f.Destination.Multicast, &dstGeo,
		&f.BytesRx, &f.BytesTx, &f.BytesCount, &f.PacketsCount, &f.State,
		&f.StartTime, &f.EndTime, &f.MostRecentActivity, &fingerprint, &f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	f.Protocol = model.Protocol(protocol)
	f.Source.MAC = derefString(srcMAC)
	f.Source.Address = srcAddr
	f.Destination.MAC = derefString(dstMAC)
	f.Destination.Address = dstAddr
	f.Fingerprint = derefString(fingerprint)

	var err error
	if f.Source.Geo, err = geoFromBytes(srcGeo); err != nil {
		return nil, err
	}
	if f.Destination.Geo, err = geoFromBytes(dstGeo); err != nil {
		return nil, err
	}
	return &f, nil
}
