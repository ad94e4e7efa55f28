package postgres

import (
	"context"
	"errors"
	"fmt"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const assetColumns = `id, organization_id, tenant_id, mac, first_seen, last_seen, observed_via, created_at, updated_at`

// FindAssetByMAC fetches an asset within one organization and tenant.
func (r *Repository) FindAssetByMAC(ctx context.Context, organizationID, tenantID uuid.UUID, mac string) (*model.AssetRecord, error) {
	const query = `SELECT ` + assetColumns + ` FROM assets
		WHERE organization_id = $1 AND tenant_id = $2 AND mac = $3`
	row := r.pool.QueryRow(ctx, query, organizationID, tenantID, mac)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("find asset: %w", err)
	}
	return asset, nil
}

// UpdateAsset widens the seen window of an existing asset.
func (r *Repository) UpdateAsset(ctx context.Context, asset *model.AssetRecord) error {
	const query = `UPDATE assets SET
			first_seen = LEAST(first_seen, $2),
			last_seen = GREATEST(last_seen, $3),
			observed_via = ARRAY(SELECT DISTINCT p FROM unnest(observed_via || $4::text[]) AS p ORDER BY p),
			updated_at = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		asset.ID,
		asset.FirstSeen.UTC(),
		asset.LastSeen.UTC(),
		protocolsToText(asset.ObservedVia),
		r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update asset: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertAsset creates an asset or merges into the row a concurrent writer
// created first. xmax is zero only for rows inserted by this statement.
func (r *Repository) InsertAsset(ctx context.Context, asset *model.AssetRecord) (bool, error) {
	const query = `INSERT INTO assets (` + assetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (organization_id, tenant_id, mac) DO UPDATE SET
			first_seen = LEAST(assets.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(assets.last_seen, EXCLUDED.last_seen),
			observed_via = ARRAY(SELECT DISTINCT p FROM unnest(assets.observed_via || EXCLUDED.observed_via) AS p ORDER BY p),
			updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0) AS inserted`
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		asset.ID,
		asset.OrganizationID,
		asset.TenantID,
		asset.MAC,
		asset.FirstSeen.UTC(),
		asset.LastSeen.UTC(),
		protocolsToText(asset.ObservedVia),
		r.now().UTC(),
	).Scan(&asset.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("insert asset: %w", mapError(err))
	}
	return inserted, nil
}

func protocolsToText(protocols []model.Protocol) []string {
	out := make([]string, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, string(p))
	}
	return out
}

func scanAsset(row pgx.Row) (*model.AssetRecord, error) {
	var (
		a           model.AssetRecord
		observedVia []string
	)
	if err := row.Scan(&a.ID, &a.OrganizationID, &a.TenantID, &a.MAC, &a.FirstSeen, &a.LastSeen, &observedVia, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	for _, p := range observedVia {
		a.ObservedVia = append(a.ObservedVia, model.Protocol(p))
	}
	return &a, nil
}
