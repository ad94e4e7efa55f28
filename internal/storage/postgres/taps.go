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

// GetTap returns the metadata of one tap.
func (r *Repository) GetTap(ctx context.Context, id uuid.UUID) (*model.Tap, error) {
	const query = `SELECT id, name, organization_id, tenant_id FROM taps WHERE id = $1`
	var tap model.Tap
	err := r.pool.QueryRow(ctx, query, id).Scan(&tap.ID, &tap.Name, &tap.OrganizationID, &tap.TenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get tap: %w", err)
	}
	return &tap, nil
}

// UpsertTap registers a tap. Used by the simulator and test fixtures.
func (r *Repository) UpsertTap(ctx context.Context, tap model.Tap) error {
	const query = `INSERT INTO taps (id, name, organization_id, tenant_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			organization_id = EXCLUDED.organization_id, tenant_id = EXCLUDED.tenant_id`
	_, err := r.pool.Exec(ctx, query, tap.ID, tap.Name, tap.OrganizationID, tap.TenantID)
	return err
}
