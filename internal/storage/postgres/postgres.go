package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements the storage interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New constructs a Repository over an existing pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Connect opens a pool for dsn and verifies the connection.
func Connect(ctx context.Context, dsn string, maxConns int32) (*Repository, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := New(pool)
	if err := repo.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// ensure Repository satisfies interfaces.
var (
	_ storage.Store                 = (*Repository)(nil)
	_ storage.FlowRepository        = (*Repository)(nil)
	_ storage.TransactionRepository = (*Repository)(nil)
	_ storage.AssetRepository       = (*Repository)(nil)
	_ storage.TapRepository         = (*Repository)(nil)
	_ storage.StatisticsRepository  = (*Repository)(nil)
)

// Ping ensures the database connection is alive.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (r *Repository) Close() {
	r.pool.Close()
}

// sendBatch runs every queued statement. The batch executes as one implicit
// transaction, so the first failure rolls back the rest.
func (r *Repository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := r.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch statement %d: %w", i, mapError(err))
		}
	}
	return br.Close()
}

// ErrConstraint wraps integrity violations reported by the database.
var ErrConstraint = errors.New("postgres: constraint violation")

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514", "23502", "22P02":
			return fmt.Errorf("%w: %s (%s)", ErrConstraint, pgErr.Message, pgErr.ConstraintName)
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func addrToNil(addr netip.Addr) any {
	if !addr.IsValid() {
		return nil
	}
	return addr.Unmap()
}

func boolPtrToNil(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func geoToNil(geo *model.GeoInfo) (any, error) {
	if geo.Empty() {
		return nil, nil
	}
	data, err := json.Marshal(geo)
	if err != nil {
		return nil, fmt.Errorf("marshal geo: %w", err)
	}
	return data, nil
}

func geoFromBytes(data []byte) (*model.GeoInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var geo model.GeoInfo
	if err := json.Unmarshal(data, &geo); err != nil {
		return nil, fmt.Errorf("decode geo: %w", err)
	}
	return &geo, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefAddr(a *netip.Addr) netip.Addr {
	if a == nil {
		return netip.Addr{}
	}
	return *a
}
