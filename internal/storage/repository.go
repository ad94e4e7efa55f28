// Package storage defines the persistence contracts of the reconciliation
// engine. Implementations live in the postgres and memory subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"TapLedger/internal/model"

	"github.com/google/uuid"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("storage: not found")

// MatchLimit is how many candidates a matcher query returns. One is used; a
// second one only signals a broken open-record invariant.
const MatchLimit = 2

// OpenQuery identifies a reconcilable record.
type OpenQuery struct {
	TapID    uuid.UUID
	Protocol model.Protocol
	Key      string
	// Anchor further restricts transaction matches to one initiation time.
	Anchor *time.Time
}

// FlowRepository persists flow records.
type FlowRepository interface {
	// FindOpenFlows returns up to limit flows for q with no end time,
	// ordered by (created_at, id).
	FindOpenFlows(ctx context.Context, q OpenQuery, limit int) ([]model.FlowRecord, error)
	// FindClosedFlow returns the most recent terminated flow for q.
	FindClosedFlow(ctx context.Context, q OpenQuery) (*model.FlowRecord, error)
	// WriteFlows executes one batch of inserts and updates. Inserts are
	// upserts against the open-record index; updates only touch mutable fields.
	WriteFlows(ctx context.Context, inserts, updates []*model.FlowRecord) error
}

// TransactionRepository persists transaction records.
type TransactionRepository interface {
	// FindOpenTransactions returns up to limit incomplete transactions for q,
	// ordered by (created_at, id).
	FindOpenTransactions(ctx context.Context, q OpenQuery, limit int) ([]model.TransactionRecord, error)
	// WriteTransactions executes one batch of inserts and updates. Updates
	// never touch a complete row.
	WriteTransactions(ctx context.Context, inserts, updates []*model.TransactionRecord) error
}

// AssetRepository persists discovered assets.
type AssetRepository interface {
	FindAssetByMAC(ctx context.Context, organizationID, tenantID uuid.UUID, mac string) (*model.AssetRecord, error)
	// UpdateAsset widens the stored first/last seen window and observed protocols.
	UpdateAsset(ctx context.Context, asset *model.AssetRecord) error
	// InsertAsset creates the asset, or merges into a concurrently created one.
	// It reports whether this call created the row and sets asset.ID to the
	// stored id.
	InsertAsset(ctx context.Context, asset *model.AssetRecord) (bool, error)
}

// TapRepository resolves tap metadata.
type TapRepository interface {
	GetTap(ctx context.Context, id uuid.UUID) (*model.Tap, error)
}

// TapRegistrar registers taps.
type TapRegistrar interface {
	UpsertTap(ctx context.Context, tap model.Tap) error
}

// StatisticsRepository appends statistics buckets.
type StatisticsRepository interface {
	InsertStatistics(ctx context.Context, buckets []model.StatisticsBucket) error
}

// StatisticsQuery selects statistics rows of one tap in [From, To). An
// empty Protocol matches every protocol.
type StatisticsQuery struct {
	TapID    uuid.UUID
	Protocol model.Protocol
	From, To time.Time
}

// StatisticsReader sums appended statistics rows per (protocol, bucket),
// ordered by bucket then protocol.
type StatisticsReader interface {
	QueryStatistics(ctx context.Context, q StatisticsQuery) ([]model.StatisticsBucket, error)
}

// Store bundles every repository of one backend.
type Store interface {
	FlowRepository
	TransactionRepository
	AssetRepository
	TapRepository
	TapRegistrar
	StatisticsRepository
	StatisticsReader
	Ping(ctx context.Context) error
	Close()
}
