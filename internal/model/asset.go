package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// AssetSubsystemEthernet is the subsystem of assets discovered from wired traffic.
const AssetSubsystemEthernet = "ethernet"

// AssetRecord is a discovered device, unique per (organization, tenant, mac).
type AssetRecord struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	TenantID       uuid.UUID
	MAC            string
	FirstSeen      time.Time
	LastSeen       time.Time
	ObservedVia    []Protocol
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ObservedBy reports whether the asset was seen over p.
func (a *AssetRecord) ObservedBy(p Protocol) bool {
	return slices.Contains(a.ObservedVia, p)
}

// Observation is the batch-local aggregate of one MAC inside a report.
type Observation struct {
	MAC       string
	Protocol  Protocol
	FirstSeen time.Time
	LastSeen  time.Time
}

// Merge widens o to cover other.
func (o *Observation) Merge(other Observation) {
	o.FirstSeen = Earliest(o.FirstSeen, other.FirstSeen)
	o.LastSeen = Latest(o.LastSeen, other.LastSeen)
}

// NewAssetEvent is emitted once when an asset is first created.
type NewAssetEvent struct {
	Subsystem      string    `json:"subsystem"`
	AssetID        uuid.UUID `json:"asset_id"`
	MAC            string    `json:"mac"`
	OrganizationID uuid.UUID `json:"organization_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	TapID          uuid.UUID `json:"tap_id"`
	FirstSeen      time.Time `json:"first_seen"`
}
