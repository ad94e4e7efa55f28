// Package assets derives device records from the MACs seen in reconciled
// entries.
package assets

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"
)

// Summary counts what one Discover call did.
type Summary struct {
	Created int
	Updated int
	Failed  int
}

// Discoverer maintains AssetRecords and emits one event per new asset.
type Discoverer struct {
	repo storage.AssetRepository
	sink model.AssetEventSink
	log  *slog.Logger
}

// NewDiscoverer creates a discoverer. sink may be nil.
func NewDiscoverer(repo storage.AssetRepository, sink model.AssetEventSink, log *slog.Logger) *Discoverer {
	if log == nil {
		log = slog.Default()
	}
	return &Discoverer{repo: repo, sink: sink, log: log.With("component", "assets")}
}

type aggregate struct {
	obs       model.Observation
	protocols []model.Protocol
}

// Discover folds observations into the asset table of the tap's tenant.
// Failures are isolated per asset.
func (d *Discoverer) Discover(ctx context.Context, tap *model.Tap, observations []model.Observation) Summary {
	var sum Summary
	if len(observations) == 0 {
		return sum
	}

	byMAC := make(map[string]*aggregate, len(observations))
	for _, o := range observations {
		if o.MAC == "" {
			continue
		}
		agg, ok := byMAC[o.MAC]
		if !ok {
			byMAC[o.MAC] = &aggregate{obs: o, protocols: []model.Protocol{o.Protocol}}
			continue
		}
		agg.obs.Merge(o)
		if !slices.Contains(agg.protocols, o.Protocol) {
			agg.protocols = append(agg.protocols, o.Protocol)
		}
	}

	macs := make([]string, 0, len(byMAC))
	for mac := range byMAC {
		macs = append(macs, mac)
	}
	slices.Sort(macs)

	var inserts []*model.AssetRecord
	for _, mac := range macs {
		agg := byMAC[mac]
		asset := &model.AssetRecord{
			OrganizationID: tap.OrganizationID,
			TenantID:       tap.TenantID,
			MAC:            mac,
			FirstSeen:      agg.obs.FirstSeen,
			LastSeen:       agg.obs.LastSeen,
			ObservedVia:    agg.protocols,
		}

		existing, err := d.repo.FindAssetByMAC(ctx, tap.OrganizationID, tap.TenantID, mac)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			inserts = append(inserts, asset)
			continue
		case err != nil:
			sum.Failed++
			d.log.Error("failed to look up asset", "mac", mac, "tap_id", tap.ID, "error", err)
			continue
		}

		asset.ID = existing.ID
		err = d.repo.UpdateAsset(ctx, asset)
		switch {
		case err == nil:
			sum.Updated++
		case errors.Is(err, storage.ErrNotFound):
			inserts = append(inserts, asset)
		default:
			sum.Failed++
			d.log.Error("failed to update asset", "mac", mac, "asset_id", existing.ID, "error", err)
		}
	}

	var created []*model.AssetRecord
	for _, asset := range inserts {
		inserted, err := d.repo.InsertAsset(ctx, asset)
		if err != nil {
			sum.Failed++
			d.log.Error("failed to insert asset", "mac", asset.MAC, "tap_id", tap.ID, "error", err)
			continue
		}
		if !inserted {
			sum.Updated++
			continue
		}
		sum.Created++
		created = append(created, asset)
	}

	for _, asset := range created {
		d.emit(ctx, tap, asset)
	}
	return sum
}

func (d *Discoverer) emit(ctx context.Context, tap *model.Tap, asset *model.AssetRecord) {
	if d.sink == nil {
		return
	}
	event := model.NewAssetEvent{
		Subsystem:      model.AssetSubsystemEthernet,
		AssetID:        asset.ID,
		MAC:            asset.MAC,
		OrganizationID: asset.OrganizationID,
		TenantID:       asset.TenantID,
		TapID:          tap.ID,
		FirstSeen:      asset.FirstSeen,
	}
	if err := d.sink.OnNewAsset(ctx, event); err != nil {
		d.log.Warn("failed to emit new asset event", "asset_id", asset.ID, "mac", asset.MAC, "error", err)
	}
}
