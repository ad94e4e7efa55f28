// Package taps resolves tap metadata with a short-lived cache in front of
// the store.
package taps

import (
	"context"
	"fmt"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cacheSize bounds how many taps a resolver keeps.
const cacheSize = 4096

// Resolver caches successful lookups for ttl. Misses are not cached.
type Resolver struct {
	repo  storage.TapRepository
	cache *expirable.LRU[uuid.UUID, model.Tap]
}

// NewResolver creates a resolver. A non-positive ttl disables caching.
func NewResolver(repo storage.TapRepository, ttl time.Duration) *Resolver {
	r := &Resolver{repo: repo}
	if ttl > 0 {
		r.cache = expirable.NewLRU[uuid.UUID, model.Tap](cacheSize, nil, ttl)
	}
	return r
}

// Lookup returns the tap, or storage.ErrNotFound.
func (r *Resolver) Lookup(ctx context.Context, id uuid.UUID) (*model.Tap, error) {
	if r.cache != nil {
		if tap, ok := r.cache.Get(id); ok {
			return &tap, nil
		}
	}

	tap, err := r.repo.GetTap(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Add(id, *tap)
	}
	return tap, nil
}

// Seed registers the configured taps.
func Seed(ctx context.Context, reg storage.TapRegistrar, seeds []config.TapSeed) error {
	for _, s := range seeds {
		tap, err := parseSeed(s)
		if err != nil {
			return err
		}
		if err := reg.UpsertTap(ctx, tap); err != nil {
			return fmt.Errorf("failed to register tap %s: %w", tap.ID, err)
		}
	}
	return nil
}

func parseSeed(s config.TapSeed) (model.Tap, error) {
	var (
		tap model.Tap
		err error
	)
	tap.Name = s.Name
	if tap.ID, err = uuid.Parse(s.ID); err != nil {
		return model.Tap{}, fmt.Errorf("invalid tap id %q: %w", s.ID, err)
	}
	if tap.OrganizationID, err = uuid.Parse(s.OrganizationID); err != nil {
		return model.Tap{}, fmt.Errorf("invalid organization id %q of tap %s: %w", s.OrganizationID, s.ID, err)
	}
	if tap.TenantID, err = uuid.Parse(s.TenantID); err != nil {
		return model.Tap{}, fmt.Errorf("invalid tenant id %q of tap %s: %w", s.TenantID, s.ID, err)
	}
	return tap, nil
}
