package taps

import (
	"context"
	"errors"
	"testing"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"
	"TapLedger/internal/storage/memory"

	"github.com/google/uuid"
)

type countingRepo struct {
	taps  map[uuid.UUID]model.Tap
	calls int
}

func (r *countingRepo) GetTap(_ context.Context, id uuid.UUID) (*model.Tap, error) {
	r.calls++
	tap, ok := r.taps[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &tap, nil
}

func TestResolverCachesUntilExpiry(t *testing.T) {
	id := uuid.New()
	repo := &countingRepo{taps: map[uuid.UUID]model.Tap{id: {ID: id, Name: "edge-1"}}}
	r := NewResolver(repo, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		tap, err := r.Lookup(context.Background(), id)
		if err != nil || tap.Name != "edge-1" {
			t.Fatalf("Lookup: %v %+v", err, tap)
		}
	}
	if repo.calls != 1 {
		t.Fatalf("expected one repository call, got %d", repo.calls)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := r.Lookup(context.Background(), id); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if repo.calls != 2 {
		t.Fatalf("expected a refresh after expiry, got %d calls", repo.calls)
	}
}

func TestResolverDoesNotCacheMisses(t *testing.T) {
	repo := &countingRepo{taps: map[uuid.UUID]model.Tap{}}
	r := NewResolver(repo, time.Minute)
	id := uuid.New()

	if _, err := r.Lookup(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	repo.taps[id] = model.Tap{ID: id}
	if _, err := r.Lookup(context.Background(), id); err != nil {
		t.Fatalf("expected the registered tap, got %v", err)
	}
}

func TestSeedRegistersTaps(t *testing.T) {
	store := memory.New()
	id, org, tenant := uuid.New(), uuid.New(), uuid.New()
	seeds := []config.TapSeed{{ID: id.String(), Name: "edge", OrganizationID: org.String(), TenantID: tenant.String()}}
	if err := Seed(context.Background(), store, seeds); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	tap, err := NewResolver(store, 0).Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if tap.Name != "edge" || tap.OrganizationID != org || tap.TenantID != tenant {
		t.Fatalf("unexpected tap %+v", tap)
	}

	seeds[0].TenantID = "not-a-uuid"
	if err := Seed(context.Background(), store, seeds); err == nil {
		t.Fatal("expected an invalid seed to fail")
	}
}
