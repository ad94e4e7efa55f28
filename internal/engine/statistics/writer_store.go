package statistics

import (
	"context"
	"fmt"
	"sync"

	"TapLedger/internal/factory"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"
)

func init() {
	factory.RegisterWriter("postgres", func(deps factory.Deps) (model.StatisticsWriter, error) {
		if deps.Statistics == nil {
			return nil, fmt.Errorf("postgres statistics writer requires a store")
		}
		return NewStoreWriter(deps.Statistics), nil
	})
	factory.RegisterWriter("memory", func(factory.Deps) (model.StatisticsWriter, error) {
		return NewMemoryWriter(), nil
	})
}

// StoreWriter appends buckets through the record store.
type StoreWriter struct {
	repo storage.StatisticsRepository
}

// NewStoreWriter wraps repo.
func NewStoreWriter(repo storage.StatisticsRepository) *StoreWriter {
	return &StoreWriter{repo: repo}
}

func (w *StoreWriter) Write(ctx context.Context, buckets []model.StatisticsBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	return w.repo.InsertStatistics(ctx, buckets)
}

// Close is a no-op; the store is owned by the caller.
func (w *StoreWriter) Close() error { return nil }

// MemoryWriter keeps buckets in process.
type MemoryWriter struct {
	mu      sync.Mutex
	buckets []model.StatisticsBucket
}

// NewMemoryWriter returns an empty writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (w *MemoryWriter) Write(_ context.Context, buckets []model.StatisticsBucket) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets = append(w.buckets, buckets...)
	return nil
}

func (w *MemoryWriter) Close() error { return nil }

// Buckets returns a copy of every written bucket.
func (w *MemoryWriter) Buckets() []model.StatisticsBucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.StatisticsBucket, len(w.buckets))
	copy(out, w.buckets)
	return out
}
