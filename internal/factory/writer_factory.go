// Package factory builds statistics writers by name. Writer packages register
// themselves from init.
package factory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"TapLedger/internal/config"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"
)

// Deps are the shared resources a writer may need.
type Deps struct {
	Config     *config.Config
	Statistics storage.StatisticsRepository
	Logger     *slog.Logger
}

// WriterFactory creates one statistics writer.
type WriterFactory func(deps Deps) (model.StatisticsWriter, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]WriterFactory)
)

// RegisterWriter registers a writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("statistics writer '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered returns the sorted names of every registered writer.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateWriters creates the writers listed in statistics.writers. Writers
// created before a failure are closed.
func CreateWriters(deps Deps) ([]model.StatisticsWriter, error) {
	mu.RLock()
	defer mu.RUnlock()

	var writers []model.StatisticsWriter
	for _, name := range deps.Config.Statistics.Writers {
		factory, ok := registry[name]
		if !ok {
			closeAll(writers)
			return nil, fmt.Errorf("unknown statistics writer: '%s'", name)
		}
		w, err := factory(deps)
		if err != nil {
			closeAll(writers)
			return nil, fmt.Errorf("error creating statistics writer '%s': %w", name, err)
		}
		if deps.Logger != nil {
			deps.Logger.Info("statistics writer created", "writer", name)
		}
		writers = append(writers, w)
	}
	return writers, nil
}

func closeAll(writers []model.StatisticsWriter) {
	for _, w := range writers {
		_ = w.Close()
	}
}
