package model

import "context"

// StatisticsWriter defines a generic interface for writing statistics buckets to a persistent store.
type StatisticsWriter interface {
	// Write appends one row per bucket. Rows are never merged by the writer.
	Write(ctx context.Context, buckets []StatisticsBucket) error

	// Close releases the writer's connection.
	Close() error
}
