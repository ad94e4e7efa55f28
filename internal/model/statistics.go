package model

import (
	"time"

	"github.com/google/uuid"
)

// StatisticsBucket holds the incremental counters one report contributed to
// a (tap, protocol, bucket) row.
type StatisticsBucket struct {
	TapID    uuid.UUID `json:"tap_id"`
	Protocol Protocol  `json:"protocol"`
	Bucket   time.Time `json:"bucket"`

	BytesCount       uint64 `json:"bytes_count"`
	BytesInternal    uint64 `json:"bytes_internal"`
	PacketsCount     uint64 `json:"packets_count"`
	Sessions         uint64 `json:"sessions"`
	NewSessions      uint64 `json:"new_sessions"`
	InternalSessions uint64 `json:"internal_sessions"`
}

// Empty reports whether no session contributed to the bucket.
func (b *StatisticsBucket) Empty() bool {
	return b.Sessions == 0
}
