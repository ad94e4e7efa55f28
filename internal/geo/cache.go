package geo

import (
	"net/netip"
	"time"

	"TapLedger/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// newCache returns a bounded LRU with a per-entry TTL. Unknown addresses are
// stored as nil.
func newCache(size int, ttl time.Duration) *expirable.LRU[netip.Addr, *model.GeoInfo] {
	if size <= 0 {
		size = 1
	}
	return expirable.NewLRU[netip.Addr, *model.GeoInfo](size, nil, ttl)
}
