// Package geo resolves geo/ASN snapshots for flow endpoints.
package geo

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	"TapLedger/internal/config"
	"TapLedger/internal/model"
)

// Provider is the external geo/ASN source. It returns nil, nil when the
// address is unknown.
type Provider interface {
	Lookup(ctx context.Context, addr netip.Addr) (*model.GeoInfo, error)
}

// NopProvider knows no address.
type NopProvider struct{}

func (NopProvider) Lookup(context.Context, netip.Addr) (*model.GeoInfo, error) { return nil, nil }

type staticEntry struct {
	prefix netip.Prefix
	info   model.GeoInfo
}

// StaticProvider answers from a fixed CIDR table. The longest prefix wins.
type StaticProvider struct {
	entries []staticEntry
}

// NewStaticProvider builds a provider from configured CIDR entries.
func NewStaticProvider(entries []config.GeoStaticEntry) (*StaticProvider, error) {
	p := &StaticProvider{}
	for _, e := range entries {
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid geo cidr %q: %w", e.CIDR, err)
		}
		p.entries = append(p.entries, staticEntry{
			prefix: prefix.Masked(),
			info: model.GeoInfo{
				ASNNumber:   e.ASNNumber,
				ASNName:     e.ASNName,
				ASNDomain:   e.ASNDomain,
				City:        e.City,
				CountryCode: e.CountryCode,
				Latitude:    e.Latitude,
				Longitude:   e.Longitude,
			},
		})
	}
	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].prefix.Bits() > p.entries[j].prefix.Bits()
	})
	return p, nil
}

func (p *StaticProvider) Lookup(_ context.Context, addr netip.Addr) (*model.GeoInfo, error) {
	addr = addr.Unmap()
	for _, e := range p.entries {
		if e.prefix.Contains(addr) {
			info := e.info
			return &info, nil
		}
	}
	return nil, nil
}

// NewProvider builds the provider selected by cfg.
func NewProvider(cfg config.GeoConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "nop":
		return NopProvider{}, nil
	case "static":
		return NewStaticProvider(cfg.Static)
	default:
		return nil, fmt.Errorf("unknown geo provider %q", cfg.Provider)
	}
}
