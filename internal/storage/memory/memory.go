// Package memory is an in-process storage backend with the same merge
// semantics as the postgres one. It backs local runs and tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
)

type assetKey struct {
	organizationID uuid.UUID
	tenantID       uuid.UUID
	mac            string
}

// Store keeps every record in memory behind one mutex.
type Store struct {
	mu           sync.Mutex
	flows        []*model.FlowRecord
	transactions []*model.TransactionRecord
	assets       map[assetKey]*model.AssetRecord
	taps         map[uuid.UUID]model.Tap
	statistics   []model.StatisticsBucket
	now          func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		assets: make(map[assetKey]*model.AssetRecord),
		taps:   make(map[uuid.UUID]model.Tap),
		now:    time.Now,
	}
}

// WithClock replaces the clock used for created/updated timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// AddTap registers a tap.
func (s *Store) AddTap(tap model.Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps[tap.ID] = tap
}

// UpsertTap registers or replaces a tap.
func (s *Store) UpsertTap(_ context.Context, tap model.Tap) error {
	s.AddTap(tap)
	return nil
}

// GetTap returns the metadata of one tap.
func (s *Store) GetTap(_ context.Context, id uuid.UUID) (*model.Tap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tap, ok := s.taps[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &tap, nil
}

// FindOpenFlows returns open flows for q in creation order.
func (s *Store) FindOpenFlows(_ context.Context, q storage.OpenQuery, limit int) ([]model.FlowRecord, error) {
	if limit <= 0 {
		limit = storage.MatchLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FlowRecord
	for _, f := range s.flows {
		if f.EndTime == nil && flowMatches(f, q) {
			out = append(out, copyFlow(f))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// FindClosedFlow returns the latest terminated flow for q.
func (s *Store) FindClosedFlow(_ context.Context, q storage.OpenQuery) (*model.FlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.FlowRecord
	for _, f := range s.flows {
		if f.EndTime != nil && flowMatches(f, q) && (found == nil || f.EndTime.After(*found.EndTime)) {
			found = f
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	flow := copyFlow(found)
	return &flow, nil
}

func flowMatches(f *model.FlowRecord, q storage.OpenQuery) bool {
	return f.TapID == q.TapID && f.Protocol == q.Protocol && f.SessionKey == q.Key
}

// WriteFlows applies inserts as upserts on the open key and updates by id.
func (s *Store) WriteFlows(_ context.Context, inserts, updates []*model.FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, in := range inserts {
		if in.EndTime == nil {
			if open := s.openFlow(in.TapID, in.Protocol, in.SessionKey); open != nil {
				mergeFlow(open, in, now)
				continue
			}
		}
		f := copyFlow(in)
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		f.UpdatedAt = now
		s.flows = append(s.flows, &f)
	}
	for _, up := range updates {
		for _, f := range s.flows {
			if f.ID == up.ID && f.EndTime == nil {
				mergeFlow(f, up, now)
				break
			}
		}
	}
	return nil
}

func (s *Store) openFlow(tapID uuid.UUID, protocol model.Protocol, key string) *model.FlowRecord {
	for _, f := range s.flows {
		if f.EndTime == nil && f.TapID == tapID && f.Protocol == protocol && f.SessionKey == key {
			return f
		}
	}
	return nil
}

func mergeFlow(dst, src *model.FlowRecord, now time.Time) {
	dst.BytesRx = max(dst.BytesRx, src.BytesRx)
	dst.BytesTx = max(dst.BytesTx, src.BytesTx)
	dst.BytesCount = max(dst.BytesCount, src.BytesCount)
	dst.PacketsCount = max(dst.PacketsCount, src.PacketsCount)
	dst.State = src.State
	dst.EndTime = copyTime(src.EndTime)
	dst.MostRecentActivity = model.Latest(dst.MostRecentActivity, src.MostRecentActivity)
	dst.UpdatedAt = now
}

// FindOpenTransactions returns incomplete transactions for q in creation order.
func (s *Store) FindOpenTransactions(_ context.Context, q storage.OpenQuery, limit int) ([]model.TransactionRecord, error) {
	if limit <= 0 {
		limit = storage.MatchLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TransactionRecord
	for _, t := range s.transactions {
		if t.Complete || t.TapID != q.TapID || t.Protocol != q.Protocol || t.TransactionKey != q.Key {
			continue
		}
		if q.Anchor != nil && !t.InitiatedAt.Equal(*q.Anchor) {
			continue
		}
		out = append(out, copyTransaction(t))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// WriteTransactions applies inserts as upserts on the incomplete key and
// updates by id on incomplete rows only.
func (s *Store) WriteTransactions(_ context.Context, inserts, updates []*model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, in := range inserts {
		if !in.Complete {
			if open := s.openTransaction(in); open != nil {
				mergeTransaction(open, in, now)
				continue
			}
		}
		t := copyTransaction(in)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		s.transactions = append(s.transactions, &t)
	}
	for _, up := range updates {
		for _, t := range s.transactions {
			if t.ID == up.ID && !t.Complete {
				mergeTransaction(t, up, now)
				break
			}
		}
	}
	return nil
}

func (s *Store) openTransaction(in *model.TransactionRecord) *model.TransactionRecord {
	for _, t := range s.transactions {
		if !t.Complete && t.TapID == in.TapID && t.Protocol == in.Protocol && t.TransactionKey == in.TransactionKey {
			return t
		}
	}
	return nil
}

func mergeTransaction(dst, src *model.TransactionRecord, now time.Time) {
	dst.LatestSeen = model.Latest(dst.LatestSeen, src.LatestSeen)
	if src.TerminatedAt != nil {
		dst.TerminatedAt = copyTime(src.TerminatedAt)
	}
	dst.Complete = dst.Complete || src.Complete
	if src.Successful != nil {
		v := *src.Successful
		dst.Successful = &v
	}
	dst.Attributes = slices.Clone(src.Attributes)
	dst.Notes = slices.Clone(src.Notes)
	dst.UpdatedAt = now
}

// FindAssetByMAC fetches an asset within one organization and tenant.
func (s *Store) FindAssetByMAC(_ context.Context, organizationID, tenantID uuid.UUID, mac string) (*model.AssetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetKey{organizationID, tenantID, mac}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	asset := copyAsset(a)
	return &asset, nil
}

// UpdateAsset widens the seen window of an existing asset.
func (s *Store) UpdateAsset(_ context.Context, asset *model.AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.ID == asset.ID {
			mergeAsset(a, asset, s.now())
			return nil
		}
	}
	return storage.ErrNotFound
}

// InsertAsset creates an asset or merges into an existing one with the same identity.
func (s *Store) InsertAsset(_ context.Context, asset *model.AssetRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := assetKey{asset.OrganizationID, asset.TenantID, asset.MAC}
	if existing, ok := s.assets[key]; ok {
		mergeAsset(existing, asset, now)
		asset.ID = existing.ID
		return false, nil
	}
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	a := copyAsset(asset)
	a.ObservedVia = unionProtocols(nil, a.ObservedVia)
	a.CreatedAt = now
	a.UpdatedAt = now
	s.assets[key] = &a
	return true, nil
}

func mergeAsset(dst, src *model.AssetRecord, now time.Time) {
	dst.FirstSeen = model.Earliest(dst.FirstSeen, src.FirstSeen)
	dst.LastSeen = model.Latest(dst.LastSeen, src.LastSeen)
	dst.ObservedVia = unionProtocols(dst.ObservedVia, src.ObservedVia)
	dst.UpdatedAt = now
}

func unionProtocols(a, b []model.Protocol) []model.Protocol {
	out := slices.Clone(a)
	for _, p := range b {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// InsertStatistics appends one row per bucket.
func (s *Store) InsertStatistics(_ context.Context, buckets []model.StatisticsBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statistics = append(s.statistics, buckets...)
	return nil
}

// QueryStatistics sums the appended rows per protocol and bucket.
func (s *Store) QueryStatistics(_ context.Context, q storage.StatisticsQuery) ([]model.StatisticsBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		protocol model.Protocol
		bucket   time.Time
	}
	sums := make(map[key]*model.StatisticsBucket)
	var keys []key
	for _, b := range s.statistics {
		if b.TapID != q.TapID || (q.Protocol != "" && b.Protocol != q.Protocol) {
			continue
		}
		if b.Bucket.Before(q.From) || !b.Bucket.Before(q.To) {
			continue
		}
		k := key{b.Protocol, b.Bucket.UTC()}
		sum, ok := sums[k]
		if !ok {
			sum = &model.StatisticsBucket{TapID: q.TapID, Protocol: b.Protocol, Bucket: k.bucket}
			sums[k] = sum
			keys = append(keys, k)
		}
		sum.BytesCount += b.BytesCount
		sum.BytesInternal += b.BytesInternal
		sum.PacketsCount += b.PacketsCount
		sum.Sessions += b.Sessions
		sum.NewSessions += b.NewSessions
		sum.InternalSessions += b.InternalSessions
	}
	slices.SortFunc(keys, func(a, b key) int {
		if c := a.bucket.Compare(b.bucket); c != 0 {
			return c
		}
		return strings.Compare(string(a.protocol), string(b.protocol))
	})
	out := make([]model.StatisticsBucket, 0, len(keys))
	for _, k := range keys {
		out = append(out, *sums[k])
	}
	return out, nil
}

// Flows returns a snapshot of every stored flow.
func (s *Store) Flows() []model.FlowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FlowRecord, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, copyFlow(f))
	}
	return out
}

// Transactions returns a snapshot of every stored transaction.
func (s *Store) Transactions() []model.TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TransactionRecord, 0, len(s.transactions))
	for _, t := range s.transactions {
		out = append(out, copyTransaction(t))
	}
	return out
}

// Assets returns a snapshot of every stored asset.
func (s *Store) Assets() []model.AssetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AssetRecord, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, copyAsset(a))
	}
	slices.SortFunc(out, func(a, b model.AssetRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Statistics returns every appended statistics row.
func (s *Store) Statistics() []model.StatisticsBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.statistics)
}

// InjectFlow stores f as is, bypassing the upsert. Tests use it to build
// states the open-record index would normally prevent.
func (s *Store) InjectFlow(f model.FlowRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyFlow(&f)
	s.flows = append(s.flows, &c)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyGeo(g *model.GeoInfo) *model.GeoInfo {
	if g == nil {
		return nil
	}
	v := *g
	return &v
}

func copyFlow(f *model.FlowRecord) model.FlowRecord {
	c := *f
	c.EndTime = copyTime(f.EndTime)
	c.Source.Geo = copyGeo(f.Source.Geo)
	c.Destination.Geo = copyGeo(f.Destination.Geo)
	return c
}

func copyTransaction(t *model.TransactionRecord) model.TransactionRecord {
	c := *t
	c.TerminatedAt = copyTime(t.TerminatedAt)
	if t.Successful != nil {
		v := *t.Successful
		c.Successful = &v
	}
	c.Attributes = slices.Clone(t.Attributes)
	c.Notes = slices.Clone(t.Notes)
	return c
}

func copyAsset(a *model.AssetRecord) model.AssetRecord {
	c := *a
	c.ObservedVia = slices.Clone(a.ObservedVia)
	return c
}
