package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"TapLedger/internal/engine/fingerprint"
	"TapLedger/internal/engine/sessionkey"
	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
)

// DefaultFlowStaleness drops flow entries whose last activity is older.
const DefaultFlowStaleness = 60 * time.Second

// GeoLookup resolves the geo snapshot of an address. It returns nil when the
// address is unknown or the lookup failed.
type GeoLookup interface {
	Lookup(ctx context.Context, addr netip.Addr) *model.GeoInfo
}

type noGeo struct{}

func (noGeo) Lookup(context.Context, netip.Addr) *model.GeoInfo { return nil }

// flowFields is the protocol independent view of a flow entry.
type flowFields struct {
	srcMAC, dstMAC string
	src, dst       netip.Addr
	srcPort        uint16
	dstPort        uint16

	bytesRx, bytesTx uint64
	bytesCount       uint64
	packets          uint64
	state            string

	start  time.Time
	end    *time.Time
	recent time.Time

	syn *fingerprint.SYN
}

func tcpFields(e *model.TCPEntry) flowFields {
	return flowFields{
		srcMAC: e.SourceMAC, dstMAC: e.DestinationMAC,
		src: e.SourceAddress, dst: e.DestinationAddress,
		srcPort: e.SourcePort, dstPort: e.DestinationPort,
		bytesRx: e.BytesRx, bytesTx: e.BytesTx,
		bytesCount: e.BytesRx + e.BytesTx,
		packets:    e.SegmentsCount,
		state:      e.State,
		start:      e.StartTime, end: e.EndTime, recent: e.MostRecentActivity,
		syn: &fingerprint.SYN{
			TTL:          e.SynIPTTL,
			TOS:          e.SynIPTOS,
			DontFragment: e.SynIPDF,
			WindowSize:   e.SynWindowSize,
			MSS:          e.SynMaximumSegmentSize,
			WindowScale:  e.SynWindowScaleMultiplier,
			OptionKinds:  e.SynOptions,
		},
	}
}

func udpFields(e *model.UDPEntry) flowFields {
	return flowFields{
		srcMAC: e.SourceMAC, dstMAC: e.DestinationMAC,
		src: e.SourceAddress, dst: e.DestinationAddress,
		srcPort: e.SourcePort, dstPort: e.DestinationPort,
		bytesCount: e.BytesCount,
		packets:    e.DatagramsCount,
		state:      e.State,
		start:      e.StartTime, end: e.EndTime, recent: e.MostRecentActivity,
	}
}

// FlowStrategy reconciles TCP sessions or UDP conversations.
type FlowStrategy[E any] struct {
	protocol  model.Protocol
	repo      storage.FlowRepository
	geo       GeoLookup
	staleness time.Duration
	fields    func(*E) flowFields
	now       func() time.Time
}

// NewTCPStrategy returns the TCP session strategy.
func NewTCPStrategy(repo storage.FlowRepository, geo GeoLookup, staleness time.Duration) *FlowStrategy[model.TCPEntry] {
	return newFlowStrategy(model.ProtocolTCP, repo, geo, staleness, tcpFields)
}

// NewUDPStrategy returns the UDP conversation strategy.
func NewUDPStrategy(repo storage.FlowRepository, geo GeoLookup, staleness time.Duration) *FlowStrategy[model.UDPEntry] {
	return newFlowStrategy(model.ProtocolUDP, repo, geo, staleness, udpFields)
}

func newFlowStrategy[E any](protocol model.Protocol, repo storage.FlowRepository, geo GeoLookup, staleness time.Duration, fields func(*E) flowFields) *FlowStrategy[E] {
	if geo == nil {
		geo = noGeo{}
	}
	return &FlowStrategy[E]{
		protocol:  protocol,
		repo:      repo,
		geo:       geo,
		staleness: staleness,
		fields:    fields,
		now:       time.Now,
	}
}

func (s *FlowStrategy[E]) Protocol() model.Protocol { return s.protocol }

func (s *FlowStrategy[E]) Staleness() time.Duration { return s.staleness }

func (s *FlowStrategy[E]) Key(e *E) (string, *time.Time, error) {
	f := s.fields(e)
	if !f.src.IsValid() || !f.dst.IsValid() {
		return "", nil, fmt.Errorf("%w: missing endpoint address", ErrInvalidEntry)
	}
	key, err := sessionkey.BuildAnchored(&f.start, f.src, f.dst, f.srcPort, f.dstPort)
	if err != nil {
		return "", nil, errors.Join(ErrInvalidEntry, err)
	}
	return key, nil, nil
}

func (s *FlowStrategy[E]) LastActivity(e *E) time.Time {
	f := s.fields(e)
	last := model.Latest(f.start, f.recent)
	if f.end != nil {
		last = model.Latest(last, *f.end)
	}
	return last
}

// Match returns the open flows for q. Without an open flow, an entry is a
// re-report of a finished session when the key was already recorded closed
// and the entry is closed too or holds no activity after the recorded one.
func (s *FlowStrategy[E]) Match(ctx context.Context, q storage.OpenQuery, e *E) ([]model.FlowRecord, error) {
	open, err := s.repo.FindOpenFlows(ctx, q, storage.MatchLimit)
	if err != nil {
		return nil, fmt.Errorf("find open flows: %w", err)
	}
	if len(open) > 0 {
		return open, nil
	}
	closed, err := s.repo.FindClosedFlow(ctx, q)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("find closed flow: %w", err)
	}
	recorded := closed.MostRecentActivity
	if closed.EndTime != nil {
		recorded = model.Latest(recorded, *closed.EndTime)
	}
	if s.fields(e).end != nil || !recorded.Before(s.LastActivity(e)) {
		return nil, ErrTerminated
	}
	return nil, nil
}

func (s *FlowStrategy[E]) Create(ctx context.Context, tap *model.Tap, key string, e *E) (*model.FlowRecord, error) {
	f := s.fields(e)
	srcMAC, err := model.NormalizeMAC(f.srcMAC)
	if err != nil {
		return nil, errors.Join(ErrInvalidEntry, err)
	}
	dstMAC, err := model.NormalizeMAC(f.dstMAC)
	if err != nil {
		return nil, errors.Join(ErrInvalidEntry, err)
	}

	src := model.NewEndpoint(srcMAC, f.src, f.srcPort)
	dst := model.NewEndpoint(dstMAC, f.dst, f.dstPort)
	src.Geo = s.geo.Lookup(ctx, f.src)
	dst.Geo = s.geo.Lookup(ctx, f.dst)

	now := s.now()
	rec := &model.FlowRecord{
		ID:                 uuid.New(),
		TapID:              tap.ID,
		Protocol:           s.protocol,
		SessionKey:         key,
		Source:             src,
		Destination:        dst,
		BytesRx:            f.bytesRx,
		BytesTx:            f.bytesTx,
		BytesCount:         f.bytesCount,
		PacketsCount:       f.packets,
		State:              f.state,
		StartTime:          f.start,
		EndTime:            f.end,
		MostRecentActivity: model.Latest(f.start, f.recent),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if f.syn != nil {
		rec.Fingerprint = fingerprint.Generate(*f.syn)
	}
	return rec, nil
}

// Update copies the latest counters, state and activity of e into r. Counters
// never move backwards.
func (s *FlowStrategy[E]) Update(r *model.FlowRecord, e *E) error {
	f := s.fields(e)
	r.BytesRx = max(r.BytesRx, f.bytesRx)
	r.BytesTx = max(r.BytesTx, f.bytesTx)
	r.BytesCount = max(r.BytesCount, f.bytesCount)
	r.PacketsCount = max(r.PacketsCount, f.packets)
	if f.end != nil {
		r.EndTime = f.end
		r.State = f.state
	} else if r.EndTime == nil {
		r.State = f.state
	}
	r.MostRecentActivity = model.Latest(r.MostRecentActivity, f.recent)
	r.UpdatedAt = s.now()
	return nil
}

func (s *FlowStrategy[E]) Frozen(*model.FlowRecord) bool { return false }

func (s *FlowStrategy[E]) Observe(e *E) (model.Observation, bool) {
	f := s.fields(e)
	mac, err := model.NormalizeMAC(f.srcMAC)
	if err != nil || mac == "" {
		return model.Observation{}, false
	}
	return model.Observation{
		MAC:       mac,
		Protocol:  s.protocol,
		FirstSeen: f.start,
		LastSeen:  model.Latest(f.start, f.recent),
	}, true
}

func (s *FlowStrategy[E]) Write(ctx context.Context, inserts, updates []*model.FlowRecord) error {
	return s.repo.WriteFlows(ctx, inserts, updates)
}
