package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"
	"TapLedger/internal/storage/memory"

	"github.com/google/uuid"
)

var (
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return t0.Add(10 * time.Second) }
)

func testTap() *model.Tap {
	return &model.Tap{ID: uuid.New(), Name: "tap-1", OrganizationID: uuid.New(), TenantID: uuid.New()}
}

func rawEntries(t *testing.T, entries ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal entry: %v", err)
		}
		out = append(out, data)
	}
	return out
}

func tcpEntry(bytesRx uint64, end *time.Time) model.TCPEntry {
	recent := t0.Add(time.Second)
	if end != nil {
		recent = *end
	}
	return model.TCPEntry{
		SourceMAC:          "aa:bb:cc:dd:ee:ff",
		DestinationMAC:     "11:22:33:44:55:66",
		SourceAddress:      netip.MustParseAddr("10.0.0.5"),
		DestinationAddress: netip.MustParseAddr("93.1.1.1"),
		SourcePort:         4000,
		DestinationPort:    443,
		BytesRx:            bytesRx,
		SegmentsCount:      bytesRx / 100,
		State:              model.TCPStateEstablished,
		StartTime:          t0,
		EndTime:            end,
		MostRecentActivity: recent,
		SynIPTTL:           64,
		SynWindowSize:      64240,
	}
}

func newTCP(store *memory.Store, geo GeoLookup) *Reconciler[model.TCPEntry, model.FlowRecord] {
	return New(NewTCPStrategy(store, geo, DefaultFlowStaleness), nil, WithClock(nowFunc))
}

func TestTCPReportsConvergeToOneRow(t *testing.T) {
	store := memory.New()
	rec := newTCP(store, nil)
	tap := testTap()
	ctx := context.Background()

	res := rec.Reconcile(ctx, tap, rawEntries(t, tcpEntry(100, nil)))
	if !res.Written || res.Outcomes[OutcomeCreated] != 1 {
		t.Fatalf("expected one created entry, got %+v", res.Outcomes)
	}

	end := t0.Add(5 * time.Second)
	res = rec.Reconcile(ctx, tap, rawEntries(t, tcpEntry(500, &end)))
	if res.Outcomes[OutcomeUpdated] != 1 {
		t.Fatalf("expected one updated entry, got %+v", res.Outcomes)
	}
	if res.Pending[0].Baseline.BytesRx != 100 {
		t.Fatalf("expected baseline bytes_rx 100, got %d", res.Pending[0].Baseline.BytesRx)
	}

	flows := store.Flows()
	if len(flows) != 1 {
		t.Fatalf("expected one flow, got %d", len(flows))
	}
	f := flows[0]
	if f.BytesRx != 500 {
		t.Errorf("expected bytes_rx 500, got %d", f.BytesRx)
	}
	if f.EndTime == nil || !f.EndTime.Equal(end) {
		t.Errorf("expected end_time %v, got %v", end, f.EndTime)
	}
	if f.Fingerprint == "" {
		t.Error("expected a fingerprint on a TCP flow")
	}
	if f.Source.MAC != "AA:BB:CC:DD:EE:FF" || !f.Source.SiteLocal || f.Destination.SiteLocal {
		t.Errorf("unexpected endpoints %+v / %+v", f.Source, f.Destination)
	}
}

func TestIdenticalReReportIsIdempotent(t *testing.T) {
	store := memory.New()
	rec := newTCP(store, nil)
	tap := testTap()
	entries := rawEntries(t, tcpEntry(300, nil))

	for i := 0; i < 3; i++ {
		if res := rec.Reconcile(context.Background(), tap, entries); !res.Written {
			t.Fatalf("report %d not written: %v", i, res.WriteErr)
		}
	}
	flows := store.Flows()
	if len(flows) != 1 || flows[0].BytesRx != 300 {
		t.Fatalf("expected one flow with bytes_rx 300, got %+v", flows)
	}
}

func TestClosedReReportIsDuplicate(t *testing.T) {
	store := memory.New()
	rec := newTCP(store, nil)
	tap := testTap()
	end := t0.Add(5 * time.Second)
	closed := rawEntries(t, tcpEntry(500, &end))

	rec.Reconcile(context.Background(), tap, closed)
	res := rec.Reconcile(context.Background(), tap, closed)
	if res.Outcomes[OutcomeDuplicate] != 1 || len(res.Pending) != 0 {
		t.Fatalf("expected the re-report to be a duplicate, got %+v", res.Outcomes)
	}
	if n := len(store.Flows()); n != 1 {
		t.Fatalf("expected one flow, got %d", n)
	}
}

func TestLateOpenSnapshotAfterCloseIsDuplicate(t *testing.T) {
	store := memory.New()
	rec := newTCP(store, nil)
	tap := testTap()
	ctx := context.Background()
	end := t0.Add(5 * time.Second)

	rec.Reconcile(ctx, tap, rawEntries(t, tcpEntry(100, nil)))
	rec.Reconcile(ctx, tap, rawEntries(t, tcpEntry(500, &end)))
	res := rec.Reconcile(ctx, tap, rawEntries(t, tcpEntry(300, nil)))
	if res.Outcomes[OutcomeDuplicate] != 1 || len(res.Pending) != 0 {
		t.Fatalf("expected the late snapshot to be a duplicate, got %+v", res.Outcomes)
	}
	flows := store.Flows()
	if len(flows) != 1 || flows[0].EndTime == nil || flows[0].BytesRx != 500 {
		t.Fatalf("expected one closed flow with 500 bytes, got %+v", flows)
	}
}

func TestStaleEntryIsDropped(t *testing.T) {
	store := memory.New()
	now := t0.Add(10 * time.Minute)
	rec := New(NewTCPStrategy(store, nil, DefaultFlowStaleness), nil, WithClock(func() time.Time { return now }))

	e := tcpEntry(100, nil)
	e.StartTime = now.Add(-2 * time.Minute)
	e.MostRecentActivity = now.Add(-90 * time.Second)

	res := rec.Reconcile(context.Background(), testTap(), rawEntries(t, e))
	if res.Outcomes[OutcomeStale] != 1 || len(res.Pending) != 0 || len(res.Observations) != 0 {
		t.Fatalf("expected a stale skip with no writes, got %+v", res)
	}
	if n := len(store.Flows()); n != 0 {
		t.Fatalf("expected no flows, got %d", n)
	}
}

func TestEntriesWithSameKeyCoalesce(t *testing.T) {
	store := memory.New()
	rec := newTCP(store, nil)

	end := t0.Add(3 * time.Second)
	res := rec.Reconcile(context.Background(), testTap(), rawEntries(t, tcpEntry(100, nil), tcpEntry(200, &end)))
	if res.Outcomes[OutcomeCreated] != 1 || res.Outcomes[OutcomeCoalesced] != 1 {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	flows := store.Flows()
	if len(flows) != 1 || flows[0].BytesRx != 200 || flows[0].EndTime == nil {
		t.Fatalf("expected one closed flow with bytes_rx 200, got %+v", flows)
	}
}

func TestBadEntryDoesNotBlockTheRest(t *testing.T) {
	store := memory.New()
	rec := newTCP(store, nil)

	noAnchor := tcpEntry(1, nil)
	noAnchor.StartTime = time.Time{}
	badMAC := tcpEntry(1, nil)
	badMAC.SourcePort = 4001
	badMAC.SourceMAC = "not-a-mac"

	entries := append(rawEntries(t, noAnchor, badMAC, tcpEntry(100, nil)), json.RawMessage(`{"source_port":"x"}`))
	res := rec.Reconcile(context.Background(), testTap(), entries)
	if res.Outcomes[OutcomeInvalid] != 3 || res.Outcomes[OutcomeCreated] != 1 {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	if n := len(store.Flows()); n != 1 {
		t.Fatalf("expected one flow, got %d", n)
	}
}

func TestBrokenInvariantUsesOldestCandidate(t *testing.T) {
	store := memory.New()
	rec := newTCP(store, nil)
	tap := testTap()

	key, _, err := rec.strategy.Key(ptr(tcpEntry(0, nil)))
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	oldest := model.FlowRecord{ID: uuid.New(), TapID: tap.ID, Protocol: model.ProtocolTCP, SessionKey: key, StartTime: t0}
	newer := oldest
	newer.ID = uuid.New()
	store.InjectFlow(oldest)
	store.InjectFlow(newer)

	res := rec.Reconcile(context.Background(), tap, rawEntries(t, tcpEntry(700, nil)))
	if res.Outcomes[OutcomeUpdated] != 1 {
		t.Fatalf("expected an update, got %+v", res.Outcomes)
	}
	for _, f := range store.Flows() {
		switch f.ID {
		case oldest.ID:
			if f.BytesRx != 700 {
				t.Errorf("expected oldest candidate to be updated, got %d", f.BytesRx)
			}
		case newer.ID:
			if f.BytesRx != 0 {
				t.Errorf("expected newer candidate untouched, got %d", f.BytesRx)
			}
		}
	}
}

type countingGeo struct{ calls atomic.Int32 }

func (g *countingGeo) Lookup(_ context.Context, addr netip.Addr) *model.GeoInfo {
	g.calls.Add(1)
	if !model.Routable(addr) {
		return nil
	}
	cc := "DE"
	return &model.GeoInfo{CountryCode: &cc}
}

func TestGeoIsResolvedOnlyOnCreate(t *testing.T) {
	store := memory.New()
	geo := &countingGeo{}
	rec := newTCP(store, geo)
	tap := testTap()

	rec.Reconcile(context.Background(), tap, rawEntries(t, tcpEntry(100, nil)))
	rec.Reconcile(context.Background(), tap, rawEntries(t, tcpEntry(200, nil)))

	if n := geo.calls.Load(); n != 2 {
		t.Fatalf("expected two lookups on create, got %d", n)
	}
	f := store.Flows()[0]
	if f.Source.Geo != nil {
		t.Errorf("expected no geo for a private source, got %+v", f.Source.Geo)
	}
	if f.Destination.Geo == nil || *f.Destination.Geo.CountryCode != "DE" {
		t.Errorf("expected destination geo, got %+v", f.Destination.Geo)
	}
}

func TestUDPCountsDatagrams(t *testing.T) {
	store := memory.New()
	rec := New(NewUDPStrategy(store, nil, DefaultFlowStaleness), nil, WithClock(nowFunc))
	e := model.UDPEntry{
		SourceAddress:      netip.MustParseAddr("192.168.1.2"),
		DestinationAddress: netip.MustParseAddr("192.168.1.3"),
		SourcePort:         5353,
		DestinationPort:    5353,
		BytesCount:         900,
		DatagramsCount:     9,
		State:              model.UDPStateActive,
		StartTime:          t0,
		MostRecentActivity: t0.Add(time.Second),
	}
	res := rec.Reconcile(context.Background(), testTap(), rawEntries(t, e))
	if !res.Written || len(res.Observations) != 0 {
		t.Fatalf("expected a write without observations, got %+v", res)
	}
	f := store.Flows()[0]
	if f.BytesCount != 900 || f.PacketsCount != 9 || f.Fingerprint != "" || !f.Internal() {
		t.Fatalf("unexpected udp flow %+v", f)
	}
}

type failingFlows struct{ *memory.Store }

func (failingFlows) WriteFlows(context.Context, []*model.FlowRecord, []*model.FlowRecord) error {
	return errors.New("connection reset")
}

func TestWriteFailureIsReported(t *testing.T) {
	rec := New(NewTCPStrategy(failingFlows{memory.New()}, nil, DefaultFlowStaleness), nil, WithClock(nowFunc))
	res := rec.Reconcile(context.Background(), testTap(), rawEntries(t, tcpEntry(100, nil)))
	if res.Written || res.WriteErr == nil {
		t.Fatalf("expected a write error, got %+v", res)
	}
	if len(res.Observations) != 1 {
		t.Fatalf("expected the observation to survive a failed write, got %d", len(res.Observations))
	}
}

var _ storage.FlowRepository = failingFlows{}

func ptr[T any](v T) *T { return &v }
