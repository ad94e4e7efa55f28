package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"TapLedger/internal/engine/reconcile"
	"TapLedger/internal/model"
	"TapLedger/internal/storage/memory"

	"github.com/google/uuid"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func udpReport(t *testing.T, dst string, bytes uint64) []json.RawMessage {
	t.Helper()
	e := model.UDPEntry{
		SourceAddress:      netip.MustParseAddr("10.1.1.1"),
		DestinationAddress: netip.MustParseAddr(dst),
		SourcePort:         40000,
		DestinationPort:    53,
		BytesCount:         bytes,
		DatagramsCount:     bytes / 100,
		State:              model.UDPStateActive,
		StartTime:          t0,
		MostRecentActivity: t0.Add(time.Second),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return []json.RawMessage{data}
}

func TestInternalSessionsCountOnlySiteLocalPairs(t *testing.T) {
	cases := []struct {
		name     string
		dst      string
		internal uint64
	}{
		{"site-local pair", "10.1.1.2", 1},
		{"public destination", "8.8.8.8", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			rec := reconcile.New(reconcile.NewUDPStrategy(store, nil, 0), nil)
			tap := &model.Tap{ID: uuid.New()}
			res := rec.Reconcile(context.Background(), tap, udpReport(t, tc.dst, 1000))

			w := NewMemoryWriter()
			r := NewRecorder([]model.StatisticsWriter{w}, time.Minute, nil)
			b, err := r.Record(context.Background(), tap, model.ProtocolUDP, t0.Add(30*time.Second), res.Pending)
			if err != nil {
				t.Fatalf("Record: %v", err)
			}
			if b.InternalSessions != tc.internal {
				t.Fatalf("expected internal sessions %d, got %d", tc.internal, b.InternalSessions)
			}
			if b.Sessions != 1 || b.NewSessions != 1 || b.BytesCount != 1000 {
				t.Fatalf("unexpected bucket %+v", b)
			}
			if !b.Bucket.Equal(t0) {
				t.Fatalf("expected bucket %v, got %v", t0, b.Bucket)
			}
			if len(w.Buckets()) != 1 {
				t.Fatalf("expected one written bucket, got %d", len(w.Buckets()))
			}
		})
	}
}

func TestAccumulateUsesBaselineDeltas(t *testing.T) {
	internal := model.NewEndpoint("", netip.MustParseAddr("192.168.0.2"), 1)
	peer := model.NewEndpoint("", netip.MustParseAddr("192.168.0.3"), 2)
	baseline := &model.FlowRecord{BytesCount: 400, PacketsCount: 4, Source: internal, Destination: peer}
	updated := *baseline
	updated.BytesCount = 1000
	updated.PacketsCount = 10
	fresh := &model.FlowRecord{BytesCount: 50, PacketsCount: 1, Source: internal, Destination: model.NewEndpoint("", netip.MustParseAddr("1.1.1.1"), 53)}

	pending := []*reconcile.Pending[model.FlowRecord]{
		{Record: &updated, Baseline: baseline},
		{Record: fresh},
	}
	b := Accumulate(uuid.New(), model.ProtocolTCP, t0, pending)

	want := model.StatisticsBucket{
		TapID: b.TapID, Protocol: model.ProtocolTCP, Bucket: t0,
		BytesCount: 650, BytesInternal: 600, PacketsCount: 7,
		Sessions: 2, NewSessions: 1, InternalSessions: 1,
	}
	if b != want {
		t.Fatalf("expected %+v, got %+v", want, b)
	}
}

func TestEmptyBatchWritesNothing(t *testing.T) {
	w := NewMemoryWriter()
	r := NewRecorder([]model.StatisticsWriter{w}, 0, nil)
	if _, err := r.Record(context.Background(), &model.Tap{ID: uuid.New()}, model.ProtocolTCP, t0, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if n := len(w.Buckets()); n != 0 {
		t.Fatalf("expected no buckets, got %d", n)
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, []model.StatisticsBucket) error {
	return errors.New("clickhouse: broken pipe")
}
func (failingWriter) Close() error { return nil }

func TestFailingWriterDoesNotStopOthers(t *testing.T) {
	w := NewMemoryWriter()
	r := NewRecorder([]model.StatisticsWriter{failingWriter{}, w}, time.Minute, nil)
	pending := []*reconcile.Pending[model.FlowRecord]{{Record: &model.FlowRecord{BytesCount: 1}}}
	if _, err := r.Record(context.Background(), &model.Tap{ID: uuid.New()}, model.ProtocolTCP, t0, pending); err == nil {
		t.Fatal("expected the writer error")
	}
	if n := len(w.Buckets()); n != 1 {
		t.Fatalf("expected the second writer to receive the bucket, got %d", n)
	}
}

func TestStoreWriterAppends(t *testing.T) {
	store := memory.New()
	w := NewStoreWriter(store)
	b := model.StatisticsBucket{TapID: uuid.New(), Protocol: model.ProtocolUDP, Bucket: t0, Sessions: 1}
	if err := w.Write(context.Background(), []model.StatisticsBucket{b, b}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := len(store.Statistics()); n != 2 {
		t.Fatalf("expected two appended rows, got %d", n)
	}
}
