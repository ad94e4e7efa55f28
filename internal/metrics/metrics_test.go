package metrics

import (
	"testing"
	"time"

	"TapLedger/internal/engine/reconcile"
	"TapLedger/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CountEntry(model.ProtocolTCP, reconcile.OutcomeCreated)
	m.CountEntry(model.ProtocolTCP, reconcile.OutcomeCreated)
	m.Report(model.ProtocolTCP, "ok", 10*time.Millisecond)
	m.NewAssets(3)
	m.GeoResult("hit")

	if got := testutil.ToFloat64(m.entries.WithLabelValues("tcp", "created")); got != 2 {
		t.Fatalf("expected 2 created entries, got %v", got)
	}
	if got := testutil.ToFloat64(m.reports.WithLabelValues("tcp", "ok")); got != 1 {
		t.Fatalf("expected 1 report, got %v", got)
	}
	if got := testutil.ToFloat64(m.newAssets); got != 3 {
		t.Fatalf("expected 3 new assets, got %v", got)
	}
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	a.NewAssets(1)
	b.NewAssets(1)
	if got := testutil.ToFloat64(a.newAssets); got != 2 {
		t.Fatalf("expected shared counter to read 2, got %v", got)
	}
}
