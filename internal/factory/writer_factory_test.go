package factory

import (
	"context"
	"errors"
	"slices"
	"testing"

	"TapLedger/internal/config"
	"TapLedger/internal/model"
)

type stubWriter struct{ closed bool }

func (w *stubWriter) Write(context.Context, []model.StatisticsBucket) error { return nil }
func (w *stubWriter) Close() error                                          { w.closed = true; return nil }

func TestCreateWritersClosesOnFailure(t *testing.T) {
	ok := &stubWriter{}
	RegisterWriter("test-ok", func(Deps) (model.StatisticsWriter, error) { return ok, nil })
	RegisterWriter("test-broken", func(Deps) (model.StatisticsWriter, error) { return nil, errors.New("dial tcp: refused") })

	cfg := config.Default()
	cfg.Statistics.Writers = []string{"test-ok", "test-broken"}
	if _, err := CreateWriters(Deps{Config: cfg}); err == nil {
		t.Fatal("expected an error")
	}
	if !ok.closed {
		t.Fatal("expected the created writer to be closed")
	}

	cfg.Statistics.Writers = []string{"test-ok"}
	writers, err := CreateWriters(Deps{Config: cfg})
	if err != nil || len(writers) != 1 {
		t.Fatalf("expected one writer, got %d (%v)", len(writers), err)
	}
	if !slices.Contains(Registered(), "test-ok") {
		t.Fatalf("expected test-ok in %v", Registered())
	}
}

func TestCreateWritersRejectsUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Statistics.Writers = []string{"nope"}
	if _, err := CreateWriters(Deps{Config: cfg}); err == nil {
		t.Fatal("expected unknown writer to fail")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	RegisterWriter("test-dup", func(Deps) (model.StatisticsWriter, error) { return &stubWriter{}, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	RegisterWriter("test-dup", func(Deps) (model.StatisticsWriter, error) { return &stubWriter{}, nil })
}
