package notification

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/model"

	"github.com/google/uuid"
)

type recordingPublisher struct {
	subject string
	data    []byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewNATSSink(pub, "assets.new")
	event := model.NewAssetEvent{
		Subsystem: model.AssetSubsystemEthernet,
		AssetID:   uuid.New(),
		MAC:       "AA:BB:CC:DD:EE:FF",
		TapID:     uuid.New(),
		FirstSeen: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := sink.OnNewAsset(context.Background(), event); err != nil {
		t.Fatalf("OnNewAsset: %v", err)
	}
	if pub.subject != "assets.new" {
		t.Fatalf("expected subject assets.new, got %q", pub.subject)
	}
	var got model.NewAssetEvent
	if err := json.Unmarshal(pub.data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.AssetID != event.AssetID || got.Subsystem != "ethernet" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestNewSelectsSink(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(config.AssetsConfig{Sink: "log"}, nil, log); err != nil {
		t.Fatalf("log sink: %v", err)
	}
	if _, err := New(config.AssetsConfig{Sink: "nats"}, nil, log); err == nil {
		t.Fatal("expected nats sink without connection to fail")
	}
	if _, err := New(config.AssetsConfig{Sink: "smtp"}, nil, log); err == nil {
		t.Fatal("expected unknown sink to fail")
	}
}
