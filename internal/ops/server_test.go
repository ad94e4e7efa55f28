package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage/memory"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newServer(checks map[string]Check, store *memory.Store) *Server {
	cfg := Config{
		Gatherer: prometheus.NewRegistry(),
		Checks:   checks,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if store != nil {
		cfg.Statistics = store
	}
	return New(cfg)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := true
	s := newServer(map[string]Check{
		"store": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	}, nil)
	h := s.Router()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rec.Code)
	}
	healthy = false
	rec := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503, got %d", rec.Code)
	}
	var body struct {
		Failed map[string]string `json:"failed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Failed["store"] != "connection refused" {
		t.Fatalf("expected the failing check to be named, got %v", body.Failed)
	}
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
}

func TestGRPCHealthFollowsChecks(t *testing.T) {
	healthy := false
	s := newServer(map[string]Check{
		"nats": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("disconnected")
		},
	}, nil)
	ctx := context.Background()

	s.UpdateHealth(ctx)
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.Status)
	}

	healthy = true
	s.UpdateHealth(ctx)
	resp, _ = s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.Status)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	store := memory.New()
	tapID := uuid.New()
	bucket := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.InsertStatistics(context.Background(), []model.StatisticsBucket{
		{TapID: tapID, Protocol: model.ProtocolTCP, Bucket: bucket, BytesCount: 100, Sessions: 1},
		{TapID: tapID, Protocol: model.ProtocolTCP, Bucket: bucket, BytesCount: 20, Sessions: 1},
	}); err != nil {
		t.Fatal(err)
	}
	h := newServer(nil, store).Router()

	rec := get(t, h, "/api/v1/taps/"+tapID.String()+"/statistics?protocol=tcp&from=2024-05-01T11:00:00Z&to=2024-05-01T13:00:00Z")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var got []model.StatisticsBucket
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].BytesCount != 120 || got[0].Sessions != 2 {
		t.Fatalf("unexpected buckets %+v", got)
	}

	tests := []struct {
		name string
		path string
	}{
		{"bad tap id", "/api/v1/taps/nope/statistics"},
		{"transaction protocol", "/api/v1/taps/" + tapID.String() + "/statistics?protocol=dhcp"},
		{"bad time", "/api/v1/taps/" + tapID.String() + "/statistics?from=yesterday"},
		{"empty range", "/api/v1/taps/" + tapID.String() + "/statistics?from=2024-05-01T13:00:00Z&to=2024-05-01T12:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(t, h, tt.path); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}
