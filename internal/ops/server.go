// Package ops serves the node's operational endpoints: Prometheus metrics,
// liveness and readiness over HTTP, the gRPC health service, and a read-only
// statistics API.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	readyInterval   = 5 * time.Second
	checkTimeout    = 2 * time.Second
	defaultLookback = time.Hour
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Config wires the server.
type Config struct {
	Addr       string
	GRPCAddr   string
	Gatherer   prometheus.Gatherer
	Checks     map[string]Check
	Statistics storage.StatisticsReader
	Logger     *slog.Logger
}

// Server hosts the HTTP and gRPC listeners.
type Server struct {
	cfg    Config
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds the router and the gRPC health service.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:    cfg,
		health: health.NewServer(),
		log:    log.With("component", "ops"),
		stop:   make(chan struct{}),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyzHandler).Methods(http.MethodGet)
	if s.cfg.Statistics != nil {
		r.HandleFunc("/api/v1/taps/{tap_id}/statistics", s.statisticsHandler).Methods(http.MethodGet)
	}
	return r
}

// Start begins serving and polling readiness for the gRPC health status.
func (s *Server) Start() error {
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.Info("grpc health server starting", "addr", s.cfg.GRPCAddr)
			if err := s.grpc.Serve(lis); err != nil {
				s.log.Error("grpc server failed", "error", err)
			}
		}()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.log.Info("ops server starting", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.pollReadiness()
	}()
	return nil
}

func (s *Server) pollReadiness() {
	ticker := time.NewTicker(readyInterval)
	defer ticker.Stop()
	for {
		s.UpdateHealth(context.Background())
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// UpdateHealth runs the readiness checks and publishes the result on the
// gRPC health service.
func (s *Server) UpdateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if len(s.runChecks(ctx)) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	s.health.Shutdown()
	s.grpc.GracefulStop()
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) runChecks(ctx context.Context) map[string]string {
	failed := make(map[string]string)
	for name, check := range s.cfg.Checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	failed := s.runChecks(r.Context())
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statisticsHandler serves GET /api/v1/taps/{tap_id}/statistics with
// optional protocol, from and to (RFC 3339) query parameters. The default
// range is the last hour.
func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	tapID, err := uuid.Parse(mux.Vars(r)["tap_id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid tap id: %v", err), http.StatusBadRequest)
		return
	}
	params := r.URL.Query()
	q := storage.StatisticsQuery{TapID: tapID}
	if p := params.Get("protocol"); p != "" {
		protocol, err := model.ParseProtocol(p)
		if err != nil || !protocol.IsFlow() {
			http.Error(w, fmt.Sprintf("invalid protocol %q", p), http.StatusBadRequest)
			return
		}
		q.Protocol = protocol
	}
	q.To = time.Now().UTC()
	if v := params.Get("to"); v != "" {
		if q.To, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, fmt.Sprintf("invalid to: %v", err), http.StatusBadRequest)
			return
		}
	}
	q.From = q.To.Add(-defaultLookback)
	if v := params.Get("from"); v != "" {
		if q.From, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, fmt.Sprintf("invalid from: %v", err), http.StatusBadRequest)
			return
		}
	}
	if !q.From.Before(q.To) {
		http.Error(w, "from must be before to", http.StatusBadRequest)
		return
	}

	buckets, err := s.cfg.Statistics.QueryStatistics(r.Context(), q)
	if err != nil {
		s.log.Error("statistics query failed", "tap_id", tapID, "error", err)
		http.Error(w, "failed to query statistics", http.StatusInternalServerError)
		return
	}
	if buckets == nil {
		buckets = []model.StatisticsBucket{}
	}
	writeJSON(w, http.StatusOK, buckets)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
