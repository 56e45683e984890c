package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/pipeline"
)

// Service is the part of the pipeline the HTTP interface exposes.
type Service interface {
	sharedobs.ReadinessChecker

	ReadReconciled(ctx context.Context, q domain.ReconciledQuery) (domain.ReconciledPage, error)
	ReadStations(ctx context.Context) ([]domain.StationMetadata, error)
	Status(ctx context.Context) (pipeline.Status, error)
	Monitor(ctx context.Context, from, to time.Time) (pipeline.MonitoringReport, error)

	RefreshTier(ctx context.Context, tier domain.Tier) (pipeline.RefreshResult, error)
	RefreshStations(ctx context.Context) (pipeline.StationsResult, error)
	Recompute(ctx context.Context) (pipeline.RecomputeResult, error)
}

// Server exposes health, readiness, metrics and the reconciler API.
type Server struct {
	httpServer *http.Server
	svc        Service
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /api/v1 routes.
func NewServer(addr string, svc Service, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// Manual refreshes run synchronously and can take minutes.
			WriteTimeout: 15 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		svc:    svc,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(svc))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/reconciled", s.handleReconciled)
	mux.HandleFunc("GET /api/v1/stations", s.handleStations)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/monitoring", s.handleMonitoring)
	mux.HandleFunc("POST /api/v1/tiers/{tier}/refresh", s.handleRefreshTier)
	mux.HandleFunc("POST /api/v1/stations/refresh", s.handleRefreshStations)
	mux.HandleFunc("POST /api/v1/reconciliation/recompute", s.handleRecompute)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type reconciledResponse struct {
	LastRefreshedAt time.Time                 `json:"last_refreshed_at"`
	Stale           bool                      `json:"stale"`
	Lag             string                    `json:"lag"`
	Count           int                       `json:"count"`
	Records         []domain.ReconciledRecord `json:"records"`
}

func (s *Server) handleReconciled(w http.ResponseWriter, r *http.Request) {
	q, err := parseReconciledQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	page, err := s.svc.ReadReconciled(r.Context(), q)
	if err != nil {
		s.internalError(w, "read reconciled", err)
		return
	}
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.internalError(w, "read status", err)
		return
	}
	records := page.Records
	if records == nil {
		records = []domain.ReconciledRecord{}
	}
	// The refresh time comes from the page so it always matches the rows returned.
	writeJSON(w, http.StatusOK, reconciledResponse{
		LastRefreshedAt: page.RefreshedAt,
		Stale:           st.Stale,
		Lag:             st.Lag,
		Count:           len(records),
		Records:         records,
	})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.svc.ReadStations(r.Context())
	if err != nil {
		s.internalError(w, "read stations", err)
		return
	}
	if stations == nil {
		stations = []domain.StationMetadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(stations), "stations": stations})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.internalError(w, "read status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.svc.Monitor(r.Context(), win.From, win.To)
	if err != nil {
		s.internalError(w, "monitor", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRefreshTier(w http.ResponseWriter, r *http.Request) {
	tier, err := domain.ParseTier(r.PathValue("tier"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	recompute := r.URL.Query().Get("recompute") == "true"

	res, err := s.svc.RefreshTier(r.Context(), tier)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "refresh": res})
		return
	}
	if !recompute {
		writeJSON(w, http.StatusOK, map[string]any{"refresh": res})
		return
	}
	rec, err := s.svc.Recompute(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "refresh": res, "recompute": rec})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refresh": res, "recompute": rec})
}

func (s *Server) handleRefreshStations(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RefreshStations(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "refresh": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refresh": res})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Recompute(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "recompute": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recompute": res})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, errors.New(op+" failed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
