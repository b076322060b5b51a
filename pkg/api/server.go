package api

import (
	"log/slog"
	"net/http"

	"github.com/strandsec/authwatch/pkg/ingest"
	"github.com/strandsec/authwatch/pkg/metrics"
	"github.com/strandsec/authwatch/pkg/registry"
	"github.com/strandsec/authwatch/pkg/risk"
	"github.com/strandsec/authwatch/pkg/runstore"
)

// Server exposes the ingest pipeline, run artifacts, the incident
// registry and the entity risk index over HTTP.
type Server struct {
	pipeline *ingest.Pipeline
	runs     *runstore.Store
	registry *registry.Registry
	risk     *risk.Engine
	counters *metrics.Counters
	logger   *slog.Logger
}

func NewServer(p *ingest.Pipeline, runs *runstore.Store, reg *registry.Registry, engine *risk.Engine, counters *metrics.Counters, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pipeline: p,
		runs:     runs,
		registry: reg,
		risk:     engine,
		counters: counters,
		logger:   logger,
	}
}

// Handler builds the route table and wraps it with the rate limiter.
func (s *Server) Handler(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	if limiter == nil {
		return mux
	}
	return limiter.Middleware(mux)
}

// RegisterRoutes attaches every endpoint to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest/", s.HandleIngest)
	mux.HandleFunc("GET /runs/", s.HandleListRuns)
	mux.HandleFunc("GET /runs/{id}/meta", s.HandleRunMeta)
	mux.HandleFunc("GET /runs/{id}/normalized", s.HandleRunNormalized)
	mux.HandleFunc("GET /runs/{id}/incidents", s.HandleRunIncidents)
	mux.HandleFunc("GET /incidents/", s.HandleListIncidents)
	mux.HandleFunc("GET /incidents/{id}", s.HandleGetIncident)
	mux.HandleFunc("PATCH /incidents/{id}", s.HandlePatchIncident)
	mux.HandleFunc("GET /entity-risk/", s.HandleEntityRisk)
	mux.HandleFunc("GET /metrics/", s.HandleMetrics)
	mux.HandleFunc("GET /health", s.HandleHealth)
}
