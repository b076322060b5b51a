package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
	"github.com/strandsec/authwatch/pkg/metrics"
	"github.com/strandsec/authwatch/pkg/registry"
	"github.com/strandsec/authwatch/pkg/runstore"
)

// incidentView is an incident enriched with the derived staleness flag.
type incidentView struct {
	incident.Incident
	IsStale bool `json:"is_stale"`
}

// HandleIngest handles POST /ingest/. The body is a JSON array of raw
// events; an optional ?source= query pins the mapping profile.
func (s *Server) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20) // 8MB limit

	var batch []event.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		WriteBadRequest(w, "Request body must be a JSON array of events")
		return
	}
	if len(batch) == 0 {
		WriteBadRequest(w, "Event batch must not be empty")
		return
	}

	summary, err := s.pipeline.Run(r.Context(), batch, r.URL.Query().Get("source"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleListRuns handles GET /runs/: a plain array of run ids, newest
// first.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	metas, err := s.runs.ListRuns()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	ids := make([]string, 0, len(metas))
	for _, meta := range metas {
		ids = append(ids, meta.RunID)
	}
	writeJSON(w, http.StatusOK, ids)
}

// HandleRunMeta handles GET /runs/{id}/meta.
func (s *Server) HandleRunMeta(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	meta, err := s.runs.ReadMeta(runID)
	if err != nil {
		s.writeRunError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// HandleRunNormalized handles GET /runs/{id}/normalized.
func (s *Server) HandleRunNormalized(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	events, err := s.runs.ReadNormalized(runID)
	if err != nil {
		s.writeRunError(w, runID, err)
		return
	}
	if events == nil {
		events = []event.NormalizedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "event_count": len(events), "events": events})
}

// HandleRunIncidents handles GET /runs/{id}/incidents.
func (s *Server) HandleRunIncidents(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	incs, err := s.runs.ReadIncidents(runID)
	if err != nil {
		s.writeRunError(w, runID, err)
		return
	}
	if incs == nil {
		incs = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "incident_count": len(incs), "incidents": incs})
}

// HandleListIncidents handles GET /incidents/.
func (s *Server) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	incs := s.registry.List()
	views := make([]incidentView, 0, len(incs))
	for _, inc := range incs {
		views = append(views, incidentView{Incident: inc, IsStale: s.registry.IsStale(inc)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident_count": len(views), "incidents": views})
}

// HandleGetIncident handles GET /incidents/{id}.
func (s *Server) HandleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.registry.Get(r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		WriteNotFound(w, "Incident not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidentView{Incident: inc, IsStale: s.registry.IsStale(inc)})
}

// transitionRequest is the PATCH /incidents/{id} body.
type transitionRequest struct {
	Status           string `json:"status"`
	ResolutionReason string `json:"resolution_reason"`
}

// HandlePatchIncident handles PATCH /incidents/{id}: the lifecycle
// transition endpoint.
func (s *Server) HandlePatchIncident(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Status == "" {
		WriteBadRequest(w, "Missing required field: status")
		return
	}

	inc, from, err := s.registry.Transition(r.PathValue("id"), req.Status, req.ResolutionReason)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		WriteNotFound(w, "Incident not found")
		return
	case errors.Is(err, registry.ErrInvalidTransition):
		WriteConflict(w, err.Error())
		return
	case errors.Is(err, registry.ErrResolutionRequired):
		WriteUnprocessable(w, "Closing an incident requires a resolution_reason")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	s.counters.IncLabeled(metrics.TransitionsTotal, from+"->"+inc.Status, 1)
	writeJSON(w, http.StatusOK, incidentView{Incident: inc, IsStale: s.registry.IsStale(inc)})
}

// HandleEntityRisk handles GET /entity-risk/.
func (s *Server) HandleEntityRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entities": s.risk.Snapshot()})
}

// HandleMetrics handles GET /metrics/.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.counters.Snapshot())
}

// HandleHealth handles GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// runID validates the path identifier, writing the 400 itself on
// failure.
func (s *Server) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := r.PathValue("id")
	if err := runstore.ValidateRunID(runID); err != nil {
		WriteBadRequest(w, "Invalid run id")
		return "", false
	}
	return runID, true
}

func (s *Server) writeRunError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, runstore.ErrRunNotFound) {
		WriteNotFound(w, "Run not found")
		return
	}
	WriteInternal(w, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
