package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/authwatch/pkg/detect"
	"github.com/strandsec/authwatch/pkg/ingest"
	"github.com/strandsec/authwatch/pkg/mapping"
	"github.com/strandsec/authwatch/pkg/metrics"
	"github.com/strandsec/authwatch/pkg/normalize"
	"github.com/strandsec/authwatch/pkg/registry"
	"github.com/strandsec/authwatch/pkg/risk"
	"github.com/strandsec/authwatch/pkg/runstore"
)

const handlerConfig = `
_default:
  fields:
    timestamp: [timestamp, time, ts]
    event_type: [event_type, type, action]
    result: [result, outcome, status]
    source_ip: [source_ip, ip, client_ip]
    username: [username, user, account]
    reason: [reason, error]
    user_agent: [user_agent, ua]
    source: [source, provider]
`

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()

	mappingPath := filepath.Join(dir, "mappings.yaml")
	require.NoError(t, os.WriteFile(mappingPath, []byte(handlerConfig), 0o644))
	profiles, err := mapping.Load(mappingPath)
	require.NoError(t, err)
	require.Empty(t, profiles.Validate())

	runs := runstore.New(filepath.Join(dir, "runs"))
	reg := registry.New(filepath.Join(dir, "runs"), nil)
	require.NoError(t, reg.Rehydrate())
	engine := risk.New()
	reg.SetRecorder(engine)
	counters := metrics.New("", nil)

	pipeline := ingest.New(runs, normalize.New(profiles), detect.New(detect.DefaultConfig()), reg, counters, nil)
	server := NewServer(pipeline, runs, reg, engine, counters, nil)
	return server.Handler(nil)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), "body: %s", rr.Body.String())
	}
	return rr, payload
}

func bruteForceBody(start time.Time, n int, ip, user string) string {
	events := make([]string, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, fmt.Sprintf(
			`{"timestamp":%q,"type":"login","outcome":"failure","ip":%q,"user":%q}`,
			start.Add(time.Duration(i)*time.Second).UTC().Format("2006-01-02T15:04:05Z"), ip, user))
	}
	return "[" + strings.Join(events, ",") + "]"
}

var apiT0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	rr, payload := doJSON(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["ok"])
}

func TestIngest_RejectsBadBodies(t *testing.T) {
	h := newTestHandler(t)

	rr, payload := doJSON(t, h, http.MethodPost, "/ingest/", `{"events":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Bad Request", payload["title"])

	rr, _ = doJSON(t, h, http.MethodPost, "/ingest/", `[]`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/ingest/", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngest_ProblemDetailContentType(t *testing.T) {
	h := newTestHandler(t)
	rr, _ := doJSON(t, h, http.MethodPost, "/ingest/", `[]`)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestIngestAndRetrieveRun(t *testing.T) {
	h := newTestHandler(t)

	rr, payload := doJSON(t, h, http.MethodPost, "/ingest/", bruteForceBody(apiT0, 5, "198.51.100.7", "alice"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	runID, _ := payload["run_id"].(string)
	require.NoError(t, runstore.ValidateRunID(runID))
	assert.Equal(t, float64(1), payload["incident_count"])

	rr, meta := doJSON(t, h, http.MethodGet, "/runs/"+runID+"/meta", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(5), meta["event_count"])

	rr, normalized := doJSON(t, h, http.MethodGet, "/runs/"+runID+"/normalized", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, normalized["events"], 5)

	rr, incs := doJSON(t, h, http.MethodGet, "/runs/"+runID+"/incidents", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, incs["incidents"], 1)

	req := httptest.NewRequest(http.MethodGet, "/runs/", nil)
	lrr := httptest.NewRecorder()
	h.ServeHTTP(lrr, req)
	require.Equal(t, http.StatusOK, lrr.Code)
	var runIDs []string
	require.NoError(t, json.Unmarshal(lrr.Body.Bytes(), &runIDs))
	assert.Equal(t, []string{runID}, runIDs)
}

func TestRunEndpoints_InvalidAndUnknownIDs(t *testing.T) {
	h := newTestHandler(t)

	rr, _ := doJSON(t, h, http.MethodGet, "/runs/bogus/meta", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, h, http.MethodGet, "/runs/run-0123456789abcdef0123456789abcdef/meta", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIncidentLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)

	rr, payload := doJSON(t, h, http.MethodPost, "/ingest/", bruteForceBody(apiT0, 5, "198.51.100.7", "alice"))
	require.Equal(t, http.StatusOK, rr.Code)
	incidents := payload["incidents"].([]any)
	require.Len(t, incidents, 1)
	outcome := incidents[0].(map[string]any)
	id := outcome["incident"].(map[string]any)["incident_id"].(string)

	rr, got := doJSON(t, h, http.MethodGet, "/incidents/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "open", got["status"])
	assert.Equal(t, false, got["is_stale"])

	// open -> closed skips a state: 409.
	rr, _ = doJSON(t, h, http.MethodPatch, "/incidents/"+id, `{"status":"closed","resolution_reason":"x"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, got = doJSON(t, h, http.MethodPatch, "/incidents/"+id, `{"status":"acknowledged"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "acknowledged", got["status"])

	// closing without a reason: 422.
	rr, _ = doJSON(t, h, http.MethodPatch, "/incidents/"+id, `{"status":"closed"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, got = doJSON(t, h, http.MethodPatch, "/incidents/"+id, `{"status":"closed","resolution_reason":"benign scanner"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "closed", got["status"])
	assert.Equal(t, "benign scanner", got["resolution_reason"])

	rr, listing := doJSON(t, h, http.MethodGet, "/incidents/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, listing["incidents"], 1)
}

func TestIncidentEndpoints_Missing(t *testing.T) {
	h := newTestHandler(t)

	rr, _ := doJSON(t, h, http.MethodGet, "/incidents/inc_missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPatch, "/incidents/inc_missing", `{"status":"acknowledged"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPatch, "/incidents/inc_missing", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEntityRiskEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rr, payload := doJSON(t, h, http.MethodGet, "/entity-risk/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["entities"], 0)

	rr, _ = doJSON(t, h, http.MethodPost, "/ingest/", bruteForceBody(apiT0, 5, "198.51.100.7", "alice"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr, payload = doJSON(t, h, http.MethodGet, "/entity-risk/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	entities := payload["entities"].([]any)
	require.Len(t, entities, 2)
	first := entities[0].(map[string]any)
	assert.NotEmpty(t, first["entity_kind"])
	assert.Greater(t, first["score"], 0.0)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rr, _ := doJSON(t, h, http.MethodPost, "/ingest/", bruteForceBody(apiT0, 5, "198.51.100.7", "alice"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr, payload := doJSON(t, h, http.MethodGet, "/metrics/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	counters := payload["counters"].(map[string]any)
	assert.Equal(t, float64(1), counters["runs_total"])
	assert.Equal(t, float64(5), counters["events_ingested_total"])
}

func TestRateLimiter(t *testing.T) {
	h := newTestHandler(t)
	limited := NewGlobalRateLimiter(1, 2).Middleware(h)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "192.0.2.50:1234"
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}
