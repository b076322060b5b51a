package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(t.TempDir(), nil)
}

func sampleIncident(id, ws, we string, failures int) incident.Incident {
	return incident.Incident{
		IncidentID: id,
		Type:       incident.TypeBruteForce,
		Mitre:      incident.MitreFor(incident.TypeBruteForce),
		Subject:    incident.Subject{SourceIP: "198.51.100.7", Username: "alice"},
		Severity:   incident.SeverityLow,
		Confidence: 70,
		Status:     incident.StatusOpen,
		Evidence: incident.Evidence{
			WindowStart: ws,
			WindowEnd:   we,
			Counts:      map[string]int{"failures": failures},
			Timeline: []incident.TimelineEntry{
				{Timestamp: ws, EventType: "login", Result: event.ResultFailure, Username: "alice"},
			},
			Events: []event.NormalizedEvent{
				{Timestamp: ws, EventType: "login", Result: event.ResultFailure, SourceIP: "198.51.100.7", Username: "alice"},
			},
			AffectedEntities: []string{"198.51.100.7", "alice"},
		},
		EvidenceCount: failures,
		SourceCount:   1,
		Summary:       "initial summary",
		Explanation:   incident.Explanation{Threshold: 5, Observed: failures, Window: "60s", TriggerField: "username"},
		FirstSeen:     ws,
		LastSeen:      we,
	}
}

func TestUpsertBatch_CreateAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	results, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeCreated, results[0].Outcome)

	got, err := reg.Get("inc_aaa")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusOpen, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.ResolutionReason)
}

func TestGet_NotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get("inc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertBatch_MergeAccumulatesEvidence(t *testing.T) {
	reg := newTestRegistry(t)

	first := sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5)
	_, err := reg.UpsertBatch([]incident.Incident{first})
	require.NoError(t, err)

	second := sampleIncident("inc_aaa", "2024-03-01T09:59:50Z", "2024-03-01T10:00:30Z", 7)
	second.Severity = incident.SeverityMedium
	second.Confidence = 85
	second.Summary = "updated summary"
	results, err := reg.UpsertBatch([]incident.Incident{second})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeMerged, results[0].Outcome)

	got, err := reg.Get("inc_aaa")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T09:59:50Z", got.FirstSeen)
	assert.Equal(t, "2024-03-01T10:00:30Z", got.LastSeen)
	assert.Equal(t, "2024-03-01T09:59:50Z", got.Evidence.WindowStart)
	assert.Equal(t, "2024-03-01T10:00:30Z", got.Evidence.WindowEnd)
	assert.Equal(t, 12, got.Evidence.Counts["failures"])
	assert.Equal(t, 12, got.EvidenceCount)
	assert.Equal(t, incident.SeverityMedium, got.Severity)
	assert.Equal(t, 85, got.Confidence)
	assert.Equal(t, "updated summary", got.Summary)
	// Timeline entries dedup on (timestamp, event_type, username).
	assert.Len(t, got.Evidence.Timeline, 2)
}

func TestUpsertBatch_MergeKeepsStrongerGrading(t *testing.T) {
	reg := newTestRegistry(t)

	first := sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 20)
	first.Severity = incident.SeverityHigh
	first.Confidence = 95
	_, err := reg.UpsertBatch([]incident.Incident{first})
	require.NoError(t, err)

	weaker := sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5)
	_, err = reg.UpsertBatch([]incident.Incident{weaker})
	require.NoError(t, err)

	got, err := reg.Get("inc_aaa")
	require.NoError(t, err)
	assert.Equal(t, incident.SeverityHigh, got.Severity)
	assert.Equal(t, 95, got.Confidence)
}

func TestUpsertBatch_ReopensClosedIncident(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5),
	})
	require.NoError(t, err)

	_, _, err = reg.Transition("inc_aaa", incident.StatusAcknowledged, "")
	require.NoError(t, err)
	_, _, err = reg.Transition("inc_aaa", incident.StatusClosed, "false positive")
	require.NoError(t, err)

	results, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T12:00:00Z", "2024-03-01T12:00:04Z", 5),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeReopened, results[0].Outcome)

	got, err := reg.Get("inc_aaa")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusOpen, got.Status)
	assert.Nil(t, got.ResolutionReason)
}

func TestTransition_Lifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5),
	})
	require.NoError(t, err)

	inc, from, err := reg.Transition("inc_aaa", incident.StatusAcknowledged, "")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusOpen, from)
	assert.Equal(t, incident.StatusAcknowledged, inc.Status)

	inc, from, err = reg.Transition("inc_aaa", incident.StatusClosed, "handled")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusAcknowledged, from)
	assert.Equal(t, incident.StatusClosed, inc.Status)
	require.NotNil(t, inc.ResolutionReason)
	assert.Equal(t, "handled", *inc.ResolutionReason)
}

func TestTransition_Rejections(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5),
	})
	require.NoError(t, err)

	// Skipping acknowledged is not allowed.
	_, _, err = reg.Transition("inc_aaa", incident.StatusClosed, "reason")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = reg.Transition("inc_aaa", "escalated", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = reg.Transition("inc_missing", incident.StatusAcknowledged, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = reg.Transition("inc_aaa", incident.StatusAcknowledged, "")
	require.NoError(t, err)
	_, _, err = reg.Transition("inc_aaa", incident.StatusClosed, "")
	assert.ErrorIs(t, err, ErrResolutionRequired)
}

func TestPersistenceRoundtrip(t *testing.T) {
	dir := t.TempDir()

	reg := New(dir, nil)
	_, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5),
		sampleIncident("inc_bbb", "2024-03-01T11:00:00Z", "2024-03-01T11:00:04Z", 10),
	})
	require.NoError(t, err)

	reloaded := New(dir, nil)
	require.NoError(t, reloaded.Rehydrate())

	incs := reloaded.List()
	require.Len(t, incs, 2)
	assert.Equal(t, "inc_aaa", incs[0].IncidentID)
	assert.Equal(t, "inc_bbb", incs[1].IncidentID)
	assert.Equal(t, 5, incs[0].Evidence.Counts["failures"])
}

func TestPersistence_DeterministicBytes(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, nil)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return fixed }

	_, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5),
	})
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(dir, "incidents.json"))
	require.NoError(t, err)

	require.NoError(t, reg.Persist())
	second, err := os.ReadFile(filepath.Join(dir, "incidents.json"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRehydrate_PreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()

	doc := map[string]any{
		"version":     1,
		"fleet_notes": "keep me",
		"incidents": map[string]any{
			"inc_aaa": map[string]any{
				"incident_id": "inc_aaa",
				"type":        incident.TypeBruteForce,
				"status":      incident.StatusOpen,
				"severity":    incident.SeverityLow,
				"confidence":  70,
				"first_seen":  "2024-03-01T10:00:00Z",
				"last_seen":   "2024-03-01T10:00:04Z",
				"annotation":  "analyst note",
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "incidents.json"), data, 0o644))

	reg := New(dir, nil)
	require.NoError(t, reg.Rehydrate())
	require.NoError(t, reg.Persist())

	raw, err := os.ReadFile(filepath.Join(dir, "incidents.json"))
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Contains(t, out, "fleet_notes")

	var incs map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out["incidents"], &incs))
	assert.Contains(t, incs["inc_aaa"], "annotation")
}

func TestRehydrate_MissingFileIsEmpty(t *testing.T) {
	reg := New(t.TempDir(), nil)
	require.NoError(t, reg.Rehydrate())
	assert.Empty(t, reg.List())
}

func TestIsStale(t *testing.T) {
	reg := newTestRegistry(t)
	fixed := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return fixed }

	fresh := sampleIncident("inc_fresh", "2024-03-20T10:00:00Z", "2024-03-20T10:00:04Z", 5)
	old := sampleIncident("inc_old", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5)

	assert.False(t, reg.IsStale(fresh))
	assert.True(t, reg.IsStale(old))

	closedOld := old
	closedOld.Status = incident.StatusClosed
	assert.False(t, reg.IsStale(closedOld))
}

type captureRecorder struct {
	records []incident.Incident
}

func (c *captureRecorder) Record(inc incident.Incident) {
	c.records = append(c.records, inc)
}

func TestRecorderNotifiedOnUpsertAndTransition(t *testing.T) {
	reg := newTestRegistry(t)
	rec := &captureRecorder{}
	reg.SetRecorder(rec)

	_, err := reg.UpsertBatch([]incident.Incident{
		sampleIncident("inc_aaa", "2024-03-01T10:00:00Z", "2024-03-01T10:00:04Z", 5),
	})
	require.NoError(t, err)
	require.Len(t, rec.records, 1)

	_, _, err = reg.Transition("inc_aaa", incident.StatusAcknowledged, "")
	require.NoError(t, err)
	require.Len(t, rec.records, 2)
	assert.Equal(t, incident.StatusAcknowledged, rec.records[1].Status)
}
