package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncAndSnapshot(t *testing.T) {
	c := New("", nil)

	c.Inc(RunsTotal, 1)
	c.Inc(RunsTotal, 2)
	c.IncLabeled(EventsRejectedTotal, "telemetry", 3)
	c.IncLabeled(EventsRejectedTotal, "schema", 1)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.Counters[RunsTotal])
	assert.Equal(t, int64(4), snap.Counters[EventsRejectedTotal])
	assert.Equal(t, int64(3), snap.Breakdowns[EventsRejectedTotal]["telemetry"])
	assert.Equal(t, int64(1), snap.Breakdowns[EventsRejectedTotal]["schema"])
}

func TestSnapshot_IsACopy(t *testing.T) {
	c := New("", nil)
	c.IncLabeled(IncidentsCreatedTotal, "brute_force", 1)

	snap := c.Snapshot()
	snap.Counters[IncidentsCreatedTotal] = 99
	snap.Breakdowns[IncidentsCreatedTotal]["brute_force"] = 99

	fresh := c.Snapshot()
	assert.Equal(t, int64(1), fresh.Counters[IncidentsCreatedTotal])
	assert.Equal(t, int64(1), fresh.Breakdowns[IncidentsCreatedTotal]["brute_force"])
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")

	c := New(path, nil)
	c.Inc(RunsTotal, 5)
	c.IncLabeled(IncidentsCreatedTotal, "brute_force", 2)

	reloaded := New(path, nil)
	reloaded.Rehydrate(Scan{})

	snap := reloaded.Snapshot()
	assert.Equal(t, int64(5), snap.Counters[RunsTotal])
	assert.Equal(t, int64(2), snap.Breakdowns[IncidentsCreatedTotal]["brute_force"])
}

func TestRehydrate_FromScanWhenNoSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	c := New(path, nil)

	c.Rehydrate(Scan{
		Runs:             3,
		EventsIngested:   100,
		EventsNormalized: 90,
		EventsBySource:   map[string]int64{"okta": 60, "windows": 30},
		IncidentsByType:  map[string]int64{"brute_force": 2, "credential_abuse": 1},
	})

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.Counters[RunsTotal])
	assert.Equal(t, int64(100), snap.Counters[EventsIngestedTotal])
	assert.Equal(t, int64(90), snap.Counters[EventsNormalizedTotal])
	assert.Equal(t, int64(10), snap.Counters[EventsRejectedTotal])
	assert.Equal(t, int64(10), snap.Breakdowns[EventsRejectedTotal]["unknown"])
	assert.Equal(t, int64(3), snap.Counters[IncidentsCreatedTotal])
	assert.Equal(t, int64(2), snap.Breakdowns[IncidentsCreatedTotal]["brute_force"])
	assert.Equal(t, int64(60), snap.Breakdowns[EventsBySource]["okta"])

	// The rebuild itself is persisted.
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestRehydrate_CorruptSnapshotFallsBackToScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c := New(path, nil)
	c.Rehydrate(Scan{Runs: 7})

	assert.Equal(t, int64(7), c.Snapshot().Counters[RunsTotal])
}
