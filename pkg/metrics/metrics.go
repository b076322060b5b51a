// Package metrics keeps process-wide operational counters: flat totals
// plus labelled breakdowns, persisted to metrics.json and optionally
// mirrored to OpenTelemetry. Counters are never reset at runtime.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
)

// Counter names.
const (
	RunsTotal             = "runs_total"
	EventsIngestedTotal   = "events_ingested_total"
	EventsNormalizedTotal = "events_normalized_total"
	EventsRejectedTotal   = "events_rejected_total"
	IncidentsCreatedTotal = "incidents_created_total"
	IncidentsMergedTotal  = "incidents_merged_total"
	TransitionsTotal      = "transitions_total"
	EventsBySource        = "events_by_source"
)

// Snapshot is the externally visible counter state.
type Snapshot struct {
	Counters   map[string]int64            `json:"counters"`
	Breakdowns map[string]map[string]int64 `json:"breakdowns"`
}

// Counters is the thread-safe counter registry.
type Counters struct {
	mu         sync.Mutex
	counters   map[string]int64
	breakdowns map[string]map[string]int64
	path       string
	logger     *slog.Logger
	bridge     *Bridge
}

// New creates a counter registry persisted at path. An empty path
// disables persistence (used by tests).
func New(path string, logger *slog.Logger) *Counters {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counters{
		counters:   make(map[string]int64),
		breakdowns: make(map[string]map[string]int64),
		path:       path,
		logger:     logger,
	}
}

// SetBridge mirrors every increment into OpenTelemetry instruments.
func (c *Counters) SetBridge(b *Bridge) {
	c.mu.Lock()
	c.bridge = b
	c.mu.Unlock()
}

// Inc adds delta to a flat counter.
func (c *Counters) Inc(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	bridge := c.bridge
	c.persistLocked()
	c.mu.Unlock()

	if bridge != nil {
		bridge.Add(context.Background(), name, delta, "")
	}
}

// IncLabeled adds delta to a labelled breakdown and the matching flat
// total.
func (c *Counters) IncLabeled(name, label string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	bd := c.breakdowns[name]
	if bd == nil {
		bd = make(map[string]int64)
		c.breakdowns[name] = bd
	}
	bd[label] += delta
	bridge := c.bridge
	c.persistLocked()
	c.mu.Unlock()

	if bridge != nil {
		bridge.Add(context.Background(), name, delta, label)
	}
}

// Snapshot returns a deep copy of all counters and breakdowns.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Snapshot{
		Counters:   make(map[string]int64, len(c.counters)),
		Breakdowns: make(map[string]map[string]int64, len(c.breakdowns)),
	}
	for k, v := range c.counters {
		out.Counters[k] = v
	}
	for name, bd := range c.breakdowns {
		copied := make(map[string]int64, len(bd))
		for label, v := range bd {
			copied[label] = v
		}
		out.Breakdowns[name] = copied
	}
	return out
}

// Scan is the startup rebuild input, composed by the caller from run
// artifacts and the incident registry.
type Scan struct {
	Runs             int64
	EventsIngested   int64
	EventsNormalized int64
	EventsBySource   map[string]int64
	IncidentsByType  map[string]int64
}

// Rehydrate restores counters at startup: the persisted metrics file
// when present, otherwise the artifact scan. Unknown rejection reasons
// cannot be reconstructed from artifacts and land under "unknown".
func (c *Counters) Rehydrate(scan Scan) {
	if c.loadPersisted() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters = map[string]int64{
		RunsTotal:             scan.Runs,
		EventsIngestedTotal:   scan.EventsIngested,
		EventsNormalizedTotal: scan.EventsNormalized,
	}
	c.breakdowns = make(map[string]map[string]int64)

	if rejected := scan.EventsIngested - scan.EventsNormalized; rejected > 0 {
		c.counters[EventsRejectedTotal] = rejected
		c.breakdowns[EventsRejectedTotal] = map[string]int64{"unknown": rejected}
	}
	if len(scan.EventsBySource) > 0 {
		bd := make(map[string]int64, len(scan.EventsBySource))
		for src, n := range scan.EventsBySource {
			bd[src] = n
		}
		c.breakdowns[EventsBySource] = bd
	}
	if len(scan.IncidentsByType) > 0 {
		bd := make(map[string]int64, len(scan.IncidentsByType))
		var total int64
		for typ, n := range scan.IncidentsByType {
			bd[typ] = n
			total += n
		}
		c.counters[IncidentsCreatedTotal] = total
		c.breakdowns[IncidentsCreatedTotal] = bd
	}

	c.persistLocked()
	c.logger.Info("metrics rebuilt from artifacts", "runs", scan.Runs)
}

func (c *Counters) loadPersisted() bool {
	if c.path == "" {
		return false
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		c.logger.Warn("failed reading persisted metrics, rescanning", "error", err)
		return false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Counters == nil {
		c.logger.Warn("failed parsing persisted metrics, rescanning", "error", err)
		return false
	}

	c.mu.Lock()
	c.counters = snap.Counters
	c.breakdowns = snap.Breakdowns
	if c.breakdowns == nil {
		c.breakdowns = make(map[string]map[string]int64)
	}
	c.mu.Unlock()
	c.logger.Info("metrics rehydrated from persisted snapshot", "path", c.path)
	return true
}

// persistLocked writes the snapshot to disk; failures are logged, never
// fatal. Caller holds the lock.
func (c *Counters) persistLocked() {
	if c.path == "" {
		return
	}
	snap := Snapshot{Counters: c.counters, Breakdowns: c.breakdowns}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		c.logger.Warn("failed encoding metrics", "error", err)
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("failed persisting metrics", "error", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.logger.Warn("failed committing metrics", "error", err)
	}
}
