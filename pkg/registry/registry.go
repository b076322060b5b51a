// Package registry is the persistent, content-addressed incident store.
// It owns every incident: callers receive clones, mutations happen under
// one exclusive lock, and every mutation is flushed to disk with an
// atomic write before it becomes visible. Incidents are never deleted.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
)

// StoreVersion is written into the persistence envelope.
const StoreVersion = 1

// StaleAfter is the horizon past which an open incident with no new
// evidence is reported stale.
const StaleAfter = 7 * 24 * time.Hour

var (
	ErrNotFound           = errors.New("registry: incident not found")
	ErrInvalidTransition  = errors.New("registry: invalid transition")
	ErrResolutionRequired = errors.New("registry: closing requires a resolution reason")
	ErrPersistence        = errors.New("registry: persistence failed")
)

// Upsert outcomes, used for metric attribution.
const (
	OutcomeCreated  = "created"
	OutcomeMerged   = "merged"
	OutcomeReopened = "reopened"
)

// UpsertResult pairs a post-merge incident snapshot with what happened
// to it.
type UpsertResult struct {
	Incident incident.Incident
	Outcome  string
}

// Recorder receives every post-merge incident after the registry commit,
// outside the registry lock. The entity risk engine implements it.
type Recorder interface {
	Record(inc incident.Incident)
}

// stored wraps an incident with any unknown JSON fields read from disk,
// so forward-compatible data survives a rewrite.
type stored struct {
	inc   incident.Incident
	extra map[string]json.RawMessage
}

// Registry is the in-memory index over the persisted incident file.
type Registry struct {
	mu        sync.RWMutex
	path      string
	incidents map[string]*stored
	topExtra  map[string]json.RawMessage
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a registry persisted at <dir>/incidents.json. Call
// Rehydrate before serving traffic.
func New(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:      filepath.Join(dir, "incidents.json"),
		incidents: make(map[string]*stored),
		topExtra:  make(map[string]json.RawMessage),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder attaches the risk engine. Must be called before ingest
// traffic starts.
func (r *Registry) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Rehydrate loads the persisted incident file. A missing file yields an
// empty registry; a corrupt file is an error so the operator can decide.
func (r *Registry) Rehydrate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrPersistence, r.path, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrPersistence, r.path, err)
	}

	index := make(map[string]*stored)
	topExtra := make(map[string]json.RawMessage)
	for key, raw := range top {
		switch key {
		case "version":
			// Accepted and rewritten as StoreVersion.
		case "incidents":
			var items map[string]json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("%w: parse incidents map: %v", ErrPersistence, err)
			}
			for id, item := range items {
				st, err := decodeStored(item)
				if err != nil {
					r.logger.Warn("skipping unreadable incident", "incident_id", id, "error", err)
					continue
				}
				index[st.inc.IncidentID] = st
			}
		default:
			topExtra[key] = raw
		}
	}

	r.incidents = index
	r.topExtra = topExtra
	r.logger.Info("incident registry rehydrated", "incidents", len(index), "path", r.path)
	return nil
}

// Get returns a snapshot of one incident.
func (r *Registry) Get(id string) (incident.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.incidents[id]
	if !ok {
		return incident.Incident{}, ErrNotFound
	}
	return st.inc.Clone(), nil
}

// List returns snapshots of every incident, ordered by incident_id.
func (r *Registry) List() []incident.Incident {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.incidents))
	for id := range r.incidents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]incident.Incident, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.incidents[id].inc.Clone())
	}
	return out
}

// IsStale reports whether an open incident has seen no evidence for
// longer than the stale horizon.
func (r *Registry) IsStale(inc incident.Incident) bool {
	if inc.Status != incident.StatusOpen {
		return false
	}
	seen, err := event.ParseTimestamp(inc.LastSeen)
	if err != nil {
		return false
	}
	return r.now().Sub(seen) > StaleAfter
}

// UpsertBatch merges a batch of detected incidents into the registry.
// All merges are staged in a local buffer and committed together after a
// successful persist, so a failure leaves the registry unchanged. The
// post-merge incidents are handed to the recorder after the lock is
// released.
func (r *Registry) UpsertBatch(incs []incident.Incident) ([]UpsertResult, error) {
	if len(incs) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	now := r.now()

	staged := make(map[string]*stored, len(incs))
	results := make([]UpsertResult, 0, len(incs))

	lookup := func(id string) (*stored, bool) {
		if st, ok := staged[id]; ok {
			return st, true
		}
		st, ok := r.incidents[id]
		return st, ok
	}

	for _, in := range incs {
		incoming := in.Clone()
		existing, ok := lookup(incoming.IncidentID)
		if !ok {
			incoming.Status = incident.StatusOpen
			incoming.ResolutionReason = nil
			incoming.CreatedAt = now
			incoming.UpdatedAt = now
			staged[incoming.IncidentID] = &stored{inc: incoming}
			results = append(results, UpsertResult{Incident: incoming.Clone(), Outcome: OutcomeCreated})
			continue
		}

		merged := mergeIncident(existing.inc, incoming, now)
		outcome := OutcomeMerged
		if existing.inc.Status == incident.StatusClosed {
			// Fresh evidence on a closed incident auto-reopens it.
			merged.Status = incident.StatusOpen
			merged.ResolutionReason = nil
			outcome = OutcomeReopened
		}
		staged[merged.IncidentID] = &stored{inc: merged, extra: existing.extra}
		results = append(results, UpsertResult{Incident: merged.Clone(), Outcome: outcome})
	}

	if err := r.persistWith(staged); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	for id, st := range staged {
		r.incidents[id] = st
	}
	r.mu.Unlock()

	if r.recorder != nil {
		for _, res := range results {
			r.recorder.Record(res.Incident)
		}
	}
	return results, nil
}

// Transition applies a lifecycle change. Allowed transitions are
// open→acknowledged and acknowledged→closed; closed incidents reopen
// only through merge. Closing requires a resolution reason.
func (r *Registry) Transition(id, target, resolutionReason string) (incident.Incident, string, error) {
	r.mu.Lock()

	st, ok := r.incidents[id]
	if !ok {
		r.mu.Unlock()
		return incident.Incident{}, "", ErrNotFound
	}
	from := st.inc.Status

	if !transitionAllowed(from, target) {
		r.mu.Unlock()
		return incident.Incident{}, "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	if target == incident.StatusClosed && resolutionReason == "" {
		r.mu.Unlock()
		return incident.Incident{}, "", ErrResolutionRequired
	}

	updated := st.inc.Clone()
	updated.Status = target
	updated.UpdatedAt = r.now()
	if target == incident.StatusClosed {
		reason := resolutionReason
		updated.ResolutionReason = &reason
	}

	staged := map[string]*stored{id: {inc: updated, extra: st.extra}}
	if err := r.persistWith(staged); err != nil {
		r.mu.Unlock()
		return incident.Incident{}, "", err
	}
	r.incidents[id] = staged[id]
	snapshot := updated.Clone()
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.Record(snapshot)
	}
	return snapshot, from, nil
}

func transitionAllowed(from, to string) bool {
	switch from {
	case incident.StatusOpen:
		return to == incident.StatusAcknowledged
	case incident.StatusAcknowledged:
		return to == incident.StatusClosed
	default:
		return false
	}
}

// Persist flushes current state to disk. Mutating operations persist
// implicitly; this exists for shutdown hooks.
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistWith(nil)
}

// persistWith writes the registry file with the staged overrides applied
// on top of current state. Caller holds the exclusive lock. The write is
// canonicalized (RFC 8785) and atomic: temp file then rename.
func (r *Registry) persistWith(staged map[string]*stored) error {
	items := make(map[string]json.RawMessage, len(r.incidents)+len(staged))
	encode := func(id string, st *stored) error {
		raw, err := encodeStored(st)
		if err != nil {
			return fmt.Errorf("%w: encode incident %s: %v", ErrPersistence, id, err)
		}
		items[id] = raw
		return nil
	}
	for id, st := range r.incidents {
		if err := encode(id, st); err != nil {
			return err
		}
	}
	for id, st := range staged {
		if err := encode(id, st); err != nil {
			return err
		}
	}

	doc := make(map[string]any, len(r.topExtra)+2)
	for k, v := range r.topExtra {
		doc[k] = v
	}
	doc["version"] = StoreVersion
	doc["incidents"] = items

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode store: %v", ErrPersistence, err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return fmt.Errorf("%w: canonicalize store: %v", ErrPersistence, err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("%w: ensure dir: %v", ErrPersistence, err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, canonical, 0o644); err != nil {
		return fmt.Errorf("%w: write temp: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}
