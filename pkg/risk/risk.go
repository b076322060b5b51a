// Package risk maintains weighted, exponentially decaying per-entity
// threat scores derived from the incident registry. The engine is a
// read-through view: it is notified on every registry write and rebuilt
// from the registry on boot.
package risk

import (
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
)

// Per-event weights by incident type.
const (
	WeightBruteForce      = 10.0
	WeightCredentialAbuse = 25.0
)

// DecayHalfLife is the score half-life. Scores decay continuously in
// event time; reads never mutate stored values.
const DecayHalfLife = 24 * time.Hour

var decayLambda = math.Ln2 / DecayHalfLife.Hours()

// Entity kinds.
const (
	KindUsername = "username"
	KindSourceIP = "source_ip"
)

// Key identifies one scored entity.
type Key struct {
	Kind  string
	Value string
}

// Entity is the externally visible per-entity risk row. Score is the
// lazily decayed value at read time; StoredScore is the value at the
// last write, kept so callers can audit the decay.
type Entity struct {
	EntityKind        string  `json:"entity_kind"`
	EntityValue       string  `json:"entity_value"`
	Score             float64 `json:"score"`
	StoredScore       float64 `json:"stored_score"`
	TotalIncidents    int     `json:"total_incidents"`
	OpenIncidents     int     `json:"open_incidents"`
	HighestConfidence int     `json:"highest_confidence"`
	LastSeen          string  `json:"last_seen"`
}

// incidentRef tracks one contributing incident so re-upserts of the same
// identity never compound the weight and aggregates follow lifecycle
// changes.
type incidentRef struct {
	status     string
	confidence int
	lastSeen   string
}

type entityState struct {
	score       float64
	lastUpdated time.Time
	incidents   map[string]incidentRef
}

// Engine is the thread-safe per-entity risk index.
type Engine struct {
	mu       sync.Mutex
	entities map[Key]*entityState
	now      func() time.Time
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		entities: make(map[Key]*entityState),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record applies an upserted incident to its subject entities. The
// weight lands once per (incident, entity) pair; repeated notifications
// for the same identity only refresh status and aggregates.
func (e *Engine) Record(inc incident.Incident) {
	weight := weightFor(inc.Type)
	if weight <= 0 {
		return
	}
	at := eventTimeOf(inc, e.now)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range entitiesOf(inc) {
		e.applyLocked(key, inc, weight, at)
	}
}

func (e *Engine) applyLocked(key Key, inc incident.Incident, weight float64, at time.Time) {
	state, ok := e.entities[key]
	if !ok {
		state = &entityState{lastUpdated: at, incidents: make(map[string]incidentRef)}
		e.entities[key] = state
	}
	if _, contributed := state.incidents[inc.IncidentID]; !contributed {
		state.decayTo(at)
		state.score += weight
	}
	state.incidents[inc.IncidentID] = incidentRef{
		status:     inc.Status,
		confidence: inc.Confidence,
		lastSeen:   inc.LastSeen,
	}
}

// Rehydrate resets the engine and replays incidents in created_at order,
// yielding deterministic startup state.
func (e *Engine) Rehydrate(incs []incident.Incident) {
	ordered := append([]incident.Incident(nil), incs...)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].CreatedAt.Before(ordered[b].CreatedAt)
	})

	e.mu.Lock()
	e.entities = make(map[Key]*entityState)
	e.mu.Unlock()

	for _, inc := range ordered {
		e.Record(inc)
	}
}

// Snapshot returns every entity row with scores decayed to now, sorted
// by (score desc, open incidents desc, last seen desc). Stored state is
// not mutated.
func (e *Engine) Snapshot() []Entity {
	now := e.now()

	e.mu.Lock()
	rows := make([]Entity, 0, len(e.entities))
	for key, state := range e.entities {
		row := Entity{
			EntityKind:  key.Kind,
			EntityValue: key.Value,
			StoredScore: round2(state.score),
			Score:       round2(state.observedScore(now)),
		}
		for _, ref := range state.incidents {
			row.TotalIncidents++
			if ref.status == incident.StatusOpen {
				row.OpenIncidents++
			}
			if ref.confidence > row.HighestConfidence {
				row.HighestConfidence = ref.confidence
			}
			if laterTimestamp(ref.lastSeen, row.LastSeen) {
				row.LastSeen = ref.lastSeen
			}
		}
		rows = append(rows, row)
	}
	e.mu.Unlock()

	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a].Score != rows[b].Score {
			return rows[a].Score > rows[b].Score
		}
		if rows[a].OpenIncidents != rows[b].OpenIncidents {
			return rows[a].OpenIncidents > rows[b].OpenIncidents
		}
		if rows[a].LastSeen != rows[b].LastSeen {
			return rows[a].LastSeen > rows[b].LastSeen
		}
		if rows[a].EntityKind != rows[b].EntityKind {
			return rows[a].EntityKind < rows[b].EntityKind
		}
		return rows[a].EntityValue < rows[b].EntityValue
	})
	return rows
}

// decayTo advances the stored score to a write instant. Only writes move
// stored values; reads use observedScore.
func (s *entityState) decayTo(at time.Time) {
	if !at.After(s.lastUpdated) {
		return
	}
	s.score = decayed(s.score, at.Sub(s.lastUpdated))
	s.lastUpdated = at
}

func (s *entityState) observedScore(at time.Time) float64 {
	if !at.After(s.lastUpdated) {
		return s.score
	}
	return decayed(s.score, at.Sub(s.lastUpdated))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func decayed(score float64, elapsed time.Duration) float64 {
	out := score * math.Exp(-decayLambda*elapsed.Hours())
	if out < 0 {
		return 0
	}
	return out
}

func weightFor(incidentType string) float64 {
	switch incidentType {
	case incident.TypeBruteForce:
		return WeightBruteForce
	case incident.TypeCredentialAbuse:
		return WeightCredentialAbuse
	default:
		return 0
	}
}

// entitiesOf collects the scored entities for an incident: the subject
// plus every affected entity, classified as source_ip or username by
// whether it parses as an IP address.
func entitiesOf(inc incident.Incident) []Key {
	seen := make(map[Key]bool)
	var keys []Key
	add := func(kind, value string) {
		if value == "" {
			return
		}
		key := Key{Kind: kind, Value: value}
		if seen[key] {
			return
		}
		seen[key] = true
		keys = append(keys, key)
	}

	add(KindSourceIP, inc.Subject.SourceIP)
	add(KindUsername, inc.Subject.Username)
	for _, entity := range inc.Evidence.AffectedEntities {
		if net.ParseIP(entity) != nil {
			add(KindSourceIP, entity)
		} else {
			add(KindUsername, entity)
		}
	}
	return keys
}

func eventTimeOf(inc incident.Incident, now func() time.Time) time.Time {
	if t, err := event.ParseTimestamp(inc.LastSeen); err == nil {
		return t
	}
	return now()
}

func laterTimestamp(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	if current == "" {
		return true
	}
	tc, errC := event.ParseTimestamp(candidate)
	tu, errU := event.ParseTimestamp(current)
	if errC == nil && errU == nil {
		return tc.After(tu)
	}
	return candidate > current
}
