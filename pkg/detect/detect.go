// Package detect runs sliding-window threat rules over a chronologically
// sorted normalized sequence. The detector is stateless between calls:
// each batch is analyzed independently, and identical inputs always
// produce identical incidents.
package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
)

// Default rule constants, overridable through Config.
const (
	DefaultWindow             = 60 * time.Second
	DefaultBruteForceFailures = 5
	DefaultSprayDistinctUsers = 5
	DefaultSprayTotalFailures = 8
)

// Config holds the detection rule thresholds.
type Config struct {
	Window             time.Duration
	BruteForceFailures int
	SprayDistinctUsers int
	SprayTotalFailures int
}

// DefaultConfig returns the standard rule thresholds.
func DefaultConfig() Config {
	return Config{
		Window:             DefaultWindow,
		BruteForceFailures: DefaultBruteForceFailures,
		SprayDistinctUsers: DefaultSprayDistinctUsers,
		SprayTotalFailures: DefaultSprayTotalFailures,
	}
}

func (c Config) windowLabel() string {
	return fmt.Sprintf("%ds", int(c.Window.Seconds()))
}

// Detector evaluates the brute-force and credential-abuse rules.
type Detector struct {
	cfg Config
}

// New creates a detector. Zero-valued config fields fall back to the
// defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BruteForceFailures <= 0 {
		cfg.BruteForceFailures = def.BruteForceFailures
	}
	if cfg.SprayDistinctUsers <= 0 {
		cfg.SprayDistinctUsers = def.SprayDistinctUsers
	}
	if cfg.SprayTotalFailures <= 0 {
		cfg.SprayTotalFailures = def.SprayTotalFailures
	}
	return &Detector{cfg: cfg}
}

type windowEntry struct {
	at time.Time
	ev event.NormalizedEvent
}

type pairKey struct {
	sourceIP string
	username string
}

// candidateRef addresses one suppressed grouping key in first-fire
// order.
type candidateRef struct {
	spray bool
	pair  pairKey
	ip    string
}

// Detect runs both rules over the normalized sequence. Each grouping key
// yields at most one incident per pass: once a key's window reaches its
// threshold the candidate is held back and replaced every time the
// window changes, so a growing burst surfaces as a single incident
// reflecting the final qualifying window. Candidates are returned in the
// order their windows first completed. Events that fail to parse are
// skipped; the normalizer guarantees none do on the live path.
func (d *Detector) Detect(events []event.NormalizedEvent) []incident.Incident {
	pairWindows := make(map[pairKey][]windowEntry)
	ipWindows := make(map[string][]windowEntry)

	bruteCandidates := make(map[pairKey]incident.Incident)
	sprayCandidates := make(map[string]incident.Incident)
	var order []candidateRef

	for _, ev := range events {
		if ev.Result != event.ResultFailure {
			continue
		}
		if ev.SourceIP == "" || ev.Username == "" {
			continue
		}
		at, err := ev.Time()
		if err != nil {
			continue
		}
		entry := windowEntry{at: at, ev: ev}
		cutoff := at.Add(-d.cfg.Window)

		pk := pairKey{sourceIP: ev.SourceIP, username: ev.Username}
		pairWindows[pk] = advance(append(pairWindows[pk], entry), cutoff)
		if inc, ok := d.bruteForce(pk, pairWindows[pk]); ok {
			if _, seen := bruteCandidates[pk]; !seen {
				order = append(order, candidateRef{pair: pk})
			}
			bruteCandidates[pk] = inc
		}

		ipWindows[ev.SourceIP] = advance(append(ipWindows[ev.SourceIP], entry), cutoff)
		if inc, ok := d.credentialAbuse(ev.SourceIP, ipWindows[ev.SourceIP]); ok {
			if _, seen := sprayCandidates[ev.SourceIP]; !seen {
				order = append(order, candidateRef{spray: true, ip: ev.SourceIP})
			}
			sprayCandidates[ev.SourceIP] = inc
		}
	}

	out := make([]incident.Incident, 0, len(order))
	for _, ref := range order {
		if ref.spray {
			out = append(out, sprayCandidates[ref.ip])
		} else {
			out = append(out, bruteCandidates[ref.pair])
		}
	}
	return out
}

// advance evicts entries that fell out of the event-time window.
func advance(win []windowEntry, cutoff time.Time) []windowEntry {
	i := 0
	for i < len(win) && win[i].at.Before(cutoff) {
		i++
	}
	return win[i:]
}

// bruteForceGrade maps a window failure count to severity and confidence.
func bruteForceGrade(n int) (string, int) {
	switch {
	case n >= 20:
		return incident.SeverityHigh, 95
	case n >= 10:
		return incident.SeverityMedium, 85
	default:
		return incident.SeverityLow, 70
	}
}

func (d *Detector) bruteForce(key pairKey, win []windowEntry) (incident.Incident, bool) {
	n := len(win)
	if n < d.cfg.BruteForceFailures {
		return incident.Incident{}, false
	}

	ws, we := windowBounds(win)
	severity, confidence := bruteForceGrade(n)

	inc := incident.Incident{
		IncidentID: Identity(incident.TypeBruteForce, key.sourceIP, key.username, ws, we, n, 0),
		Type:       incident.TypeBruteForce,
		Mitre:      incident.MitreFor(incident.TypeBruteForce),
		Subject:    incident.Subject{SourceIP: key.sourceIP, Username: key.username},
		Severity:   severity,
		Confidence: confidence,
		Status:     incident.StatusOpen,
		Evidence: incident.Evidence{
			WindowStart:      ws,
			WindowEnd:        we,
			Counts:           map[string]int{"failures": n},
			Timeline:         timeline(win),
			Events:           windowEvents(win),
			AffectedEntities: sortedSet(key.sourceIP, key.username),
		},
		EvidenceCount: n,
		SourceCount:   distinctSources(win),
		Explanation: incident.Explanation{
			Threshold:    d.cfg.BruteForceFailures,
			Observed:     n,
			Window:       d.cfg.windowLabel(),
			TriggerField: "username",
		},
		FirstSeen: ws,
		LastSeen:  we,
	}
	applyExplainability(&inc)
	return inc, true
}

func (d *Detector) credentialAbuse(sourceIP string, win []windowEntry) (incident.Incident, bool) {
	n := len(win)
	users := make(map[string]bool)
	for _, e := range win {
		users[e.ev.Username] = true
	}
	if n < d.cfg.SprayTotalFailures || len(users) < d.cfg.SprayDistinctUsers {
		return incident.Incident{}, false
	}

	ws, we := windowBounds(win)
	severity := incident.SeverityHigh
	if len(users) > 15 {
		severity = incident.SeverityCritical
	}

	entities := make([]string, 0, len(users)+1)
	entities = append(entities, sourceIP)
	for u := range users {
		entities = append(entities, u)
	}

	inc := incident.Incident{
		IncidentID: Identity(incident.TypeCredentialAbuse, sourceIP, "", ws, we, n, len(users)),
		Type:       incident.TypeCredentialAbuse,
		Mitre:      incident.MitreFor(incident.TypeCredentialAbuse),
		Subject:    incident.Subject{SourceIP: sourceIP},
		Severity:   severity,
		Confidence: 90,
		Status:     incident.StatusOpen,
		Evidence: incident.Evidence{
			WindowStart:      ws,
			WindowEnd:        we,
			Counts:           map[string]int{"failures": n, "distinct_users": len(users)},
			Timeline:         timeline(win),
			Events:           windowEvents(win),
			AffectedEntities: sortedSet(entities...),
		},
		EvidenceCount: n,
		SourceCount:   distinctSources(win),
		Explanation: incident.Explanation{
			Threshold:    d.cfg.SprayDistinctUsers,
			Observed:     len(users),
			Window:       d.cfg.windowLabel(),
			TriggerField: "source_ip",
		},
		FirstSeen: ws,
		LastSeen:  we,
	}
	applyExplainability(&inc)
	return inc, true
}

func windowBounds(win []windowEntry) (string, string) {
	return win[0].ev.Timestamp, win[len(win)-1].ev.Timestamp
}

func timeline(win []windowEntry) []incident.TimelineEntry {
	out := make([]incident.TimelineEntry, 0, len(win))
	for _, e := range win {
		out = append(out, incident.TimelineEntry{
			Timestamp: e.ev.Timestamp,
			EventType: e.ev.EventType,
			Result:    e.ev.Result,
			Reason:    e.ev.Reason,
			Username:  e.ev.Username,
		})
	}
	return out
}

func windowEvents(win []windowEntry) []event.NormalizedEvent {
	out := make([]event.NormalizedEvent, 0, len(win))
	for _, e := range win {
		out = append(out, e.ev)
	}
	return out
}

func distinctSources(win []windowEntry) int {
	sources := make(map[string]bool)
	for _, e := range win {
		if e.ev.Source != "" {
			sources[e.ev.Source] = true
		}
	}
	return len(sources)
}

func sortedSet(values ...string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
