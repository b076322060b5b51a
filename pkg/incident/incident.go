// Package incident defines the incident model shared by the detector,
// the registry, the risk engine, and the HTTP surface. The registry
// exclusively owns stored incidents; every other component works on
// copies.
package incident

import (
	"time"

	"github.com/strandsec/authwatch/pkg/event"
)

// Incident types.
const (
	TypeBruteForce      = "brute_force"
	TypeCredentialAbuse = "credential_abuse"
)

// Lifecycle states.
const (
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusClosed       = "closed"
)

// Severity levels, weakest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// StrongerSeverity returns the higher-ordinal of two severities.
func StrongerSeverity(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Mitre is the ATT&CK mapping derived from the incident type.
type Mitre struct {
	Tactic        string `json:"tactic"`
	Technique     string `json:"technique"`
	TechniqueName string `json:"technique_name"`
}

// MitreFor returns the fixed ATT&CK mapping for an incident type.
func MitreFor(incidentType string) Mitre {
	if incidentType == TypeCredentialAbuse {
		return Mitre{
			Tactic:        "Credential Access",
			Technique:     "T1110.003",
			TechniqueName: "Password Spraying",
		}
	}
	return Mitre{
		Tactic:        "Credential Access",
		Technique:     "T1110",
		TechniqueName: "Brute Force",
	}
}

// Subject identifies the attacking entity. Username is absent for
// credential-abuse incidents, where many accounts are targeted.
type Subject struct {
	SourceIP string `json:"source_ip"`
	Username string `json:"username,omitempty"`
}

// TimelineEntry is the condensed per-event view kept in evidence.
type TimelineEntry struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Evidence carries the detection window, its counts, and the raw
// normalized events that produced the incident.
type Evidence struct {
	WindowStart      string                  `json:"window_start"`
	WindowEnd        string                  `json:"window_end"`
	Counts           map[string]int          `json:"counts"`
	Timeline         []TimelineEntry         `json:"timeline"`
	Events           []event.NormalizedEvent `json:"events"`
	AffectedEntities []string                `json:"affected_entities"`
}

// Explanation records the detection parameters that fired, for analyst
// audit of why the incident exists.
type Explanation struct {
	Threshold    int    `json:"threshold"`
	Observed     int    `json:"observed"`
	Window       string `json:"window"`
	TriggerField string `json:"trigger_field"`
}

// Incident is a detected threat with a content-addressed identity.
// Identity is a pure function of the evidence; see pkg/detect.
type Incident struct {
	IncidentID         string      `json:"incident_id"`
	Type               string      `json:"type"`
	Mitre              Mitre       `json:"mitre"`
	Subject            Subject     `json:"subject"`
	Severity           string      `json:"severity"`
	Confidence         int         `json:"confidence"`
	Status             string      `json:"status"`
	Evidence           Evidence    `json:"evidence"`
	EvidenceCount      int         `json:"evidence_count"`
	SourceCount        int         `json:"source_count"`
	Summary            string      `json:"summary"`
	RecommendedActions []string    `json:"recommended_actions"`
	Explanation        Explanation `json:"explanation"`
	FirstSeen          string      `json:"first_seen"`
	LastSeen           string      `json:"last_seen"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	ResolutionReason   *string     `json:"resolution_reason"`
}

// Clone returns a deep copy. Registry reads hand out clones so no caller
// can mutate stored state.
func (in Incident) Clone() Incident {
	out := in
	out.RecommendedActions = append([]string(nil), in.RecommendedActions...)
	out.Evidence.Timeline = append([]TimelineEntry(nil), in.Evidence.Timeline...)
	out.Evidence.Events = append([]event.NormalizedEvent(nil), in.Evidence.Events...)
	out.Evidence.AffectedEntities = append([]string(nil), in.Evidence.AffectedEntities...)
	out.Evidence.Counts = make(map[string]int, len(in.Evidence.Counts))
	for k, v := range in.Evidence.Counts {
		out.Evidence.Counts[k] = v
	}
	if in.ResolutionReason != nil {
		r := *in.ResolutionReason
		out.ResolutionReason = &r
	}
	return out
}

// DedupKey identifies a timeline entry or evidence event for
// merge-time deduplication.
func (t TimelineEntry) DedupKey() string {
	return t.Timestamp + "|" + t.EventType + "|" + t.Username
}

// EventDedupKey mirrors TimelineEntry.DedupKey for full evidence events.
func EventDedupKey(e event.NormalizedEvent) string {
	return e.Timestamp + "|" + e.EventType + "|" + e.Username
}
