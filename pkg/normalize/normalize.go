// Package normalize projects raw, source-tagged login events into the
// canonical schema. Individual event failures are collected and returned
// alongside the kept events; a batch never fails as a whole.
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/mapping"
)

// Rejection reasons. MissingRequired rejections carry the field name in
// Detail.
const (
	ReasonMissingRequired = "missing_required"
	ReasonTelemetry       = "telemetry"
	ReasonTimestampParse  = "timestamp_parse"
	ReasonSchema          = "schema"
)

// telemetryEventTypes is the fixed blacklist of non-security event types,
// extended per profile via reject_event_types.
var telemetryEventTypes = map[string]bool{
	"heartbeat":    true,
	"health_check": true,
	"ping":         true,
	"keepalive":    true,
	"metrics":      true,
}

// Rejection describes one dropped event.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (r Rejection) String() string {
	if r.Detail == "" {
		return r.Reason
	}
	return fmt.Sprintf("%s:%s", r.Reason, r.Detail)
}

// Result is the outcome of normalizing one batch: the survivors in
// canonical chronological order plus every per-event failure.
type Result struct {
	Events     []event.NormalizedEvent
	Rejections []Rejection
}

// Normalizer applies mapping profiles to raw batches.
type Normalizer struct {
	profiles *mapping.Profiles
}

// New creates a normalizer over validated mapping profiles.
func New(profiles *mapping.Profiles) *Normalizer {
	return &Normalizer{profiles: profiles}
}

// Normalize projects a raw batch. If sourceHint is empty the per-event
// source is inferred through the _default profile's source aliases.
func (n *Normalizer) Normalize(batch []event.RawEvent, sourceHint string) Result {
	var out Result

	type keyed struct {
		at    time.Time
		index int
		ev    event.NormalizedEvent
	}
	kept := make([]keyed, 0, len(batch))

	defResolver := n.profiles.Resolve("")

	for i, raw := range batch {
		if raw == nil {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonSchema, Detail: "not_an_object"})
			continue
		}

		source := sourceHint
		if source == "" {
			source, _ = defResolver.LookupString(raw, "source")
		}
		resolver := n.profiles.Resolve(source)

		eventType, ok := resolver.LookupString(raw, "event_type")
		if !ok {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonMissingRequired, Detail: "event_type"})
			continue
		}
		eventType = strings.ToLower(eventType)

		if telemetryEventTypes[eventType] || resolver.RejectedEventTypes()[eventType] {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonTelemetry, Detail: eventType})
			continue
		}

		rawTS, ok := resolver.Lookup(raw, "timestamp")
		if !ok {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonMissingRequired, Detail: "timestamp"})
			continue
		}
		ts, err := event.CoerceTimestamp(rawTS)
		if err != nil {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonTimestampParse})
			continue
		}

		rawResult, ok := resolver.LookupString(raw, "result")
		if !ok {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonMissingRequired, Detail: "result"})
			continue
		}

		norm := event.NormalizedEvent{
			Timestamp: ts,
			EventType: eventType,
			Result:    resolver.MapResult(rawResult),
			Source:    source,
		}
		if v, ok := resolver.LookupString(raw, "source_ip"); ok {
			norm.SourceIP = v
		}
		if v, ok := resolver.LookupString(raw, "username"); ok {
			norm.Username = v
		}
		if v, ok := resolver.LookupString(raw, "reason"); ok {
			norm.Reason = v
		}
		if v, ok := resolver.LookupString(raw, "user_agent"); ok {
			norm.UserAgent = v
		}

		if err := event.ValidateCanonical(norm); err != nil {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonSchema})
			continue
		}

		at, err := event.ParseTimestamp(ts)
		if err != nil {
			out.Rejections = append(out.Rejections, Rejection{Index: i, Reason: ReasonTimestampParse})
			continue
		}

		kept = append(kept, keyed{at: at, index: i, ev: norm})
	}

	// Canonical order: timestamp ascending, ties broken by input index.
	sort.SliceStable(kept, func(a, b int) bool {
		return kept[a].at.Before(kept[b].at)
	})

	out.Events = make([]event.NormalizedEvent, 0, len(kept))
	for _, k := range kept {
		out.Events = append(out.Events, k.ev)
	}
	return out
}
