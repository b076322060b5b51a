package registry

import (
	"sort"
	"time"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
)

// mergeIncident folds fresh evidence into an existing incident with the
// same content-addressed identity. Evidence accumulates; grading keeps
// the stronger of the two assessments.
func mergeIncident(existing, incoming incident.Incident, now time.Time) incident.Incident {
	merged := existing.Clone()

	merged.FirstSeen = minTimestamp(existing.FirstSeen, incoming.FirstSeen)
	merged.LastSeen = maxTimestamp(existing.LastSeen, incoming.LastSeen)
	merged.Evidence.WindowStart = minTimestamp(existing.Evidence.WindowStart, incoming.Evidence.WindowStart)
	merged.Evidence.WindowEnd = maxTimestamp(existing.Evidence.WindowEnd, incoming.Evidence.WindowEnd)

	for key, n := range incoming.Evidence.Counts {
		merged.Evidence.Counts[key] += n
	}
	merged.EvidenceCount = existing.EvidenceCount + incoming.EvidenceCount

	merged.Evidence.Timeline = mergeTimelines(existing.Evidence.Timeline, incoming.Evidence.Timeline)
	merged.Evidence.Events = mergeEvents(existing.Evidence.Events, incoming.Evidence.Events)
	merged.Evidence.AffectedEntities = unionSorted(existing.Evidence.AffectedEntities, incoming.Evidence.AffectedEntities)
	merged.SourceCount = mergedSourceCount(merged.Evidence.Events, existing.SourceCount, incoming.SourceCount)

	merged.Severity = incident.StrongerSeverity(existing.Severity, incoming.Severity)
	merged.Confidence = max(existing.Confidence, incoming.Confidence)

	// Explainability reflects the latest evidence.
	merged.Summary = incoming.Summary
	merged.RecommendedActions = append([]string(nil), incoming.RecommendedActions...)
	merged.Explanation = incoming.Explanation
	merged.Subject = incoming.Subject

	merged.Status = existing.Status
	merged.ResolutionReason = existing.ResolutionReason
	merged.CreatedAt = existing.CreatedAt
	merged.UpdatedAt = now
	return merged
}

// mergeTimelines concatenates and dedups by (timestamp, event_type,
// username), preserving existing-first order.
func mergeTimelines(a, b []incident.TimelineEntry) []incident.TimelineEntry {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]incident.TimelineEntry, 0, len(a)+len(b))
	for _, entry := range append(append([]incident.TimelineEntry(nil), a...), b...) {
		key := entry.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry)
	}
	return out
}

func mergeEvents(a, b []event.NormalizedEvent) []event.NormalizedEvent {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]event.NormalizedEvent, 0, len(a)+len(b))
	for _, ev := range append(append([]event.NormalizedEvent(nil), a...), b...) {
		key := incident.EventDedupKey(ev)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ev)
	}
	return out
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string(nil), a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// mergedSourceCount counts distinct source systems across the merged
// evidence, falling back to the stronger prior count when events carry
// no source tags.
func mergedSourceCount(events []event.NormalizedEvent, a, b int) int {
	sources := make(map[string]bool)
	for _, ev := range events {
		if ev.Source != "" {
			sources[ev.Source] = true
		}
	}
	if len(sources) > 0 {
		return len(sources)
	}
	return max(a, b)
}

// minTimestamp picks the earlier of two canonical timestamps, falling
// back to lexical comparison for unparseable values.
func minTimestamp(a, b string) string {
	ta, errA := event.ParseTimestamp(a)
	tb, errB := event.ParseTimestamp(b)
	switch {
	case errA == nil && errB == nil:
		if tb.Before(ta) {
			return b
		}
		return a
	case errA != nil && errB == nil:
		return b
	case errA == nil:
		return a
	default:
		if b < a {
			return b
		}
		return a
	}
}

func maxTimestamp(a, b string) string {
	ta, errA := event.ParseTimestamp(a)
	tb, errB := event.ParseTimestamp(b)
	switch {
	case errA == nil && errB == nil:
		if tb.After(ta) {
			return b
		}
		return a
	case errA != nil && errB == nil:
		return b
	case errA == nil:
		return a
	default:
		if b > a {
			return b
		}
		return a
	}
}
