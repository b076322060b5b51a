// Package event defines the raw and canonical event models for the
// authentication analytics pipeline. Raw events are unstructured JSON
// trees; the normalizer freezes them into NormalizedEvent, the only
// shape the detector and registry ever see.
package event

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Result enumeration for the canonical `result` field.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultOther   = "other"
)

// CanonicalFields is the locked canonical field list. Do not add fields
// without updating normalization, detection, and the embedded schema.
var CanonicalFields = []string{
	"timestamp",
	"event_type",
	"result",
	"source_ip",
	"username",
	"reason",
	"user_agent",
	"source",
}

// RawEvent is an unstructured event as received at the ingest boundary.
// Values are JSON scalars, objects, or arrays.
type RawEvent map[string]any

// NormalizedEvent is the canonical event shape. Timestamp is ISO-8601 UTC
// with a Z suffix at second precision.
type NormalizedEvent struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Result    string `json:"result"`
	SourceIP  string `json:"source_ip,omitempty"`
	Username  string `json:"username,omitempty"`
	Reason    string `json:"reason,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Time parses the event timestamp. Normalized events always carry a
// parseable UTC instant; the error return guards rehydrated artifacts.
func (e NormalizedEvent) Time() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

// timestampLayouts are the accepted ISO-8601 string shapes, most
// specific first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 string into a UTC instant. Strings
// without a zone designator are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTimestamp renders an instant in the canonical wire form:
// ISO-8601 UTC, second precision, Z suffix.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
// Anything above it is treated as milliseconds (year ~5138 in seconds).
const epochMillisCutoff = 1e11

// CoerceTimestamp converts a raw timestamp value into the canonical wire
// form. Numbers are epoch seconds, or epoch milliseconds when they
// exceed the millisecond cutoff. Strings are parsed as ISO-8601.
func CoerceTimestamp(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("missing timestamp")
	case string:
		t, err := ParseTimestamp(x)
		if err != nil {
			return "", err
		}
		return FormatTimestamp(t), nil
	case float64:
		return coerceEpoch(x)
	case int:
		return coerceEpoch(float64(x))
	case int64:
		return coerceEpoch(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return "", fmt.Errorf("non-numeric timestamp %q", x.String())
		}
		return coerceEpoch(f)
	default:
		return "", fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func coerceEpoch(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return "", fmt.Errorf("invalid epoch timestamp %v", f)
	}
	secs := f
	if f > epochMillisCutoff {
		secs = f / 1000
	}
	t := time.Unix(int64(secs), 0).UTC()
	return FormatTimestamp(t), nil
}
