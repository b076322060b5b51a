package registry

import (
	"encoding/json"
	"fmt"

	"github.com/strandsec/authwatch/pkg/incident"
)

// knownIncidentFields mirrors the JSON tags of incident.Incident. Any
// other field read from disk is carried through unchanged on rewrite.
var knownIncidentFields = map[string]bool{
	"incident_id":         true,
	"type":                true,
	"mitre":               true,
	"subject":             true,
	"severity":            true,
	"confidence":          true,
	"status":              true,
	"evidence":            true,
	"evidence_count":      true,
	"source_count":        true,
	"summary":             true,
	"recommended_actions": true,
	"explanation":         true,
	"first_seen":          true,
	"last_seen":           true,
	"created_at":          true,
	"updated_at":          true,
	"resolution_reason":   true,
}

func decodeStored(raw json.RawMessage) (*stored, error) {
	var inc incident.Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decode incident: %w", err)
	}
	if inc.IncidentID == "" {
		return nil, fmt.Errorf("decode incident: missing incident_id")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode incident fields: %w", err)
	}
	var extra map[string]json.RawMessage
	for key, val := range fields {
		if knownIncidentFields[key] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = val
	}
	return &stored{inc: inc, extra: extra}, nil
}

func encodeStored(st *stored) (json.RawMessage, error) {
	data, err := json.Marshal(st.inc)
	if err != nil {
		return nil, err
	}
	if len(st.extra) == 0 {
		return data, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for key, val := range st.extra {
		if knownIncidentFields[key] {
			continue
		}
		fields[key] = val
	}
	return json.Marshal(fields)
}
