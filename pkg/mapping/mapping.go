// Package mapping loads and validates per-source field-alias profiles
// from config/field_mappings.yaml. Profile names correspond to the value
// of the `source` field in incoming events; unknown sources fall back to
// the _default profile.
package mapping

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strandsec/authwatch/pkg/event"
)

// DefaultProfileName is the fallback profile every mapping file must carry.
const DefaultProfileName = "_default"

var (
	// ErrConfigInvalid is returned when the mapping file fails validation.
	// It is fatal at boot: the process refuses to start.
	ErrConfigInvalid = errors.New("mapping: config invalid")
)

// Profile declares, for every canonical field, an ordered list of
// raw-field aliases. An alias containing a dot is resolved as a nested
// lookup path. A profile may additionally blacklist event types and
// translate raw outcome strings into the canonical result enumeration.
type Profile struct {
	Fields           map[string][]string `yaml:"fields"`
	ResultMap        map[string]string   `yaml:"result_map,omitempty"`
	RejectEventTypes []string            `yaml:"reject_event_types,omitempty"`
}

// Profiles is the loaded mapping file, keyed by source identifier.
type Profiles struct {
	bySource map[string]*Profile
}

// Load reads and parses the mapping file. It does not validate; call
// Validate before serving traffic.
func Load(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	var raw map[string]*Profile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("mapping: parse %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]*Profile{}
	}
	return &Profiles{bySource: raw}, nil
}

// Sources returns the declared profile names, sorted, excluding _default.
func (p *Profiles) Sources() []string {
	out := make([]string, 0, len(p.bySource))
	for name := range p.bySource {
		if name != DefaultProfileName {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve returns the resolver for a source. Unknown or empty sources
// fall back to the _default profile; fields a source profile does not
// declare also fall back per-field.
func (p *Profiles) Resolve(source string) *Resolver {
	def := p.bySource[DefaultProfileName]
	prof := def
	if source != "" {
		if sp, ok := p.bySource[source]; ok {
			prof = sp
		}
	}
	return &Resolver{profile: prof, fallback: def}
}

// Validate checks the loaded mapping file against the profile contract.
// It returns every violation found; a non-empty list wraps
// ErrConfigInvalid.
func (p *Profiles) Validate() []error {
	var errs []error

	def, ok := p.bySource[DefaultProfileName]
	if !ok || def == nil {
		return []error{fmt.Errorf("%w: missing required %q profile", ErrConfigInvalid, DefaultProfileName)}
	}

	for _, field := range event.CanonicalFields {
		if len(def.Fields[field]) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s profile is missing aliases for required field %q",
				ErrConfigInvalid, DefaultProfileName, field))
		}
	}

	names := make([]string, 0, len(p.bySource))
	for name := range p.bySource {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prof := p.bySource[name]
		if prof == nil {
			errs = append(errs, fmt.Errorf("%w: profile %q is empty", ErrConfigInvalid, name))
			continue
		}
		for field, aliases := range prof.Fields {
			if len(aliases) == 0 {
				errs = append(errs, fmt.Errorf("%w: profile %q declares field %q with an empty alias list",
					ErrConfigInvalid, name, field))
			}
		}
		for from, to := range prof.ResultMap {
			switch to {
			case event.ResultSuccess, event.ResultFailure, event.ResultOther:
			default:
				errs = append(errs, fmt.Errorf("%w: profile %q maps result %q to unknown value %q",
					ErrConfigInvalid, name, from, to))
			}
		}
	}

	return errs
}

// Resolver applies one source's profile to raw events, falling back to
// the _default profile for undeclared fields.
type Resolver struct {
	profile  *Profile
	fallback *Profile
}

// Aliases returns the ordered alias list for a canonical field.
func (r *Resolver) Aliases(field string) []string {
	if r.profile != nil {
		if aliases := r.profile.Fields[field]; len(aliases) > 0 {
			return aliases
		}
	}
	if r.fallback != nil {
		return r.fallback.Fields[field]
	}
	return nil
}

// Lookup walks the field's alias list in declaration order and returns
// the first value present in the raw event. Aliases containing dots are
// resolved as nested object paths.
func (r *Resolver) Lookup(raw event.RawEvent, field string) (any, bool) {
	for _, alias := range r.Aliases(field) {
		if v, ok := lookupPath(raw, alias); ok {
			return v, true
		}
	}
	return nil, false
}

// LookupString is Lookup restricted to non-empty strings; other scalar
// types are rendered with fmt.
func (r *Resolver) LookupString(raw event.RawEvent, field string) (string, bool) {
	v, ok := r.Lookup(raw, field)
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		if s == "" {
			return "", false
		}
		return s, true
	case bool:
		return fmt.Sprintf("%t", s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}

// RejectedEventTypes returns the telemetry blacklist declared by the
// profile, falling back to _default.
func (r *Resolver) RejectedEventTypes() map[string]bool {
	src := r.profile
	if src == nil || len(src.RejectEventTypes) == 0 {
		src = r.fallback
	}
	out := make(map[string]bool)
	if src == nil {
		return out
	}
	for _, t := range src.RejectEventTypes {
		out[strings.ToLower(t)] = true
	}
	return out
}

// MapResult translates a raw outcome string into the canonical result
// enumeration: profile result_map first, success/failure pass-through,
// anything else becomes other.
func (r *Resolver) MapResult(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	for _, prof := range []*Profile{r.profile, r.fallback} {
		if prof == nil {
			continue
		}
		if mapped, ok := prof.ResultMap[key]; ok {
			return mapped
		}
	}
	switch key {
	case event.ResultSuccess, event.ResultFailure:
		return key
	default:
		return event.ResultOther
	}
}

// lookupPath resolves a possibly dotted alias against a raw event tree.
func lookupPath(raw event.RawEvent, alias string) (any, bool) {
	if v, ok := raw[alias]; ok {
		return v, true
	}
	if !strings.Contains(alias, ".") {
		return nil, false
	}
	var cur any = map[string]any(raw)
	for _, part := range strings.Split(alias, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
