// Package runstore persists per-run ingest artifacts under a runs
// directory: the raw batch, the normalized batch, the incident snapshot
// and the run metadata. Every artifact is written canonically (RFC 8785)
// and atomically, so identical runs produce byte-identical files.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
)

var (
	ErrInvalidRunID = errors.New("runstore: invalid run id")
	ErrRunNotFound  = errors.New("runstore: run not found")
)

// runIDPattern accepts only store-generated identifiers, which also
// keeps run ids safe to join into filesystem paths.
var runIDPattern = regexp.MustCompile(`^run-[0-9a-f]{32}$`)

// Artifact file names inside a run directory.
const (
	rawFile        = "raw.json"
	normalizedFile = "normalized.json"
	incidentsFile  = "incidents.json"
	metaFile       = "meta.json"
)

// Meta is the per-run summary artifact.
type Meta struct {
	RunID               string   `json:"run_id"`
	CreatedAt           string   `json:"created_at"`
	Source              string   `json:"source,omitempty"`
	EventCount          int      `json:"event_count"`
	NormalizedCount     int      `json:"normalized_count"`
	RejectedCount       int      `json:"rejected_count"`
	Rejections          []string `json:"rejections,omitempty"`
	IncidentCount       int      `json:"incident_count"`
	NormalizationStatus string   `json:"normalization_status"`
	DetectionStatus     string   `json:"detection_status"`
}

// Store manages run directories under a single root.
type Store struct {
	root string
}

// New creates a store rooted at dir. The directory is created lazily on
// the first write.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the runs directory.
func (s *Store) Root() string { return s.root }

// NewRunID mints a fresh run identifier.
func (s *Store) NewRunID() string {
	return "run-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateRunID rejects identifiers this store could not have minted.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}

// WriteRaw persists the raw batch exactly as received.
func (s *Store) WriteRaw(ctx context.Context, runID string, batch []event.RawEvent) error {
	return s.writeArtifact(ctx, runID, rawFile, batch)
}

// WriteNormalized persists the normalized batch.
func (s *Store) WriteNormalized(ctx context.Context, runID string, events []event.NormalizedEvent) error {
	return s.writeArtifact(ctx, runID, normalizedFile, events)
}

// WriteIncidents persists the post-merge incident snapshots for the run.
func (s *Store) WriteIncidents(ctx context.Context, runID string, incs []incident.Incident) error {
	return s.writeArtifact(ctx, runID, incidentsFile, incs)
}

// WriteMeta persists the run summary. It is written last, so a run with
// a meta artifact is complete.
func (s *Store) WriteMeta(ctx context.Context, runID string, meta Meta) error {
	return s.writeArtifact(ctx, runID, metaFile, meta)
}

// ReadMeta loads a run's summary artifact.
func (s *Store) ReadMeta(runID string) (Meta, error) {
	var meta Meta
	if err := s.readArtifact(runID, metaFile, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// ReadNormalized loads a run's normalized batch.
func (s *Store) ReadNormalized(runID string) ([]event.NormalizedEvent, error) {
	var events []event.NormalizedEvent
	if err := s.readArtifact(runID, normalizedFile, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadIncidents loads a run's incident snapshot.
func (s *Store) ReadIncidents(runID string) ([]incident.Incident, error) {
	var incs []incident.Incident
	if err := s.readArtifact(runID, incidentsFile, &incs); err != nil {
		return nil, err
	}
	return incs, nil
}

// ListRuns returns the metadata of every complete run, newest first.
// Runs without a readable meta artifact are skipped.
func (s *Store) ListRuns() ([]Meta, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateRunID(entry.Name()) != nil {
			continue
		}
		meta, err := s.ReadMeta(entry.Name())
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	sort.SliceStable(metas, func(a, b int) bool {
		if metas[a].CreatedAt != metas[b].CreatedAt {
			return metas[a].CreatedAt > metas[b].CreatedAt
		}
		return metas[a].RunID > metas[b].RunID
	})
	return metas, nil
}

func (s *Store) writeArtifact(ctx context.Context, runID, name string, payload any) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", name, runID, err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return fmt.Errorf("canonicalize %s for %s: %w", name, runID, err)
	}

	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure run dir %s: %w", runID, err)
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, canonical, 0o644); err != nil {
		return fmt.Errorf("write %s for %s: %w", name, runID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s for %s: %w", name, runID, err)
	}
	return nil
}

func (s *Store) readArtifact(runID, name string, out any) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(s.root, runID, name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("read %s for %s: %w", name, runID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s for %s: %w", name, runID, err)
	}
	return nil
}
