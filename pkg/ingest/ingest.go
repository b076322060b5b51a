// Package ingest runs the end-to-end pipeline for one raw batch:
// persist the raw artifact, normalize, persist the normalized artifact,
// detect, merge into the registry, persist the incident snapshot and the
// run metadata. Each batch is one run with a stable identifier.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandsec/authwatch/pkg/detect"
	"github.com/strandsec/authwatch/pkg/event"
	"github.com/strandsec/authwatch/pkg/incident"
	"github.com/strandsec/authwatch/pkg/metrics"
	"github.com/strandsec/authwatch/pkg/normalize"
	"github.com/strandsec/authwatch/pkg/registry"
	"github.com/strandsec/authwatch/pkg/runstore"
)

// Normalization statuses reported in run metadata.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusEmpty   = "empty"
)

// IncidentOutcome pairs a post-merge incident snapshot with the registry
// outcome for it.
type IncidentOutcome struct {
	Outcome  string            `json:"outcome"`
	Incident incident.Incident `json:"incident"`
}

// Summary is the ingest response for one run.
type Summary struct {
	RunID               string            `json:"run_id"`
	Source              string            `json:"source,omitempty"`
	EventCount          int               `json:"event_count"`
	NormalizedCount     int               `json:"normalized_count"`
	RejectedCount       int               `json:"rejected_count"`
	Rejections          []string          `json:"rejections,omitempty"`
	NormalizationStatus string            `json:"normalization_status"`
	DetectionStatus     string            `json:"detection_status"`
	IncidentCount       int               `json:"incident_count"`
	Incidents           []IncidentOutcome `json:"incidents"`
}

// Pipeline wires the ingest stages together.
type Pipeline struct {
	runs       *runstore.Store
	normalizer *normalize.Normalizer
	detector   *detect.Detector
	registry   *registry.Registry
	counters   *metrics.Counters
	logger     *slog.Logger
}

func New(runs *runstore.Store, n *normalize.Normalizer, d *detect.Detector, reg *registry.Registry, counters *metrics.Counters, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		runs:       runs,
		normalizer: n,
		detector:   d,
		registry:   reg,
		counters:   counters,
		logger:     logger,
	}
}

// Run processes one raw batch. Every stage persists its artifact before
// the next stage starts; metadata is written last so a run directory
// with meta.json is complete.
func (p *Pipeline) Run(ctx context.Context, raw []event.RawEvent, sourceHint string) (Summary, error) {
	runID := p.runs.NewRunID()
	logger := p.logger.With("run_id", runID)

	p.counters.Inc(metrics.RunsTotal, 1)
	p.counters.Inc(metrics.EventsIngestedTotal, int64(len(raw)))

	if err := p.runs.WriteRaw(ctx, runID, raw); err != nil {
		return Summary{}, fmt.Errorf("persist raw batch: %w", err)
	}

	result := p.normalizer.Normalize(raw, sourceHint)
	p.counters.Inc(metrics.EventsNormalizedTotal, int64(len(result.Events)))
	for _, rej := range result.Rejections {
		p.counters.IncLabeled(metrics.EventsRejectedTotal, rej.Reason, 1)
	}
	for _, ev := range result.Events {
		if ev.Source != "" {
			p.counters.IncLabeled(metrics.EventsBySource, ev.Source, 1)
		}
	}
	if err := p.runs.WriteNormalized(ctx, runID, result.Events); err != nil {
		return Summary{}, fmt.Errorf("persist normalized batch: %w", err)
	}

	detected := p.detector.Detect(result.Events)
	upserts, err := p.registry.UpsertBatch(detected)
	if err != nil {
		return Summary{}, fmt.Errorf("merge incidents: %w", err)
	}

	outcomes := make([]IncidentOutcome, 0, len(upserts))
	snapshots := make([]incident.Incident, 0, len(upserts))
	for _, res := range upserts {
		outcomes = append(outcomes, IncidentOutcome{Outcome: res.Outcome, Incident: res.Incident})
		snapshots = append(snapshots, res.Incident)
		switch res.Outcome {
		case registry.OutcomeCreated:
			p.counters.IncLabeled(metrics.IncidentsCreatedTotal, res.Incident.Type, 1)
		default:
			p.counters.IncLabeled(metrics.IncidentsMergedTotal, res.Incident.Type, 1)
		}
	}
	if err := p.runs.WriteIncidents(ctx, runID, snapshots); err != nil {
		return Summary{}, fmt.Errorf("persist incident snapshot: %w", err)
	}

	rejections := make([]string, 0, len(result.Rejections))
	for _, rej := range result.Rejections {
		rejections = append(rejections, rej.String())
	}

	summary := Summary{
		RunID:               runID,
		Source:              sourceHint,
		EventCount:          len(raw),
		NormalizedCount:     len(result.Events),
		RejectedCount:       len(result.Rejections),
		Rejections:          rejections,
		NormalizationStatus: normalizationStatus(len(result.Events), len(result.Rejections)),
		DetectionStatus:     StatusOK,
		IncidentCount:       len(outcomes),
		Incidents:           outcomes,
	}

	meta := runstore.Meta{
		RunID:               runID,
		CreatedAt:           event.FormatTimestamp(nowUTC()),
		Source:              sourceHint,
		EventCount:          summary.EventCount,
		NormalizedCount:     summary.NormalizedCount,
		RejectedCount:       summary.RejectedCount,
		Rejections:          rejections,
		IncidentCount:       summary.IncidentCount,
		NormalizationStatus: summary.NormalizationStatus,
		DetectionStatus:     summary.DetectionStatus,
	}
	if err := p.runs.WriteMeta(ctx, runID, meta); err != nil {
		return Summary{}, fmt.Errorf("persist run metadata: %w", err)
	}

	logger.Info("ingest run completed",
		"events", summary.EventCount,
		"normalized", summary.NormalizedCount,
		"rejected", summary.RejectedCount,
		"incidents", summary.IncidentCount)
	return summary, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

func normalizationStatus(normalized, rejected int) string {
	switch {
	case normalized == 0:
		return StatusEmpty
	case rejected > 0:
		return StatusPartial
	default:
		return StatusOK
	}
}
