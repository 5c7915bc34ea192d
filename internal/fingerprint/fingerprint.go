package fingerprint

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/invoice"
)

// IDPrefix tags compliance fingerprint identifiers.
const IDPrefix = "FL-"

// NewID returns a fresh fingerprint identifier.
func NewID() string {
	return IDPrefix + uuid.New().String()
}

// PlanRef pins the plan a fingerprint was produced under.
type PlanRef struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	ConfigHash string `json:"configHash"`
}

// CheckRecord is the compact per-step record retained long term.
type CheckRecord struct {
	FilterID    string            `json:"filterId"`
	Status      filter.StepStatus `json:"status"`
	DurationMs  int64             `json:"durationMs"`
	Diagnostics int               `json:"diagnostics"`
}

// ComplianceFingerprint is the durable attestation of one validation run.
// It carries only masked document data; raw content never enters it.
type ComplianceFingerprint struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Score          int             `json:"score"`
	Timestamp      time.Time       `json:"timestamp"`
	Checks         []CheckRecord   `json:"checks"`
	RiskNotes      []string        `json:"riskNotes,omitempty"`
	Fingerprint    string          `json:"fingerprint"`
	ExecutionPlan  PlanRef         `json:"executionPlan"`
	InvoiceSummary invoice.Summary `json:"invoiceSummary"`
	DurationMs     int64           `json:"durationMs"`
}

// ReportInfo is everything Build needs from a finished run. Report is hashed
// whole into the Fingerprint field; the rest is projected into the record.
type ReportInfo struct {
	Report     any
	Status     string
	Score      int
	Steps      []filter.StepResult
	RiskNotes  []string
	Plan       PlanRef
	Summary    invoice.Summary
	DurationMs int64
}

// Build assembles the fingerprint for a finished run. An empty id gets a
// fresh one.
func Build(in ReportInfo, id string, now time.Time) (ComplianceFingerprint, error) {
	if id == "" {
		id = NewID()
	}
	reportHash, err := Hash(in.Report)
	if err != nil {
		return ComplianceFingerprint{}, fmt.Errorf("hash report: %w", err)
	}
	checks := make([]CheckRecord, 0, len(in.Steps))
	for _, s := range in.Steps {
		checks = append(checks, CheckRecord{
			FilterID:    s.FilterID,
			Status:      s.Status,
			DurationMs:  s.DurationMs,
			Diagnostics: len(s.Diagnostics),
		})
	}
	return ComplianceFingerprint{
		ID:             id,
		Status:         in.Status,
		Score:          in.Score,
		Timestamp:      now,
		Checks:         checks,
		RiskNotes:      in.RiskNotes,
		Fingerprint:    reportHash,
		ExecutionPlan:  in.Plan,
		InvoiceSummary: in.Summary,
		DurationMs:     in.DurationMs,
	}, nil
}
