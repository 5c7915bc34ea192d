package metrics

import (
	"time"

	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/pipeline"
)

// PipelineHooks feeds engine lifecycle events into the collectors. It is
// meant to ride alongside logging hooks via pipeline.MultiHooks.
type PipelineHooks struct {
	m *Metrics
}

// NewPipelineHooks wraps m. A nil m yields a no-op hook set.
func NewPipelineHooks(m *Metrics) *PipelineHooks {
	return &PipelineHooks{m: m}
}

func (h *PipelineHooks) OnStart(runID, planID string) {}

func (h *PipelineHooks) OnStepStart(runID, filterID string) {}

func (h *PipelineHooks) OnStepComplete(runID, filterID string, status filter.StepStatus, durationMs int64) {
	h.m.ObserveStep(filterID, string(status), time.Duration(durationMs)*time.Millisecond)
}

func (h *PipelineHooks) OnError(runID, filterID string, err error) {
	if filterID == "" {
		filterID = "run"
	}
	h.m.IncrementStepError(filterID)
}

func (h *PipelineHooks) OnCleanup(runID string, result pipeline.CleanupResult) {
	h.m.ObserveCleanup(result.Deleted, result.Queued, result.Failed)
}

func (h *PipelineHooks) OnComplete(report *pipeline.ValidationReport) {
	h.m.ObserveRun(string(report.Status), time.Duration(report.DurationMs)*time.Millisecond)
}

var _ pipeline.Hooks = (*PipelineHooks)(nil)
