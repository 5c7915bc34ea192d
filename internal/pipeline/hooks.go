package pipeline

import (
	"log/slog"

	"github.com/kalambet/flint/internal/filter"
)

// CleanupResult summarizes the end-of-run temp artifact cleanup.
type CleanupResult struct {
	Deleted int `json:"deleted"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
}

// Hooks receives lifecycle notifications from the engine. Implementations
// are observational: they must not block for long and cannot alter the run.
// A panicking hook is recovered and logged, never propagated.
type Hooks interface {
	OnStart(runID, planID string)
	OnStepStart(runID, filterID string)
	OnStepComplete(runID, filterID string, status filter.StepStatus, durationMs int64)
	OnError(runID, filterID string, err error)
	OnCleanup(runID string, result CleanupResult)
	OnComplete(report *ValidationReport)
}

// NopHooks discards every notification.
type NopHooks struct{}

func (NopHooks) OnStart(string, string)                                  {}
func (NopHooks) OnStepStart(string, string)                              {}
func (NopHooks) OnStepComplete(string, string, filter.StepStatus, int64) {}
func (NopHooks) OnError(string, string, error)                           {}
func (NopHooks) OnCleanup(string, CleanupResult)                         {}
func (NopHooks) OnComplete(*ValidationReport)                            {}

// SlogHooks logs run lifecycle events.
type SlogHooks struct {
	Logger *slog.Logger
}

func (h SlogHooks) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h SlogHooks) OnStart(runID, planID string) {
	h.logger().Info("run started", "run_id", runID, "plan_id", planID)
}

func (h SlogHooks) OnStepStart(runID, filterID string) {
	h.logger().Debug("step started", "run_id", runID, "filter_id", filterID)
}

func (h SlogHooks) OnStepComplete(runID, filterID string, status filter.StepStatus, durationMs int64) {
	h.logger().Debug("step completed",
		"run_id", runID, "filter_id", filterID, "status", status, "duration_ms", durationMs)
}

func (h SlogHooks) OnError(runID, filterID string, err error) {
	h.logger().Warn("step error", "run_id", runID, "filter_id", filterID, "error", err)
}

func (h SlogHooks) OnCleanup(runID string, result CleanupResult) {
	h.logger().Debug("run cleanup",
		"run_id", runID, "deleted", result.Deleted, "queued", result.Queued, "failed", result.Failed)
}

func (h SlogHooks) OnComplete(report *ValidationReport) {
	h.logger().Info("run completed",
		"run_id", report.RunID, "status", report.Status, "score", report.Score,
		"steps", len(report.Steps), "duration_ms", report.DurationMs)
}

// MultiHooks fans every notification out to each member in order.
type MultiHooks []Hooks

func (m MultiHooks) OnStart(runID, planID string) {
	for _, h := range m {
		h.OnStart(runID, planID)
	}
}

func (m MultiHooks) OnStepStart(runID, filterID string) {
	for _, h := range m {
		h.OnStepStart(runID, filterID)
	}
}

func (m MultiHooks) OnStepComplete(runID, filterID string, status filter.StepStatus, durationMs int64) {
	for _, h := range m {
		h.OnStepComplete(runID, filterID, status, durationMs)
	}
}

func (m MultiHooks) OnError(runID, filterID string, err error) {
	for _, h := range m {
		h.OnError(runID, filterID, err)
	}
}

func (m MultiHooks) OnCleanup(runID string, result CleanupResult) {
	for _, h := range m {
		h.OnCleanup(runID, result)
	}
}

func (m MultiHooks) OnComplete(report *ValidationReport) {
	for _, h := range m {
		h.OnComplete(report)
	}
}
