package pipeline

import (
	"time"

	"github.com/kalambet/flint/internal/filter"
)

// Status is the overall verdict of a validation run.
type Status string

const (
	StatusApproved             Status = "APPROVED"
	StatusApprovedWithWarnings Status = "APPROVED_WITH_WARNINGS"
	StatusRejected             Status = "REJECTED"
	StatusError                Status = "ERROR"
	StatusTimeout              Status = "TIMEOUT"
)

// RunState records how the run's dispatch loop ended, independent of the
// business verdict.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
	RunTimedOut  RunState = "timed-out"
)

// ValidationReport is the full outcome of a run: every step result in
// completion order, run-level diagnostics, and the derived verdict.
type ValidationReport struct {
	RunID         string              `json:"runId"`
	CorrelationID string              `json:"correlationId,omitempty"`
	PlanID        string              `json:"planId"`
	PlanVersion   string              `json:"planVersion"`
	PlanHash      string              `json:"planHash,omitempty"`
	Status        Status              `json:"status"`
	Score         int                 `json:"score"`
	RunState      RunState            `json:"runState"`
	AbortReason   string              `json:"abortReason,omitempty"`
	StartedAt     time.Time           `json:"startedAt"`
	DurationMs    int64               `json:"durationMs"`
	Steps         []filter.StepResult `json:"steps"`
	Diagnostics   []filter.Diagnostic `json:"diagnostics,omitempty"`
}

type runTally struct {
	errorSteps  int
	failedSteps int
	warnSteps   int
	errorDiags  int
	warnDiags   int
}

func tallyRun(steps []filter.StepResult, runDiags []filter.Diagnostic) runTally {
	var t runTally
	for _, s := range steps {
		switch s.Status {
		case filter.StatusError:
			t.errorSteps++
		case filter.StatusFailed:
			t.failedSteps++
		case filter.StatusWarning:
			t.warnSteps++
		}
		tallyDiags(&t, s.Diagnostics)
	}
	tallyDiags(&t, runDiags)
	return t
}

func tallyDiags(t *runTally, diags []filter.Diagnostic) {
	for _, d := range diags {
		switch d.Severity {
		case filter.SeverityError:
			t.errorDiags++
		case filter.SeverityWarning:
			t.warnDiags++
		}
	}
}

// deriveStatus maps the run outcome onto a verdict. A run that hit its
// top-level deadline is TIMEOUT regardless of step outcomes. Otherwise any
// errored step means ERROR, any failed step or error-severity diagnostic
// means REJECTED, warnings downgrade to APPROVED_WITH_WARNINGS, and a clean
// run is APPROVED.
func deriveStatus(state RunState, steps []filter.StepResult, runDiags []filter.Diagnostic) Status {
	if state == RunTimedOut {
		return StatusTimeout
	}
	t := tallyRun(steps, runDiags)
	switch {
	case t.errorSteps > 0:
		return StatusError
	case t.failedSteps > 0 || t.errorDiags > 0:
		return StatusRejected
	case t.warnSteps > 0 || t.warnDiags > 0:
		return StatusApprovedWithWarnings
	default:
		return StatusApproved
	}
}

// computeScore turns the run outcome into a 0-100 confidence score. Errored
// steps cost 40, failed steps 25, error-severity diagnostics 10 and warning
// diagnostics 5, floored at 0.
func computeScore(steps []filter.StepResult, runDiags []filter.Diagnostic) int {
	t := tallyRun(steps, runDiags)
	score := 100 - 40*t.errorSteps - 25*t.failedSteps - 10*t.errorDiags - 5*t.warnDiags
	if score < 0 {
		return 0
	}
	return score
}
