// Package filter defines the validation filter contract and the registry
// that resolves plan steps to runnable filters.
package filter

import (
	"context"
	"time"

	"github.com/kalambet/flint/internal/invoice"
)

// StepStatus is the outcome of one plan step. Filters return passed, warning,
// failed, or error; skipped is assigned by the engine when a step's gate does
// not open.
type StepStatus string

const (
	StatusPassed  StepStatus = "passed"
	StatusWarning StepStatus = "warning"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
	StatusError   StepStatus = "error"
)

// Severity ranks a diagnostic's impact on the verdict.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityHint    Severity = "hint"
)

// Diagnostic is one finding reported against the document or the run.
type Diagnostic struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Source   string         `json:"source,omitempty"`
	Location string         `json:"location,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// StepResult records one filter execution. Metadata is merged into the run
// state so later steps and field conditions can read it.
type StepResult struct {
	FilterID    string         `json:"filterId"`
	Status      StepStatus     `json:"status"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	DurationMs  int64          `json:"durationMs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Metadata keys the engine gives special treatment.
const (
	// MetaParsedDocument may hold an invoice.Document; the engine promotes
	// it into the run context and strips it from the recorded result.
	MetaParsedDocument = "parsedDocument"

	// MetaRiskNotes may hold []string notes collected into the fingerprint.
	MetaRiskNotes = "riskNotes"
)

// Passed builds a passing result for the filter.
func Passed(filterID string) StepResult {
	return StepResult{FilterID: filterID, Status: StatusPassed}
}

// Failed builds a failed result carrying the given findings.
func Failed(filterID string, diags ...Diagnostic) StepResult {
	return StepResult{FilterID: filterID, Status: StatusFailed, Diagnostics: diags}
}

// Errored builds an error result, used when the filter itself broke rather
// than the document being invalid.
func Errored(filterID string, diags ...Diagnostic) StepResult {
	return StepResult{FilterID: filterID, Status: StatusError, Diagnostics: diags}
}

// RunView is the read surface of a validation run exposed to filters and to
// condition evaluation. All methods are safe for concurrent use.
type RunView interface {
	// RunID returns the run's identifier.
	RunID() string

	// CorrelationID returns the caller-supplied correlation ID, or the run
	// ID when none was given.
	CorrelationID() string

	// RawDocument returns the submitted bytes.
	RawDocument() []byte

	// ParsedInvoice returns the parsed document once a filter has produced
	// one; ok is false before that.
	ParsedInvoice() (invoice.Document, bool)

	// StepResult returns another filter's recorded result.
	StepResult(filterID string) (StepResult, bool)

	// ConfigFor returns the merged configuration for a filter ID: engine
	// defaults, then plan step config, then request overrides.
	ConfigFor(filterID string) map[string]any

	// Field resolves a dot path against the run state: "invoice.*" reads
	// the parsed document's fields, "<filterID>.*" reads that step's
	// metadata.
	Field(path string) (any, bool)

	// Aborted reports whether the run has been aborted.
	Aborted() bool

	// StashTemp stores a run-scoped value in the temp store and registers
	// its key for end-of-run secure deletion. It returns the full key.
	StashTemp(category string, value []byte, ttl time.Duration) (string, error)

	// TempValue reads back a value stashed for this run under category.
	TempValue(category string) ([]byte, bool)
}

// Filter is a single validation capability. Implementations must be safe for
// concurrent use: parallel plan groups invoke them from multiple goroutines.
type Filter interface {
	// ID returns the stable identifier plans reference.
	ID() string

	// Name returns the human-readable filter name.
	Name() string

	// Version returns the filter implementation version.
	Version() string

	// Execute runs the filter against the run. A non-nil error means the
	// filter itself broke; document findings belong in the StepResult.
	Execute(ctx context.Context, rc RunView) (StepResult, error)
}

// Initializer is implemented by filters that need setup before serving runs.
type Initializer interface {
	OnInit(ctx context.Context) error
}

// Destroyer is implemented by filters that hold resources to release at
// shutdown.
type Destroyer interface {
	OnDestroy(ctx context.Context) error
}
