package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/invoice"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/tempstore"
)

// RunContext carries the shared state of a single validation run. Filters see
// it through the read-only filter.RunView interface; only the engine mutates
// it, and every mutation goes through a single mutex so results from parallel
// steps append safely.
type RunContext struct {
	runID         string
	correlationID string
	startedAt     time.Time
	raw           []byte
	plan          plan.ExecutionPlan
	config        map[string]map[string]any
	store         *tempstore.Store

	mu          sync.Mutex
	doc         *invoice.Document
	steps       []filter.StepResult
	stepIndex   map[string]int
	diags       []filter.Diagnostic
	aborted     bool
	abortReason string
	tempKeys    []string
	tempKeySet  map[string]struct{}
}

// ContextParams bundles the immutable inputs of a run.
type ContextParams struct {
	RunID         string
	CorrelationID string
	StartedAt     time.Time
	Raw           []byte
	Plan          plan.ExecutionPlan
	Config        map[string]map[string]any
	Store         *tempstore.Store
}

func NewRunContext(p ContextParams) *RunContext {
	return &RunContext{
		runID:         p.RunID,
		correlationID: p.CorrelationID,
		startedAt:     p.StartedAt,
		raw:           p.Raw,
		plan:          p.Plan,
		config:        p.Config,
		store:         p.Store,
		stepIndex:     make(map[string]int),
		tempKeySet:    make(map[string]struct{}),
	}
}

var _ filter.RunView = (*RunContext)(nil)

func (rc *RunContext) RunID() string         { return rc.runID }
func (rc *RunContext) CorrelationID() string { return rc.correlationID }
func (rc *RunContext) StartedAt() time.Time  { return rc.startedAt }
func (rc *RunContext) Plan() plan.ExecutionPlan {
	return rc.plan
}

// RawDocument returns the original document bytes. Filters must treat the
// slice as read-only.
func (rc *RunContext) RawDocument() []byte { return rc.raw }

func (rc *RunContext) ParsedInvoice() (invoice.Document, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.doc == nil {
		return invoice.Document{}, false
	}
	return *rc.doc, true
}

func (rc *RunContext) StepResult(filterID string) (filter.StepResult, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	i, ok := rc.stepIndex[filterID]
	if !ok {
		return filter.StepResult{}, false
	}
	return rc.steps[i], true
}

// ConfigFor returns a copy of the effective configuration for a filter, so a
// misbehaving filter cannot mutate what its siblings observe.
func (rc *RunContext) ConfigFor(filterID string) map[string]any {
	cfg, ok := rc.config[filterID]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

// Field resolves a dot path against run state. Paths starting with "invoice."
// address the parsed document; any other head is treated as a filter ID and
// the remainder walks that step's metadata. A bare filter ID resolves to the
// step result itself.
func (rc *RunContext) Field(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	if head == "invoice" {
		rc.mu.Lock()
		doc := rc.doc
		rc.mu.Unlock()
		if doc == nil {
			return nil, false
		}
		if rest == "" {
			return doc.Fields, true
		}
		return doc.Field(rest)
	}
	res, ok := rc.StepResult(head)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return res, true
	}
	return lookupPath(res.Metadata, rest)
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var node any = m
	for _, seg := range strings.Split(path, ".") {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func (rc *RunContext) Aborted() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.aborted
}

func (rc *RunContext) AbortReason() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.abortReason
}

// StashTemp stores a value in the temp store under the run's identity and
// registers the key for end-of-run cleanup.
func (rc *RunContext) StashTemp(category string, value []byte, ttl time.Duration) (string, error) {
	if rc.store == nil {
		return "", errors.New("pipeline: no temp store attached to run")
	}
	key := tempstore.Key(category, rc.runID)
	if err := rc.store.Set(key, value, tempstore.SetOptions{TTL: ttl, Category: category}); err != nil {
		return "", err
	}
	rc.RegisterTempKey(key)
	return key, nil
}

func (rc *RunContext) TempValue(category string) ([]byte, bool) {
	if rc.store == nil {
		return nil, false
	}
	return rc.store.Get(tempstore.Key(category, rc.runID))
}

// SetParsedDocument records the parsed invoice. Engine use only.
func (rc *RunContext) SetParsedDocument(doc invoice.Document) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.doc = &doc
}

// AddStepResult appends a completed step. Results are append-only; a later
// result for the same filter ID shadows the earlier one for lookups but both
// remain in the run record.
func (rc *RunContext) AddStepResult(res filter.StepResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stepIndex[res.FilterID] = len(rc.steps)
	rc.steps = append(rc.steps, res)
}

// AddDiagnostics appends run-level diagnostics not tied to a single step.
func (rc *RunContext) AddDiagnostics(diags ...filter.Diagnostic) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.diags = append(rc.diags, diags...)
}

// Abort requests cooperative cancellation of the remaining steps. The first
// reason wins; Abort reports whether this call was the one that aborted.
func (rc *RunContext) Abort(reason string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.aborted {
		return false
	}
	rc.aborted = true
	rc.abortReason = reason
	return true
}

// RegisterTempKey marks a temp-store key as owned by this run so cleanup can
// secure-delete it. Duplicate registrations collapse to one.
func (rc *RunContext) RegisterTempKey(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.tempKeySet[key]; ok {
		return
	}
	rc.tempKeySet[key] = struct{}{}
	rc.tempKeys = append(rc.tempKeys, key)
}

// CompletedSteps returns a copy of the step results recorded so far, in
// completion order.
func (rc *RunContext) CompletedSteps() []filter.StepResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]filter.StepResult, len(rc.steps))
	copy(out, rc.steps)
	return out
}

// Diagnostics returns a copy of the run-level diagnostics.
func (rc *RunContext) Diagnostics() []filter.Diagnostic {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]filter.Diagnostic, len(rc.diags))
	copy(out, rc.diags)
	return out
}

// TempKeys returns a copy of the temp-store keys registered by this run.
func (rc *RunContext) TempKeys() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, len(rc.tempKeys))
	copy(out, rc.tempKeys)
	return out
}
