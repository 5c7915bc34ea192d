// Package pipeline executes validation plans. The engine walks the plan's
// step tree, invokes filters under the configured concurrency and timeout
// limits, accumulates their results in a shared run context, and seals the
// outcome into a validation report and a compliance fingerprint. Temporary
// artifacts stashed during the run are secure-deleted exactly once when the
// run ends, however it ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/flint/internal/cleanup"
	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/fingerprint"
	"github.com/kalambet/flint/internal/invoice"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/tempstore"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	// DefaultMaxParallelism caps filters in flight across the whole run.
	DefaultMaxParallelism = 4

	// DefaultStepTimeout applies to steps with no explicit timeout when
	// the plan sets no default either.
	DefaultStepTimeout = 30 * time.Second

	// DefaultRawTTL bounds how long the submitted document stays in the
	// temp store if cleanup never reaches it.
	DefaultRawTTL = 10 * time.Minute
)

// Options tunes an Engine. The zero value is usable.
type Options struct {
	// Hooks observes run lifecycle events. Nil means no observation.
	Hooks Hooks

	// Clock supplies run timestamps.
	Clock Clock

	// IDGen mints run identifiers.
	IDGen func() string

	// FingerprintIDGen mints compliance fingerprint identifiers.
	FingerprintIDGen func() string

	// MaxParallelism caps concurrently executing filters.
	MaxParallelism int

	// StepTimeout is the fallback per-step timeout.
	StepTimeout time.Duration

	// RunTimeout bounds the whole run; zero means no engine-imposed bound.
	RunTimeout time.Duration

	// SystemDefaults is per-filter configuration merged under the plan's.
	SystemDefaults map[string]map[string]any

	// MaskPolicy governs the invoice summary embedded in fingerprints.
	MaskPolicy invoice.MaskPolicy

	// CustomCondition evaluates "custom" step conditions. Nil fails every
	// custom condition closed.
	CustomCondition func(expr string, rc filter.RunView) (bool, error)

	// KernelVersion names the engine revision recorded in plan snapshots.
	KernelVersion string

	// RawTTL overrides DefaultRawTTL for the stashed document.
	RawTTL time.Duration

	Logger *slog.Logger
}

// Engine runs validation plans against a filter registry.
type Engine struct {
	registry *filter.Registry
	store    *tempstore.Store
	queue    cleanup.Queue

	hooks          Hooks
	clock          Clock
	idGen          func() string
	fpIDGen        func() string
	maxParallelism int
	stepTimeout    time.Duration
	runTimeout     time.Duration
	systemDefaults map[string]map[string]any
	maskPolicy     invoice.MaskPolicy
	customCond     func(string, filter.RunView) (bool, error)
	kernelVersion  string
	rawTTL         time.Duration
	logger         *slog.Logger

	sem chan struct{}
}

// New builds an engine. store and queue may be nil: without a store nothing
// is stashed, and without a queue failed deletions are only logged.
func New(registry *filter.Registry, store *tempstore.Store, queue cleanup.Queue, opts Options) *Engine {
	e := &Engine{
		registry:       registry,
		store:          store,
		queue:          queue,
		hooks:          opts.Hooks,
		clock:          opts.Clock,
		idGen:          opts.IDGen,
		fpIDGen:        opts.FingerprintIDGen,
		maxParallelism: opts.MaxParallelism,
		stepTimeout:    opts.StepTimeout,
		runTimeout:     opts.RunTimeout,
		systemDefaults: opts.SystemDefaults,
		maskPolicy:     opts.MaskPolicy,
		customCond:     opts.CustomCondition,
		kernelVersion:  opts.KernelVersion,
		rawTTL:         opts.RawTTL,
		logger:         opts.Logger,
	}
	if e.hooks == nil {
		e.hooks = NopHooks{}
	}
	if e.clock == nil {
		e.clock = realClock{}
	}
	if e.idGen == nil {
		e.idGen = uuid.NewString
	}
	if e.fpIDGen == nil {
		e.fpIDGen = fingerprint.NewID
	}
	if e.maxParallelism <= 0 {
		e.maxParallelism = DefaultMaxParallelism
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = DefaultStepTimeout
	}
	if e.rawTTL <= 0 {
		e.rawTTL = DefaultRawTTL
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.sem = make(chan struct{}, e.maxParallelism)
	return e
}

// Input is one validation request.
type Input struct {
	// Document is the submitted invoice payload.
	Document []byte

	// Plan is the execution plan to run.
	Plan plan.ExecutionPlan

	// Overrides is request-scoped per-filter configuration, merged over
	// engine defaults and plan config.
	Overrides map[string]map[string]any

	// CorrelationID ties the run to the caller's trace; empty means the
	// run ID is used.
	CorrelationID string
}

// RunResult is everything a finished run produces.
type RunResult struct {
	Report      *ValidationReport
	Fingerprint *fingerprint.ComplianceFingerprint
	Snapshot    *fingerprint.PlanSnapshot
}

// Execute runs the plan against the document. It returns an error only when
// the run could not start (invalid plan, unhashable config); once dispatch
// begins, every outcome including timeouts and aborts lands in the report.
func (e *Engine) Execute(ctx context.Context, in Input) (*RunResult, error) {
	if e.registry == nil {
		return nil, errors.New("pipeline: engine has no filter registry")
	}
	if err := plan.Validate(in.Plan, nil); err != nil {
		return nil, err
	}

	runID := e.idGen()
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = runID
	}
	startedAt := e.clock.Now()

	config := mergeConfig(e.systemDefaults, plan.ConfigIndex(in.Plan), in.Overrides)
	snap, err := fingerprint.Snapshot(in.Plan, configAsAny(config), e.kernelVersion, startedAt)
	if err != nil {
		return nil, fmt.Errorf("snapshot plan: %w", err)
	}

	rc := NewRunContext(ContextParams{
		RunID:         runID,
		CorrelationID: correlationID,
		StartedAt:     startedAt,
		Raw:           in.Document,
		Plan:          in.Plan,
		Config:        config,
		Store:         e.store,
	})

	e.safeHook(func() { e.hooks.OnStart(runID, in.Plan.ID) })

	if e.store != nil && len(in.Document) > 0 {
		if _, err := rc.StashTemp(tempstore.CategoryRawInvoice, in.Document, e.rawTTL); err != nil {
			e.logger.Warn("stash raw document", "run_id", runID, "error", err)
		}
	}

	state := e.run(ctx, rc)

	report := e.buildReport(rc, state, &snap)
	result := &RunResult{Report: report, Snapshot: &snap}

	fp, err := e.buildFingerprint(rc, report, in.Plan)
	if err != nil {
		e.logger.Error("build fingerprint", "run_id", runID, "error", err)
	} else {
		result.Fingerprint = &fp
	}

	e.safeHook(func() { e.hooks.OnComplete(report) })
	return result, nil
}

// run dispatches the plan's steps and guarantees cleanup fires exactly once
// no matter how dispatch ends, panics included.
func (e *Engine) run(ctx context.Context, rc *RunContext) RunState {
	defer e.cleanupRun(rc)

	var cancel context.CancelFunc
	runCtx := ctx
	if e.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.runTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.dispatch(runCtx, rc, rc.Plan().Steps)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		rc.Abort("run deadline exceeded")
		return RunTimedOut
	case runCtx.Err() != nil:
		rc.Abort("run cancelled")
		return RunAborted
	case rc.Aborted():
		return RunAborted
	default:
		return RunCompleted
	}
}

// dispatch walks steps with an explicit frame stack so arbitrarily deep
// sequential nesting never grows the goroutine stack. Each frame holds the
// remaining order groups of one sibling list; a singleton group runs inline,
// a multi-member group fans out and is joined before the frame advances.
func (e *Engine) dispatch(ctx context.Context, rc *RunContext, steps []plan.ExecutionStep) {
	type frame struct {
		groups [][]plan.ExecutionStep
	}
	stack := []*frame{{groups: plan.OrderGroups(steps)}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if len(top.groups) == 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		group := top.groups[0]
		top.groups = top.groups[1:]

		if len(group) == 1 {
			children, parallel, descend := e.execNode(ctx, rc, group[0])
			if !descend || len(children) == 0 {
				continue
			}
			if parallel {
				e.execParallel(ctx, rc, children)
			} else {
				stack = append(stack, &frame{groups: plan.OrderGroups(children)})
			}
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(e.maxParallelism)
		for _, step := range group {
			step := step
			g.Go(func() error {
				e.execSubtree(ctx, rc, step)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// execSubtree runs one step and everything under it to completion. Used for
// the members of concurrent groups, which each settle independently.
func (e *Engine) execSubtree(ctx context.Context, rc *RunContext, step plan.ExecutionStep) {
	children, parallel, descend := e.execNode(ctx, rc, step)
	if !descend || len(children) == 0 {
		return
	}
	if parallel {
		e.execParallel(ctx, rc, children)
		return
	}
	e.dispatch(ctx, rc, children)
}

// execParallel fans the children out concurrently and waits for all of them
// to settle. Failures never cancel siblings already in flight; the abort
// flag stops steps that have not started yet.
func (e *Engine) execParallel(ctx context.Context, rc *RunContext, children []plan.ExecutionStep) {
	g := new(errgroup.Group)
	g.SetLimit(e.maxParallelism)
	for _, child := range children {
		child := child
		g.Go(func() error {
			e.execSubtree(ctx, rc, child)
			return nil
		})
	}
	_ = g.Wait()
}

// execNode applies the step gates in order (enabled, run liveness, abort,
// condition), then executes the step's own filter if it has one. It returns
// the children to descend into; descend is false when a gate closed, which
// skips the whole subtree.
func (e *Engine) execNode(ctx context.Context, rc *RunContext, step plan.ExecutionStep) (children []plan.ExecutionStep, parallel, descend bool) {
	if !step.IsEnabled() {
		e.recordSkip(rc, step, "engine.disabled", "step disabled by plan")
		return nil, false, false
	}

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.recordSkip(rc, step, "engine.run-timeout", "run deadline exceeded")
		} else {
			e.recordSkip(rc, step, "engine.cancelled", "run cancelled")
		}
		return nil, false, false
	}

	policy := plan.EffectivePolicy(step)
	if step.FilterID != "" && rc.Aborted() && policy != plan.AlwaysRun {
		e.recordSkip(rc, step, "engine.aborted", "run aborted: "+rc.AbortReason())
		return nil, false, false
	}

	if step.Condition != nil {
		if !e.evalCondition(rc, step, *step.Condition) {
			return nil, false, false
		}
	}

	if step.FilterID != "" {
		e.execFilter(ctx, rc, step, policy)
	}
	return step.Children, step.Parallel, true
}

// execFilter resolves and invokes the step's filter, records the result, and
// applies the failure policy.
func (e *Engine) execFilter(ctx context.Context, rc *RunContext, step plan.ExecutionStep, policy plan.FailurePolicy) {
	filterID := step.FilterID
	e.safeHook(func() { e.hooks.OnStepStart(rc.RunID(), filterID) })
	start := e.clock.Now()

	var res filter.StepResult
	f, err := e.registry.Get(filterID)
	if err != nil {
		res = filter.Errored(filterID, filter.Diagnostic{
			Code:     "engine.filter-missing",
			Message:  err.Error(),
			Severity: filter.SeverityError,
			Source:   "engine",
		})
		e.safeHook(func() { e.hooks.OnError(rc.RunID(), filterID, err) })
	} else {
		res, err = e.invoke(ctx, rc, f, step)
		if err != nil {
			e.safeHook(func() { e.hooks.OnError(rc.RunID(), filterID, err) })
		}
	}

	res.FilterID = filterID
	res.DurationMs = e.clock.Now().Sub(start).Milliseconds()

	if doc, ok := res.Metadata[filter.MetaParsedDocument].(invoice.Document); ok {
		rc.SetParsedDocument(doc)
		delete(res.Metadata, filter.MetaParsedDocument)
	}

	rc.AddStepResult(res)
	e.safeHook(func() { e.hooks.OnStepComplete(rc.RunID(), filterID, res.Status, res.DurationMs) })

	if policy == plan.FailFast && (res.Status == filter.StatusFailed || res.Status == filter.StatusError) {
		rc.Abort(fmt.Sprintf("step %s %s", filterID, res.Status))
	}
}

// invoke runs the filter in its own goroutine under the global in-flight cap
// and the step's timeout. On timeout the filter keeps running until it
// honors its context, but its result is discarded: the buffered channel lets
// the goroutine finish without a receiver, and only the synthetic timeout
// result is recorded.
func (e *Engine) invoke(ctx context.Context, rc *RunContext, f filter.Filter, step plan.ExecutionStep) (filter.StepResult, error) {
	timeout := e.timeoutFor(rc.Plan(), step)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res filter.StepResult
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("filter panic: %v", r)}
			}
		}()
		select {
		case e.sem <- struct{}{}:
		case <-stepCtx.Done():
			ch <- outcome{err: stepCtx.Err()}
			return
		}
		defer func() { <-e.sem }()
		res, err := f.Execute(stepCtx, rc)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return filter.Errored(step.FilterID, filter.Diagnostic{
				Code:     "engine.filter-error",
				Message:  out.err.Error(),
				Severity: filter.SeverityError,
				Source:   "engine",
			}), out.err
		}
		return out.res, nil
	case <-stepCtx.Done():
		err := fmt.Errorf("step %s exceeded %s", step.FilterID, timeout)
		return filter.Errored(step.FilterID, filter.Diagnostic{
			Code:     "engine.step-timeout",
			Message:  err.Error(),
			Severity: filter.SeverityError,
			Source:   "engine",
		}), err
	}
}

func (e *Engine) timeoutFor(p plan.ExecutionPlan, step plan.ExecutionStep) time.Duration {
	if step.TimeoutMs > 0 {
		return time.Duration(step.TimeoutMs) * time.Millisecond
	}
	if d := p.DefaultStepTimeout(); d > 0 {
		return d
	}
	return e.stepTimeout
}

// evalCondition decides a step gate and records the skip when it closes. An
// evaluation error fails the condition closed with a warning diagnostic.
func (e *Engine) evalCondition(rc *RunContext, step plan.ExecutionStep, cond plan.StepCondition) bool {
	var met bool
	var detail string
	var evalErr error

	switch cond.Type {
	case plan.CondFilterPassed:
		res, ok := rc.StepResult(cond.FilterID)
		met = ok && (res.Status == filter.StatusPassed || res.Status == filter.StatusWarning)
		detail = fmt.Sprintf("filter-passed(%s)", cond.FilterID)
	case plan.CondFilterFailed:
		res, ok := rc.StepResult(cond.FilterID)
		met = ok && (res.Status == filter.StatusFailed || res.Status == filter.StatusError)
		detail = fmt.Sprintf("filter-failed(%s)", cond.FilterID)
	case plan.CondFieldExists:
		_, met = rc.Field(cond.FieldPath)
		detail = fmt.Sprintf("field-exists(%s)", cond.FieldPath)
	case plan.CondCustom:
		detail = fmt.Sprintf("custom(%s)", cond.Expression)
		if e.customCond == nil {
			evalErr = errors.New("no custom condition evaluator registered")
		} else {
			met, evalErr = e.customCond(cond.Expression, rc)
		}
	default:
		evalErr = fmt.Errorf("unknown condition type %q", cond.Type)
	}

	if evalErr != nil {
		e.recordSkipDiag(rc, step, filter.Diagnostic{
			Code:     "engine.condition-error",
			Message:  fmt.Sprintf("condition %s failed to evaluate: %v", detail, evalErr),
			Severity: filter.SeverityWarning,
			Source:   "engine",
		})
		return false
	}
	if !met {
		e.recordSkipDiag(rc, step, filter.Diagnostic{
			Code:     "engine.condition",
			Message:  fmt.Sprintf("condition %s not met", detail),
			Severity: filter.SeverityInfo,
			Source:   "engine",
		})
		return false
	}
	return true
}

func (e *Engine) recordSkip(rc *RunContext, step plan.ExecutionStep, code, msg string) {
	e.recordSkipDiag(rc, step, filter.Diagnostic{
		Code:     code,
		Message:  msg,
		Severity: filter.SeverityInfo,
		Source:   "engine",
	})
}

// recordSkipDiag records a gate closure: filter-bearing steps get a skipped
// step result, bare container nodes get a run-level diagnostic.
func (e *Engine) recordSkipDiag(rc *RunContext, step plan.ExecutionStep, diag filter.Diagnostic) {
	if step.FilterID == "" {
		rc.AddDiagnostics(diag)
		return
	}
	rc.AddStepResult(filter.StepResult{
		FilterID:    step.FilterID,
		Status:      filter.StatusSkipped,
		Diagnostics: []filter.Diagnostic{diag},
	})
}

// cleanupRun secure-deletes every temp key the run registered. Keys whose
// deletion fails go to the cleanup queue for retry. Never panics, never
// fails the run.
func (e *Engine) cleanupRun(rc *RunContext) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("run cleanup panic", "run_id", rc.RunID(), "panic", r)
		}
	}()

	var result CleanupResult
	if e.store != nil {
		for _, key := range rc.TempKeys() {
			ok, err := e.secureDelete(key)
			if err == nil && ok {
				result.Deleted++
				continue
			}
			result.Failed++
			if e.enqueueFailed(rc, key, err) {
				result.Queued++
			}
		}
	}
	e.safeHook(func() { e.hooks.OnCleanup(rc.RunID(), result) })
}

func (e *Engine) secureDelete(key string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("secure delete panic: %v", r)
		}
	}()
	return e.store.SecureDelete(key)
}

func (e *Engine) enqueueFailed(rc *RunContext, key string, cause error) bool {
	msg := "secure delete refused"
	if cause != nil {
		msg = cause.Error()
	}
	e.logger.Warn("secure delete failed",
		"run_id", rc.RunID(), "key", key, "error", msg)
	if e.queue == nil {
		return false
	}
	rec := cleanup.Record{
		Key:           key,
		Category:      tempstore.CategoryOf(key),
		CorrelationID: rc.CorrelationID(),
		FailedAt:      e.clock.Now(),
		LastError:     msg,
	}
	if err := e.queue.Enqueue(rec); err != nil {
		e.logger.Error("enqueue cleanup record", "run_id", rc.RunID(), "key", key, "error", err)
		return false
	}
	return true
}

func (e *Engine) buildReport(rc *RunContext, state RunState, snap *fingerprint.PlanSnapshot) *ValidationReport {
	steps := rc.CompletedSteps()
	diags := rc.Diagnostics()
	p := rc.Plan()
	report := &ValidationReport{
		RunID:         rc.RunID(),
		CorrelationID: rc.CorrelationID(),
		PlanID:        p.ID,
		PlanVersion:   p.Version,
		PlanHash:      snap.PlanHash,
		RunState:      state,
		StartedAt:     rc.StartedAt(),
		DurationMs:    e.clock.Now().Sub(rc.StartedAt()).Milliseconds(),
		Steps:         steps,
		Diagnostics:   diags,
	}
	if state != RunCompleted {
		report.AbortReason = rc.AbortReason()
	}
	report.Status = deriveStatus(state, steps, diags)
	report.Score = computeScore(steps, diags)
	return report
}

func (e *Engine) buildFingerprint(rc *RunContext, report *ValidationReport, p plan.ExecutionPlan) (fingerprint.ComplianceFingerprint, error) {
	configHash, err := fingerprint.PlanConfigHash(p)
	if err != nil {
		configHash = p.ConfigHash
	}
	summary := invoice.Summary{}
	if doc, ok := rc.ParsedInvoice(); ok {
		summary = invoice.MaskSummary(doc, e.maskPolicy)
	}
	return fingerprint.Build(fingerprint.ReportInfo{
		Report:     report,
		Status:     string(report.Status),
		Score:      report.Score,
		Steps:      report.Steps,
		RiskNotes:  collectRiskNotes(report.Steps),
		Plan:       fingerprint.PlanRef{ID: p.ID, Version: p.Version, ConfigHash: configHash},
		Summary:    summary,
		DurationMs: report.DurationMs,
	}, e.fpIDGen(), e.clock.Now())
}

func collectRiskNotes(steps []filter.StepResult) []string {
	var notes []string
	for _, s := range steps {
		raw, ok := s.Metadata[filter.MetaRiskNotes]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case []string:
			notes = append(notes, v...)
		case []any:
			for _, n := range v {
				if str, ok := n.(string); ok {
					notes = append(notes, str)
				}
			}
		}
	}
	return notes
}

// mergeConfig overlays per-filter configuration layers left to right, key by
// key within each filter's map.
func mergeConfig(layers ...map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, layer := range layers {
		for fid, cfg := range layer {
			dst, ok := out[fid]
			if !ok {
				dst = make(map[string]any, len(cfg))
				out[fid] = dst
			}
			for k, v := range cfg {
				dst[k] = v
			}
		}
	}
	return out
}

func configAsAny(cfg map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for fid, c := range cfg {
		out[fid] = c
	}
	return out
}

// safeHook shields the run from observer bugs: a panicking hook is logged
// and dropped.
func (e *Engine) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("hook panic", "panic", r)
		}
	}()
	fn()
}
