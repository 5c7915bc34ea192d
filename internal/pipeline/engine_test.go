package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/flint/internal/cleanup"
	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/invoice"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/tempstore"
)

type scriptFilter struct {
	id      string
	execute func(ctx context.Context, rc filter.RunView) (filter.StepResult, error)
}

func (f *scriptFilter) ID() string      { return f.id }
func (f *scriptFilter) Name() string    { return f.id }
func (f *scriptFilter) Version() string { return "1.0.0" }

func (f *scriptFilter) Execute(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
	if f.execute != nil {
		return f.execute(ctx, rc)
	}
	return filter.Passed(f.id), nil
}

func passing(id string) *scriptFilter { return &scriptFilter{id: id} }

func failing(id string) *scriptFilter {
	return &scriptFilter{id: id, execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
		return filter.Failed(id, filter.Diagnostic{
			Code: id + ".rejected", Message: "document rejected", Severity: filter.SeverityError,
		}), nil
	}}
}

func newRegistry(t *testing.T, filters ...filter.Filter) *filter.Registry {
	t.Helper()
	reg := filter.NewRegistry()
	for _, f := range filters {
		if err := reg.Register(f, filter.RegisterOptions{}); err != nil {
			t.Fatalf("Register(%s) error = %v", f.ID(), err)
		}
	}
	return reg
}

func testPlan(steps ...plan.ExecutionStep) plan.ExecutionPlan {
	return plan.ExecutionPlan{ID: "plan-test", Version: "1.0.0", Steps: steps}
}

func fstep(id string) plan.ExecutionStep {
	return plan.ExecutionStep{FilterID: id}
}

func stepByID(t *testing.T, report *ValidationReport, id string) filter.StepResult {
	t.Helper()
	for _, s := range report.Steps {
		if s.FilterID == id {
			return s
		}
	}
	t.Fatalf("report has no step %q; got %d steps", id, len(report.Steps))
	return filter.StepResult{}
}

func hasDiagCode(diags []filter.Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

type recordingHooks struct {
	mu         sync.Mutex
	starts     int
	stepStarts []string
	stepDone   []string
	errs       []string
	cleanups   []CleanupResult
	reports    []*ValidationReport
}

func (h *recordingHooks) OnStart(runID, planID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
}

func (h *recordingHooks) OnStepStart(runID, filterID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stepStarts = append(h.stepStarts, filterID)
}

func (h *recordingHooks) OnStepComplete(runID, filterID string, status filter.StepStatus, durationMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stepDone = append(h.stepDone, filterID+":"+string(status))
}

func (h *recordingHooks) OnError(runID, filterID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, filterID)
}

func (h *recordingHooks) OnCleanup(runID string, result CleanupResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, result)
}

func (h *recordingHooks) OnComplete(report *ValidationReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, report)
}

func (h *recordingHooks) cleanupCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cleanups)
}

func (h *recordingHooks) lastCleanup() CleanupResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.cleanups) == 0 {
		return CleanupResult{}
	}
	return h.cleanups[len(h.cleanups)-1]
}

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

func TestExecuteEmptyPlanApproved(t *testing.T) {
	eng := New(newRegistry(t), nil, nil, Options{})
	res, err := eng.Execute(context.Background(), Input{Plan: testPlan()})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	report := res.Report
	if report.Status != StatusApproved {
		t.Errorf("Status = %q, want %q", report.Status, StatusApproved)
	}
	if report.Score != 100 {
		t.Errorf("Score = %d, want 100", report.Score)
	}
	if report.RunState != RunCompleted {
		t.Errorf("RunState = %q, want %q", report.RunState, RunCompleted)
	}
	if len(report.Steps) != 0 {
		t.Errorf("Steps = %d, want 0", len(report.Steps))
	}
	if res.Fingerprint == nil {
		t.Fatal("Fingerprint is nil")
	}
	if len(res.Fingerprint.Checks) != 0 {
		t.Errorf("Fingerprint.Checks = %d, want 0", len(res.Fingerprint.Checks))
	}
}

func TestExecuteSequentialOrder(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	record := func(id string) *scriptFilter {
		return &scriptFilter{id: id, execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
			mu.Lock()
			ran = append(ran, id)
			mu.Unlock()
			return filter.Passed(id), nil
		}}
	}
	reg := newRegistry(t, record("a"), record("b"), record("c"))
	eng := New(reg, nil, nil, Options{})

	three, one, two := 3, 1, 2
	p := testPlan(
		plan.ExecutionStep{FilterID: "c", Order: &three},
		plan.ExecutionStep{FilterID: "a", Order: &one},
		plan.ExecutionStep{FilterID: "b", Order: &two},
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(ran) != 3 || ran[0] != want[0] || ran[1] != want[1] || ran[2] != want[2] {
		t.Errorf("execution order = %v, want %v", ran, want)
	}
	if res.Report.Status != StatusApproved {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusApproved)
	}
}

func TestExecuteFailFastSkipsRemaining(t *testing.T) {
	reg := newRegistry(t, failing("gate"), passing("after"))
	hooks := &recordingHooks{}
	eng := New(reg, nil, nil, Options{Hooks: hooks})

	p := testPlan(
		plan.ExecutionStep{FilterID: "gate", FailurePolicy: plan.FailFast},
		fstep("after"),
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	report := res.Report

	if got := stepByID(t, report, "gate").Status; got != filter.StatusFailed {
		t.Errorf("gate status = %q, want %q", got, filter.StatusFailed)
	}
	after := stepByID(t, report, "after")
	if after.Status != filter.StatusSkipped {
		t.Errorf("after status = %q, want %q", after.Status, filter.StatusSkipped)
	}
	if !hasDiagCode(after.Diagnostics, "engine.aborted") {
		t.Errorf("after diagnostics = %v, want engine.aborted", after.Diagnostics)
	}
	if report.Status != StatusRejected {
		t.Errorf("Status = %q, want %q", report.Status, StatusRejected)
	}
	if report.RunState != RunAborted {
		t.Errorf("RunState = %q, want %q", report.RunState, RunAborted)
	}
	if !strings.Contains(report.AbortReason, "gate") {
		t.Errorf("AbortReason = %q, want mention of gate", report.AbortReason)
	}
	// The skipped step never started.
	for _, id := range hooks.stepStarts {
		if id == "after" {
			t.Error("skipped step reported OnStepStart")
		}
	}
}

func TestExecuteAlwaysRunAfterAbort(t *testing.T) {
	reg := newRegistry(t, failing("gate"), passing("audit"), passing("regular"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(
		plan.ExecutionStep{FilterID: "gate", FailurePolicy: plan.FailFast},
		fstep("regular"),
		plan.ExecutionStep{FilterID: "audit", FailurePolicy: plan.AlwaysRun},
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := stepByID(t, res.Report, "regular").Status; got != filter.StatusSkipped {
		t.Errorf("regular status = %q, want %q", got, filter.StatusSkipped)
	}
	if got := stepByID(t, res.Report, "audit").Status; got != filter.StatusPassed {
		t.Errorf("audit status = %q, want %q (always_run must execute after abort)", got, filter.StatusPassed)
	}
}

func TestExecuteSoftFailContinues(t *testing.T) {
	reg := newRegistry(t, failing("lenient"), passing("after"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(
		plan.ExecutionStep{FilterID: "lenient", FailurePolicy: plan.SoftFail},
		fstep("after"),
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := stepByID(t, res.Report, "after").Status; got != filter.StatusPassed {
		t.Errorf("after status = %q, want %q", got, filter.StatusPassed)
	}
	if res.Report.Status != StatusRejected {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusRejected)
	}
	if res.Report.RunState != RunCompleted {
		t.Errorf("RunState = %q, want %q", res.Report.RunState, RunCompleted)
	}
}

func TestExecuteLegacyContinueOnFailure(t *testing.T) {
	reg := newRegistry(t, failing("legacy"), passing("after"))
	eng := New(reg, nil, nil, Options{})

	off := false
	p := testPlan(
		plan.ExecutionStep{FilterID: "legacy", ContinueOnFailure: &off},
		fstep("after"),
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := stepByID(t, res.Report, "after").Status; got != filter.StatusSkipped {
		t.Errorf("after status = %q, want %q (continueOnFailure=false means fail fast)", got, filter.StatusSkipped)
	}
}

func TestExecuteParallelSoftFail(t *testing.T) {
	reg := newRegistry(t, failing("left"), passing("right"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(plan.ExecutionStep{
		Parallel: true,
		Children: []plan.ExecutionStep{
			{FilterID: "left", FailurePolicy: plan.SoftFail},
			{FilterID: "right"},
		},
	})
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := stepByID(t, res.Report, "left").Status; got != filter.StatusFailed {
		t.Errorf("left status = %q, want %q", got, filter.StatusFailed)
	}
	if got := stepByID(t, res.Report, "right").Status; got != filter.StatusPassed {
		t.Errorf("right status = %q, want %q", got, filter.StatusPassed)
	}
	if res.Report.Status != StatusRejected {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusRejected)
	}
}

func TestExecuteParallelChildrenOverlap(t *testing.T) {
	var mu sync.Mutex
	arrived := 0
	release := make(chan struct{})
	rendezvous := func(id string) *scriptFilter {
		return &scriptFilter{id: id, execute: func(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
			mu.Lock()
			arrived++
			if arrived == 2 {
				close(release)
			}
			mu.Unlock()
			select {
			case <-release:
				return filter.Passed(id), nil
			case <-time.After(2 * time.Second):
				return filter.StepResult{}, errors.New("sibling never started concurrently")
			}
		}}
	}
	reg := newRegistry(t, rendezvous("a"), rendezvous("b"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(plan.ExecutionStep{
		Parallel: true,
		Children: []plan.ExecutionStep{{FilterID: "a"}, {FilterID: "b"}},
	})
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if got := stepByID(t, res.Report, id).Status; got != filter.StatusPassed {
			t.Errorf("%s status = %q, want %q", id, got, filter.StatusPassed)
		}
	}
}

func TestExecuteSharedOrderRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	arrived := 0
	release := make(chan struct{})
	rendezvous := func(id string) *scriptFilter {
		return &scriptFilter{id: id, execute: func(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
			mu.Lock()
			arrived++
			if arrived == 2 {
				close(release)
			}
			mu.Unlock()
			select {
			case <-release:
				return filter.Passed(id), nil
			case <-time.After(2 * time.Second):
				return filter.StepResult{}, errors.New("equal-order sibling never started concurrently")
			}
		}}
	}
	reg := newRegistry(t, rendezvous("a"), rendezvous("b"), passing("c"))
	eng := New(reg, nil, nil, Options{})

	one, two := 1, 2
	p := testPlan(
		plan.ExecutionStep{FilterID: "a", Order: &one},
		plan.ExecutionStep{FilterID: "b", Order: &one},
		plan.ExecutionStep{FilterID: "c", Order: &two},
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := stepByID(t, res.Report, id).Status; got != filter.StatusPassed {
			t.Errorf("%s status = %q, want %q", id, got, filter.StatusPassed)
		}
	}
}

func TestExecuteParallelismCap(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	counted := func(id string) *scriptFilter {
		return &scriptFilter{id: id, execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(25 * time.Millisecond)
			inFlight.Add(-1)
			return filter.Passed(id), nil
		}}
	}

	ids := []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8"}
	filters := make([]filter.Filter, 0, len(ids))
	children := make([]plan.ExecutionStep, 0, len(ids))
	for _, id := range ids {
		filters = append(filters, counted(id))
		children = append(children, plan.ExecutionStep{FilterID: id})
	}
	reg := newRegistry(t, filters...)
	eng := New(reg, nil, nil, Options{MaxParallelism: 2})

	p := testPlan(plan.ExecutionStep{Parallel: true, Children: children})
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := len(res.Report.Steps); got != len(ids) {
		t.Fatalf("Steps = %d, want %d", got, len(ids))
	}
	if got := maxSeen.Load(); got > 2 {
		t.Errorf("max concurrent filters = %d, want <= 2", got)
	}
	if got := maxSeen.Load(); got != 2 {
		t.Errorf("max concurrent filters = %d, want the cap to be reached", got)
	}
}

func TestExecuteStepTimeoutDiscardsLateResult(t *testing.T) {
	done := make(chan struct{})
	slow := &scriptFilter{id: "slow", execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
		defer close(done)
		time.Sleep(150 * time.Millisecond) // deliberately ignores ctx
		return filter.Passed("slow"), nil
	}}
	reg := newRegistry(t, slow, passing("after"))
	hooks := &recordingHooks{}
	eng := New(reg, nil, nil, Options{Hooks: hooks})

	p := testPlan(
		plan.ExecutionStep{FilterID: "slow", TimeoutMs: 30},
		fstep("after"),
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	slowStep := stepByID(t, res.Report, "slow")
	if slowStep.Status != filter.StatusError {
		t.Errorf("slow status = %q, want %q", slowStep.Status, filter.StatusError)
	}
	if !hasDiagCode(slowStep.Diagnostics, "engine.step-timeout") {
		t.Errorf("slow diagnostics = %v, want engine.step-timeout", slowStep.Diagnostics)
	}
	// The default policy keeps the run going.
	if got := stepByID(t, res.Report, "after").Status; got != filter.StatusPassed {
		t.Errorf("after status = %q, want %q", got, filter.StatusPassed)
	}
	if res.Report.Status != StatusError {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusError)
	}
	if res.Report.RunState != RunCompleted {
		t.Errorf("RunState = %q, want %q (step timeout is not a run timeout)", res.Report.RunState, RunCompleted)
	}

	// Let the straggler finish; its late result must not have replaced the
	// synthetic timeout result.
	<-done
	if got := stepByID(t, res.Report, "slow").Status; got != filter.StatusError {
		t.Errorf("late result leaked into report: status = %q", got)
	}
}

func TestExecuteFilterPanicIsolated(t *testing.T) {
	boom := &scriptFilter{id: "boom", execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
		panic("filter exploded")
	}}
	reg := newRegistry(t, boom, passing("after"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(fstep("boom"), fstep("after"))
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	boomStep := stepByID(t, res.Report, "boom")
	if boomStep.Status != filter.StatusError {
		t.Errorf("boom status = %q, want %q", boomStep.Status, filter.StatusError)
	}
	found := false
	for _, d := range boomStep.Diagnostics {
		if strings.Contains(d.Message, "panic") {
			found = true
		}
	}
	if !found {
		t.Errorf("boom diagnostics = %v, want panic message", boomStep.Diagnostics)
	}
	if got := stepByID(t, res.Report, "after").Status; got != filter.StatusPassed {
		t.Errorf("after status = %q, want %q", got, filter.StatusPassed)
	}
}

func TestExecuteMissingFilter(t *testing.T) {
	reg := newRegistry(t, passing("real"))
	hooks := &recordingHooks{}
	eng := New(reg, nil, nil, Options{Hooks: hooks})

	p := testPlan(fstep("ghost"), fstep("real"))
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	ghost := stepByID(t, res.Report, "ghost")
	if ghost.Status != filter.StatusError {
		t.Errorf("ghost status = %q, want %q", ghost.Status, filter.StatusError)
	}
	if !hasDiagCode(ghost.Diagnostics, "engine.filter-missing") {
		t.Errorf("ghost diagnostics = %v, want engine.filter-missing", ghost.Diagnostics)
	}
	if got := stepByID(t, res.Report, "real").Status; got != filter.StatusPassed {
		t.Errorf("real status = %q, want %q", got, filter.StatusPassed)
	}
	if len(hooks.errs) == 0 || hooks.errs[0] != "ghost" {
		t.Errorf("OnError calls = %v, want [ghost]", hooks.errs)
	}
}

func TestExecuteRunTimeout(t *testing.T) {
	slow := &scriptFilter{id: "slow", execute: func(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
		select {
		case <-ctx.Done():
			return filter.StepResult{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return filter.Passed("slow"), nil
		}
	}}
	reg := newRegistry(t, slow, passing("after"))
	eng := New(reg, nil, nil, Options{RunTimeout: 40 * time.Millisecond})

	p := testPlan(fstep("slow"), fstep("after"))
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	report := res.Report
	if report.Status != StatusTimeout {
		t.Errorf("Status = %q, want %q", report.Status, StatusTimeout)
	}
	if report.RunState != RunTimedOut {
		t.Errorf("RunState = %q, want %q", report.RunState, RunTimedOut)
	}
	if report.AbortReason == "" {
		t.Error("AbortReason is empty for a timed-out run")
	}
	if got := stepByID(t, report, "slow").Status; got != filter.StatusError {
		t.Errorf("slow status = %q, want %q", got, filter.StatusError)
	}
	after := stepByID(t, report, "after")
	if after.Status != filter.StatusSkipped {
		t.Errorf("after status = %q, want %q", after.Status, filter.StatusSkipped)
	}
	if !hasDiagCode(after.Diagnostics, "engine.run-timeout") {
		t.Errorf("after diagnostics = %v, want engine.run-timeout", after.Diagnostics)
	}
}

func TestExecuteCallerCancel(t *testing.T) {
	reg := newRegistry(t, passing("a"))
	eng := New(reg, nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.Execute(ctx, Input{Plan: testPlan(fstep("a"))})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Report.RunState != RunAborted {
		t.Errorf("RunState = %q, want %q", res.Report.RunState, RunAborted)
	}
	a := stepByID(t, res.Report, "a")
	if a.Status != filter.StatusSkipped {
		t.Errorf("a status = %q, want %q", a.Status, filter.StatusSkipped)
	}
	if !hasDiagCode(a.Diagnostics, "engine.cancelled") {
		t.Errorf("a diagnostics = %v, want engine.cancelled", a.Diagnostics)
	}
}

func TestExecuteCleanupExactlyOnce(t *testing.T) {
	store := tempstore.New(tempstore.Options{})
	defer store.Close()
	queue := cleanup.NewMemoryQueue(nil)

	var sawRaw bool
	stasher := &scriptFilter{id: "stasher", execute: func(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
		if raw, ok := rc.TempValue(tempstore.CategoryRawInvoice); ok && string(raw) == "<Invoice/>" {
			sawRaw = true
		}
		if _, err := rc.StashTemp("working-data", []byte("scratch"), time.Minute); err != nil {
			return filter.StepResult{}, err
		}
		return filter.Passed("stasher"), nil
	}}
	reg := newRegistry(t, stasher)
	hooks := &recordingHooks{}
	eng := New(reg, store, queue, Options{Hooks: hooks})

	res, err := eng.Execute(context.Background(), Input{
		Document: []byte("<Invoice/>"),
		Plan:     testPlan(fstep("stasher")),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !sawRaw {
		t.Error("filter could not read the stashed raw document")
	}
	if got := hooks.cleanupCount(); got != 1 {
		t.Fatalf("OnCleanup calls = %d, want exactly 1", got)
	}
	cl := hooks.lastCleanup()
	if cl.Deleted != 2 || cl.Failed != 0 || cl.Queued != 0 {
		t.Errorf("CleanupResult = %+v, want 2 deleted", cl)
	}
	runID := res.Report.RunID
	if store.Has(tempstore.Key(tempstore.CategoryRawInvoice, runID)) {
		t.Error("raw document survived cleanup")
	}
	if store.Has(tempstore.Key("working-data", runID)) {
		t.Error("working data survived cleanup")
	}
	if queue.Len() != 0 {
		t.Errorf("queue.Len() = %d, want 0", queue.Len())
	}
}

func TestExecuteCleanupRunsOnAbort(t *testing.T) {
	store := tempstore.New(tempstore.Options{})
	defer store.Close()

	reg := newRegistry(t, failing("gate"))
	hooks := &recordingHooks{}
	eng := New(reg, store, nil, Options{Hooks: hooks})

	res, err := eng.Execute(context.Background(), Input{
		Document: []byte("<Invoice/>"),
		Plan:     testPlan(plan.ExecutionStep{FilterID: "gate", FailurePolicy: plan.FailFast}),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := hooks.cleanupCount(); got != 1 {
		t.Fatalf("OnCleanup calls = %d, want exactly 1", got)
	}
	if cl := hooks.lastCleanup(); cl.Deleted != 1 {
		t.Errorf("CleanupResult = %+v, want 1 deleted", cl)
	}
	if store.Has(tempstore.Key(tempstore.CategoryRawInvoice, res.Report.RunID)) {
		t.Error("raw document survived an aborted run")
	}
}

func TestExecuteCleanupQueuesFailedDeletes(t *testing.T) {
	store := tempstore.New(tempstore.Options{})
	queue := cleanup.NewMemoryQueue(nil)

	saboteur := &scriptFilter{id: "saboteur", execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
		store.Close() // deletions after this fail with ErrClosed
		return filter.Passed("saboteur"), nil
	}}
	reg := newRegistry(t, saboteur)
	hooks := &recordingHooks{}
	eng := New(reg, store, queue, Options{Hooks: hooks})

	res, err := eng.Execute(context.Background(), Input{
		Document: []byte("<Invoice/>"),
		Plan:     testPlan(fstep("saboteur")),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	cl := hooks.lastCleanup()
	if cl.Failed != 1 || cl.Queued != 1 || cl.Deleted != 0 {
		t.Fatalf("CleanupResult = %+v, want 1 failed and 1 queued", cl)
	}
	pending, err := queue.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending records = %d, want 1", len(pending))
	}
	rec := pending[0]
	if want := tempstore.Key(tempstore.CategoryRawInvoice, res.Report.RunID); rec.Key != want {
		t.Errorf("record key = %q, want %q", rec.Key, want)
	}
	if rec.Category != tempstore.CategoryRawInvoice {
		t.Errorf("record category = %q, want %q", rec.Category, tempstore.CategoryRawInvoice)
	}
	if rec.LastError == "" {
		t.Error("record LastError is empty")
	}
}

func TestExecuteConditionGating(t *testing.T) {
	reg := newRegistry(t, passing("a"), passing("b"), passing("c"), passing("d"), passing("e"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(
		fstep("a"),
		plan.ExecutionStep{FilterID: "b", Condition: &plan.StepCondition{Type: plan.CondFilterPassed, FilterID: "a"}},
		plan.ExecutionStep{FilterID: "c", Condition: &plan.StepCondition{Type: plan.CondFilterFailed, FilterID: "a"}},
		plan.ExecutionStep{FilterID: "d", Condition: &plan.StepCondition{Type: plan.CondFieldExists, FieldPath: "invoice.number"}},
		plan.ExecutionStep{FilterID: "e", Condition: &plan.StepCondition{Type: plan.CondFilterPassed, FilterID: "ghost"}},
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := map[string]filter.StepStatus{
		"a": filter.StatusPassed,
		"b": filter.StatusPassed,
		"c": filter.StatusSkipped,
		"d": filter.StatusSkipped, // nothing parsed a document
		"e": filter.StatusSkipped,
	}
	for id, wantStatus := range want {
		if got := stepByID(t, res.Report, id).Status; got != wantStatus {
			t.Errorf("%s status = %q, want %q", id, got, wantStatus)
		}
	}
	for _, id := range []string{"c", "d", "e"} {
		s := stepByID(t, res.Report, id)
		if !hasDiagCode(s.Diagnostics, "engine.condition") {
			t.Errorf("%s diagnostics = %v, want engine.condition", id, s.Diagnostics)
		}
	}
	// Skips from unmet conditions are informational, not failures.
	if res.Report.Status != StatusApproved {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusApproved)
	}
}

func TestExecuteConditionFilterFailed(t *testing.T) {
	reg := newRegistry(t, failing("strict"), passing("fallback"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(
		plan.ExecutionStep{FilterID: "strict", FailurePolicy: plan.SoftFail},
		plan.ExecutionStep{FilterID: "fallback", Condition: &plan.StepCondition{Type: plan.CondFilterFailed, FilterID: "strict"}},
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := stepByID(t, res.Report, "fallback").Status; got != filter.StatusPassed {
		t.Errorf("fallback status = %q, want %q", got, filter.StatusPassed)
	}
}

func TestExecuteCustomCondition(t *testing.T) {
	reg := newRegistry(t, passing("yes"), passing("no"), passing("broken"))
	eng := New(reg, nil, nil, Options{
		CustomCondition: func(expr string, rc filter.RunView) (bool, error) {
			switch expr {
			case "go":
				return true, nil
			case "stop":
				return false, nil
			default:
				return false, errors.New("unparseable expression")
			}
		},
	})

	p := testPlan(
		plan.ExecutionStep{FilterID: "yes", Condition: &plan.StepCondition{Type: plan.CondCustom, Expression: "go"}},
		plan.ExecutionStep{FilterID: "no", Condition: &plan.StepCondition{Type: plan.CondCustom, Expression: "stop"}},
		plan.ExecutionStep{FilterID: "broken", Condition: &plan.StepCondition{Type: plan.CondCustom, Expression: "???"}},
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := stepByID(t, res.Report, "yes").Status; got != filter.StatusPassed {
		t.Errorf("yes status = %q, want %q", got, filter.StatusPassed)
	}
	if got := stepByID(t, res.Report, "no").Status; got != filter.StatusSkipped {
		t.Errorf("no status = %q, want %q", got, filter.StatusSkipped)
	}
	broken := stepByID(t, res.Report, "broken")
	if broken.Status != filter.StatusSkipped {
		t.Errorf("broken status = %q, want %q", broken.Status, filter.StatusSkipped)
	}
	if !hasDiagCode(broken.Diagnostics, "engine.condition-error") {
		t.Errorf("broken diagnostics = %v, want engine.condition-error", broken.Diagnostics)
	}
	// An unevaluable condition leaves a warning behind.
	if res.Report.Status != StatusApprovedWithWarnings {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusApprovedWithWarnings)
	}
}

func TestExecuteCustomConditionWithoutEvaluator(t *testing.T) {
	reg := newRegistry(t, passing("gated"))
	eng := New(reg, nil, nil, Options{})

	p := testPlan(plan.ExecutionStep{
		FilterID:  "gated",
		Condition: &plan.StepCondition{Type: plan.CondCustom, Expression: "anything"},
	})
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	gated := stepByID(t, res.Report, "gated")
	if gated.Status != filter.StatusSkipped {
		t.Errorf("gated status = %q, want %q (custom conditions fail closed)", gated.Status, filter.StatusSkipped)
	}
	if !hasDiagCode(gated.Diagnostics, "engine.condition-error") {
		t.Errorf("gated diagnostics = %v, want engine.condition-error", gated.Diagnostics)
	}
}

func TestExecuteDisabledStepGatesSubtree(t *testing.T) {
	reg := newRegistry(t, passing("parent"), passing("child"), passing("sibling"))
	eng := New(reg, nil, nil, Options{})

	off := false
	p := testPlan(
		plan.ExecutionStep{
			FilterID: "parent",
			Enabled:  &off,
			Children: []plan.ExecutionStep{fstep("child")},
		},
		fstep("sibling"),
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	parent := stepByID(t, res.Report, "parent")
	if parent.Status != filter.StatusSkipped {
		t.Errorf("parent status = %q, want %q", parent.Status, filter.StatusSkipped)
	}
	if !hasDiagCode(parent.Diagnostics, "engine.disabled") {
		t.Errorf("parent diagnostics = %v, want engine.disabled", parent.Diagnostics)
	}
	for _, s := range res.Report.Steps {
		if s.FilterID == "child" {
			t.Error("child of a disabled step was dispatched")
		}
	}
	if got := stepByID(t, res.Report, "sibling").Status; got != filter.StatusPassed {
		t.Errorf("sibling status = %q, want %q", got, filter.StatusPassed)
	}
}

func TestExecuteDisabledContainerRecordsDiagnostic(t *testing.T) {
	reg := newRegistry(t, passing("child"))
	eng := New(reg, nil, nil, Options{})

	off := false
	p := testPlan(plan.ExecutionStep{
		Enabled:  &off,
		Children: []plan.ExecutionStep{fstep("child")},
	})
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Report.Steps) != 0 {
		t.Errorf("Steps = %d, want 0", len(res.Report.Steps))
	}
	if !hasDiagCode(res.Report.Diagnostics, "engine.disabled") {
		t.Errorf("run diagnostics = %v, want engine.disabled", res.Report.Diagnostics)
	}
}

func TestExecuteParsedDocumentPromotion(t *testing.T) {
	parser := &scriptFilter{id: "parser", execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
		res := filter.Passed("parser")
		res.Metadata = map[string]any{
			filter.MetaParsedDocument: invoice.Document{
				Format: invoice.FormatUBL,
				Number: "INV-2026-001",
				Fields: map[string]any{"number": "INV-2026-001"},
			},
			"format": "ubl",
		}
		return res, nil
	}}
	var sawDoc bool
	reader := &scriptFilter{id: "reader", execute: func(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
		if doc, ok := rc.ParsedInvoice(); ok && doc.Number == "INV-2026-001" {
			sawDoc = true
		}
		return filter.Passed("reader"), nil
	}}
	reg := newRegistry(t, parser, reader)
	eng := New(reg, nil, nil, Options{})

	p := testPlan(
		fstep("parser"),
		plan.ExecutionStep{FilterID: "reader", Condition: &plan.StepCondition{Type: plan.CondFieldExists, FieldPath: "invoice.number"}},
	)
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !sawDoc {
		t.Error("downstream filter did not see the promoted document")
	}
	if got := stepByID(t, res.Report, "reader").Status; got != filter.StatusPassed {
		t.Errorf("reader status = %q, want %q (field condition should see the document)", got, filter.StatusPassed)
	}
	parserStep := stepByID(t, res.Report, "parser")
	if _, leaked := parserStep.Metadata[filter.MetaParsedDocument]; leaked {
		t.Error("parsed document left in recorded step metadata")
	}
	if parserStep.Metadata["format"] != "ubl" {
		t.Error("unrelated metadata was lost during promotion")
	}
	if res.Fingerprint == nil {
		t.Fatal("Fingerprint is nil")
	}
	if res.Fingerprint.InvoiceSummary.InvoiceNumber == "" {
		t.Error("fingerprint summary missing invoice number")
	}
	if res.Fingerprint.InvoiceSummary.InvoiceNumber == "INV-2026-001" {
		t.Error("fingerprint summary carries the unmasked invoice number")
	}
}

func TestExecuteConfigMerge(t *testing.T) {
	var got map[string]any
	probe := &scriptFilter{id: "probe", execute: func(ctx context.Context, rc filter.RunView) (filter.StepResult, error) {
		got = rc.ConfigFor("probe")
		return filter.Passed("probe"), nil
	}}
	reg := newRegistry(t, probe)
	eng := New(reg, nil, nil, Options{
		SystemDefaults: map[string]map[string]any{
			"probe": {"a": "system", "b": "system"},
		},
	})

	p := testPlan(plan.ExecutionStep{
		FilterID: "probe",
		Config:   map[string]any{"b": "plan", "c": "plan"},
	})
	_, err := eng.Execute(context.Background(), Input{
		Plan:      p,
		Overrides: map[string]map[string]any{"probe": {"c": "request"}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := map[string]any{"a": "system", "b": "plan", "c": "request"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("config[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestExecuteFingerprintAssembly(t *testing.T) {
	noted := &scriptFilter{id: "risk", execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
		res := filter.Passed("risk")
		res.Metadata = map[string]any{filter.MetaRiskNotes: []string{"duplicate suspected"}}
		return res, nil
	}}
	reg := newRegistry(t, noted, passing("other"))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := New(reg, nil, nil, Options{
		Clock:            fakeClock{t: now},
		IDGen:            func() string { return "run-fixed" },
		FingerprintIDGen: func() string { return "FL-fixed" },
		KernelVersion:    "1.0.0",
	})

	res, err := eng.Execute(context.Background(), Input{
		Plan:          testPlan(fstep("risk"), fstep("other")),
		CorrelationID: "corr-9",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	report := res.Report
	if report.RunID != "run-fixed" {
		t.Errorf("RunID = %q, want run-fixed", report.RunID)
	}
	if report.CorrelationID != "corr-9" {
		t.Errorf("CorrelationID = %q, want corr-9", report.CorrelationID)
	}
	if !report.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", report.StartedAt, now)
	}

	fp := res.Fingerprint
	if fp == nil {
		t.Fatal("Fingerprint is nil")
	}
	if fp.ID != "FL-fixed" {
		t.Errorf("fingerprint ID = %q, want FL-fixed", fp.ID)
	}
	if fp.Status != string(report.Status) {
		t.Errorf("fingerprint status = %q, want %q", fp.Status, report.Status)
	}
	if len(fp.Checks) != len(report.Steps) {
		t.Errorf("Checks = %d, want %d", len(fp.Checks), len(report.Steps))
	}
	if len(fp.RiskNotes) != 1 || fp.RiskNotes[0] != "duplicate suspected" {
		t.Errorf("RiskNotes = %v, want [duplicate suspected]", fp.RiskNotes)
	}
	if !strings.HasPrefix(fp.Fingerprint, "sha256:") {
		t.Errorf("Fingerprint = %q, want sha256: prefix", fp.Fingerprint)
	}
	if fp.ExecutionPlan.ID != "plan-test" || fp.ExecutionPlan.Version != "1.0.0" {
		t.Errorf("ExecutionPlan = %+v, want plan-test/1.0.0", fp.ExecutionPlan)
	}
	if fp.ExecutionPlan.ConfigHash == "" {
		t.Error("ExecutionPlan.ConfigHash is empty")
	}

	snap := res.Snapshot
	if snap == nil {
		t.Fatal("Snapshot is nil")
	}
	if !strings.HasPrefix(snap.PlanHash, "sha256:") {
		t.Errorf("PlanHash = %q, want sha256: prefix", snap.PlanHash)
	}
	if report.PlanHash != snap.PlanHash {
		t.Errorf("report PlanHash = %q, snapshot PlanHash = %q; want equal", report.PlanHash, snap.PlanHash)
	}
}

func TestExecuteInvalidPlan(t *testing.T) {
	hooks := &recordingHooks{}
	eng := New(newRegistry(t), nil, nil, Options{Hooks: hooks})

	_, err := eng.Execute(context.Background(), Input{Plan: plan.ExecutionPlan{ID: "p"}})
	if err == nil {
		t.Fatal("Execute() with invalid plan returned nil error")
	}
	var cfgErr *plan.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want *plan.ConfigurationError", err)
	}
	if hooks.starts != 0 {
		t.Errorf("OnStart calls = %d, want 0 for a rejected plan", hooks.starts)
	}
}

type panickyHooks struct{ NopHooks }

func (panickyHooks) OnStart(string, string)       { panic("observer bug") }
func (panickyHooks) OnComplete(*ValidationReport) { panic("observer bug") }

func TestExecuteHookPanicTolerated(t *testing.T) {
	reg := newRegistry(t, passing("a"))
	eng := New(reg, nil, nil, Options{Hooks: panickyHooks{}})

	res, err := eng.Execute(context.Background(), Input{Plan: testPlan(fstep("a"))})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Report.Status != StatusApproved {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusApproved)
	}
}

func TestExecuteDeepSequentialNesting(t *testing.T) {
	reg := newRegistry(t, passing("leaf"))
	eng := New(reg, nil, nil, Options{})

	// A 50-level chain of container nodes ending in one filter step.
	node := fstep("leaf")
	for i := 0; i < 50; i++ {
		node = plan.ExecutionStep{Children: []plan.ExecutionStep{node}}
	}
	res, err := eng.Execute(context.Background(), Input{Plan: testPlan(node)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := stepByID(t, res.Report, "leaf").Status; got != filter.StatusPassed {
		t.Errorf("leaf status = %q, want %q", got, filter.StatusPassed)
	}
}

func TestExecuteNestedParallelGroups(t *testing.T) {
	reg := newRegistry(t, passing("x1"), passing("x2"), passing("y"))
	eng := New(reg, nil, nil, Options{MaxParallelism: 2})

	p := testPlan(plan.ExecutionStep{
		Parallel: true,
		Children: []plan.ExecutionStep{
			{
				Parallel: true,
				Children: []plan.ExecutionStep{fstep("x1"), fstep("x2")},
			},
			fstep("y"),
		},
	})
	res, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, id := range []string{"x1", "x2", "y"} {
		if got := stepByID(t, res.Report, id).Status; got != filter.StatusPassed {
			t.Errorf("%s status = %q, want %q", id, got, filter.StatusPassed)
		}
	}
	if res.Report.Status != StatusApproved {
		t.Errorf("Status = %q, want %q", res.Report.Status, StatusApproved)
	}
}

func TestExecuteChildrenRunAfterParentFilter(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	record := func(id string) *scriptFilter {
		return &scriptFilter{id: id, execute: func(context.Context, filter.RunView) (filter.StepResult, error) {
			mu.Lock()
			ran = append(ran, id)
			mu.Unlock()
			return filter.Passed(id), nil
		}}
	}
	reg := newRegistry(t, record("parent"), record("child"), record("next"))
	eng := New(reg, nil, nil, Options{})

	one, two := 1, 2
	p := testPlan(
		plan.ExecutionStep{
			FilterID: "parent",
			Order:    &one,
			Children: []plan.ExecutionStep{fstep("child")},
		},
		plan.ExecutionStep{FilterID: "next", Order: &two},
	)
	_, err := eng.Execute(context.Background(), Input{Plan: p})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []string{"parent", "child", "next"}
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 3 || ran[0] != want[0] || ran[1] != want[1] || ran[2] != want[2] {
		t.Errorf("execution order = %v, want %v", ran, want)
	}
}
