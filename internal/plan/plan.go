package plan

import "time"

// FailurePolicy governs how the engine reacts when a step fails.
type FailurePolicy string

const (
	// FailFast aborts the run on failure; steps already in flight finish.
	FailFast FailurePolicy = "fail_fast"
	// SoftFail records the failure and lets subsequent steps run.
	SoftFail FailurePolicy = "soft_fail"
	// AlwaysRun executes the step even after the run has been aborted.
	AlwaysRun FailurePolicy = "always_run"
)

// ConditionType enumerates the supported step gate kinds.
type ConditionType string

const (
	CondFilterPassed ConditionType = "filter-passed"
	CondFilterFailed ConditionType = "filter-failed"
	CondFieldExists  ConditionType = "field-exists"
	CondCustom       ConditionType = "custom"
)

// StepCondition gates a step on the accumulated run state. A false condition
// marks the step skipped, not failed.
type StepCondition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	FilterID   string        `json:"filterId,omitempty" yaml:"filterId,omitempty"`
	FieldPath  string        `json:"fieldPath,omitempty" yaml:"fieldPath,omitempty"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// ExecutionStep is one node of the plan's step tree. A step may carry its own
// filter invocation, children, or both; children run after the parent's own
// filter. With Parallel set, all children execute concurrently and are joined
// before the step completes; otherwise children run sequentially by Order.
type ExecutionStep struct {
	FilterID string         `json:"filterId,omitempty" yaml:"filterId,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Order    *int           `json:"order,omitempty" yaml:"order,omitempty"`

	TimeoutMs     int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	FailurePolicy FailurePolicy  `json:"failurePolicy,omitempty" yaml:"failurePolicy,omitempty"`
	Condition     *StepCondition `json:"condition,omitempty" yaml:"condition,omitempty"`

	// ContinueOnFailure is the legacy failure switch, consulted only when
	// FailurePolicy is absent. Deprecated: use FailurePolicy.
	ContinueOnFailure *bool `json:"continueOnFailure,omitempty" yaml:"continueOnFailure,omitempty"`

	Children []ExecutionStep `json:"children,omitempty" yaml:"children,omitempty"`
	Parallel bool            `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

// IsEnabled reports the step's enabled state; absence means enabled.
func (s ExecutionStep) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ExecutionPlan is the declarative, hashable description of a validation run:
// which filters execute, in what order and grouping, with what configuration.
type ExecutionPlan struct {
	ID      string          `json:"id" yaml:"id"`
	Version string          `json:"version" yaml:"version"`
	Steps   []ExecutionStep `json:"steps" yaml:"steps"`

	// ConfigHash is the recorded hash of {id, version, steps, globalConfig}.
	// It is never an input to hashing itself; see fingerprint.PlanConfigHash.
	ConfigHash string `json:"configHash,omitempty" yaml:"configHash,omitempty"`

	CreatedAt    time.Time      `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	GlobalConfig map[string]any `json:"globalConfig,omitempty" yaml:"globalConfig,omitempty"`
}

// DefaultStepTimeout returns the plan-wide step timeout from globalConfig
// ("defaultTimeoutMs"), or zero when the plan does not set one.
func (p ExecutionPlan) DefaultStepTimeout() time.Duration {
	if p.GlobalConfig == nil {
		return 0
	}
	ms, ok := asInt64(p.GlobalConfig["defaultTimeoutMs"])
	if !ok || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// asInt64 coerces the numeric shapes JSON and YAML decoding produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// identityPolicies maps well-known filter IDs to their default failure policy.
// The structural checks abort the run by default; attestation-side steps must
// run even on an aborted run so the audit trail stays complete.
var identityPolicies = map[string]FailurePolicy{
	"format-detection":       FailFast,
	"schema-validation":      FailFast,
	"risk-assessment":        AlwaysRun,
	"fingerprint-generation": AlwaysRun,
}

// EffectivePolicy resolves the failure policy for a step. Precedence: an
// explicit FailurePolicy wins; otherwise the legacy ContinueOnFailure flag
// (true means soft_fail, false means fail_fast); otherwise the identity
// default for the filter ID; otherwise soft_fail.
func EffectivePolicy(s ExecutionStep) FailurePolicy {
	if s.FailurePolicy != "" {
		return s.FailurePolicy
	}
	if s.ContinueOnFailure != nil {
		if *s.ContinueOnFailure {
			return SoftFail
		}
		return FailFast
	}
	if p, ok := identityPolicies[s.FilterID]; ok {
		return p
	}
	return SoftFail
}

// ConfigIndex flattens the step tree into a filterID → config map, resolved
// depth-first so a later occurrence of the same filter merges over an earlier
// one key by key.
func ConfigIndex(p ExecutionPlan) map[string]map[string]any {
	index := make(map[string]map[string]any)
	var walk func(steps []ExecutionStep)
	walk = func(steps []ExecutionStep) {
		for _, s := range steps {
			if s.FilterID != "" && s.Config != nil {
				merged, ok := index[s.FilterID]
				if !ok {
					merged = make(map[string]any, len(s.Config))
					index[s.FilterID] = merged
				}
				for k, v := range s.Config {
					merged[k] = v
				}
			}
			if len(s.Children) > 0 {
				walk(s.Children)
			}
		}
	}
	walk(p.Steps)
	return index
}
