package plan

import "fmt"

// MaxDepth caps step tree nesting. Plans deeper than this are rejected at
// validation time so the engine never has to walk a pathological tree.
const MaxDepth = 64

// ConfigurationError reports a structurally invalid plan. Path locates the
// offending node in steps[i].children[j] form.
type ConfigurationError struct {
	Path   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("plan configuration: %s", e.Reason)
	}
	return fmt.Sprintf("plan configuration: %s: %s", e.Path, e.Reason)
}

func configErr(path, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the plan's structure before execution: identifiers present,
// policies and conditions well formed, timeouts non-negative, filter IDs
// unique across the tree and known to the resolver. known may be nil to skip
// filter resolution (e.g. when validating a plan for storage only).
func Validate(p ExecutionPlan, known func(id string) bool) error {
	if p.ID == "" {
		return configErr("", "plan id is required")
	}
	if p.Version == "" {
		return configErr("", "plan version is required")
	}
	seen := make(map[string]string)
	for i, s := range p.Steps {
		if err := validateStep(s, fmt.Sprintf("steps[%d]", i), 1, seen, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s ExecutionStep, path string, depth int, seen map[string]string, known func(id string) bool) error {
	if depth > MaxDepth {
		return configErr(path, "step tree exceeds max depth %d", MaxDepth)
	}
	if s.FilterID == "" && len(s.Children) == 0 {
		return configErr(path, "step has neither filterId nor children")
	}
	if s.FilterID != "" {
		if prev, dup := seen[s.FilterID]; dup {
			return configErr(path, "filter %q already used at %s", s.FilterID, prev)
		}
		seen[s.FilterID] = path
		if known != nil && !known(s.FilterID) {
			return configErr(path, "unknown filter %q", s.FilterID)
		}
	}
	switch s.FailurePolicy {
	case "", FailFast, SoftFail, AlwaysRun:
	default:
		return configErr(path, "invalid failure policy %q", s.FailurePolicy)
	}
	if s.TimeoutMs < 0 {
		return configErr(path, "negative timeout %dms", s.TimeoutMs)
	}
	if s.Condition != nil {
		if err := validateCondition(*s.Condition, path); err != nil {
			return err
		}
	}
	for i, child := range s.Children {
		childPath := fmt.Sprintf("%s.children[%d]", path, i)
		if err := validateStep(child, childPath, depth+1, seen, known); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(c StepCondition, path string) error {
	switch c.Type {
	case CondFilterPassed, CondFilterFailed:
		if c.FilterID == "" {
			return configErr(path, "condition %q requires filterId", c.Type)
		}
	case CondFieldExists:
		if c.FieldPath == "" {
			return configErr(path, "condition %q requires fieldPath", c.Type)
		}
	case CondCustom:
		if c.Expression == "" {
			return configErr(path, "condition %q requires expression", c.Type)
		}
	default:
		return configErr(path, "unknown condition type %q", c.Type)
	}
	return nil
}
