// Package checks ships the built-in validation filters: format detection,
// schema validation, and risk assessment. Each is a self-contained
// filter.Filter; RegisterAll wires them into a registry with their
// conventional aliases and ordering priorities.
package checks

import (
	"time"

	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/tempstore"
)

// RegisterAll registers the built-in filters. store backs cross-run state
// such as duplicate detection and may be nil.
func RegisterAll(reg *filter.Registry, store *tempstore.Store) error {
	builtins := []struct {
		f    filter.Filter
		opts filter.RegisterOptions
	}{
		{NewFormatDetection(), filter.RegisterOptions{
			Aliases:  []string{"format"},
			Tags:     []string{"structure"},
			Priority: 10,
		}},
		{NewSchemaValidation(), filter.RegisterOptions{
			Aliases:  []string{"schema"},
			Tags:     []string{"structure", "compliance"},
			Priority: 20,
		}},
		{NewRiskAssessment(store), filter.RegisterOptions{
			Aliases:  []string{"risk"},
			Tags:     []string{"risk"},
			Priority: 30,
		}},
	}
	for _, b := range builtins {
		if err := reg.Register(b.f, b.opts); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPlan is the standard sequence: detect the format, validate the
// schema, then assess risk. Failure policies come from the per-filter
// identity defaults, so format or schema failures abort the run while risk
// assessment always records its findings.
func DefaultPlan() plan.ExecutionPlan {
	order := func(n int) *int { return &n }
	return plan.ExecutionPlan{
		ID:      "standard",
		Version: "1.0.0",
		Steps: []plan.ExecutionStep{
			{FilterID: "format-detection", Order: order(1)},
			{FilterID: "schema-validation", Order: order(2)},
			{FilterID: "risk-assessment", Order: order(3)},
		},
	}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func diag(code, msg string, sev filter.Severity, location string) filter.Diagnostic {
	return filter.Diagnostic{
		Code:     code,
		Message:  msg,
		Severity: sev,
		Category: "compliance",
		Location: location,
	}
}

// resultFor derives the step status from its findings: any error-severity
// diagnostic fails the step, warnings alone mark it warning.
func resultFor(id string, diags []filter.Diagnostic, meta map[string]any) filter.StepResult {
	status := filter.StatusPassed
	for _, d := range diags {
		switch d.Severity {
		case filter.SeverityError:
			status = filter.StatusFailed
		case filter.SeverityWarning:
			if status == filter.StatusPassed {
				status = filter.StatusWarning
			}
		}
	}
	return filter.StepResult{FilterID: id, Status: status, Diagnostics: diags, Metadata: meta}
}

func configBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func configFloat(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func configInt64(cfg map[string]any, key string, def int64) int64 {
	switch v := cfg[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return def
	}
}

func configStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
