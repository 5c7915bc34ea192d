package fingerprint

import (
	"fmt"
	"runtime"
	"time"

	"github.com/kalambet/flint/internal/plan"
)

// StepSnapshot is the hashable projection of one plan step with defaults
// resolved: enabled state explicit, failure policy effective.
type StepSnapshot struct {
	FilterID      string             `json:"filterId,omitempty"`
	Enabled       bool               `json:"enabled"`
	Order         *int               `json:"order,omitempty"`
	FailurePolicy plan.FailurePolicy `json:"failurePolicy"`
	TimeoutMs     int64              `json:"timeoutMs,omitempty"`
	Parallel      bool               `json:"parallel,omitempty"`
	Children      []StepSnapshot     `json:"children,omitempty"`
}

// PlanSnapshot pins down exactly what a run executed. EngineVersions is
// recorded for operators but excluded from PlanHash, so the same plan run by
// two engine builds yields the same hash.
type PlanSnapshot struct {
	PlanID             string            `json:"planId"`
	PlanVersion        string            `json:"planVersion"`
	PlanHash           string            `json:"planHash"`
	ConfigSnapshotHash string            `json:"configSnapshotHash"`
	CreatedAt          time.Time         `json:"createdAt"`
	Steps              []StepSnapshot    `json:"steps"`
	EngineVersions     map[string]string `json:"engineVersions,omitempty"`
}

// PlanConfigHash hashes the plan's identity and behavior: id, version, steps,
// and global config. CreatedAt and the recorded ConfigHash field are excluded,
// so two copies of a plan registered at different times hash identically.
func PlanConfigHash(p plan.ExecutionPlan) (string, error) {
	return Hash(map[string]any{
		"id":           p.ID,
		"version":      p.Version,
		"steps":        p.Steps,
		"globalConfig": p.GlobalConfig,
	})
}

// Snapshot freezes the plan a run executes. kernelVersion names the pipeline
// kernel revision and is part of PlanHash; runtime versions are recorded but
// never hashed.
func Snapshot(p plan.ExecutionPlan, effectiveConfig map[string]any, kernelVersion string, now time.Time) (PlanSnapshot, error) {
	cfgHash, err := Hash(effectiveConfig)
	if err != nil {
		return PlanSnapshot{}, fmt.Errorf("hash effective config: %w", err)
	}
	steps := snapshotSteps(p.Steps)
	planHash, err := Hash(map[string]any{
		"planId":             p.ID,
		"planVersion":        p.Version,
		"configSnapshotHash": cfgHash,
		"steps":              steps,
		"kernelVersion":      kernelVersion,
	})
	if err != nil {
		return PlanSnapshot{}, fmt.Errorf("hash plan snapshot: %w", err)
	}
	return PlanSnapshot{
		PlanID:             p.ID,
		PlanVersion:        p.Version,
		PlanHash:           planHash,
		ConfigSnapshotHash: cfgHash,
		CreatedAt:          now,
		Steps:              steps,
		EngineVersions: map[string]string{
			"kernel": kernelVersion,
			"go":     runtime.Version(),
		},
	}, nil
}

func snapshotSteps(steps []plan.ExecutionStep) []StepSnapshot {
	if len(steps) == 0 {
		return nil
	}
	out := make([]StepSnapshot, 0, len(steps))
	for _, s := range steps {
		out = append(out, StepSnapshot{
			FilterID:      s.FilterID,
			Enabled:       s.IsEnabled(),
			Order:         s.Order,
			FailurePolicy: plan.EffectivePolicy(s),
			TimeoutMs:     s.TimeoutMs,
			Parallel:      s.Parallel,
			Children:      snapshotSteps(s.Children),
		})
	}
	return out
}
