package plan

import "sort"

// orderOf returns the sort key for a step; steps without an order sort as 0
// and stay in array position relative to their peers.
func orderOf(s ExecutionStep) int {
	if s.Order == nil {
		return 0
	}
	return *s.Order
}

// SortSteps returns the steps stable-sorted by ascending order. Ties keep
// their original array position.
func SortSteps(steps []ExecutionStep) []ExecutionStep {
	out := make([]ExecutionStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool {
		return orderOf(out[i]) < orderOf(out[j])
	})
	return out
}

// OrderGroups sorts the steps and batches consecutive steps that declare the
// same explicit order. Steps within a group are eligible to run concurrently;
// groups run one after another. A step without an explicit order is never
// grouped, so unordered plans stay strictly sequential.
func OrderGroups(steps []ExecutionStep) [][]ExecutionStep {
	sorted := SortSteps(steps)
	var groups [][]ExecutionStep
	for i := 0; i < len(sorted); {
		if sorted[i].Order == nil {
			groups = append(groups, sorted[i:i+1])
			i++
			continue
		}
		j := i + 1
		for j < len(sorted) && sorted[j].Order != nil && *sorted[j].Order == *sorted[i].Order {
			j++
		}
		groups = append(groups, sorted[i:j])
		i = j
	}
	return groups
}
