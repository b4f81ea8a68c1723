package uppaal

import (
	"fmt"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// TemplateProperties generates the deterministic property set for a task
// set, in lockstep with the model emitter's location names:
//
//  1. global deadlock freedom
//  2. per-task deadline bound while executing
//  3. per-task completion reachability
//  4. pairwise mutual exclusion on the CPU
//  5. per-task progress from completion back to release
//
// Tasks are taken in canonical order so the list is reproducible.
func TemplateProperties(ts types.TaskSet) []types.Property {
	canon := ts.Canonical()
	props := []types.Property{{
		Formula:  "A[] not deadlock",
		Category: types.CategorySafety,
		Comment:  "System never deadlocks",
		Origin:   types.OriginTemplate,
	}}

	for _, t := range canon.Tasks {
		props = append(props, types.Property{
			Formula:  fmt.Sprintf("A[] (%s.Executing imply x <= %d)", t.Name, t.DeadlineMS),
			Category: types.CategoryTiming,
			Comment:  fmt.Sprintf("%s completes before its %dms deadline", t.Name, t.DeadlineMS),
			Origin:   types.OriginTemplate,
		})
	}

	for _, t := range canon.Tasks {
		props = append(props, types.Property{
			Formula:  fmt.Sprintf("E<> %s.Done", t.Name),
			Category: types.CategoryLiveness,
			Comment:  fmt.Sprintf("%s can reach completion", t.Name),
			Origin:   types.OriginTemplate,
		})
	}

	for i := 0; i < canon.Len(); i++ {
		for j := i + 1; j < canon.Len(); j++ {
			a, b := canon.Tasks[i], canon.Tasks[j]
			props = append(props, types.Property{
				Formula:  fmt.Sprintf("A[] not (%s.Executing and %s.Executing)", a.Name, b.Name),
				Category: types.CategoryMutex,
				Comment:  fmt.Sprintf("%s and %s never hold the CPU together", a.Name, b.Name),
				Origin:   types.OriginTemplate,
			})
		}
	}

	for _, t := range canon.Tasks {
		props = append(props, types.Property{
			Formula:  fmt.Sprintf("%s.Done --> %s.Ready", t.Name, t.Name),
			Category: types.CategoryLiveness,
			Comment:  fmt.Sprintf("%s is released again after completing", t.Name),
			Origin:   types.OriginTemplate,
		})
	}

	return props
}
