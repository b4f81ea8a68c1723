package spec

import (
	"fmt"
	"regexp"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Options controls normalization behavior.
type Options struct {
	// AutoDefault substitutes T=100, C=T/2 for absent or non-positive
	// period/execution instead of rejecting the task. Last-resort rescue,
	// off by default.
	AutoDefault bool
}

// Normalize applies the normalization rules in order. C <= D <= T is not
// checked here. The pipeline's validate stage raises a period that is
// shorter than its deadline to the deadline, and an execution time over
// the deadline is left to the schedulability analyzer's repair. Rules:
//
//  1. nameless tasks become Task_{index+1} (1-based, input order)
//  2. absent deadline becomes D = T (implicit deadline)
//  3. absent or non-positive period/execution is rejected, unless
//     AutoDefault rescues it with T=100, C=T/2
//  4. absent priority becomes the sentinel the priority validator rewrites
func Normalize(raw []rawTask, opts Options) (types.TaskSet, error) {
	if len(raw) == 0 {
		return types.TaskSet{}, types.NewInputError("specification has no tasks")
	}

	ts := types.TaskSet{Tasks: make([]types.Task, 0, len(raw))}
	for i, r := range raw {
		t := types.Task{Name: r.Name}

		if t.Name == "" {
			t.Name = fmt.Sprintf("Task_%d", i+1)
		}
		t.Name = sanitizeName(t.Name)

		switch {
		case r.PeriodMS != nil && *r.PeriodMS > 0:
			t.PeriodMS = *r.PeriodMS
		case opts.AutoDefault:
			t.PeriodMS = 100
		default:
			return types.TaskSet{}, types.NewInputError("task %s: invalid or missing PERIOD_MS", t.Name)
		}

		switch {
		case r.ExecutionMS != nil && *r.ExecutionMS > 0:
			t.ExecutionMS = *r.ExecutionMS
		case opts.AutoDefault:
			t.ExecutionMS = t.PeriodMS / 2
		default:
			return types.TaskSet{}, types.NewInputError("task %s: invalid or missing EXECUTION_MS", t.Name)
		}

		if r.DeadlineMS != nil && *r.DeadlineMS > 0 {
			t.DeadlineMS = *r.DeadlineMS
		} else {
			t.DeadlineMS = t.PeriodMS
		}

		if r.Priority != nil {
			t.Priority = *r.Priority
		} else {
			t.Priority = types.PrioritySentinel
		}

		ts.Tasks = append(ts.Tasks, t)
	}
	return ts, nil
}

// sanitizeName replaces characters outside [A-Za-z0-9_] and prefixes a
// leading digit so the name is a valid model identifier.
func sanitizeName(name string) string {
	s := invalidNameChars.ReplaceAllString(name, "_")
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "T_" + s
	}
	return s
}

// Load parses and normalizes in one step, detecting the format.
func Load(input string, opts Options) (types.TaskSet, error) {
	raw, err := Parse(input, DetectFormat(input))
	if err != nil {
		return types.TaskSet{}, err
	}
	return Normalize(raw, opts)
}
