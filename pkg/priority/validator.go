// Package priority validates and rewrites task priorities against the Rate
// Monotonic assignment: shorter period, higher priority (lower number).
package priority

import (
	"fmt"
	"sort"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// IssueKind classifies a priority diagnostic.
type IssueKind string

const (
	IssueMissing    IssueKind = "missing"
	IssueDuplicate  IssueKind = "duplicate"
	IssueOutOfRange IssueKind = "out-of-range"
	IssueInversion  IssueKind = "inversion"
)

// Severity of a diagnostic. Errors block the pipeline in strict mode.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one per-task priority diagnostic.
type Issue struct {
	Task     string    `json:"task"`
	Kind     IssueKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Result is the outcome of a validation pass.
type Result struct {
	TaskSet   types.TaskSet `json:"task_set"`
	Rewritten bool          `json:"rewritten"`
	Issues    []Issue       `json:"issues"`
}

// HasErrors reports whether any diagnostic carries error severity.
func (r Result) HasErrors() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validator checks priority assignments and, in permissive mode, rewrites
// them to the RMS ordering.
type Validator struct {
	strict bool
}

// NewValidator returns a validator. In strict mode errors block instead of
// being auto-corrected.
func NewValidator(strict bool) *Validator {
	return &Validator{strict: strict}
}

// Validate inspects the task set's priorities. In permissive mode every
// finding is a warning and an invalid assignment is rewritten to RMS order.
// In strict mode missing, duplicate and out-of-range findings are errors,
// and when any is present the input is returned untouched. Inversions are
// warnings in both modes, so a strict-mode set whose only findings are
// inversions is still rewritten.
func (v *Validator) Validate(ts types.TaskSet) Result {
	res := Result{TaskSet: ts}
	sev := SeverityWarning
	if v.strict {
		sev = SeverityError
	}

	seen := make(map[int][]string)
	for _, t := range ts.Tasks {
		if t.Priority == types.PrioritySentinel {
			res.Issues = append(res.Issues, Issue{
				Task:     t.Name,
				Kind:     IssueMissing,
				Severity: sev,
				Message:  fmt.Sprintf("no priority specified for task %s", t.Name),
			})
			continue
		}
		if t.Priority < 1 || t.Priority > 10 {
			res.Issues = append(res.Issues, Issue{
				Task:     t.Name,
				Kind:     IssueOutOfRange,
				Severity: sev,
				Message:  fmt.Sprintf("priority %d out of range [1,10]", t.Priority),
			})
			continue
		}
		seen[t.Priority] = append(seen[t.Priority], t.Name)
	}

	for p, names := range seen {
		if len(names) > 1 {
			sort.Strings(names)
			for _, name := range names {
				res.Issues = append(res.Issues, Issue{
					Task:     name,
					Kind:     IssueDuplicate,
					Severity: sev,
					Message:  fmt.Sprintf("priority %d shared by %d tasks", p, len(names)),
				})
			}
		}
	}

	// Inversion: a shorter-period task carrying a numerically higher
	// (worse) priority than a longer-period one.
	for i, a := range ts.Tasks {
		if a.Priority == types.PrioritySentinel {
			continue
		}
		for _, b := range ts.Tasks[i+1:] {
			if b.Priority == types.PrioritySentinel {
				continue
			}
			short, long := a, b
			if short.PeriodMS > long.PeriodMS {
				short, long = long, short
			}
			if short.PeriodMS < long.PeriodMS && short.Priority > long.Priority {
				res.Issues = append(res.Issues, Issue{
					Task:     short.Name,
					Kind:     IssueInversion,
					Severity: SeverityWarning,
					Message: fmt.Sprintf("%s (T=%dms, P=%d) has shorter period but lower priority than %s (T=%dms, P=%d)",
						short.Name, short.PeriodMS, short.Priority, long.Name, long.PeriodMS, long.Priority),
				})
			}
		}
	}

	sortIssues(res.Issues)

	if v.strict && res.HasErrors() {
		return res
	}

	if !isRMS(ts) {
		res.TaskSet = Rewrite(ts)
		res.Rewritten = true
	}
	return res
}

// Rewrite returns a new task set with priorities assigned by the RMS rule:
// sort by ascending period, ties broken by name, then P = 1..n.
func Rewrite(ts types.TaskSet) types.TaskSet {
	return ts.Canonical()
}

// isRMS reports whether the priorities are already a valid RMS assignment:
// a permutation of 1..n with shorter periods holding lower numbers, ties
// resolved by name.
func isRMS(ts types.TaskSet) bool {
	n := len(ts.Tasks)
	want := ts.Canonical()
	byName := make(map[string]int, n)
	for _, t := range want.Tasks {
		byName[t.Name] = t.Priority
	}
	for _, t := range ts.Tasks {
		if t.Priority != byName[t.Name] {
			return false
		}
	}
	return true
}

func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Task != issues[j].Task {
			return issues[i].Task < issues[j].Task
		}
		return issues[i].Kind < issues[j].Kind
	})
}
