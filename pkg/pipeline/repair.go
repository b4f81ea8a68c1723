package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// Violation kinds recognized in counterexample-driven repair.
type violationKind int

const (
	violationDeadline violationKind = iota
	violationMutex
	violationReachability
	violationUnknown
)

var (
	deadlineFormula = regexp.MustCompile(`^A\[\] \(([A-Za-z_][A-Za-z0-9_]*)\.Executing imply x <= (\d+)\)$`)
	mutexFormula    = regexp.MustCompile(`^A\[\] not \(([A-Za-z_][A-Za-z0-9_]*)\.Executing and ([A-Za-z_][A-Za-z0-9_]*)\.Executing\)$`)
	reachFormula    = regexp.MustCompile(`^E<> ([A-Za-z_][A-Za-z0-9_]*)\.Done$`)
)

func classifyViolation(formula string) (violationKind, string) {
	if m := deadlineFormula.FindStringSubmatch(formula); m != nil {
		return violationDeadline, m[1]
	}
	if mutexFormula.MatchString(formula) {
		return violationMutex, ""
	}
	if m := reachFormula.FindStringSubmatch(formula); m != nil {
		return violationReachability, m[1]
	}
	return violationUnknown, ""
}

// repairStage maps the violated properties onto the post-verification
// repair rules. Deadline violations rewrite the spec (1.2x, more
// aggressive than the analyzer's pre-verification 1.1x). A mutex violation
// is an emitter bug: the shared scheduler is switched on and the model
// re-emitted with no spec change; a second mutex violation with the
// scheduler already on has no remaining repair. Reachability failures and
// unrecognized formulas are unrepairable at the spec level.
func (c *Controller) repairStage(state *runState, outcome types.VerifierOutcome) types.StageResult {
	var deadlineTasks []string
	mutexViolated := false
	var fatal string

	for _, p := range state.properties {
		if outcome.Verdicts[p.Formula] != types.VerdictViolated {
			continue
		}
		switch kind, task := classifyViolation(p.Formula); kind {
		case violationDeadline:
			deadlineTasks = append(deadlineTasks, task)
		case violationMutex:
			mutexViolated = true
		case violationReachability:
			if fatal == "" {
				fatal = fmt.Sprintf("task %s cannot reach completion; no parameter change makes a deadlocked system progress", task)
			}
		case violationUnknown:
			if fatal == "" {
				fatal = fmt.Sprintf("violated property %q has no repair rule", p.Formula)
			}
		}
	}

	if len(deadlineTasks) > 0 {
		return c.relaxViolatedDeadlines(state.taskSet, deadlineTasks)
	}
	if mutexViolated {
		if state.sharedScheduler {
			return types.Unrepairable("mutual exclusion violated with the shared scheduler already enabled")
		}
		state.sharedScheduler = true
		return types.Repaired(state.taskSet, "enabled shared scheduler and re-emitting the model")
	}
	if fatal != "" {
		return types.Unrepairable(fatal)
	}
	return types.Unrepairable("verifier reported failure without a violated property")
}

// relaxViolatedDeadlines applies D' = ceil(1.2*D) to every task named in a
// violated deadline property, raising the period when the new deadline
// overruns it.
func (c *Controller) relaxViolatedDeadlines(ts types.TaskSet, names []string) types.StageResult {
	out := ts.Clone()
	rationale := ""
	for _, name := range names {
		for i := range out.Tasks {
			t := &out.Tasks[i]
			if t.Name != name {
				continue
			}
			old := t.DeadlineMS
			t.DeadlineMS = int(math.Ceil(1.2 * float64(old)))
			if t.DeadlineMS > t.PeriodMS {
				t.PeriodMS = t.DeadlineMS
			}
			if rationale != "" {
				rationale += ", "
			}
			rationale += name + " deadline " + strconv.Itoa(old) + "->" + strconv.Itoa(t.DeadlineMS)
		}
	}
	if rationale == "" {
		return types.Unrepairable("deadline violation names no known task")
	}
	return types.Repaired(out, "counterexample repair: "+rationale)
}
