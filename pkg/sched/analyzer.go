// Package sched implements fixed-priority schedulability analysis: the
// Liu-Layland utilization test and exact worst-case response-time analysis
// under preemptive Rate Monotonic scheduling.
package sched

import (
	"fmt"
	"math"
	"sort"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

const (
	// rtaIterationCap bounds the WCRT fixed-point iteration. Hitting the
	// cap without convergence is treated as unschedulable.
	rtaIterationCap = 100
)

// Result is the full schedulability verdict for a task set.
type Result struct {
	Schedulable   bool            `json:"schedulable"`
	Utilization   float64         `json:"utilization"`
	LLBound       float64         `json:"ll_bound"`
	PassesLLTest  bool            `json:"passes_ll_test"`
	ResponseTimes map[string]int  `json:"response_times"`
	FailedTasks   []string        `json:"failed_tasks"`
	Warnings      []string        `json:"warnings"`
	Proposal      *RepairProposal `json:"proposal,omitempty"`
}

// RepairProposal is the analyzer's deterministic suggestion for making an
// unschedulable set schedulable. Removal candidates are advisory only and
// never applied automatically.
type RepairProposal struct {
	TaskSet           types.TaskSet `json:"task_set"`
	Rationale         string        `json:"rationale"`
	RemovalCandidates []string      `json:"removal_candidates,omitempty"`
}

// Analyzer runs the two schedulability tests. It is pure: inputs are never
// mutated, and the decision to apply a proposal belongs to the caller.
type Analyzer struct{}

// NewAnalyzer returns a schedulability analyzer.
func NewAnalyzer() *Analyzer { return &Analyzer{} }

// Analyze computes utilization, the Liu-Layland bound, and per-task
// worst-case response times, and decides schedulability: every task must
// meet its deadline and total utilization must not exceed 1.
func (a *Analyzer) Analyze(ts types.TaskSet) Result {
	res := Result{
		Utilization:   ts.TotalUtilization(),
		LLBound:       ts.LiuLaylandBound(),
		ResponseTimes: make(map[string]int, ts.Len()),
	}
	res.PassesLLTest = res.Utilization <= res.LLBound

	// Highest priority first (lowest number).
	order := append([]types.Task(nil), ts.Tasks...)
	sort.SliceStable(order, func(i, j int) bool { return order[i].Priority < order[j].Priority })

	for _, t := range order {
		r := responseTime(t, ts.Tasks)
		res.ResponseTimes[t.Name] = r
		if r > t.DeadlineMS {
			res.FailedTasks = append(res.FailedTasks, t.Name)
		}
	}

	if res.Utilization > 1.0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("total utilization %.3f exceeds 1.0: unschedulable on one CPU", res.Utilization))
	} else if !res.PassesLLTest {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("utilization %.3f exceeds Liu-Layland bound %.3f: not guaranteed by the sufficient test", res.Utilization, res.LLBound))
	}

	res.Schedulable = len(res.FailedTasks) == 0 && res.Utilization <= 1.0
	if !res.Schedulable {
		res.Proposal = a.propose(ts, res)
	}
	return res
}

// responseTime iterates R_{k+1} = C_i + sum over higher-priority tasks of
// ceil(R_k/T_j)*C_j until the fixed point, divergence past 2*D_i, or the
// iteration cap. Interference comes from tasks with numerically lower
// priority values. A run that hits the cap without converging reports
// 2*D_i+1, so the task counts as unschedulable.
func responseTime(task types.Task, all []types.Task) int {
	r := task.ExecutionMS
	for i := 0; i < rtaIterationCap; i++ {
		next := task.ExecutionMS
		for _, hp := range all {
			if hp.Priority < task.Priority && hp.Name != task.Name {
				next += ceilDiv(r, hp.PeriodMS) * hp.ExecutionMS
			}
		}
		if next == r {
			return r
		}
		r = next
		if r > 2*task.DeadlineMS {
			return r
		}
	}
	return 2*task.DeadlineMS + 1
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// propose builds the repair proposal: deadline relaxation first, then
// uniform period scaling, each checked for effectiveness; the composite is
// returned when neither suffices alone.
func (a *Analyzer) propose(ts types.TaskSet, res Result) *RepairProposal {
	removal := removalCandidates(ts)

	relaxed, relaxMsg := relaxDeadlines(ts, res)
	if a.scheduleCheck(relaxed) {
		return &RepairProposal{TaskSet: relaxed, Rationale: relaxMsg, RemovalCandidates: removal}
	}

	if res.Utilization > 1.0 {
		scaled, scaleMsg := scalePeriods(ts, res)
		if a.scheduleCheck(scaled) {
			return &RepairProposal{TaskSet: scaled, Rationale: scaleMsg, RemovalCandidates: removal}
		}

		// Composite: relax, then scale what is still overloaded.
		composite, _ := relaxDeadlines(ts, res)
		if u := composite.TotalUtilization(); u > 1.0 {
			composite, _ = scalePeriods(composite, Result{
				Utilization: u,
				LLBound:     composite.LiuLaylandBound(),
			})
		}
		return &RepairProposal{
			TaskSet:           composite,
			Rationale:         relaxMsg + "; " + scaleMsg,
			RemovalCandidates: removal,
		}
	}

	return &RepairProposal{TaskSet: relaxed, Rationale: relaxMsg, RemovalCandidates: removal}
}

// scheduleCheck is Analyze without proposal recursion.
func (a *Analyzer) scheduleCheck(ts types.TaskSet) bool {
	if ts.TotalUtilization() > 1.0 {
		return false
	}
	for _, t := range ts.Tasks {
		if responseTime(t, ts.Tasks) > t.DeadlineMS {
			return false
		}
	}
	return true
}

// relaxDeadlines sets D' = ceil(1.1*R) for every task that missed its
// deadline, raising T to D' when the new deadline overruns the period.
func relaxDeadlines(ts types.TaskSet, res Result) (types.TaskSet, string) {
	out := ts.Clone()
	msg := ""
	for i := range out.Tasks {
		t := &out.Tasks[i]
		r, ok := res.ResponseTimes[t.Name]
		if !ok || r <= t.DeadlineMS {
			continue
		}
		old := t.DeadlineMS
		t.DeadlineMS = int(math.Ceil(1.1 * float64(r)))
		if t.DeadlineMS > t.PeriodMS {
			t.PeriodMS = t.DeadlineMS
		}
		if msg != "" {
			msg += ", "
		}
		msg += fmt.Sprintf("%s deadline %d->%d", t.Name, old, t.DeadlineMS)
	}
	if msg == "" {
		msg = "no deadline misses to relax"
	}
	return out, "relaxed deadlines: " + msg
}

// scalePeriods uniformly stretches every period by ceil(U/LL)*1.1 and
// rounds up to the next nice number (2, 5, 10 decade). Execution times are
// left unchanged.
func scalePeriods(ts types.TaskSet, res Result) (types.TaskSet, string) {
	factor := math.Ceil(res.Utilization/res.LLBound) * 1.1
	out := ts.Clone()
	for i := range out.Tasks {
		t := &out.Tasks[i]
		scaled := int(math.Ceil(float64(t.PeriodMS) * factor))
		t.PeriodMS = niceNumber(scaled)
	}
	return out, fmt.Sprintf("scaled periods by %.2f to shed overload (U=%.3f)", factor, res.Utilization)
}

// niceNumber rounds up to the nearest 2, 5, or 10 of the value's decade.
// Values below 10 are returned unchanged.
func niceNumber(v int) int {
	if v < 10 {
		return v
	}
	magnitude := 1
	for m := v; m >= 10; m /= 10 {
		magnitude *= 10
	}
	normalized := float64(v) / float64(magnitude)
	switch {
	case normalized <= 2:
		return 2 * magnitude
	case normalized <= 5:
		return 5 * magnitude
	}
	return 10 * magnitude
}

// removalCandidates names the two lowest-priority tasks as advisory
// removal suggestions.
func removalCandidates(ts types.TaskSet) []string {
	order := append([]types.Task(nil), ts.Tasks...)
	sort.SliceStable(order, func(i, j int) bool { return order[i].Priority > order[j].Priority })
	var out []string
	for i := 0; i < len(order) && i < 2; i++ {
		out = append(out, order[i].Name)
	}
	return out
}
