// Package pipeline implements the bounded, deterministic repair loop that
// takes a task-set specification through validation, priority fixing,
// schedulability analysis, model and property synthesis, external
// verification, and counterexample-driven repair.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/khryptorgraphics/rtverify/pkg/llm"
	"github.com/khryptorgraphics/rtverify/pkg/priority"
	"github.com/khryptorgraphics/rtverify/pkg/sched"
	"github.com/khryptorgraphics/rtverify/pkg/spec"
	"github.com/khryptorgraphics/rtverify/pkg/types"
	"github.com/khryptorgraphics/rtverify/pkg/uppaal"
)

// Stage names, in pipeline order.
const (
	StageValidate      = "VALIDATE"
	StageFixPriorities = "FIX_PRIORITIES"
	StageAnalyze       = "ANALYZE"
	StageSynthesize    = "SYNTHESIZE"
	StageEmit          = "EMIT"
	StageVerify        = "VERIFY"
	StageRepair        = "REPAIR"
)

var stageIndex = map[string]int{
	StageValidate:      0,
	StageFixPriorities: 1,
	StageAnalyze:       2,
	StageSynthesize:    3,
	StageEmit:          4,
	StageVerify:        5,
	StageRepair:        6,
}

// Config is the immutable per-run configuration threaded through stages.
type Config struct {
	// StrictPriority makes priority errors block instead of auto-rewrite.
	StrictPriority bool
	// AllowUnschedulable skips the analyzer's pre-verification repair and
	// lets the verifier judge the set as-is.
	AllowUnschedulable bool
	// UseSharedScheduler starts model emission with the priority-gated
	// scheduling channel already enabled.
	UseSharedScheduler bool
	// AutoDefault substitutes defaults for absent period/execution
	// instead of rejecting the input.
	AutoDefault bool
	// MaxRepairIterations bounds the repair loop.
	MaxRepairIterations int
	// VerifyTimeout bounds each verifier invocation.
	VerifyTimeout time.Duration
}

// DefaultConfig returns the pipeline defaults: permissive priorities,
// repair before verification, ten iterations, 120s verifier budget.
func DefaultConfig() Config {
	return Config{
		MaxRepairIterations: 10,
		VerifyTimeout:       120 * time.Second,
	}
}

// Controller owns one pipeline run at a time. It is the only component
// that decides between Converged, Diverged, Unrepairable and Cancelled.
type Controller struct {
	cfg         Config
	validator   *priority.Validator
	analyzer    *sched.Analyzer
	generator   *uppaal.Generator
	synthesizer *llm.Synthesizer
	verifier    uppaal.Verifier
	logger      *slog.Logger

	// source feeds the synthesizer when an LLM collaborator is attached.
	source llm.PropertySource

	// now is injectable so stage logs are reproducible under test.
	now func() time.Time
	// progress, when set, observes every stage-log entry as it is
	// appended.
	progress func(types.StageLogEntry)
}

// Option customizes a controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for stage-log timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithProgress registers an observer for stage-log entries.
func WithProgress(fn func(types.StageLogEntry)) Option {
	return func(c *Controller) { c.progress = fn }
}

// WithPropertySource attaches an optional LLM property source.
func WithPropertySource(source llm.PropertySource) Option {
	return func(c *Controller) { c.source = source }
}

// New creates a pipeline controller.
func New(cfg Config, verifier uppaal.Verifier, logger *slog.Logger, opts ...Option) *Controller {
	if cfg.MaxRepairIterations <= 0 {
		cfg.MaxRepairIterations = 10
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 120 * time.Second
	}
	c := &Controller{
		cfg:       cfg,
		validator: priority.NewValidator(cfg.StrictPriority),
		analyzer:  sched.NewAnalyzer(),
		generator: uppaal.NewGenerator(),
		verifier:  verifier,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.synthesizer = llm.NewSynthesizer(c.source, logger)
	return c
}

// runState carries the artifacts of the current iteration.
type runState struct {
	taskSet         types.TaskSet
	properties      []types.Property
	modelXML        string
	outcome         types.VerifierOutcome
	sharedScheduler bool
}

// Run executes the full pipeline on a specification input. All failure
// modes collapse into the terminal status; err is reserved for internal
// faults (exit code 1), never for verification results.
func (c *Controller) Run(ctx context.Context, input string) (types.RunResult, error) {
	result := types.RunResult{Status: types.StatusUnrepairable}

	ts, err := spec.Load(input, spec.Options{AutoDefault: c.cfg.AutoDefault})
	if err != nil {
		result.Reason = err.Error()
		result.Log.Append(1, StageValidate, c.now(), "input rejected: "+err.Error())
		c.observe(&result)
		return result, nil
	}

	state := &runState{taskSet: ts, sharedScheduler: c.cfg.UseSharedScheduler}

	for iteration := 1; iteration <= c.cfg.MaxRepairIterations; iteration++ {
		before := c.fingerprint(state)
		status, done := c.runIteration(ctx, iteration, state, &result)
		if done {
			result.Status = status
			break
		}

		// Anti-livelock: every repair must strictly change the canonical
		// task set (or flip the emitter flag); an unchanged state diverges
		// instead of looping.
		if c.fingerprint(state) == before {
			result.Log.Append(iteration, StageRepair, c.now(), "repair produced an unchanged task set")
			c.observe(&result)
			result.Status = types.StatusDiverged
			result.Reason = "repair did not change the task set"
			break
		}

		if iteration == c.cfg.MaxRepairIterations {
			result.Status = types.StatusDiverged
			result.Reason = fmt.Sprintf("no convergence within %d iterations", c.cfg.MaxRepairIterations)
		}
	}

	result.FinalSet = state.taskSet.Canonical()
	result.ModelXML = state.modelXML
	result.Properties = state.properties
	result.Outcome = state.outcome
	return result, nil
}

// runIteration executes one pass of the seven stages. It returns done=true
// with the terminal status when the run ends this iteration; done=false
// means a repair was applied and the loop restarts.
func (c *Controller) runIteration(ctx context.Context, iteration int, state *runState, result *types.RunResult) (types.TerminalStatus, bool) {
	result.Iterations = iteration

	// VALIDATE
	if st, ok := c.checkCancel(ctx, iteration, StageValidate, state, result); !ok {
		return st, true
	}
	vres := c.validateStage(state.taskSet)
	c.log(result, iteration, StageValidate, summarize(vres))
	switch vres.Kind {
	case types.StageUnrepairable:
		result.Reason = vres.Reason
		return types.StatusUnrepairable, true
	case types.StageRepaired:
		state.taskSet = vres.TaskSet
	}

	// FIX_PRIORITIES
	if st, ok := c.checkCancel(ctx, iteration, StageFixPriorities, state, result); !ok {
		return st, true
	}
	pres := c.priorityStage(state.taskSet)
	c.log(result, iteration, StageFixPriorities, summarize(pres))
	switch pres.Kind {
	case types.StageUnrepairable:
		result.Reason = pres.Reason
		return types.StatusUnrepairable, true
	case types.StageRepaired:
		state.taskSet = pres.TaskSet
	}

	// ANALYZE
	if st, ok := c.checkCancel(ctx, iteration, StageAnalyze, state, result); !ok {
		return st, true
	}
	ares := c.analyzer.Analyze(state.taskSet)
	c.log(result, iteration, StageAnalyze, fmt.Sprintf(
		"schedulable=%t U=%.3f LL=%.3f failed=%d", ares.Schedulable, ares.Utilization, ares.LLBound, len(ares.FailedTasks)))
	if !ares.Schedulable && !c.cfg.AllowUnschedulable {
		if ares.Proposal == nil {
			result.Reason = "unschedulable with no applicable repair"
			return types.StatusUnrepairable, true
		}
		c.log(result, iteration, StageRepair, "analyzer repair: "+ares.Proposal.Rationale)
		state.taskSet = ares.Proposal.TaskSet
		return "", false
	}

	// SYNTHESIZE
	if st, ok := c.checkCancel(ctx, iteration, StageSynthesize, state, result); !ok {
		return st, true
	}
	canon := state.taskSet.Canonical()
	names := make([]string, canon.Len())
	for i, t := range canon.Tasks {
		names[i] = t.Name
	}
	registry := uppaal.NewRegistry(names)
	state.properties = c.synthesizer.Synthesize(ctx, state.taskSet, registry)
	c.log(result, iteration, StageSynthesize, fmt.Sprintf("%d properties (%s)", len(state.properties), originOf(state.properties)))

	// EMIT
	if st, ok := c.checkCancel(ctx, iteration, StageEmit, state, result); !ok {
		return st, true
	}
	model, err := c.generator.Emit(state.taskSet, state.properties, uppaal.EmitOptions{SharedScheduler: state.sharedScheduler})
	if err != nil {
		result.Reason = err.Error()
		c.log(result, iteration, StageEmit, "emission failed: "+err.Error())
		return types.StatusUnrepairable, true
	}
	state.modelXML = model.XML
	c.log(result, iteration, StageEmit, fmt.Sprintf("model emitted (%d templates, shared_scheduler=%t)", canon.Len(), state.sharedScheduler))

	// VERIFY
	if st, ok := c.checkCancel(ctx, iteration, StageVerify, state, result); !ok {
		return st, true
	}
	outcome, err := c.verifier.Verify(ctx, state.modelXML, state.properties, c.cfg.VerifyTimeout)
	state.outcome = outcome
	if err != nil {
		// External failure: unknown outcome, unrepairable by rule.
		result.Reason = err.Error()
		c.log(result, iteration, StageVerify, "verifier error: "+err.Error())
		return types.StatusUnrepairable, true
	}
	c.log(result, iteration, StageVerify, fmt.Sprintf("all_passed=%t", outcome.AllPassed))
	if outcome.AllPassed {
		return types.StatusConverged, true
	}

	// REPAIR
	if st, ok := c.checkCancel(ctx, iteration, StageRepair, state, result); !ok {
		return st, true
	}
	rres := c.repairStage(state, outcome)
	c.log(result, iteration, StageRepair, summarize(rres))
	switch rres.Kind {
	case types.StageUnrepairable:
		result.Reason = rres.Reason
		return types.StatusUnrepairable, true
	case types.StageRepaired:
		state.taskSet = rres.TaskSet
	}
	return "", false
}

// validateStage enforces the per-task invariants. In permissive mode a
// deadline overrunning its period is pulled up to the period rule the
// repair ladder uses elsewhere (T' = D); execution overrunning the
// deadline is left to the analyzer's repair. Strict mode blocks instead.
func (c *Controller) validateStage(ts types.TaskSet) types.StageResult {
	if ts.Len() == 0 {
		return types.Unrepairable("task set is empty")
	}
	out := ts.Clone()
	repaired := false
	rationale := ""
	for i := range out.Tasks {
		t := &out.Tasks[i]
		if !types.NamePattern.MatchString(t.Name) {
			return types.Unrepairable(fmt.Sprintf("task name %q is not a valid identifier", t.Name))
		}
		if t.PeriodMS <= 0 || t.ExecutionMS <= 0 || t.DeadlineMS <= 0 {
			return types.Unrepairable(fmt.Sprintf("task %s has non-positive parameters", t.Name))
		}
		if t.DeadlineMS > t.PeriodMS {
			if c.cfg.StrictPriority {
				return types.Unrepairable(fmt.Sprintf("task %s: deadline %d exceeds period %d", t.Name, t.DeadlineMS, t.PeriodMS))
			}
			t.PeriodMS = t.DeadlineMS
			repaired = true
			rationale += fmt.Sprintf("%s period raised to deadline %d; ", t.Name, t.DeadlineMS)
		}
		if t.ExecutionMS > t.DeadlineMS && c.cfg.StrictPriority {
			return types.Unrepairable(fmt.Sprintf("task %s: execution %d exceeds deadline %d", t.Name, t.ExecutionMS, t.DeadlineMS))
		}
	}
	if repaired {
		return types.Repaired(out, rationale)
	}
	return types.Accepted(ts)
}

// priorityStage wraps the priority validator in the stage contract.
func (c *Controller) priorityStage(ts types.TaskSet) types.StageResult {
	res := c.validator.Validate(ts)
	if c.cfg.StrictPriority && res.HasErrors() {
		first := res.Issues[0]
		for _, i := range res.Issues {
			if i.Severity == priority.SeverityError {
				first = i
				break
			}
		}
		return types.Unrepairable(fmt.Sprintf("priority %s on task %s: %s", first.Kind, first.Task, first.Message))
	}
	if res.Rewritten {
		return types.Repaired(res.TaskSet, fmt.Sprintf("priorities rewritten to RMS order (%d issues)", len(res.Issues)))
	}
	return types.Accepted(ts)
}

func (c *Controller) checkCancel(ctx context.Context, iteration int, stage string, state *runState, result *types.RunResult) (types.TerminalStatus, bool) {
	if ctx.Err() == nil {
		return "", true
	}
	c.log(result, iteration, stage, "cancelled")
	result.CancelledStage = stageIndex[stage]
	result.FinalSet = state.taskSet.Canonical()
	result.Reason = ctx.Err().Error()
	return types.StatusCancelled, false
}

func (c *Controller) log(result *types.RunResult, iteration int, stage, summary string) {
	entry := types.StageLogEntry{Iteration: iteration, Stage: stage, Timestamp: c.now(), Summary: summary}
	result.Log.Entries = append(result.Log.Entries, entry)
	c.logger.Debug("stage complete", "iteration", iteration, "stage", stage, "summary", summary)
	if c.progress != nil {
		c.progress(entry)
	}
}

func (c *Controller) observe(result *types.RunResult) {
	if c.progress != nil && len(result.Log.Entries) > 0 {
		c.progress(result.Log.Entries[len(result.Log.Entries)-1])
	}
}

func (c *Controller) fingerprint(state *runState) string {
	return state.taskSet.Fingerprint() + fmt.Sprintf("|shared=%t", state.sharedScheduler)
}

func summarize(sr types.StageResult) string {
	switch sr.Kind {
	case types.StageAccepted:
		return "accepted"
	case types.StageRepaired:
		return "repaired: " + sr.Rationale
	case types.StageUnrepairable:
		return "unrepairable: " + sr.Reason
	}
	return string(sr.Kind)
}

func originOf(props []types.Property) string {
	for _, p := range props {
		if p.Origin == types.OriginSynthesized {
			return "synthesized"
		}
	}
	return "template"
}
