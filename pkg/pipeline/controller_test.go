package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// stubVerifier scripts per-invocation outcomes for pipeline tests.
type stubVerifier struct {
	calls int
	// script decides verdicts for a given call number (1-based).
	script func(call int, modelXML string, props []types.Property) types.VerifierOutcome
	err    error
}

func (s *stubVerifier) Verify(ctx context.Context, modelXML string, props []types.Property, timeout time.Duration) (types.VerifierOutcome, error) {
	s.calls++
	if s.err != nil {
		return types.VerifierOutcome{}, s.err
	}
	return s.script(s.calls, modelXML, props), nil
}

func passAll(call int, modelXML string, props []types.Property) types.VerifierOutcome {
	outcome := types.VerifierOutcome{AllPassed: true, Verdicts: make(map[string]types.Verdict)}
	for _, p := range props {
		outcome.Verdicts[p.Formula] = types.VerdictSatisfied
	}
	return outcome
}

func violate(formulaMatch string) func(int, string, []types.Property) types.VerifierOutcome {
	return func(call int, modelXML string, props []types.Property) types.VerifierOutcome {
		outcome := types.VerifierOutcome{AllPassed: true, Verdicts: make(map[string]types.Verdict)}
		for _, p := range props {
			outcome.Verdicts[p.Formula] = types.VerdictSatisfied
		}
		if call == 1 {
			for _, p := range props {
				if strings.Contains(p.Formula, formulaMatch) {
					outcome.Verdicts[p.Formula] = types.VerdictViolated
					outcome.AllPassed = false
					break
				}
			}
		}
		return outcome
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newController(t *testing.T, cfg Config, v *stubVerifier) *Controller {
	t.Helper()
	return New(cfg, v, testLogger(), WithClock(fixedClock()))
}

func TestTriviallySchedulableSingleTaskConverges(t *testing.T) {
	// S1: one task, priority assigned, converges in one iteration with
	// four properties (no mutex pairs for a single task).
	input := `{"tasks": [{"name": "Sensor", "period_ms": 100, "execution_ms": 10}]}`

	v := &stubVerifier{script: passAll}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusConverged, result.Status)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, v.calls)
	assert.Len(t, result.Properties, 4)

	require.Len(t, result.FinalSet.Tasks, 1)
	task := result.FinalSet.Tasks[0]
	assert.Equal(t, 1, task.Priority)
	assert.Equal(t, 100, task.DeadlineMS)
	assert.InDelta(t, 0.10, result.FinalSet.TotalUtilization(), 1e-9)
	assert.InDelta(t, 1.0, result.FinalSet.LiuLaylandBound(), 1e-9)
}

func TestOverloadedPairIsRepairedAndConverges(t *testing.T) {
	// S2: U = 1.20 exceeds both the Liu-Layland bound and 1.0; the
	// analyzer repair must bring the set schedulable within three
	// iterations.
	input := `{"tasks": [
		{"name": "Fast", "period_ms": 20, "deadline_ms": 15, "execution_ms": 12},
		{"name": "Slow", "period_ms": 50, "deadline_ms": 40, "execution_ms": 30}
	]}`

	v := &stubVerifier{script: passAll}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusConverged, result.Status)
	assert.LessOrEqual(t, result.Iterations, 3)
	assert.LessOrEqual(t, result.FinalSet.TotalUtilization(), 1.0)

	fast, ok := result.FinalSet.ByName("Fast")
	require.True(t, ok)
	assert.Equal(t, 1, fast.Priority)
	slow, ok := result.FinalSet.ByName("Slow")
	require.True(t, ok)
	assert.Equal(t, 2, slow.Priority)
}

func TestDuplicatePrioritiesStrictModeBlocks(t *testing.T) {
	// S3, strict half: duplicate priorities are unrepairable.
	input := `{"tasks": [
		{"name": "A", "period_ms": 10, "execution_ms": 1, "priority": 3},
		{"name": "B", "period_ms": 20, "execution_ms": 1, "priority": 3},
		{"name": "C", "period_ms": 30, "execution_ms": 1, "priority": 3}
	]}`

	cfg := DefaultConfig()
	cfg.StrictPriority = true
	v := &stubVerifier{script: passAll}
	c := newController(t, cfg, v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusUnrepairable, result.Status)
	assert.Contains(t, result.Reason, "duplicate")
	assert.Zero(t, v.calls)
}

func TestDuplicatePrioritiesPermissiveModeRewrites(t *testing.T) {
	// S3, permissive half: priorities become 1..3 by ascending period.
	input := `{"tasks": [
		{"name": "A", "period_ms": 10, "execution_ms": 1, "priority": 3},
		{"name": "B", "period_ms": 20, "execution_ms": 1, "priority": 3},
		{"name": "C", "period_ms": 30, "execution_ms": 1, "priority": 3}
	]}`

	v := &stubVerifier{script: passAll}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusConverged, result.Status)
	for i, name := range []string{"A", "B", "C"} {
		task, ok := result.FinalSet.ByName(name)
		require.True(t, ok)
		assert.Equal(t, i+1, task.Priority)
	}
}

func TestHopelesslyOverloadedPairTerminates(t *testing.T) {
	// S4: two tasks sharing a period with C+C > T. Whatever the repair
	// ladder does, the run must terminate as Converged (with stretched
	// periods) or Diverged, never loop.
	input := `{"tasks": [
		{"name": "A", "period_ms": 10, "execution_ms": 9},
		{"name": "B", "period_ms": 10, "execution_ms": 9}
	]}`

	v := &stubVerifier{script: passAll}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	switch result.Status {
	case types.StatusConverged:
		assert.LessOrEqual(t, result.FinalSet.TotalUtilization(), 1.0)
	case types.StatusDiverged:
		repairs := 0
		for _, e := range result.Log.Entries {
			if e.Stage == StageRepair {
				repairs++
			}
		}
		assert.GreaterOrEqual(t, repairs, DefaultConfig().MaxRepairIterations)
	default:
		t.Fatalf("unexpected terminal status %s", result.Status)
	}
}

func TestMutexViolationEnablesSharedSchedulerWithoutSpecChange(t *testing.T) {
	// S5: a mutex counterexample is an emitter bug. The repair flips the
	// shared-scheduler flag, re-emits, and the spec itself is unchanged.
	input := `{"tasks": [
		{"name": "Ctl", "period_ms": 100, "execution_ms": 10},
		{"name": "Log", "period_ms": 200, "execution_ms": 20}
	]}`

	v := &stubVerifier{script: violate(".Executing and ")}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusConverged, result.Status)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, v.calls)

	ctl, _ := result.FinalSet.ByName("Ctl")
	assert.Equal(t, 100, ctl.PeriodMS)
	assert.Equal(t, 100, ctl.DeadlineMS)
	assert.Equal(t, 10, ctl.ExecutionMS)

	assert.Contains(t, result.ModelXML, "broadcast chan sched")
}

func TestDeadlineCounterexampleRelaxesDeadline(t *testing.T) {
	// S6: a violated deadline property is repaired with the aggressive
	// 1.2x factor: ceil(1.2*15) = 18.
	input := `{"tasks": [{"name": "Task_A", "period_ms": 20, "deadline_ms": 15, "execution_ms": 5}]}`

	v := &stubVerifier{script: violate("Task_A.Executing imply")}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusConverged, result.Status)
	assert.Equal(t, 2, result.Iterations)

	task, ok := result.FinalSet.ByName("Task_A")
	require.True(t, ok)
	assert.Equal(t, 18, task.DeadlineMS)
	assert.Equal(t, 20, task.PeriodMS)
}

func TestReachabilityViolationIsUnrepairable(t *testing.T) {
	input := `{"tasks": [{"name": "Stuck", "period_ms": 100, "execution_ms": 10}]}`

	v := &stubVerifier{script: violate("E<> Stuck.Done")}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusUnrepairable, result.Status)
	assert.Contains(t, result.Reason, "cannot reach completion")
}

func TestVerifierFailureIsUnrepairable(t *testing.T) {
	input := `{"tasks": [{"name": "T", "period_ms": 100, "execution_ms": 10}]}`

	v := &stubVerifier{err: types.NewExternalError(context.DeadlineExceeded)}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusUnrepairable, result.Status)
	assert.Equal(t, types.ErrExternal, types.KindOf(types.NewExternalError(context.DeadlineExceeded)))
}

func TestMalformedInputIsUnrepairable(t *testing.T) {
	v := &stubVerifier{script: passAll}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), `{"tasks": [{"name": "X"}]}`)
	require.NoError(t, err)

	assert.Equal(t, types.StatusUnrepairable, result.Status)
	assert.Contains(t, result.Reason, "PERIOD_MS")
	assert.Zero(t, v.calls)
}

func TestAutoDefaultRescuesMissingFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoDefault = true
	v := &stubVerifier{script: passAll}
	c := newController(t, cfg, v)

	result, err := c.Run(context.Background(), `{"tasks": [{"name": "X"}]}`)
	require.NoError(t, err)

	assert.Equal(t, types.StatusConverged, result.Status)
	task, _ := result.FinalSet.ByName("X")
	assert.Equal(t, 100, task.PeriodMS)
	assert.Equal(t, 50, task.ExecutionMS)
}

func TestCancellationStopsAtStageBoundary(t *testing.T) {
	input := `{"tasks": [{"name": "T", "period_ms": 100, "execution_ms": 10}]}`

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := &stubVerifier{script: passAll}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCancelled, result.Status)
	assert.Zero(t, v.calls)
	assert.Equal(t, 4, result.Status.ExitCode())
}

func TestStageLogIsDeterministic(t *testing.T) {
	// Two identical runs render byte-identical stage logs (timestamps
	// excluded by Render).
	input := `{"tasks": [
		{"name": "Fast", "period_ms": 20, "deadline_ms": 15, "execution_ms": 12},
		{"name": "Slow", "period_ms": 50, "deadline_ms": 40, "execution_ms": 30}
	]}`

	run := func() types.RunResult {
		v := &stubVerifier{script: passAll}
		c := newController(t, DefaultConfig(), v)
		result, err := c.Run(context.Background(), input)
		require.NoError(t, err)
		return result
	}

	first := run()
	second := run()
	assert.Equal(t, first.Log.Render(), second.Log.Render())
	assert.Equal(t, first.FinalSet.Fingerprint(), second.FinalSet.Fingerprint())
}

func TestPersistentViolationDivergesAtBudget(t *testing.T) {
	// A verifier that keeps violating the deadline property forces a
	// repair every iteration; each repair changes the task set, so the
	// run ends as Diverged when the budget runs out.
	input := `{"tasks": [{"name": "T", "period_ms": 100, "execution_ms": 10}]}`

	alwaysViolate := func(call int, modelXML string, props []types.Property) types.VerifierOutcome {
		outcome := types.VerifierOutcome{Verdicts: make(map[string]types.Verdict)}
		for _, p := range props {
			if strings.Contains(p.Formula, "imply x <=") {
				outcome.Verdicts[p.Formula] = types.VerdictViolated
			} else {
				outcome.Verdicts[p.Formula] = types.VerdictSatisfied
			}
		}
		return outcome
	}

	cfg := DefaultConfig()
	cfg.MaxRepairIterations = 4
	v := &stubVerifier{script: alwaysViolate}
	c := newController(t, cfg, v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusDiverged, result.Status)
	assert.Equal(t, 4, result.Iterations)
	assert.Equal(t, 4, v.calls)

	// Each repair strictly grew the deadline.
	task, _ := result.FinalSet.ByName("T")
	assert.Greater(t, task.DeadlineMS, 100)
}

func TestSectionInputRunsEndToEnd(t *testing.T) {
	input := `[Controller]
PERIOD_MS = 50
EXECUTION_MS = 5

[Telemetry]
PERIOD_MS = 200
EXECUTION_MS = 40
DEADLINE_MS = 150
`
	v := &stubVerifier{script: passAll}
	c := newController(t, DefaultConfig(), v)

	result, err := c.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, types.StatusConverged, result.Status)
	// 1 deadlock + 2 deadline + 2 reachability + 1 mutex + 2 leads-to.
	assert.Len(t, result.Properties, 8)
	assert.Contains(t, result.ModelXML, "<name>Controller</name>")
	assert.Contains(t, result.ModelXML, "Telemetry_inst = Telemetry();")
}
