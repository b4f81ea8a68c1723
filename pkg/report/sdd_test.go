package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

func sampleResult() types.RunResult {
	ts := types.TaskSet{Tasks: []types.Task{
		{Name: "Ctl", PeriodMS: 100, DeadlineMS: 100, ExecutionMS: 10, Priority: 1},
		{Name: "Log", PeriodMS: 200, DeadlineMS: 200, ExecutionMS: 20, Priority: 2},
	}}
	props := []types.Property{
		{Formula: "A[] not deadlock", Category: types.CategorySafety, Comment: "no deadlock", Origin: types.OriginTemplate},
		{Formula: "E<> Ctl.Done", Category: types.CategoryLiveness, Comment: "completes", Origin: types.OriginTemplate},
	}
	var log types.StageLog
	log.Append(1, "VALIDATE", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), "accepted")
	return types.RunResult{
		Status:     types.StatusConverged,
		Iterations: 1,
		FinalSet:   ts,
		Properties: props,
		Outcome: types.VerifierOutcome{
			AllPassed: true,
			Verdicts: map[string]types.Verdict{
				"A[] not deadlock": types.VerdictSatisfied,
				"E<> Ctl.Done":     types.VerdictSatisfied,
			},
		},
		Log: log,
	}
}

func TestRenderContainsAllSections(t *testing.T) {
	doc, err := Render(sampleResult())
	require.NoError(t, err)

	assert.Contains(t, doc, "# System Design Document")
	assert.Contains(t, doc, "## 1. Task Set")
	assert.Contains(t, doc, "**Ctl**")
	assert.Contains(t, doc, "- Period: 100 ms")
	assert.Contains(t, doc, "## 2. Schedulability")
	assert.Contains(t, doc, "Total Utilization: 0.200")
	assert.Contains(t, doc, "Terminal Status: converged")
	assert.Contains(t, doc, "## 3. Verified Properties")
	assert.Contains(t, doc, "A[] not deadlock")
	assert.Contains(t, doc, "satisfied")
	assert.Contains(t, doc, "## 4. Stage Log")
	assert.Contains(t, doc, "[01] VALIDATE")
}

func TestRenderIsDeterministic(t *testing.T) {
	first, err := Render(sampleResult())
	require.NoError(t, err)
	second, err := Render(sampleResult())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
