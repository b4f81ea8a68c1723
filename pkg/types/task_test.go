package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsByPeriodThenName(t *testing.T) {
	ts := TaskSet{Tasks: []Task{
		{Name: "B", PeriodMS: 100, DeadlineMS: 100, ExecutionMS: 1, Priority: 9},
		{Name: "A", PeriodMS: 100, DeadlineMS: 100, ExecutionMS: 1, Priority: 3},
		{Name: "C", PeriodMS: 10, DeadlineMS: 10, ExecutionMS: 1, Priority: 5},
	}}

	canon := ts.Canonical()

	assert.Equal(t, []string{"C", "A", "B"}, []string{canon.Tasks[0].Name, canon.Tasks[1].Name, canon.Tasks[2].Name})
	for i, task := range canon.Tasks {
		assert.Equal(t, i+1, task.Priority)
	}
	// The input is untouched.
	assert.Equal(t, 9, ts.Tasks[0].Priority)
}

func TestFingerprintDistinguishesTaskSets(t *testing.T) {
	a := TaskSet{Tasks: []Task{{Name: "X", PeriodMS: 10, DeadlineMS: 10, ExecutionMS: 2, Priority: 1}}}
	b := a.Clone()
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Tasks[0].DeadlineMS = 9
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintIgnoresInputOrder(t *testing.T) {
	a := TaskSet{Tasks: []Task{
		{Name: "X", PeriodMS: 10, DeadlineMS: 10, ExecutionMS: 2, Priority: 2},
		{Name: "Y", PeriodMS: 20, DeadlineMS: 20, ExecutionMS: 2, Priority: 1},
	}}
	b := TaskSet{Tasks: []Task{a.Tasks[1], a.Tasks[0]}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestUtilizationAndBound(t *testing.T) {
	ts := TaskSet{Tasks: []Task{
		{Name: "A", PeriodMS: 20, DeadlineMS: 15, ExecutionMS: 12, Priority: 1},
		{Name: "B", PeriodMS: 50, DeadlineMS: 40, ExecutionMS: 30, Priority: 2},
	}}

	assert.InDelta(t, 1.20, ts.TotalUtilization(), 1e-9)
	assert.InDelta(t, 0.8284, ts.LiuLaylandBound(), 1e-4)
}

func TestTaskValidate(t *testing.T) {
	valid := Task{Name: "Ok", PeriodMS: 100, DeadlineMS: 80, ExecutionMS: 10, Priority: 1}
	assert.NoError(t, valid.Validate())

	cases := map[string]Task{
		"bad name":             {Name: "2fast", PeriodMS: 10, DeadlineMS: 10, ExecutionMS: 1},
		"zero period":          {Name: "A", PeriodMS: 0, DeadlineMS: 10, ExecutionMS: 1},
		"zero execution":       {Name: "A", PeriodMS: 10, DeadlineMS: 10, ExecutionMS: 0},
		"execution > deadline": {Name: "A", PeriodMS: 10, DeadlineMS: 5, ExecutionMS: 6},
		"deadline > period":    {Name: "A", PeriodMS: 10, DeadlineMS: 11, ExecutionMS: 1},
	}
	for name, task := range cases {
		assert.Error(t, task.Validate(), name)
	}
}

func TestTaskSetValidateRejectsDuplicateNames(t *testing.T) {
	ts := TaskSet{Tasks: []Task{
		{Name: "A", PeriodMS: 10, DeadlineMS: 10, ExecutionMS: 1},
		{Name: "A", PeriodMS: 20, DeadlineMS: 20, ExecutionMS: 1},
	}}
	assert.Error(t, ts.Validate())
	assert.Error(t, TaskSet{}.Validate())
}

func TestTerminalStatusExitCodes(t *testing.T) {
	assert.Equal(t, 0, StatusConverged.ExitCode())
	assert.Equal(t, 2, StatusDiverged.ExitCode())
	assert.Equal(t, 3, StatusUnrepairable.ExitCode())
	assert.Equal(t, 4, StatusCancelled.ExitCode())
	assert.Equal(t, 1, TerminalStatus("bogus").ExitCode())
}

func TestStageLogRenderExcludesTimestamps(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var log StageLog
	log.Append(1, "VALIDATE", at, "accepted")
	log.Append(1, "ANALYZE", at.Add(time.Second), "schedulable=true")

	out := log.Render()
	assert.Contains(t, out, "[01] VALIDATE")
	assert.Contains(t, out, "schedulable=true")
	assert.NotContains(t, out, "2025")
}
