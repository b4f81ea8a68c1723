package types

import (
	"fmt"
	"time"
)

// StageKind tags the variant held by a StageResult.
type StageKind string

const (
	StageAccepted     StageKind = "accepted"
	StageRepaired     StageKind = "repaired"
	StageUnrepairable StageKind = "unrepairable"
)

// StageResult is the tagged result every pipeline stage returns. Which
// payload fields are meaningful depends on Kind: TaskSet for Accepted,
// TaskSet and Rationale for Repaired, Reason for Unrepairable.
type StageResult struct {
	Kind      StageKind `json:"kind"`
	TaskSet   TaskSet   `json:"task_set,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Accepted wraps a task set that passed the stage unchanged.
func Accepted(ts TaskSet) StageResult {
	return StageResult{Kind: StageAccepted, TaskSet: ts}
}

// Repaired wraps a rewritten task set plus the reason it was rewritten.
func Repaired(ts TaskSet, rationale string) StageResult {
	return StageResult{Kind: StageRepaired, TaskSet: ts, Rationale: rationale}
}

// Unrepairable reports a condition no deterministic repair can fix.
func Unrepairable(reason string) StageResult {
	return StageResult{Kind: StageUnrepairable, Reason: reason}
}

// TerminalStatus is the final state of a pipeline run.
type TerminalStatus string

const (
	StatusConverged    TerminalStatus = "converged"
	StatusDiverged     TerminalStatus = "diverged"
	StatusUnrepairable TerminalStatus = "unrepairable"
	StatusCancelled    TerminalStatus = "cancelled"
)

// ExitCode maps a terminal status to the command exit discipline.
func (s TerminalStatus) ExitCode() int {
	switch s {
	case StatusConverged:
		return 0
	case StatusDiverged:
		return 2
	case StatusUnrepairable:
		return 3
	case StatusCancelled:
		return 4
	}
	return 1
}

// StageLogEntry is one appended record of stage execution.
type StageLogEntry struct {
	Iteration int       `json:"iteration"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
}

// StageLog is the append-only audit trail of a run.
type StageLog struct {
	Entries []StageLogEntry `json:"entries"`
}

// Append adds one entry.
func (l *StageLog) Append(iteration int, stage string, ts time.Time, summary string) {
	l.Entries = append(l.Entries, StageLogEntry{
		Iteration: iteration,
		Stage:     stage,
		Timestamp: ts,
		Summary:   summary,
	})
}

// Render writes the log as deterministic text. Timestamps are excluded so
// two runs with identical inputs render byte-identically.
func (l StageLog) Render() string {
	out := ""
	for _, e := range l.Entries {
		out += fmt.Sprintf("[%02d] %-16s %s\n", e.Iteration, e.Stage, e.Summary)
	}
	return out
}

// RunResult bundles everything a finished run produced.
type RunResult struct {
	Status     TerminalStatus  `json:"status"`
	Iterations int             `json:"iterations"`
	FinalSet   TaskSet         `json:"final_task_set"`
	ModelXML   string          `json:"model_xml,omitempty"`
	Properties []Property      `json:"properties,omitempty"`
	Outcome    VerifierOutcome `json:"verifier_outcome,omitempty"`
	Log        StageLog        `json:"stage_log"`
	// CancelledStage is set only for StatusCancelled: the index of the
	// stage at whose boundary the cancel signal was observed.
	CancelledStage int    `json:"cancelled_stage,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
