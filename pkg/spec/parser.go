// Package spec parses task-set specifications from their two surface
// formats (section-based text and structured JSON) and normalizes them
// into the canonical task model.
package spec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// rawTask mirrors the structured-object wire form. Pointers distinguish
// absent fields from explicit zeros.
type rawTask struct {
	Name        string `json:"name"`
	PeriodMS    *int   `json:"period_ms"`
	ExecutionMS *int   `json:"execution_ms"`
	DeadlineMS  *int   `json:"deadline_ms"`
	Priority    *int   `json:"priority"`
}

type rawSpec struct {
	Tasks []rawTask `json:"tasks"`
}

// Format identifies an input surface format.
type Format string

const (
	FormatSections Format = "sections"
	FormatJSON     Format = "json"
)

// DetectFormat guesses the surface format from the input shape.
func DetectFormat(input string) Format {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}
	return FormatSections
}

// Parse reads a specification in the given format and returns the raw task
// list prior to normalization.
func Parse(input string, format Format) ([]rawTask, error) {
	switch format {
	case FormatJSON:
		return parseJSON(input)
	case FormatSections:
		return parseSections(input)
	}
	return nil, types.NewInputError("unknown input format %q", format)
}

func parseJSON(input string) ([]rawTask, error) {
	var s rawSpec
	if err := json.Unmarshal([]byte(input), &s); err != nil {
		return nil, types.NewInputError("invalid JSON specification: %v", err)
	}
	if s.Tasks == nil {
		// Tolerate a single flat task object.
		var single rawTask
		if err := json.Unmarshal([]byte(input), &single); err != nil || single.PeriodMS == nil {
			return nil, types.NewInputError("specification has no tasks")
		}
		s.Tasks = []rawTask{single}
	}
	return s.Tasks, nil
}

// parseSections reads the section-based text format:
//
//	[TaskName]
//	PERIOD_MS = 100
//	EXECUTION_MS = 10
//	DEADLINE_MS = 100     ; optional
//	PRIORITY = 1          ; optional
func parseSections(input string) ([]rawTask, error) {
	var tasks []rawTask
	var current *rawTask

	for lineno, line := range strings.Split(input, "\n") {
		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, types.NewInputError("line %d: unterminated section header %q", lineno+1, line)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, types.NewInputError("line %d: empty section name", lineno+1)
			}
			tasks = append(tasks, rawTask{Name: name})
			current = &tasks[len(tasks)-1]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, types.NewInputError("line %d: expected KEY = value, got %q", lineno+1, line)
		}
		if current == nil {
			return nil, types.NewInputError("line %d: key %q outside any task section", lineno+1, strings.TrimSpace(key))
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, types.NewInputError("line %d: value for %s is not an integer: %v", lineno+1, strings.TrimSpace(key), err)
		}

		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "PERIOD_MS":
			current.PeriodMS = intPtr(n)
		case "EXECUTION_MS":
			current.ExecutionMS = intPtr(n)
		case "DEADLINE_MS":
			current.DeadlineMS = intPtr(n)
		case "PRIORITY":
			current.Priority = intPtr(n)
		default:
			return nil, types.NewInputError("line %d: unknown key %q", lineno+1, strings.TrimSpace(key))
		}
	}

	if len(tasks) == 0 {
		return nil, types.NewInputError("specification has no tasks")
	}
	return tasks, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		return line[:i]
	}
	return line
}

func intPtr(n int) *int { return &n }

// Render emits a task set in the canonical section-based form. Parsing the
// output and normalizing again yields the same task set (round-trip).
func Render(ts types.TaskSet) string {
	var b strings.Builder
	for i, t := range ts.Canonical().Tasks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", t.Name)
		fmt.Fprintf(&b, "PERIOD_MS = %d\n", t.PeriodMS)
		fmt.Fprintf(&b, "EXECUTION_MS = %d\n", t.ExecutionMS)
		fmt.Fprintf(&b, "DEADLINE_MS = %d\n", t.DeadlineMS)
		fmt.Fprintf(&b, "PRIORITY = %d\n", t.Priority)
	}
	return b.String()
}
