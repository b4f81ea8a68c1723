// Package report renders the design document for a finished pipeline run.
package report

import (
	"sort"
	"strings"
	"text/template"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

const sddTemplate = `# System Design Document

## 1. Task Set

{{range .Tasks}}**{{.Name}}**
- Period: {{.PeriodMS}} ms
- Deadline: {{.DeadlineMS}} ms
- Execution Time: {{.ExecutionMS}} ms
- Priority: {{.Priority}} (RMS)

{{end}}## 2. Schedulability

- Total Utilization: {{printf "%.3f" .Utilization}}
- Liu-Layland Bound: {{printf "%.3f" .LLBound}}
- Terminal Status: {{.Status}}
- Iterations: {{.Iterations}}

## 3. Verified Properties

{{range .Properties}}**{{.Category}}** ({{.Origin}}{{if .Verdict}}, {{.Verdict}}{{end}})
` + "```" + `
{{.Formula}}
` + "```" + `
_{{.Comment}}_

{{end}}## 4. Stage Log

` + "```" + `
{{.Log}}` + "```" + `
`

var sdd = template.Must(template.New("sdd").Parse(sddTemplate))

type propertyView struct {
	types.Property
	Verdict types.Verdict
}

type view struct {
	Tasks       []types.Task
	Utilization float64
	LLBound     float64
	Status      types.TerminalStatus
	Iterations  int
	Properties  []propertyView
	Log         string
}

// Render produces the SDD markdown for a run. Output is deterministic for
// identical runs: tasks appear in canonical order and properties in
// emission order.
func Render(result types.RunResult) (string, error) {
	canon := result.FinalSet.Canonical()
	v := view{
		Tasks:       canon.Tasks,
		Utilization: canon.TotalUtilization(),
		LLBound:     canon.LiuLaylandBound(),
		Status:      result.Status,
		Iterations:  result.Iterations,
		Log:         result.Log.Render(),
	}
	for _, p := range result.Properties {
		v.Properties = append(v.Properties, propertyView{
			Property: p,
			Verdict:  result.Outcome.Verdicts[p.Formula],
		})
	}
	sort.SliceStable(v.Tasks, func(i, j int) bool { return v.Tasks[i].Priority < v.Tasks[j].Priority })

	var b strings.Builder
	if err := sdd.Execute(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}
