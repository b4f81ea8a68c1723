package uppaal

import (
	"fmt"
	"strings"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// EmitOptions controls model emission.
type EmitOptions struct {
	// SharedScheduler gates Ready -> Scheduled on a shared scheduling
	// channel and a waiting-task vector, so a task may only claim the CPU
	// when no higher-priority task is waiting. Off, the model admits
	// priority-agnostic dispatch; the controller switches it on when the
	// verifier reports a mutual-exclusion violation.
	SharedScheduler bool
}

// Model is an emitted timed-automata system together with its location
// registry. The registry is the single source of truth for every name a
// property may reference.
type Model struct {
	XML      string
	Registry *Registry
}

// Generator emits per-task timed-automata templates over a shared CPU.
type Generator struct{}

// NewGenerator returns a model generator.
func NewGenerator() *Generator { return &Generator{} }

// Emit renders the model for a task set. Tasks are emitted in canonical
// order so identical inputs produce byte-identical documents.
func (g *Generator) Emit(ts types.TaskSet, properties []types.Property, opts EmitOptions) (Model, error) {
	if ts.Len() == 0 {
		return Model{}, types.NewSpecError("cannot emit a model for an empty task set")
	}
	canon := ts.Canonical()

	names := make([]string, canon.Len())
	for i, t := range canon.Tasks {
		names[i] = t.Name
	}
	registry := NewRegistry(names)

	doc := &ntaDoc{Declaration: globalDeclarations(canon, opts)}
	for i, t := range canon.Tasks {
		doc.Templates = append(doc.Templates, taskTemplate(t, i, canon.Len(), opts))
	}
	if opts.SharedScheduler {
		doc.Templates = append(doc.Templates, schedulerTemplate())
	}
	doc.System = systemBlock(canon, opts)
	for _, p := range properties {
		doc.Queries.Queries = append(doc.Queries.Queries, query{Formula: p.Formula, Comment: p.Comment})
	}

	xml, err := renderNTA(doc)
	if err != nil {
		return Model{}, fmt.Errorf("rendering model: %w", err)
	}
	return Model{XML: xml, Registry: registry}, nil
}

// globalDeclarations renders the shared-CPU arbitration state: the owner
// variable, the waiting vector, and, with SharedScheduler on, the
// scheduling channel.
func globalDeclarations(ts types.TaskSet, opts EmitOptions) string {
	n := ts.Len()
	var b strings.Builder
	fmt.Fprintf(&b, "// Shared CPU arbitration for %d periodic tasks.\n", n)
	fmt.Fprintf(&b, "int[-1,%d] cpu_owner = -1;\n", n-1)
	fmt.Fprintf(&b, "bool task_scheduled[%d];\n", n)
	if opts.SharedScheduler {
		b.WriteString("broadcast chan sched;\n")
	}
	return b.String()
}

// taskTemplate builds one task's automaton: idle -> ready -> scheduled ->
// executing -> completing -> done -> ready, with the clock x reset at each
// release.
func taskTemplate(t types.Task, index, total int, opts EmitOptions) ntaTemplate {
	tmpl := ntaTemplate{
		Name:        t.Name,
		Declaration: "clock x;",
	}

	ids := make(map[string]string, len(templateLocations))
	for i, loc := range templateLocations {
		wire := WireName(loc)
		ids[wire] = fmt.Sprintf("%s_%s", t.Name, wire)
		l := ntaLocation{ID: ids[wire], Name: wire}
		switch loc {
		case "Ready":
			l.Invariant = fmt.Sprintf("x <= %d", t.PeriodMS)
		case "Executing":
			l.Invariant = fmt.Sprintf("x <= %d", t.DeadlineMS)
		}
		tmpl.Locations = append(tmpl.Locations, l)
		if i == 0 {
			tmpl.Init = ntaRef{Ref: ids[wire]}
		}
	}

	release := fmt.Sprintf("x = 0, task_scheduled[%d] = true", index)

	tmpl.Transitions = append(tmpl.Transitions,
		ntaTransition{
			Source: ntaRef{Ref: ids["idle"]}, Target: ntaRef{Ref: ids["ready"]},
			Guard: "x == 0", Assignment: release,
		},
		readyToScheduled(t, ids, index, total, opts),
		ntaTransition{
			Source: ntaRef{Ref: ids["scheduled"]}, Target: ntaRef{Ref: ids["executing"]},
			Guard:      "cpu_owner == -1",
			Assignment: fmt.Sprintf("cpu_owner = %d, task_scheduled[%d] = false", index, index),
		},
		ntaTransition{
			Source: ntaRef{Ref: ids["executing"]}, Target: ntaRef{Ref: ids["completing"]},
			Guard: fmt.Sprintf("x >= %d", t.ExecutionMS),
		},
		ntaTransition{
			Source: ntaRef{Ref: ids["completing"]}, Target: ntaRef{Ref: ids["done"]},
			Assignment: "cpu_owner = -1",
		},
		ntaTransition{
			Source: ntaRef{Ref: ids["done"]}, Target: ntaRef{Ref: ids["ready"]},
			Guard: fmt.Sprintf("x >= %d", t.PeriodMS), Assignment: release,
		},
	)
	return tmpl
}

// readyToScheduled is where fixed-priority preemption lives. With the
// shared scheduler the transition synchronizes on the scheduling channel
// and is blocked while any higher-priority task is waiting; tasks are in
// canonical order, so every lower index is a higher priority.
func readyToScheduled(t types.Task, ids map[string]string, index, total int, opts EmitOptions) ntaTransition {
	tr := ntaTransition{
		Source: ntaRef{Ref: ids["ready"]},
		Target: ntaRef{Ref: ids["scheduled"]},
	}
	guard := fmt.Sprintf("task_scheduled[%d]", index)
	if opts.SharedScheduler {
		for j := 0; j < index; j++ {
			guard += fmt.Sprintf(" && !task_scheduled[%d]", j)
		}
		tr.Sync = "sched?"
	}
	tr.Guard = guard
	return tr
}

// schedulerTemplate is the dispatch loop that drives the scheduling
// channel when the shared scheduler is enabled.
func schedulerTemplate() ntaTemplate {
	return ntaTemplate{
		Name: "Scheduler",
		Locations: []ntaLocation{
			{ID: "Scheduler_dispatch", Name: "dispatch"},
		},
		Init: ntaRef{Ref: "Scheduler_dispatch"},
		Transitions: []ntaTransition{
			{
				Source: ntaRef{Ref: "Scheduler_dispatch"},
				Target: ntaRef{Ref: "Scheduler_dispatch"},
				Sync:   "sched!",
			},
		},
	}
}

// systemBlock instantiates every template as {name}_inst.
func systemBlock(ts types.TaskSet, opts EmitOptions) string {
	var b strings.Builder
	insts := make([]string, 0, ts.Len()+1)
	for _, t := range ts.Tasks {
		fmt.Fprintf(&b, "%s_inst = %s();\n", t.Name, t.Name)
		insts = append(insts, t.Name+"_inst")
	}
	if opts.SharedScheduler {
		b.WriteString("Scheduler_inst = Scheduler();\n")
		insts = append(insts, "Scheduler_inst")
	}
	fmt.Fprintf(&b, "system %s;\n", strings.Join(insts, ", "))
	return b.String()
}
