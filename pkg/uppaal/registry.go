// Package uppaal emits timed-automata models for fixed-priority task sets,
// synthesizes the matching temporal-logic property set, and drives the
// external verifyta model checker.
package uppaal

import (
	"fmt"
	"regexp"
	"strings"
)

// Location names in formula (capitalized) form. On the wire the model uses
// the lowercase spelling; the registry owns the mapping so the model and
// the properties cannot drift.
var templateLocations = []string{"Idle", "Ready", "Scheduled", "Executing", "Completing", "Done"}

// Registry records every (template, location) pair present in an emitted
// model. Properties are validated against it before they are accepted.
type Registry struct {
	locations map[string]map[string]bool
	templates []string
}

// NewRegistry builds the registry for the given template names. Every task
// template carries the same six locations.
func NewRegistry(templates []string) *Registry {
	r := &Registry{
		locations: make(map[string]map[string]bool, len(templates)),
		templates: append([]string(nil), templates...),
	}
	for _, tmpl := range templates {
		locs := make(map[string]bool, len(templateLocations))
		for _, l := range templateLocations {
			locs[l] = true
		}
		r.locations[tmpl] = locs
	}
	return r
}

// Templates returns the registered template names in emission order.
func (r *Registry) Templates() []string {
	return append([]string(nil), r.templates...)
}

// Contains reports whether the template declares the location, matched
// case-sensitively in the capitalized formula spelling.
func (r *Registry) Contains(template, location string) bool {
	return r.locations[template][location]
}

// WireName returns the lowercase on-wire spelling of a location.
func WireName(location string) string {
	return strings.ToLower(location)
}

// FormulaName capitalizes an on-wire location name for use in formulas.
func FormulaName(wire string) string {
	if wire == "" {
		return wire
	}
	return strings.ToUpper(wire[:1]) + wire[1:]
}

var atomPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)`)

// ValidateFormula checks every Template.Location atom in the formula
// against the registry. The match is case-sensitive after the formula
// spelling has been capitalization-normalized.
func (r *Registry) ValidateFormula(formula string) error {
	for _, m := range atomPattern.FindAllStringSubmatch(formula, -1) {
		tmpl, loc := m[1], m[2]
		normalized := FormulaName(WireName(loc))
		if normalized != loc {
			return fmt.Errorf("location %q in %q is not in canonical capitalization", loc, formula)
		}
		if _, ok := r.locations[tmpl]; !ok {
			return fmt.Errorf("formula %q references unknown template %q", formula, tmpl)
		}
		if !r.Contains(tmpl, loc) {
			return fmt.Errorf("formula %q references unknown location %s.%s", formula, tmpl, loc)
		}
	}
	return nil
}
