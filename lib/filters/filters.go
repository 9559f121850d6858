// Staminads
// Copyright (C) 2025 Staminads, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package filters implements the per-workspace classification filter model
// shared by live ingest and backfill: definitions, the per-row evaluator, and
// the SQL compiler that turns a filter list into ClickHouse CASE expressions.
package filters

import (
	"slices"
	"sort"
	"time"

	"github.com/gravitational/trace"
)

// Operator compares an event field against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpRegex       Operator = "regex"
)

// operatorNeedsValue reports whether the operator compares against a
// condition value. is_empty/is_not_empty are the only nullary operators.
func operatorNeedsValue(op Operator) bool {
	return op != OpIsEmpty && op != OpIsNotEmpty
}

var validOperators = map[Operator]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpContains:    true,
	OpNotContains: true,
	OpIsEmpty:     true,
	OpIsNotEmpty:  true,
	OpRegex:       true,
}

// OperationAction is what a matching filter does to a dimension.
type OperationAction string

const (
	ActionSetValue        OperationAction = "set_value"
	ActionUnsetValue      OperationAction = "unset_value"
	ActionSetDefaultValue OperationAction = "set_default_value"
)

var validActions = map[OperationAction]bool{
	ActionSetValue:        true,
	ActionUnsetValue:      true,
	ActionSetDefaultValue: true,
}

// sourceFields is the closed vocabulary of event columns a condition may
// read. Identifiers emitted into SQL come from this set only.
var sourceFields = map[string]bool{
	"utm_source":      true,
	"utm_medium":      true,
	"utm_campaign":    true,
	"utm_term":        true,
	"utm_content":     true,
	"utm_id":          true,
	"utm_id_from":     true,
	"referrer":        true,
	"referrer_domain": true,
	"referrer_path":   true,
	"landing_page":    true,
	"landing_path":    true,
	"path":            true,
	"device":          true,
	"browser":         true,
	"browser_type":    true,
	"os":              true,
	"user_agent":      true,
	"connection_type": true,
	"language":        true,
	"timezone":        true,
	"is_direct":       true,
}

// IsSourceField reports whether field is a readable event column.
func IsSourceField(field string) bool { return sourceFields[field] }

// writableDimensions is the closed vocabulary of columns an operation may
// write.
var writableDimensions = map[string]bool{
	"channel":         true,
	"channel_group":   true,
	"utm_source":      true,
	"utm_medium":      true,
	"utm_campaign":    true,
	"utm_term":        true,
	"utm_content":     true,
	"utm_id":          true,
	"utm_id_from":     true,
	"referrer_domain": true,
	"is_direct":       true,
	"stm_1":           true,
	"stm_2":           true,
	"stm_3":           true,
	"stm_4":           true,
	"stm_5":           true,
	"stm_6":           true,
	"stm_7":           true,
	"stm_8":           true,
	"stm_9":           true,
	"stm_10":          true,
}

// IsWritableDimension reports whether dim may be written by an operation.
func IsWritableDimension(dim string) bool { return writableDimensions[dim] }

// IsCustomDimension reports whether dim is one of the stm_1..stm_10 custom
// dimension slots.
func IsCustomDimension(dim string) bool {
	return len(dim) > 4 && dim[:4] == "stm_" && writableDimensions[dim]
}

// Condition is a single predicate over one event field. All conditions of a
// filter are AND-ed.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
}

// CheckAndSetDefaults validates the condition against the closed vocabularies.
func (c *Condition) CheckAndSetDefaults() error {
	if !sourceFields[c.Field] {
		return trace.BadParameter("condition field %q is not a filterable event column", c.Field)
	}
	if !validOperators[c.Operator] {
		return trace.BadParameter("unknown condition operator %q", c.Operator)
	}
	if operatorNeedsValue(c.Operator) && c.Value == "" {
		return trace.BadParameter("operator %q requires a value", c.Operator)
	}
	return nil
}

// Operation writes one dimension when the owning filter matches.
type Operation struct {
	Dimension string          `json:"dimension"`
	Action    OperationAction `json:"action"`
	Value     string          `json:"value,omitempty"`
}

// CheckAndSetDefaults validates the operation against the closed vocabularies.
func (o *Operation) CheckAndSetDefaults() error {
	if !writableDimensions[o.Dimension] {
		return trace.BadParameter("operation dimension %q is not writable", o.Dimension)
	}
	if !validActions[o.Action] {
		return trace.BadParameter("unknown operation action %q", o.Action)
	}
	if (o.Action == ActionSetValue || o.Action == ActionSetDefaultValue) && o.Value == "" {
		return trace.BadParameter("action %q requires a value", o.Action)
	}
	return nil
}

// Definition is one classification filter. Conditions are AND-ed; when all
// match, operations are applied in declaration order.
type Definition struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Order      int         `json:"order"`
	Tags       []string    `json:"tags,omitempty"`
	Enabled    bool        `json:"enabled"`
	Version    string      `json:"version,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Conditions []Condition `json:"conditions"`
	Operations []Operation `json:"operations"`
}

// CheckAndSetDefaults validates the filter. Every filter carries at least one
// condition and one operation.
func (d *Definition) CheckAndSetDefaults() error {
	if d.ID == "" {
		return trace.BadParameter("missing filter id")
	}
	if d.Priority < 0 || d.Priority > 1000 {
		return trace.BadParameter("filter %q: priority %d outside [0,1000]", d.ID, d.Priority)
	}
	if len(d.Conditions) == 0 {
		return trace.BadParameter("filter %q has no conditions", d.ID)
	}
	if len(d.Operations) == 0 {
		return trace.BadParameter("filter %q has no operations", d.ID)
	}
	for i := range d.Conditions {
		if err := d.Conditions[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "filter %q condition %d", d.ID, i)
		}
	}
	for i := range d.Operations {
		if err := d.Operations[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "filter %q operation %d", d.ID, i)
		}
	}
	return nil
}

// CheckDefinitions validates a filter list.
func CheckDefinitions(defs []Definition) error {
	for i := range defs {
		if err := defs[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "filter %d", i)
		}
	}
	return nil
}

// sortForApply orders enabled filters into application order: ascending
// priority, declaration order preserved within equal priority. Applying in
// this order with overwrite semantics makes the highest-priority filter win
// a contended dimension, and the later-declared filter win a priority tie.
func sortForApply(defs []Definition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// sortForMatch orders enabled filters into first-match order (the order CASE
// branches are emitted in): the reverse of the application order, so the
// highest-priority filter, and within a tie the later-declared one, is
// encountered first.
func sortForMatch(defs []Definition) []Definition {
	out := sortForApply(defs)
	slices.Reverse(out)
	return out
}
