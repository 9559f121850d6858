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

package filters

import (
	"regexp"
	"strings"
	"sync"
)

// Record is the read view the evaluator has of one event row. FieldValue
// returns the current value of an event column and whether the column is
// present at all; both source fields and writable dimensions are readable.
type Record interface {
	FieldValue(field string) (value string, ok bool)
}

// Result is the outcome of evaluating a filter list against one record.
// Values are overlays: the caller writes them back onto the event.
type Result struct {
	// CustomDimensions maps stm_1..stm_10 slots to their new values.
	CustomDimensions map[string]string
	// ModifiedFields maps every other writable dimension to its new value.
	ModifiedFields map[string]string
}

// Empty reports whether evaluation produced no writes.
func (r Result) Empty() bool {
	return len(r.CustomDimensions) == 0 && len(r.ModifiedFields) == 0
}

// Evaluator applies a fixed filter list to event records. It caches compiled
// regex patterns across events; a pattern that fails to compile makes its
// condition permanently false without affecting other filters. Safe for
// concurrent use.
type Evaluator struct {
	// ordered is the application order: ascending priority, stable. Later
	// writes overwrite earlier ones, so the highest-priority filter wins.
	ordered []Definition

	mu sync.RWMutex
	// regexps caches compiled patterns; a nil entry records a compile
	// failure.
	regexps map[string]*regexp.Regexp
}

// NewEvaluator builds an evaluator for the given filter list. Disabled
// filters are dropped.
func NewEvaluator(defs []Definition) *Evaluator {
	return &Evaluator{
		ordered: sortForApply(defs),
		regexps: make(map[string]*regexp.Regexp),
	}
}

// Evaluate runs every filter against rec and returns the dimension overlay.
func (e *Evaluator) Evaluate(rec Record) Result {
	result := Result{
		CustomDimensions: make(map[string]string),
		ModifiedFields:   make(map[string]string),
	}
	for i := range e.ordered {
		def := &e.ordered[i]
		if !e.matches(def, rec) {
			continue
		}
		for _, op := range def.Operations {
			e.apply(op, rec, &result)
		}
	}
	return result
}

// matches reports whether every condition of def holds for rec.
func (e *Evaluator) matches(def *Definition, rec Record) bool {
	for _, cond := range def.Conditions {
		value, ok := rec.FieldValue(cond.Field)
		if !e.conditionHolds(cond, value, ok) {
			return false
		}
	}
	return true
}

func (e *Evaluator) conditionHolds(cond Condition, value string, present bool) bool {
	switch cond.Operator {
	case OpEquals:
		return present && value == cond.Value
	case OpNotEquals:
		// Empty fields never match a negative operator; otherwise a filter
		// excluding one value would classify every row whose field is simply
		// absent.
		return present && value != "" && value != cond.Value
	case OpContains:
		return present && strings.Contains(value, cond.Value)
	case OpNotContains:
		return present && value != "" && !strings.Contains(value, cond.Value)
	case OpIsEmpty:
		return !present || value == ""
	case OpIsNotEmpty:
		return present && value != ""
	case OpRegex:
		re := e.compiled(cond.Value)
		return re != nil && present && re.MatchString(value)
	default:
		return false
	}
}

// compiled returns the cached regexp for pattern, or nil if the pattern does
// not compile.
func (e *Evaluator) compiled(pattern string) *regexp.Regexp {
	e.mu.RLock()
	re, ok := e.regexps[pattern]
	e.mu.RUnlock()
	if ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	e.mu.Lock()
	e.regexps[pattern] = re
	e.mu.Unlock()
	return re
}

// apply writes one operation into the result overlay.
func (e *Evaluator) apply(op Operation, rec Record, result *Result) {
	target := result.ModifiedFields
	if IsCustomDimension(op.Dimension) {
		target = result.CustomDimensions
	}
	switch op.Action {
	case ActionSetValue:
		target[op.Dimension] = op.Value
	case ActionUnsetValue:
		target[op.Dimension] = ""
	case ActionSetDefaultValue:
		if current, ok := target[op.Dimension]; ok {
			if current == "" {
				target[op.Dimension] = op.Value
			}
			return
		}
		if current, ok := rec.FieldValue(op.Dimension); !ok || current == "" {
			target[op.Dimension] = op.Value
		}
	}
}
