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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

// Compiled is a filter list lowered to a ClickHouse SET clause, one CASE
// expression per written dimension. Rows matched by no filter keep their
// existing values via the trailing ELSE.
type Compiled struct {
	// SetClause is the full "dim = CASE ... END, dim2 = CASE ... END" text,
	// without the leading SET keyword.
	SetClause string
	// Dimensions lists the written dimensions in clause order.
	Dimensions []string
}

// Empty reports whether the filter list produced no writes at all.
func (c *Compiled) Empty() bool { return len(c.Dimensions) == 0 }

type caseBranch struct {
	predicate string
	value     string
}

// Compile lowers a filter list into a Compiled SET clause. CASE branches are
// ordered so that first-match semantics reproduce the live evaluator: by
// descending priority, later-declared first within a priority tie. A filter
// whose regex pattern does not compile is skipped entirely, matching the
// evaluator's condition-is-false behaviour.
func Compile(defs []Definition) (*Compiled, error) {
	if err := CheckDefinitions(defs); err != nil {
		return nil, trace.Wrap(err)
	}

	branches := make(map[string][]caseBranch)
	for _, def := range sortForMatch(defs) {
		predicate, ok := compilePredicate(def.Conditions)
		if !ok {
			continue
		}
		for dim, value := range foldOperations(def.Operations) {
			branches[dim] = append(branches[dim], caseBranch{predicate: predicate, value: value})
		}
	}

	dims := make([]string, 0, len(branches))
	for dim := range branches {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	clauses := make([]string, 0, len(dims))
	for _, dim := range dims {
		var b strings.Builder
		fmt.Fprintf(&b, "%s = CASE", dim)
		for _, br := range branches[dim] {
			fmt.Fprintf(&b, " WHEN %s THEN %s", br.predicate, br.value)
		}
		fmt.Fprintf(&b, " ELSE %s END", dim)
		clauses = append(clauses, b.String())
	}

	return &Compiled{
		SetClause:  strings.Join(clauses, ", "),
		Dimensions: dims,
	}, nil
}

// compilePredicate renders the AND of all conditions. The second return is
// false when a condition can never hold (bad regex), in which case the whole
// filter is dropped from the compilation.
func compilePredicate(conds []Condition) (string, bool) {
	parts := make([]string, 0, len(conds))
	for _, cond := range conds {
		sql, ok := compileCondition(cond)
		if !ok {
			return "", false
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, " AND "), true
}

func compileCondition(cond Condition) (string, bool) {
	field := fieldExpr(cond.Field)
	value := quoteString(cond.Value)
	switch cond.Operator {
	case OpEquals:
		return fmt.Sprintf("%s = %s", field, value), true
	case OpNotEquals:
		return fmt.Sprintf("(%s != '' AND %s != %s)", field, field, value), true
	case OpContains:
		return fmt.Sprintf("position(%s, %s) > 0", field, value), true
	case OpNotContains:
		return fmt.Sprintf("(%s != '' AND position(%s, %s) = 0)", field, field, value), true
	case OpIsEmpty:
		return fmt.Sprintf("%s = ''", field), true
	case OpIsNotEmpty:
		return fmt.Sprintf("%s != ''", field), true
	case OpRegex:
		// Both sides speak RE2; a pattern Go rejects would be rejected by
		// the store as well.
		if _, err := regexp.Compile(cond.Value); err != nil {
			return "", false
		}
		return fmt.Sprintf("match(%s, %s)", field, value), true
	default:
		return "", false
	}
}

// fieldExpr maps a source field to the SQL expression that reads it as a
// string. is_direct is a Bool column and goes through toString so the string
// operator semantics carry over.
func fieldExpr(field string) string {
	if field == "is_direct" {
		return "toString(is_direct)"
	}
	return field
}

// foldOperations collapses a filter's operation list into one SQL value
// expression per dimension, preserving declaration-order semantics
// (a later set_value overrides an earlier one; set_default_value only fills
// a hole left by the row or an earlier unset).
func foldOperations(ops []Operation) map[string]string {
	out := make(map[string]string)
	for _, op := range ops {
		if op.Dimension == "is_direct" {
			out[op.Dimension] = boolLiteral(op)
			continue
		}
		current, written := out[op.Dimension]
		if !written {
			current = op.Dimension
		}
		switch op.Action {
		case ActionSetValue:
			out[op.Dimension] = quoteString(op.Value)
		case ActionUnsetValue:
			out[op.Dimension] = "''"
		case ActionSetDefaultValue:
			out[op.Dimension] = fmt.Sprintf("if(%s = '', %s, %s)", current, quoteString(op.Value), current)
		}
	}
	return out
}

// boolLiteral coerces a string-valued operation on is_direct to a Bool
// literal. The filter model writes "true"/"false" strings; the column is a
// Bool.
func boolLiteral(op Operation) string {
	if op.Action == ActionUnsetValue {
		return "false"
	}
	if op.Value == "true" {
		return "true"
	}
	return "false"
}

// quoteString renders a ClickHouse single-quoted string literal.
func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
