// Package query validates QuerySpecs, compiles them to parameterized SQL,
// and executes them against the embedded analytical store.
//
// The QuerySpec is the only query surface exposed to the LLM: a structured
// JSON document whose operators, aggregate functions, and derived-expression
// tokens are checked against hard-coded allowlists before any SQL is
// emitted. Column references are bound against the dataset schema and every
// identifier is quoted, so the store never sees a user-controlled token.
package query

import (
	"fmt"
	"regexp"
)

// FilterCondition is one WHERE predicate.
type FilterCondition struct {
	Col   string `json:"col"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Aggregation is one aggregate projection.
type Aggregation struct {
	As  string `json:"as"`
	Agg string `json:"agg"`
	Col string `json:"col"`
}

// Derived is a second-pass arithmetic projection over aggregation aliases
// and grouped columns.
type Derived struct {
	As   string `json:"as"`
	Expr string `json:"expr"`
}

// SortItem orders the result set.
type SortItem struct {
	Col string `json:"col"`
	Dir string `json:"dir"`
}

// Spec is the structured query the LLM emits through run_query.
type Spec struct {
	DatasetID    string            `json:"dataset_id"`
	Filters      []FilterCondition `json:"filters,omitempty"`
	GroupBy      []string          `json:"group_by,omitempty"`
	Aggregations []Aggregation     `json:"aggregations,omitempty"`
	Derived      []Derived         `json:"derived,omitempty"`
	Sort         []SortItem        `json:"sort,omitempty"`
	// Limit distinguishes absent (nil, defaulted to the row cap) from an
	// explicit value, which must be positive and is clamped to the cap.
	Limit *int `json:"limit,omitempty"`
}

// SpecError reports a validation failure with the offending field path.
// No SQL is emitted once one is raised.
type SpecError struct {
	FieldPath string `json:"field_path"`
	Reason    string `json:"reason"`
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid query spec at %s: %s", e.FieldPath, e.Reason)
}

func specErrorf(path, format string, args ...any) *SpecError {
	return &SpecError{FieldPath: path, Reason: fmt.Sprintf(format, args...)}
}

// Operator and aggregate allowlists. Non-extensible through the DSL.
var allowedOps = map[string]bool{
	"=": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"in": true, "between": true, "contains": true, "is_null": true,
}

var allowedAggs = map[string]bool{
	"sum": true, "avg": true, "min": true, "max": true,
	"count": true, "nunique": true,
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether s is a legal alias.
func IsIdentifier(s string) bool {
	return identPattern.MatchString(s)
}
