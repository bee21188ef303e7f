package query

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/datalens/internal/dataset"
)

// Validate checks a Spec against the dataset schema. Validation order:
// shape, operator/aggregate whitelist, schema binding, value type
// compatibility, derived-expression parsing, limit clamping. The first
// failure wins; the returned error is always a *SpecError.
//
// On success the Spec's Limit is normalized to a clamped concrete value.
func Validate(spec *Spec, ds *dataset.Dataset, maxRows int) *SpecError {
	if spec.DatasetID == "" {
		return specErrorf("dataset_id", "required")
	}

	if err := validateFilters(spec.Filters, ds); err != nil {
		return err
	}

	for i, col := range spec.GroupBy {
		if ds.Column(col) == nil {
			return specErrorf(fmt.Sprintf("group_by[%d]", i), "unknown column %q", col)
		}
	}

	aliases, err := validateAggregations(spec.Aggregations, ds)
	if err != nil {
		return err
	}

	// Without grouping or aggregations the spec is plain row retrieval:
	// every schema column is projected, and derived expressions and sort
	// keys resolve against the whole schema.
	base := make(map[string]bool, len(spec.GroupBy))
	if len(spec.GroupBy) == 0 && len(spec.Aggregations) == 0 {
		for _, name := range ds.ColumnNames() {
			base[name] = true
		}
	} else {
		for _, g := range spec.GroupBy {
			base[g] = true
		}
	}

	derivedAliases, err := validateDerived(spec.Derived, base, aliases)
	if err != nil {
		return err
	}

	if err := validateSort(spec.Sort, base, aliases, derivedAliases); err != nil {
		return err
	}

	// Limit clamping: absent means the cap; explicit values must be
	// positive and are clamped to the cap.
	if spec.Limit == nil {
		limit := maxRows
		spec.Limit = &limit
	} else if *spec.Limit < 1 {
		return specErrorf("limit", "must be at least 1, got %d", *spec.Limit)
	} else if *spec.Limit > maxRows {
		limit := maxRows
		spec.Limit = &limit
	}

	return nil
}

func validateFilters(filters []FilterCondition, ds *dataset.Dataset) *SpecError {
	for i, f := range filters {
		path := fmt.Sprintf("filters[%d]", i)

		if !allowedOps[f.Op] {
			return specErrorf(path+".op", "operator %q is not allowed", f.Op)
		}
		col := ds.Column(f.Col)
		if col == nil {
			return specErrorf(path+".col", "unknown column %q", f.Col)
		}

		switch f.Op {
		case "is_null":
			// No operand.
		case "in":
			list, ok := f.Value.([]any)
			if !ok || len(list) == 0 {
				return specErrorf(path+".value", "in requires a non-empty list")
			}
			for j, v := range list {
				if err := checkScalar(v, col); err != "" {
					return specErrorf(fmt.Sprintf("%s.value[%d]", path, j), "%s", err)
				}
			}
			if !homogeneous(list) {
				return specErrorf(path+".value", "in list must be homogeneous")
			}
		case "between":
			pair, ok := f.Value.([]any)
			if !ok || len(pair) != 2 {
				return specErrorf(path+".value", "between requires a two-element list")
			}
			for j, v := range pair {
				if err := checkScalar(v, col); err != "" {
					return specErrorf(fmt.Sprintf("%s.value[%d]", path, j), "%s", err)
				}
			}
			if !homogeneous(pair) {
				return specErrorf(path+".value", "between bounds must share a type")
			}
		case "contains":
			if col.Type != dataset.TypeString {
				return specErrorf(path+".col", "contains requires a string column, %q is %s", f.Col, col.Type)
			}
			if _, ok := f.Value.(string); !ok {
				return specErrorf(path+".value", "contains requires a string value")
			}
		default:
			if err := checkScalar(f.Value, col); err != "" {
				return specErrorf(path+".value", "%s", err)
			}
		}
	}
	return nil
}

// checkScalar verifies a filter operand is a scalar compatible with the
// column type. JSON numbers arrive as float64; date/datetime columns take
// their literal string encodings.
func checkScalar(v any, col *dataset.Column) string {
	switch val := v.(type) {
	case float64:
		if !col.Type.IsNumeric() {
			return fmt.Sprintf("numeric value for %s column %q", col.Type, col.Name)
		}
	case string:
		switch col.Type {
		case dataset.TypeString, dataset.TypeDate, dataset.TypeDatetime:
		default:
			return fmt.Sprintf("string value for %s column %q", col.Type, col.Name)
		}
	case bool:
		if col.Type != dataset.TypeBool {
			return fmt.Sprintf("boolean value for %s column %q", col.Type, col.Name)
		}
		_ = val
	case nil:
		return "null is not a filter operand; use is_null"
	default:
		return fmt.Sprintf("unsupported operand type %T", v)
	}
	return ""
}

func homogeneous(list []any) bool {
	if len(list) < 2 {
		return true
	}
	kind := func(v any) string {
		switch v.(type) {
		case float64:
			return "number"
		case string:
			return "string"
		case bool:
			return "bool"
		}
		return "other"
	}
	first := kind(list[0])
	for _, v := range list[1:] {
		if kind(v) != first {
			return false
		}
	}
	return true
}

func validateAggregations(aggs []Aggregation, ds *dataset.Dataset) (map[string]bool, *SpecError) {
	aliases := make(map[string]bool, len(aggs))
	for i, a := range aggs {
		path := fmt.Sprintf("aggregations[%d]", i)

		if !allowedAggs[a.Agg] {
			return nil, specErrorf(path+".agg", "aggregate %q is not allowed", a.Agg)
		}
		if !IsIdentifier(a.As) {
			return nil, specErrorf(path+".as", "alias %q is not a valid identifier", a.As)
		}
		if aliases[a.As] {
			return nil, specErrorf(path+".as", "duplicate alias %q", a.As)
		}

		if a.Col == "*" {
			if a.Agg != "count" {
				return nil, specErrorf(path+".col", "%q accepts * only with count", a.Agg)
			}
		} else {
			col := ds.Column(a.Col)
			if col == nil {
				return nil, specErrorf(path+".col", "unknown column %q", a.Col)
			}
			switch a.Agg {
			case "sum", "avg":
				if !col.Type.IsNumeric() {
					return nil, specErrorf(path+".col", "%s requires a numeric column, %q is %s", a.Agg, a.Col, col.Type)
				}
			}
		}

		aliases[a.As] = true
	}
	return aliases, nil
}

func validateDerived(derived []Derived, base map[string]bool, aggAliases map[string]bool) (map[string]bool, *SpecError) {
	resolve := func(name string) bool {
		return aggAliases[name] || base[name]
	}

	aliases := make(map[string]bool, len(derived))
	for i, d := range derived {
		path := fmt.Sprintf("derived[%d]", i)

		if !IsIdentifier(d.As) {
			return nil, specErrorf(path+".as", "alias %q is not a valid identifier", d.As)
		}
		if aliases[d.As] || aggAliases[d.As] || base[d.As] {
			return nil, specErrorf(path+".as", "alias %q collides with an earlier name", d.As)
		}

		node, err := ParseExpr(d.Expr)
		if err != nil {
			return nil, specErrorf(path+".expr", "%s", err.Error())
		}
		for _, ident := range node.Identifiers() {
			if !resolve(ident) {
				return nil, specErrorf(path+".expr", "identifier %q does not name an aggregation alias or grouped column", ident)
			}
		}

		aliases[d.As] = true
	}
	return aliases, nil
}

func validateSort(sort []SortItem, base map[string]bool, aggAliases, derivedAliases map[string]bool) *SpecError {
	for i, s := range sort {
		path := fmt.Sprintf("sort[%d]", i)

		switch strings.ToLower(s.Dir) {
		case "asc", "desc", "":
		default:
			return specErrorf(path+".dir", "direction %q is not asc or desc", s.Dir)
		}
		if !base[s.Col] && !aggAliases[s.Col] && !derivedAliases[s.Col] {
			return specErrorf(path+".col", "%q is not a selectable column, aggregation alias, or derived alias", s.Col)
		}
	}
	return nil
}
