package query

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/datalens/internal/dataset"
)

// Statement is a compiled, parameterized SQL query ready for execution.
type Statement struct {
	SQL string
	// Args carries every filter operand; values are never interpolated
	// into the SQL text.
	Args []any
	// Columns is the output column order: grouped columns, aggregation
	// aliases, derived aliases.
	Columns []string
	// Limit is the clamped row cap; the SQL carries Limit+1 as a probe
	// for truncation detection.
	Limit int
}

// Compile validates the spec against the dataset and emits SQL. Compilation
// is deterministic: the same spec against the same schema yields the same
// statement text and argument order.
func Compile(spec *Spec, ds *dataset.Dataset, maxRows int) (*Statement, *SpecError) {
	if err := Validate(spec, ds, maxRows); err != nil {
		return nil, err
	}

	limit := *spec.Limit

	var sb strings.Builder
	var args []any

	// Inner projection: grouped columns then aggregations.
	var selectParts []string
	var outColumns []string
	for _, g := range spec.GroupBy {
		selectParts = append(selectParts, dataset.QuoteIdent(g))
		outColumns = append(outColumns, g)
	}
	for _, a := range spec.Aggregations {
		selectParts = append(selectParts, renderAgg(a))
		outColumns = append(outColumns, a.As)
	}
	// Plain row retrieval projects every schema column; the limit and
	// probe row below still apply.
	if len(selectParts) == 0 {
		for _, name := range ds.ColumnNames() {
			selectParts = append(selectParts, dataset.QuoteIdent(name))
			outColumns = append(outColumns, name)
		}
	}

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selectParts, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(dataset.QuoteIdent(ds.Table))

	if len(spec.Filters) > 0 {
		where, whereArgs := renderFilters(spec.Filters)
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
		args = append(args, whereArgs...)
	}

	if len(spec.GroupBy) > 0 && (len(spec.Aggregations) > 0 || len(spec.Derived) > 0) {
		quoted := make([]string, len(spec.GroupBy))
		for i, g := range spec.GroupBy {
			quoted[i] = dataset.QuoteIdent(g)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(quoted, ", "))
	}

	sql := sb.String()

	// Derived projections reference the inner aliases, so they live in an
	// outer SELECT over a subquery.
	if len(spec.Derived) > 0 {
		var outer strings.Builder
		outer.WriteString("SELECT ")
		inner := make([]string, len(outColumns))
		for i, c := range outColumns {
			inner[i] = dataset.QuoteIdent(c)
		}
		outer.WriteString(strings.Join(inner, ", "))
		for _, d := range spec.Derived {
			node, err := ParseExpr(d.Expr)
			if err != nil {
				// Unreachable after Validate; kept as a safety net.
				return nil, specErrorf("derived", "%s", err.Error())
			}
			outer.WriteString(", ")
			outer.WriteString(RenderExpr(node, dataset.QuoteIdent))
			outer.WriteString(" AS ")
			outer.WriteString(dataset.QuoteIdent(d.As))
			outColumns = append(outColumns, d.As)
		}
		outer.WriteString(" FROM (")
		outer.WriteString(sql)
		outer.WriteString(") AS subquery")
		sql = outer.String()
	}

	if len(spec.Sort) > 0 {
		var parts []string
		for _, s := range spec.Sort {
			dir := "ASC"
			if strings.EqualFold(s.Dir, "desc") {
				dir = "DESC"
			}
			parts = append(parts, dataset.QuoteIdent(s.Col)+" "+dir)
		}
		sql += " ORDER BY " + strings.Join(parts, ", ")
	}

	// Probe row: one past the cap tells the executor the result was cut.
	sql += fmt.Sprintf(" LIMIT %d", limit+1)

	return &Statement{SQL: sql, Args: args, Columns: outColumns, Limit: limit}, nil
}

func renderAgg(a Aggregation) string {
	alias := dataset.QuoteIdent(a.As)
	switch {
	case a.Col == "*":
		return "COUNT(*) AS " + alias
	case a.Agg == "nunique":
		return "COUNT(DISTINCT " + dataset.QuoteIdent(a.Col) + ") AS " + alias
	default:
		return strings.ToUpper(a.Agg) + "(" + dataset.QuoteIdent(a.Col) + ") AS " + alias
	}
}

func renderFilters(filters []FilterCondition) (string, []any) {
	var clauses []string
	var args []any

	for _, f := range filters {
		col := dataset.QuoteIdent(f.Col)
		switch f.Op {
		case "is_null":
			clauses = append(clauses, col+" IS NULL")
		case "in":
			list := f.Value.([]any)
			placeholders := strings.Repeat("?, ", len(list))
			clauses = append(clauses, col+" IN ("+placeholders[:len(placeholders)-2]+")")
			args = append(args, list...)
		case "between":
			pair := f.Value.([]any)
			clauses = append(clauses, col+" BETWEEN ? AND ?")
			args = append(args, pair[0], pair[1])
		case "contains":
			clauses = append(clauses, col+` LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(f.Value.(string))+"%")
		default:
			clauses = append(clauses, col+" "+f.Op+" ?")
			args = append(args, f.Value)
		}
	}

	return strings.Join(clauses, " AND "), args
}

// escapeLike neutralizes LIKE wildcards in a contains operand.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
