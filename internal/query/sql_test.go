package query

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/datalens/internal/dataset"
)

// salesDataset is a schema-only dataset for compile tests.
func salesDataset() *dataset.Dataset {
	return &dataset.Dataset{
		ID:    "ds_sales",
		Table: "dataset_sales",
		Columns: []dataset.Column{
			{Name: "account", Type: dataset.TypeString},
			{Name: "month", Type: dataset.TypeString},
			{Name: "returns", Type: dataset.TypeInt},
			{Name: "quality", Type: dataset.TypeInt},
			{Name: "year", Type: dataset.TypeInt},
		},
		RowCount:  1000,
		CreatedAt: time.Now(),
	}
}

func intPtr(n int) *int { return &n }

func TestCompileGroupedAggregation(t *testing.T) {
	spec := &Spec{
		DatasetID: "ds_sales",
		Filters:   []FilterCondition{{Col: "year", Op: "=", Value: float64(2025)}},
		GroupBy:   []string{"account"},
		Aggregations: []Aggregation{
			{As: "total", Agg: "sum", Col: "returns"},
		},
	}

	stmt, err := Compile(spec, salesDataset(), 10000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	want := `SELECT "account", SUM("returns") AS "total" FROM "dataset_sales" WHERE "year" = ? GROUP BY "account" LIMIT 10001`
	if stmt.SQL != want {
		t.Errorf("SQL = %s\nwant %s", stmt.SQL, want)
	}
	if len(stmt.Args) != 1 || stmt.Args[0] != float64(2025) {
		t.Errorf("Args = %v, want [2025]", stmt.Args)
	}
	if strings.Join(stmt.Columns, ",") != "account,total" {
		t.Errorf("Columns = %v, want [account total]", stmt.Columns)
	}
}

func TestCompileDerivedWrapsSubquery(t *testing.T) {
	spec := &Spec{
		DatasetID: "ds_sales",
		GroupBy:   []string{"account", "month"},
		Aggregations: []Aggregation{
			{As: "total", Agg: "sum", Col: "returns"},
			{As: "quality_cnt", Agg: "sum", Col: "quality"},
		},
		Derived: []Derived{
			{As: "quality_rate", Expr: "quality_cnt / nullif(total, 0)"},
		},
		Sort: []SortItem{{Col: "month", Dir: "asc"}},
	}

	stmt, err := Compile(spec, salesDataset(), 10000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if !strings.Contains(stmt.SQL, ") AS subquery") {
		t.Errorf("derived spec should wrap aggregation in a subquery: %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, `(CAST("quality_cnt" AS REAL) / NULLIF("total", 0)) AS "quality_rate"`) {
		t.Errorf("derived projection missing or malformed: %s", stmt.SQL)
	}
	if !strings.HasSuffix(stmt.SQL, `ORDER BY "month" ASC LIMIT 10001`) {
		t.Errorf("sort and probe limit should close the outer query: %s", stmt.SQL)
	}
	if strings.Join(stmt.Columns, ",") != "account,month,total,quality_cnt,quality_rate" {
		t.Errorf("Columns = %v", stmt.Columns)
	}
}

// A spec with neither group_by nor aggregations retrieves raw rows:
// every schema column is projected and the probe limit still applies.
func TestCompilePlainRowRetrieval(t *testing.T) {
	spec := &Spec{
		DatasetID: "ds_sales",
		Limit:     intPtr(50000),
	}

	stmt, err := Compile(spec, salesDataset(), 10000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	want := `SELECT "account", "month", "returns", "quality", "year" FROM "dataset_sales" LIMIT 10001`
	if stmt.SQL != want {
		t.Errorf("SQL = %s\nwant %s", stmt.SQL, want)
	}
	if stmt.Limit != 10000 {
		t.Errorf("Limit = %d, want clamped cap", stmt.Limit)
	}
	if strings.Join(stmt.Columns, ",") != "account,month,returns,quality,year" {
		t.Errorf("Columns = %v", stmt.Columns)
	}
}

func TestCompilePlainRowsFilterAndSort(t *testing.T) {
	spec := &Spec{
		DatasetID: "ds_sales",
		Filters:   []FilterCondition{{Col: "year", Op: "=", Value: float64(2025)}},
		Sort:      []SortItem{{Col: "returns", Dir: "desc"}},
		Limit:     intPtr(20),
	}

	stmt, err := Compile(spec, salesDataset(), 10000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(stmt.SQL, `WHERE "year" = ?`) {
		t.Errorf("filter missing from plain retrieval: %s", stmt.SQL)
	}
	if !strings.HasSuffix(stmt.SQL, `ORDER BY "returns" DESC LIMIT 21`) {
		t.Errorf("sort over a schema column should be allowed: %s", stmt.SQL)
	}
}

func TestCompileFilterOperators(t *testing.T) {
	tests := []struct {
		name     string
		filter   FilterCondition
		wantSQL  string
		wantArgs int
	}{
		{"in", FilterCondition{Col: "account", Op: "in", Value: []any{"acme", "globex"}}, `"account" IN (?, ?)`, 2},
		{"between", FilterCondition{Col: "returns", Op: "between", Value: []any{float64(1), float64(10)}}, `"returns" BETWEEN ? AND ?`, 2},
		{"contains", FilterCondition{Col: "account", Op: "contains", Value: "acm"}, `"account" LIKE ? ESCAPE '\'`, 1},
		{"is_null", FilterCondition{Col: "returns", Op: "is_null"}, `"returns" IS NULL`, 0},
		{"not equal", FilterCondition{Col: "year", Op: "!=", Value: float64(2024)}, `"year" != ?`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &Spec{
				DatasetID:    "ds_sales",
				Filters:      []FilterCondition{tt.filter},
				Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}},
			}
			stmt, err := Compile(spec, salesDataset(), 10000)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if !strings.Contains(stmt.SQL, tt.wantSQL) {
				t.Errorf("SQL %s should contain %s", stmt.SQL, tt.wantSQL)
			}
			if len(stmt.Args) != tt.wantArgs {
				t.Errorf("len(Args) = %d, want %d", len(stmt.Args), tt.wantArgs)
			}
		})
	}
}

func TestCompileContainsEscapesWildcards(t *testing.T) {
	spec := &Spec{
		DatasetID:    "ds_sales",
		Filters:      []FilterCondition{{Col: "account", Op: "contains", Value: "50%_done"}},
		Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}},
	}
	stmt, err := Compile(spec, salesDataset(), 10000)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if stmt.Args[0] != `%50\%\_done%` {
		t.Errorf("LIKE operand = %v, want escaped wildcards", stmt.Args[0])
	}
}

func TestCompileLimits(t *testing.T) {
	base := func() *Spec {
		return &Spec{
			DatasetID:    "ds_sales",
			Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}},
		}
	}

	t.Run("default is cap", func(t *testing.T) {
		stmt, err := Compile(base(), salesDataset(), 10000)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(stmt.SQL, "LIMIT 10001") {
			t.Errorf("SQL = %s, want probe limit 10001", stmt.SQL)
		}
	})

	t.Run("oversized clamps to cap", func(t *testing.T) {
		spec := base()
		spec.Limit = intPtr(50000)
		stmt, err := Compile(spec, salesDataset(), 10000)
		if err != nil {
			t.Fatal(err)
		}
		if stmt.Limit != 10000 || !strings.HasSuffix(stmt.SQL, "LIMIT 10001") {
			t.Errorf("Limit = %d, SQL = %s", stmt.Limit, stmt.SQL)
		}
	})

	t.Run("zero rejected", func(t *testing.T) {
		spec := base()
		spec.Limit = intPtr(0)
		if _, err := Compile(spec, salesDataset(), 10000); err == nil {
			t.Error("limit 0 should be BAD_SPEC")
		}
	})
}

func TestCompileRejections(t *testing.T) {
	tests := []struct {
		name     string
		spec     *Spec
		wantPath string
	}{
		{
			"unknown filter column",
			&Spec{DatasetID: "d", Filters: []FilterCondition{{Col: "nope", Op: "=", Value: "x"}},
				Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}}},
			"filters[0].col",
		},
		{
			"unknown operator",
			&Spec{DatasetID: "d", Filters: []FilterCondition{{Col: "year", Op: "like", Value: "x"}},
				Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}}},
			"filters[0].op",
		},
		{
			"unknown aggregate",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{{As: "m", Agg: "median", Col: "returns"}}},
			"aggregations[0].agg",
		},
		{
			"star with sum",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{{As: "s", Agg: "sum", Col: "*"}}},
			"aggregations[0].col",
		},
		{
			"sum over string column",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{{As: "s", Agg: "sum", Col: "account"}}},
			"aggregations[0].col",
		},
		{
			"duplicate alias",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{
				{As: "x", Agg: "count", Col: "*"}, {As: "x", Agg: "sum", Col: "returns"}}},
			"aggregations[1].as",
		},
		{
			"bad alias",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{{As: "1bad", Agg: "count", Col: "*"}}},
			"aggregations[0].as",
		},
		{
			"between one element",
			&Spec{DatasetID: "d", Filters: []FilterCondition{{Col: "year", Op: "between", Value: []any{float64(1)}}},
				Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}}},
			"filters[0].value",
		},
		{
			"heterogeneous in list",
			&Spec{DatasetID: "d", Filters: []FilterCondition{{Col: "account", Op: "in", Value: []any{"a", float64(1)}}},
				Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}}},
			"filters[0].value",
		},
		{
			"derived references undeclared alias",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{{As: "total", Agg: "sum", Col: "returns"}},
				Derived: []Derived{{As: "r", Expr: "total / missing"}}},
			"derived[0].expr",
		},
		{
			"derived bad token",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{{As: "total", Agg: "sum", Col: "returns"}},
				Derived: []Derived{{As: "r", Expr: "total; drop table x"}}},
			"derived[0].expr",
		},
		{
			"sort on unknown name",
			&Spec{DatasetID: "d", Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}},
				Sort: []SortItem{{Col: "year", Dir: "asc"}}},
			"sort[0].col",
		},
		{
			"contains on int column",
			&Spec{DatasetID: "d", Filters: []FilterCondition{{Col: "year", Op: "contains", Value: "20"}},
				Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}}},
			"filters[0].col",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.spec.DatasetID = "ds_sales"
			_, err := Compile(tt.spec, salesDataset(), 10000)
			if err == nil {
				t.Fatal("expected compile failure")
			}
			if err.FieldPath != tt.wantPath {
				t.Errorf("field path = %s, want %s", err.FieldPath, tt.wantPath)
			}
		})
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	build := func() *Spec {
		return &Spec{
			DatasetID: "ds_sales",
			Filters: []FilterCondition{
				{Col: "year", Op: "=", Value: float64(2025)},
				{Col: "account", Op: "in", Value: []any{"a", "b"}},
			},
			GroupBy:      []string{"account"},
			Aggregations: []Aggregation{{As: "total", Agg: "sum", Col: "returns"}},
			Derived:      []Derived{{As: "half", Expr: "total / 2"}},
			Sort:         []SortItem{{Col: "total", Dir: "desc"}},
		}
	}
	a, err := Compile(build(), salesDataset(), 10000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Compile(build(), salesDataset(), 10000)
	if err != nil {
		t.Fatal(err)
	}
	if a.SQL != b.SQL {
		t.Errorf("compilation is not deterministic:\n%s\n%s", a.SQL, b.SQL)
	}
}

// Every identifier in the emitted SQL must come from the schema or the
// spec's declared aliases; raw filter values never appear in the text.
func TestCompileParameterizesValues(t *testing.T) {
	spec := &Spec{
		DatasetID: "ds_sales",
		Filters: []FilterCondition{
			{Col: "account", Op: "=", Value: "'; DROP TABLE dataset_sales; --"},
		},
		Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}},
	}
	stmt, err := Compile(spec, salesDataset(), 10000)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stmt.SQL, "DROP") {
		t.Errorf("filter value leaked into SQL text: %s", stmt.SQL)
	}
	if len(stmt.Args) != 1 {
		t.Errorf("malicious value should ride as a parameter, args = %v", stmt.Args)
	}
}
