package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/datalens/internal/dataset"
)

const salesCSV = `account,month,returns,quality,year
acme,2025-01,10,8,2024
acme,2025-01,10,8,2025
acme,2025-02,12,9,2025
globex,2025-01,7,0,2025
globex,2025-02,5,6,2025
`

func testEngine(t *testing.T, config Config) (*Engine, *dataset.Dataset) {
	t.Helper()
	store, err := dataset.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := dataset.NewRegistry(store, 0, nil)
	ds, err := registry.CreateFromCSV(context.Background(), strings.NewReader(salesCSV), dataset.IngestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(store, registry, config, nil, nil), ds
}

func TestRunGroupedSum(t *testing.T) {
	engine, ds := testEngine(t, DefaultConfig())

	table, err := engine.Run(context.Background(), &Spec{
		DatasetID: ds.ID,
		Filters:   []FilterCondition{{Col: "year", Op: "=", Value: float64(2025)}},
		GroupBy:   []string{"account"},
		Aggregations: []Aggregation{
			{As: "total", Agg: "sum", Col: "returns"},
		},
		Sort: []SortItem{{Col: "account", Dir: "asc"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if strings.Join(table.Columns, ",") != "account,total" {
		t.Errorf("Columns = %v", table.Columns)
	}
	if table.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", table.RowCount)
	}
	if table.Rows[0][0] != "acme" || table.Rows[0][1] != int64(22) {
		t.Errorf("acme row = %v, want [acme 22]", table.Rows[0])
	}
	if table.Rows[1][0] != "globex" || table.Rows[1][1] != int64(12) {
		t.Errorf("globex row = %v, want [globex 12]", table.Rows[1])
	}
	if table.Truncated {
		t.Error("small result must not be truncated")
	}
}

func TestRunDerivedDivisionByZeroYieldsNull(t *testing.T) {
	engine, ds := testEngine(t, DefaultConfig())

	table, err := engine.Run(context.Background(), &Spec{
		DatasetID: ds.ID,
		Filters:   []FilterCondition{{Col: "year", Op: "=", Value: float64(2025)}},
		GroupBy:   []string{"account", "month"},
		Aggregations: []Aggregation{
			{As: "total", Agg: "sum", Col: "returns"},
			{As: "quality_cnt", Agg: "sum", Col: "quality"},
		},
		Derived: []Derived{
			{As: "quality_rate", Expr: "quality_cnt / nullif(total, 0)"},
			{As: "inverse", Expr: "total / quality_cnt"},
		},
		Sort: []SortItem{{Col: "account", Dir: "asc"}, {Col: "month", Dir: "asc"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// globex 2025-01 has quality_cnt 0, so total/quality_cnt divides by
	// zero and must surface as NULL, not an error.
	var globexJan []any
	for _, row := range table.Rows {
		if row[0] == "globex" && row[1] == "2025-01" {
			globexJan = row
		}
	}
	if globexJan == nil {
		t.Fatal("globex 2025-01 row missing")
	}
	inverse := globexJan[len(globexJan)-1]
	if inverse != nil {
		t.Errorf("division by zero = %v, want NULL", inverse)
	}

	// Real-valued division: acme 2025-01 quality_rate is 8/10.
	for _, row := range table.Rows {
		if row[0] == "acme" && row[1] == "2025-01" {
			rate, ok := row[4].(float64)
			if !ok || rate != 0.8 {
				t.Errorf("quality_rate = %v (%T), want 0.8", row[4], row[4])
			}
		}
	}
}

func TestRunTruncation(t *testing.T) {
	config := DefaultConfig()
	config.MaxRows = 3
	engine, ds := testEngine(t, config)

	limit := 3
	table, err := engine.Run(context.Background(), &Spec{
		DatasetID: ds.ID,
		GroupBy:   []string{"account", "month", "year"},
		Aggregations: []Aggregation{
			{As: "n", Agg: "count", Col: "*"},
		},
		Limit: &limit,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !table.Truncated {
		t.Error("5 groups with limit 3 should be truncated")
	}
	if len(table.Rows) != 3 {
		t.Errorf("rows = %d, want exactly the limit", len(table.Rows))
	}
}

func TestRunUnknownDataset(t *testing.T) {
	engine, _ := testEngine(t, DefaultConfig())

	_, err := engine.Run(context.Background(), &Spec{
		DatasetID:    "ds_missing",
		Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}},
	})
	if !errors.Is(err, dataset.ErrNotFound) {
		t.Errorf("err = %v, want dataset.ErrNotFound", err)
	}
}

func TestRunSpecErrorIsTyped(t *testing.T) {
	engine, ds := testEngine(t, DefaultConfig())

	_, err := engine.Run(context.Background(), &Spec{
		DatasetID:    ds.ID,
		Aggregations: []Aggregation{{As: "n", Agg: "bogus", Col: "*"}},
	})
	var specErr *SpecError
	if !errors.As(err, &specErr) {
		t.Fatalf("err = %v, want *SpecError", err)
	}
	if specErr.FieldPath == "" {
		t.Error("spec error should name the offending field")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	engine, ds := testEngine(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, &Spec{
		DatasetID:    ds.ID,
		Aggregations: []Aggregation{{As: "n", Agg: "count", Col: "*"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunCacheServesRepeatQueries(t *testing.T) {
	engine, ds := testEngine(t, DefaultConfig())

	build := func() *Spec {
		return &Spec{
			DatasetID:    ds.ID,
			GroupBy:      []string{"account"},
			Aggregations: []Aggregation{{As: "total", Agg: "sum", Col: "returns"}},
		}
	}

	first, err := engine.Run(context.Background(), build())
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.Run(context.Background(), build())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("identical specs inside the TTL should return the cached table")
	}
}

func TestRunNuniqueAndCountStar(t *testing.T) {
	engine, ds := testEngine(t, DefaultConfig())

	table, err := engine.Run(context.Background(), &Spec{
		DatasetID: ds.ID,
		Aggregations: []Aggregation{
			{As: "rows", Agg: "count", Col: "*"},
			{As: "accounts", Agg: "nunique", Col: "account"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if table.RowCount != 1 {
		t.Fatalf("ungrouped aggregation should yield one row, got %d", table.RowCount)
	}
	if table.Rows[0][0] != int64(5) || table.Rows[0][1] != int64(2) {
		t.Errorf("row = %v, want [5 2]", table.Rows[0])
	}
}

func TestCacheEviction(t *testing.T) {
	c := newResultCache(2, time.Minute)

	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("k%d", i), &Table{RowCount: i})
	}

	if _, ok := c.get("k0"); ok {
		t.Error("oldest entry should be evicted at capacity")
	}
	if _, ok := c.get("k2"); !ok {
		t.Error("newest entry should survive")
	}
}

func TestCacheTTL(t *testing.T) {
	c := newResultCache(10, 10*time.Millisecond)
	c.put("k", &Table{})
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expired entry should miss")
	}
}
