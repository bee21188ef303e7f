package dataset

import (
	"context"
	"strings"
	"testing"
)

func TestInferTypes(t *testing.T) {
	csv := `id,price,name,flag,day,stamp
1,1.5,alice,true,2025-01-01,2025-01-01 10:00:00
2,2.0,bob,false,2025-01-02,2025-01-02 11:30:00
3,,carol,true,2025-01-03,2025-01-03 12:45:00
`
	r := testRegistry(t)
	ds, err := r.CreateFromCSV(context.Background(), strings.NewReader(csv), IngestOptions{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	want := map[string]ColumnType{
		"id":    TypeInt,
		"price": TypeFloat,
		"name":  TypeString,
		"flag":  TypeBool,
		"day":   TypeDate,
		"stamp": TypeDatetime,
	}
	for name, wantType := range want {
		col := ds.Column(name)
		if col == nil {
			t.Fatalf("column %q missing", name)
		}
		if col.Type != wantType {
			t.Errorf("column %q type = %s, want %s", name, col.Type, wantType)
		}
	}
}

func TestSchemaStats(t *testing.T) {
	r := testRegistry(t)
	ds := loadSales(t, r)

	returns := ds.Column("returns")
	if returns == nil {
		t.Fatal("returns column missing")
	}
	if returns.NullRatio != 0.25 {
		t.Errorf("null_ratio = %v, want 0.25", returns.NullRatio)
	}
	if returns.Min != int64(7) || returns.Max != int64(12) {
		t.Errorf("bounds = [%v, %v], want [7, 12]", returns.Min, returns.Max)
	}

	account := ds.Column("account")
	if account.UniqueCount != 2 {
		t.Errorf("unique_count = %d, want 2", account.UniqueCount)
	}
	if len(account.ExampleValues) == 0 || len(account.ExampleValues) > 3 {
		t.Errorf("example_values = %v, want 1..3 entries", account.ExampleValues)
	}
	for _, v := range account.ExampleValues {
		if v == nil {
			t.Error("example values must be non-null")
		}
	}
}

func TestHeaderRowOffset(t *testing.T) {
	csv := `report generated 2025
a,b
1,x
2,y
`
	r := testRegistry(t)
	ds, err := r.CreateFromCSV(context.Background(), strings.NewReader(csv), IngestOptions{HeaderRow: 1})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ds.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", ds.RowCount)
	}
	if ds.Column("a") == nil || ds.Column("b") == nil {
		t.Errorf("columns = %v, want [a b]", ds.ColumnNames())
	}
}

func TestDuplicateHeadersDisambiguated(t *testing.T) {
	csv := `x,x,x
1,2,3
`
	r := testRegistry(t)
	ds, err := r.CreateFromCSV(context.Background(), strings.NewReader(csv), IngestOptions{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	names := ds.ColumnNames()
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			t.Fatalf("duplicate column name %q survived ingestion: %v", n, names)
		}
		seen[n] = true
	}
}

func TestEmptyHeaderCellNamed(t *testing.T) {
	csv := `a,,c
1,2,3
`
	r := testRegistry(t)
	ds, err := r.CreateFromCSV(context.Background(), strings.NewReader(csv), IngestOptions{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ds.Column("column_2") == nil {
		t.Errorf("blank header should get a positional name, got %v", ds.ColumnNames())
	}
}

func TestBadHeaderRow(t *testing.T) {
	r := testRegistry(t)
	if _, err := r.CreateFromCSV(context.Background(), strings.NewReader("a,b\n1,2\n"), IngestOptions{HeaderRow: 9}); err == nil {
		t.Error("out-of-range header row should fail")
	}
}
