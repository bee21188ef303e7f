package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxColumns caps the width of an ingested dataset.
const MaxColumns = 500

// IngestOptions controls CSV ingestion.
type IngestOptions struct {
	// HeaderRow is the zero-based row index holding column names.
	// Rows above it are discarded.
	HeaderRow int
	// Sheet is accepted for workbook-shaped uploads and ignored for CSV.
	Sheet string
}

// CreateFromCSV parses CSV data, infers column types, loads the rows into a
// fresh table, computes schema stats, and registers the dataset.
func (r *Registry) CreateFromCSV(ctx context.Context, reader io.Reader, opts IngestOptions) (*Dataset, error) {
	cr := csv.NewReader(reader)
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if opts.HeaderRow < 0 || opts.HeaderRow >= len(records) {
		return nil, fmt.Errorf("parse csv: header row %d out of range", opts.HeaderRow)
	}

	header := uniqueNames(records[opts.HeaderRow])
	if len(header) == 0 {
		return nil, fmt.Errorf("parse csv: empty header")
	}
	if len(header) > MaxColumns {
		return nil, fmt.Errorf("parse csv: %d columns exceeds limit of %d", len(header), MaxColumns)
	}
	body := records[opts.HeaderRow+1:]

	types := inferTypes(header, body)

	id := newDatasetID()
	table := "dataset_" + strings.TrimPrefix(id, "ds_")

	if err := r.createTable(ctx, table, header, types); err != nil {
		return nil, err
	}
	if err := r.loadRows(ctx, table, header, types, body); err != nil {
		// Leave no orphan table behind on a failed load.
		_, _ = r.store.DB().ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(table))
		return nil, err
	}

	columns := computeStats(header, types, body)

	ds := &Dataset{
		ID:        id,
		Table:     table,
		Columns:   columns,
		RowCount:  int64(len(body)),
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.datasets[ds.ID] = ds
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info(ctx, "dataset registered",
			"dataset_id", ds.ID, "rows", ds.RowCount, "columns", len(columns))
	}
	return ds, nil
}

// uniqueNames trims header cells and disambiguates duplicates with a
// numeric suffix, so every column name is unique within the dataset.
func uniqueNames(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, 0, len(header))
	for i, raw := range header {
		name := strings.TrimSpace(raw)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		if _, dup := seen[name]; !dup {
			seen[name] = 1
		}
		out = append(out, name)
	}
	return out
}

var datetimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02 15:04:05",
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
}

// inferTypes picks the narrowest type every non-empty cell of a column fits.
func inferTypes(header []string, body [][]string) []ColumnType {
	types := make([]ColumnType, len(header))
	for col := range header {
		allInt, allFloat, allBool := true, true, true
		allDate, allDatetime := true, true
		sawValue := false

		for _, row := range body {
			if col >= len(row) {
				continue
			}
			cell := strings.TrimSpace(row[col])
			if cell == "" {
				continue
			}
			sawValue = true

			if allBool && !isBool(cell) {
				allBool = false
			}
			if allInt {
				if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
					allInt = false
				}
			}
			if allFloat {
				if _, err := strconv.ParseFloat(cell, 64); err != nil {
					allFloat = false
				}
			}
			if allDatetime && !matchesAny(cell, datetimeLayouts) {
				allDatetime = false
			}
			if allDate && !matchesAny(cell, dateLayouts) {
				allDate = false
			}
			if !allBool && !allInt && !allFloat && !allDate && !allDatetime {
				break
			}
		}

		switch {
		case !sawValue:
			types[col] = TypeString
		case allBool:
			types[col] = TypeBool
		case allInt:
			types[col] = TypeInt
		case allFloat:
			types[col] = TypeFloat
		case allDatetime:
			types[col] = TypeDatetime
		case allDate:
			types[col] = TypeDate
		default:
			types[col] = TypeString
		}
	}
	return types
}

func isBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false":
		return true
	}
	return false
}

func matchesAny(s string, layouts []string) bool {
	for _, layout := range layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func sqlType(t ColumnType) string {
	switch t {
	case TypeInt, TypeBool:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (r *Registry) createTable(ctx context.Context, table string, header []string, types []ColumnType) error {
	defs := make([]string, len(header))
	for i, name := range header {
		defs[i] = QuoteIdent(name) + " " + sqlType(types[i])
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := r.store.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (r *Registry) loadRows(ctx context.Context, table string, header []string, types []ColumnType, body [][]string) error {
	if len(body) == 0 {
		return nil
	}

	tx, err := r.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("load rows: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	quoted := make([]string, len(header))
	placeholders := make([]string, len(header))
	for i, name := range header {
		quoted[i] = QuoteIdent(name)
		placeholders[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("load rows: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(header))
	for _, row := range body {
		for i := range header {
			cell := ""
			if i < len(row) {
				cell = strings.TrimSpace(row[i])
			}
			args[i] = convertCell(cell, types[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("load rows: %w", err)
		}
	}

	return tx.Commit()
}

// convertCell maps a CSV cell onto its column's storage type. Empty cells
// become NULL.
func convertCell(cell string, t ColumnType) any {
	if cell == "" {
		return nil
	}
	switch t {
	case TypeInt:
		if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return v
		}
	case TypeFloat:
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			return v
		}
	case TypeBool:
		if strings.EqualFold(cell, "true") {
			return int64(1)
		}
		return int64(0)
	}
	return cell
}

// computeStats walks the parsed rows once per column to derive null ratio,
// example values, distinct counts, and numeric bounds.
func computeStats(header []string, types []ColumnType, body [][]string) []Column {
	columns := make([]Column, len(header))
	total := len(body)

	for col, name := range header {
		c := Column{Name: name, Type: types[col]}

		nulls := 0
		distinct := make(map[string]struct{})
		var minV, maxV float64
		haveBounds := false

		for _, row := range body {
			cell := ""
			if col < len(row) {
				cell = strings.TrimSpace(row[col])
			}
			if cell == "" {
				nulls++
				continue
			}
			distinct[cell] = struct{}{}
			if len(c.ExampleValues) < 3 {
				if _, seen := exampleSeen(c.ExampleValues, cell, types[col]); !seen {
					c.ExampleValues = append(c.ExampleValues, convertCell(cell, types[col]))
				}
			}
			if types[col].IsNumeric() {
				if v, err := strconv.ParseFloat(cell, 64); err == nil {
					if !haveBounds {
						minV, maxV = v, v
						haveBounds = true
					} else {
						minV = math.Min(minV, v)
						maxV = math.Max(maxV, v)
					}
				}
			}
		}

		if total > 0 {
			c.NullRatio = math.Round(float64(nulls)/float64(total)*10000) / 10000
		}
		c.UniqueCount = int64(len(distinct))
		if haveBounds {
			if types[col] == TypeInt {
				c.Min, c.Max = int64(minV), int64(maxV)
			} else {
				c.Min, c.Max = minV, maxV
			}
		}
		columns[col] = c
	}
	return columns
}

func exampleSeen(examples []any, cell string, t ColumnType) (any, bool) {
	converted := convertCell(cell, t)
	for _, e := range examples {
		if e == converted {
			return converted, true
		}
	}
	return converted, false
}
