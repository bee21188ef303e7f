package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/plot"
	"github.com/haasonsaas/datalens/internal/query"
)

// Toolset is the per-analysis tool state. Tools share the last query
// result so plot can render it, and accumulate produced charts for the
// final response. A Toolset serves a single run and is not safe for
// concurrent tool execution.
type Toolset struct {
	datasets *dataset.Registry
	engine   *query.Engine
	uploads  *dataset.UploadStore

	lastTable *query.Table
	tables    []*query.Table
	charts    []*plot.Chart
}

// maxKeptTables bounds how many query results a run retains for the
// response payload.
const maxKeptTables = 5

// NewToolset builds the tool state for one analysis run.
func NewToolset(datasets *dataset.Registry, engine *query.Engine, uploads *dataset.UploadStore) *Toolset {
	return &Toolset{
		datasets: datasets,
		engine:   engine,
		uploads:  uploads,
	}
}

// Register adds every tool to the registry.
func (ts *Toolset) Register(reg *Registry) error {
	tools := []Tool{
		&createDatasetTool{ts: ts},
		&getSchemaTool{ts: ts},
		&sampleRowsTool{ts: ts},
		&runQueryTool{ts: ts},
		&plotTool{ts: ts},
		&resolveFieldsTool{ts: ts},
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Tables returns the retained query results, oldest first.
func (ts *Toolset) Tables() []*query.Table {
	return ts.tables
}

// Charts returns the charts produced during the run.
func (ts *Toolset) Charts() []*plot.Chart {
	return ts.charts
}

func (ts *Toolset) keepTable(table *query.Table) {
	ts.lastTable = table
	ts.tables = append(ts.tables, table)
	if len(ts.tables) > maxKeptTables {
		ts.tables = ts.tables[len(ts.tables)-maxKeptTables:]
	}
}

// ---- create_dataset ----

type createDatasetTool struct {
	ts *Toolset
}

const createDatasetSchema = `{
  "type": "object",
  "properties": {
    "file_id": {"type": "string", "description": "ID of a previously uploaded file"},
    "header_row": {"type": "integer", "minimum": 0, "description": "Zero-based row index holding column names"},
    "sheet": {"type": "string", "description": "Sheet name for spreadsheet files"}
  },
  "required": ["file_id"],
  "additionalProperties": false
}`

func (t *createDatasetTool) Name() string { return "create_dataset" }

func (t *createDatasetTool) Description() string {
	return "Load an uploaded file into a queryable dataset. Returns the dataset ID and inferred schema."
}

func (t *createDatasetTool) Schema() json.RawMessage {
	return json.RawMessage(createDatasetSchema)
}

func (t *createDatasetTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		FileID    string `json:"file_id"`
		HeaderRow int    `json:"header_row"`
		Sheet     string `json:"sheet"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, &ToolError{Code: CodeBadToolArgs, Message: err.Error()}
	}

	f, err := t.ts.uploads.Open(req.FileID)
	if err != nil {
		return nil, &ToolError{Code: CodeBadToolArgs, Message: fmt.Sprintf("file %q not found", req.FileID)}
	}
	defer f.Close()

	ds, err := t.ts.datasets.CreateFromCSV(ctx, f, dataset.IngestOptions{
		HeaderRow: req.HeaderRow,
		Sheet:     req.Sheet,
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// ---- get_schema ----

type getSchemaTool struct {
	ts *Toolset
}

const getSchemaSchema = `{
  "type": "object",
  "properties": {
    "dataset_id": {"type": "string"}
  },
  "required": ["dataset_id"],
  "additionalProperties": false
}`

func (t *getSchemaTool) Name() string { return "get_schema" }

func (t *getSchemaTool) Description() string {
	return "Return the column names, types, and summary statistics for a dataset. Call this before writing queries."
}

func (t *getSchemaTool) Schema() json.RawMessage {
	return json.RawMessage(getSchemaSchema)
}

func (t *getSchemaTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, &ToolError{Code: CodeBadToolArgs, Message: err.Error()}
	}
	return t.ts.datasets.Get(req.DatasetID)
}

// ---- sample_rows ----

type sampleRowsTool struct {
	ts *Toolset
}

const sampleRowsSchema = `{
  "type": "object",
  "properties": {
    "dataset_id": {"type": "string"},
    "n": {"type": "integer", "minimum": 1, "description": "Number of rows, capped at 100"},
    "columns": {"type": "array", "items": {"type": "string"}, "description": "Optional column projection"}
  },
  "required": ["dataset_id"],
  "additionalProperties": false
}`

func (t *sampleRowsTool) Name() string { return "sample_rows" }

func (t *sampleRowsTool) Description() string {
	return "Return up to 100 example rows from a dataset, optionally projected to named columns. The same call always returns the same rows."
}

func (t *sampleRowsTool) Schema() json.RawMessage {
	return json.RawMessage(sampleRowsSchema)
}

func (t *sampleRowsTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		DatasetID string   `json:"dataset_id"`
		N         int      `json:"n"`
		Columns   []string `json:"columns"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, &ToolError{Code: CodeBadToolArgs, Message: err.Error()}
	}
	if req.N <= 0 {
		req.N = 10
	}
	return t.ts.datasets.SampleRows(ctx, req.DatasetID, req.N, req.Columns)
}

// ---- run_query ----

type runQueryTool struct {
	ts *Toolset
}

const runQuerySchema = `{
  "type": "object",
  "properties": {
    "dataset_id": {"type": "string"},
    "filters": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "col": {"type": "string"},
          "op": {"type": "string", "enum": ["=", "!=", ">", ">=", "<", "<=", "in", "between", "contains", "is_null"]},
          "value": {}
        },
        "required": ["col", "op"],
        "additionalProperties": false
      }
    },
    "group_by": {"type": "array", "items": {"type": "string"}},
    "aggregations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "as": {"type": "string"},
          "agg": {"type": "string", "enum": ["sum", "avg", "min", "max", "count", "nunique"]},
          "col": {"type": "string"}
        },
        "required": ["as", "agg", "col"],
        "additionalProperties": false
      }
    },
    "derived": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "as": {"type": "string"},
          "expr": {"type": "string", "description": "Arithmetic over aggregation aliases, e.g. good / nullif(total, 0)"}
        },
        "required": ["as", "expr"],
        "additionalProperties": false
      }
    },
    "sort": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "col": {"type": "string"},
          "dir": {"type": "string", "enum": ["asc", "desc"]}
        },
        "required": ["col", "dir"],
        "additionalProperties": false
      }
    },
    "limit": {"type": "integer"}
  },
  "required": ["dataset_id"],
  "additionalProperties": false
}`

func (t *runQueryTool) Name() string { return "run_query" }

func (t *runQueryTool) Description() string {
	return "Run a structured query against a dataset. All computation happens here; never compute numbers yourself. Omit group_by and aggregations to retrieve raw rows."
}

func (t *runQueryTool) Schema() json.RawMessage {
	return json.RawMessage(runQuerySchema)
}

func (t *runQueryTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var spec query.Spec
	if err := json.Unmarshal(args, &spec); err != nil {
		return nil, &ToolError{Code: CodeBadToolArgs, Message: err.Error()}
	}

	table, err := t.ts.engine.Run(ctx, &spec)
	if err != nil {
		return nil, err
	}
	t.ts.keepTable(table)
	return table, nil
}

// ---- plot ----

type plotTool struct {
	ts *Toolset
}

const plotSchema = `{
  "type": "object",
  "properties": {
    "chart_type": {"type": "string", "enum": ["line", "bar", "pie", "scatter", "area"]},
    "title": {"type": "string"},
    "x": {"type": "string", "description": "Column of the last query result to use for the x axis"},
    "y": {"type": "string", "description": "Column of the last query result to use for the y axis"},
    "series": {"type": "string", "description": "Optional column to split into one series per distinct value"},
    "y_format": {"type": "string", "enum": ["plain", "percent"]}
  },
  "required": ["chart_type", "x", "y"],
  "additionalProperties": false
}`

func (t *plotTool) Name() string { return "plot" }

func (t *plotTool) Description() string {
	return "Render the most recent run_query result as a chart. Call run_query first to produce the data to plot."
}

func (t *plotTool) Schema() json.RawMessage {
	return json.RawMessage(plotSchema)
}

func (t *plotTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var spec plot.Spec
	if err := json.Unmarshal(args, &spec); err != nil {
		return nil, &ToolError{Code: CodeBadToolArgs, Message: err.Error()}
	}

	if t.ts.lastTable == nil {
		return nil, &plot.Error{Reason: "no query result to plot; call run_query first"}
	}

	chart, err := plot.Normalise(t.ts.lastTable, &spec)
	if err != nil {
		return nil, err
	}
	t.ts.charts = append(t.ts.charts, chart)
	return chart, nil
}

// ---- resolve_fields ----

type resolveFieldsTool struct {
	ts *Toolset
}

const resolveFieldsSchema = `{
  "type": "object",
  "properties": {
    "dataset_id": {"type": "string"},
    "terms": {"type": "array", "items": {"type": "string"}, "minItems": 1, "description": "User phrases to map onto column names"}
  },
  "required": ["dataset_id", "terms"],
  "additionalProperties": false
}`

// fieldCandidates caps suggestions per term.
const fieldCandidates = 5

func (t *resolveFieldsTool) Name() string { return "resolve_fields" }

func (t *resolveFieldsTool) Description() string {
	return "Map vague user phrases to actual column names. Use when the question mentions a field that does not exactly match the schema."
}

func (t *resolveFieldsTool) Schema() json.RawMessage {
	return json.RawMessage(resolveFieldsSchema)
}

func (t *resolveFieldsTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		DatasetID string   `json:"dataset_id"`
		Terms     []string `json:"terms"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, &ToolError{Code: CodeBadToolArgs, Message: err.Error()}
	}

	ds, err := t.ts.datasets.Get(req.DatasetID)
	if err != nil {
		return nil, err
	}

	// mapped_columns is the union of matched columns in term order;
	// suggestions breaks the candidates down per term.
	mapped := []string{}
	seen := make(map[string]bool)
	suggestions := make(map[string][]string, len(req.Terms))
	for _, term := range req.Terms {
		candidates := candidateColumns(term, ds.ColumnNames())
		suggestions[term] = candidates
		for _, col := range candidates {
			if !seen[col] {
				seen[col] = true
				mapped = append(mapped, col)
			}
		}
	}
	return map[string]any{"mapped_columns": mapped, "suggestions": suggestions}, nil
}

// candidateColumns returns up to fieldCandidates column names related to
// the term. A column matches when either string contains the other,
// compared case-insensitively and with separators stripped.
func candidateColumns(term string, columns []string) []string {
	needle := foldName(term)
	if needle == "" {
		return nil
	}

	var exact, partial []string
	for _, col := range columns {
		hay := foldName(col)
		switch {
		case hay == needle:
			exact = append(exact, col)
		case strings.Contains(hay, needle) || strings.Contains(needle, hay):
			partial = append(partial, col)
		}
	}
	sort.Strings(exact)
	sort.Strings(partial)
	out := append(exact, partial...)
	if len(out) > fieldCandidates {
		out = out[:fieldCandidates]
	}
	return out
}

func foldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}
