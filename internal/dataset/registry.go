package dataset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/datalens/internal/observability"
)

// Sentinel errors surfaced to callers; the tool executor maps them onto the
// public error taxonomy.
var (
	ErrNotFound       = errors.New("dataset not found")
	ErrColumnNotFound = errors.New("column not found")
)

// ColumnType classifies a dataset column.
type ColumnType string

const (
	TypeInt      ColumnType = "int"
	TypeFloat    ColumnType = "float"
	TypeString   ColumnType = "string"
	TypeDate     ColumnType = "date"
	TypeDatetime ColumnType = "datetime"
	TypeBool     ColumnType = "bool"
)

// IsNumeric reports whether the type supports sum/avg aggregation.
func (t ColumnType) IsNumeric() bool {
	return t == TypeInt || t == TypeFloat
}

// Column describes one column of a registered dataset. Immutable once
// published.
type Column struct {
	Name          string     `json:"name"`
	Type          ColumnType `json:"type"`
	NullRatio     float64    `json:"null_ratio"`
	ExampleValues []any      `json:"example_values"`
	UniqueCount   int64      `json:"unique_count"`
	Min           any        `json:"min,omitempty"`
	Max           any        `json:"max,omitempty"`
}

// Dataset is a registered table plus its schema and summary stats.
type Dataset struct {
	ID        string    `json:"dataset_id"`
	Table     string    `json:"-"`
	Columns   []Column  `json:"columns"`
	RowCount  int64     `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Column returns the named column, or nil if absent. Matching is exact.
func (d *Dataset) Column(name string) *Column {
	for i := range d.Columns {
		if d.Columns[i].Name == name {
			return &d.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the schema's column names in declaration order.
func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// MaxSampleRows caps any single sample request.
const MaxSampleRows = 100

// Registry maps dataset IDs to stored tables. Reads dominate; Register and
// Delete take the write lock only for the map update.
type Registry struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
	store    *Store
	ttl      time.Duration
	logger   *observability.Logger
}

// NewRegistry creates a registry over the given store. A zero ttl disables
// dataset expiry.
func NewRegistry(store *Store, ttl time.Duration, logger *observability.Logger) *Registry {
	return &Registry{
		datasets: make(map[string]*Dataset),
		store:    store,
		ttl:      ttl,
		logger:   logger,
	}
}

// Register records an already-created table under a fresh dataset ID.
func (r *Registry) Register(table string, columns []Column, rowCount int64) *Dataset {
	ds := &Dataset{
		ID:        newDatasetID(),
		Table:     table,
		Columns:   columns,
		RowCount:  rowCount,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.datasets[ds.ID] = ds
	r.mu.Unlock()

	return ds
}

func newDatasetID() string {
	return "ds_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Get returns the dataset for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Dataset, error) {
	r.mu.RLock()
	ds, ok := r.datasets[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ds, nil
}

// Exists reports whether the dataset ID is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	_, ok := r.datasets[id]
	r.mu.RUnlock()
	return ok
}

// Sample is a deterministic prefix of a dataset's rows.
type Sample struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// SampleRows returns the first n rows of the dataset, optionally projected
// to the named columns. The prefix is ordered by insertion so repeated calls
// return identical rows.
func (r *Registry) SampleRows(ctx context.Context, id string, n int, columns []string) (*Sample, error) {
	ds, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	if n <= 0 || n > MaxSampleRows {
		n = MaxSampleRows
	}

	if len(columns) == 0 {
		columns = ds.ColumnNames()
	} else {
		for _, c := range columns {
			if ds.Column(c) == nil {
				return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, c)
			}
		}
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = QuoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid LIMIT %d",
		strings.Join(quoted, ", "), QuoteIdent(ds.Table), n)

	rows, err := r.store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", id, err)
	}
	defer rows.Close()

	sample := &Sample{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sample %s: %w", id, err)
		}
		sample.Rows = append(sample.Rows, normalizeRow(values))
	}
	return sample, rows.Err()
}

// normalizeRow converts driver byte slices to strings for JSON encoding.
func normalizeRow(values []any) []any {
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values
}

// Delete drops the dataset's table and unregisters it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	ds, err := r.Get(id)
	if err != nil {
		return err
	}

	if _, err := r.store.DB().ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(ds.Table)); err != nil {
		return fmt.Errorf("drop %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.datasets, id)
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info(ctx, "dataset deleted", "dataset_id", id)
	}
	return nil
}

// StartJanitor launches a background loop that drops expired datasets every
// interval. It exits when ctx is cancelled. No-op when expiry is disabled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if r.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.RLock()
	var expired []string
	for id, ds := range r.datasets {
		if ds.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if err := r.Delete(ctx, id); err != nil && r.logger != nil {
			r.logger.Warn(ctx, "janitor failed to drop dataset", "dataset_id", id, "error", err.Error())
		}
	}
}

// List returns the registered dataset IDs. Mostly for diagnostics.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.datasets))
	for id := range r.datasets {
		ids = append(ids, id)
	}
	return ids
}
