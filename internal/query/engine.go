package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/observability"
)

// ErrTimeout marks a query cut off by the statement timeout, as opposed to
// the caller's own cancellation.
var ErrTimeout = errors.New("query timed out")

// Table is the result of one executed QuerySpec.
type Table struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// Config bounds query execution.
type Config struct {
	// MaxRows caps rows per query; specs are clamped to it.
	MaxRows int
	// Timeout is the per-statement execution deadline.
	Timeout time.Duration
	// CacheSize and CacheTTL tune the result cache; a zero size disables it.
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns the production execution bounds.
func DefaultConfig() Config {
	return Config{
		MaxRows:   10000,
		Timeout:   30 * time.Second,
		CacheSize: 100,
		CacheTTL:  5 * time.Minute,
	}
}

// Engine compiles and executes QuerySpecs over the registry's store.
type Engine struct {
	registry *dataset.Registry
	store    *dataset.Store
	cache    *resultCache
	config   Config
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewEngine creates a query engine. metrics and logger may be nil in tests.
func NewEngine(store *dataset.Store, registry *dataset.Registry, config Config, metrics *observability.Metrics, logger *observability.Logger) *Engine {
	var cache *resultCache
	if config.CacheSize > 0 {
		cache = newResultCache(config.CacheSize, config.CacheTTL)
	}
	return &Engine{
		registry: registry,
		store:    store,
		cache:    cache,
		config:   config,
		metrics:  metrics,
		logger:   logger,
	}
}

// MaxRows exposes the engine's row cap for tool schema construction.
func (e *Engine) MaxRows() int {
	return e.config.MaxRows
}

// Run validates, compiles, and executes a spec. Errors are one of:
// dataset.ErrNotFound, *SpecError, ErrTimeout, the caller's context error,
// or a wrapped execution failure.
func (e *Engine) Run(ctx context.Context, spec *Spec) (*Table, error) {
	ds, err := e.registry.Get(spec.DatasetID)
	if err != nil {
		return nil, err
	}

	stmt, specErr := Compile(spec, ds, e.config.MaxRows)
	if specErr != nil {
		return nil, specErr
	}

	key := cacheKey(spec)
	if table, ok := e.cache.get(key); ok {
		e.countCache("hit")
		return table, nil
	}
	e.countCache("miss")

	table, err := e.execute(ctx, stmt)
	if err != nil {
		return nil, err
	}

	e.cache.put(key, table)

	if e.metrics != nil {
		e.metrics.QueryRows.Observe(float64(table.RowCount))
	}
	if e.logger != nil {
		e.logger.Debug(ctx, "query executed",
			"dataset_id", spec.DatasetID, "rows", table.RowCount, "truncated", table.Truncated)
	}
	return table, nil
}

func (e *Engine) execute(ctx context.Context, stmt *Statement) (*Table, error) {
	qctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	start := time.Now()
	rows, err := e.store.DB().QueryContext(qctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, e.classify(ctx, qctx, err)
	}
	defer rows.Close()

	table := &Table{Columns: stmt.Columns}
	for rows.Next() {
		if len(table.Rows) == stmt.Limit {
			// The probe row arrived: the full result exceeds the cap.
			table.Truncated = true
			break
		}
		values := make([]any, len(stmt.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, e.classify(ctx, qctx, err)
	}

	table.RowCount = len(table.Rows)

	if e.metrics != nil {
		e.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}
	return table, nil
}

// classify separates the statement timeout from the caller's cancellation
// and from genuine execution failures.
func (e *Engine) classify(ctx, qctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v", ErrTimeout, e.config.Timeout)
	}
	return fmt.Errorf("query execution: %w", err)
}

func (e *Engine) countCache(result string) {
	if e.metrics != nil {
		e.metrics.QueryCacheCounter.WithLabelValues(result).Inc()
	}
}
