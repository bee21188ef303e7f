package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/plot"
	"github.com/haasonsaas/datalens/internal/query"
)

// Code is a stable error identifier surfaced to clients and, as a tool
// error, to the LLM.
type Code string

const (
	CodeBadSpec         Code = "BAD_SPEC"
	CodeBadPlot         Code = "BAD_PLOT"
	CodeColumnNotFound  Code = "COLUMN_NOT_FOUND"
	CodeDatasetNotFound Code = "DATASET_NOT_FOUND"
	CodeUnknownTool     Code = "UNKNOWN_TOOL"
	CodeBadToolArgs     Code = "BAD_TOOL_ARGS"
	CodeQueryFailed     Code = "QUERY_FAILED"
	CodeQueryTimeout    Code = "QUERY_TIMEOUT"
	CodeLLMError        Code = "LLM_ERROR"
	CodeLLMRateLimited  Code = "LLM_RATE_LIMITED"
	CodeBudgetExhausted Code = "BUDGET_EXHAUSTED"
	CodeCancelled       Code = "CANCELLED"
)

// Recoverable reports whether the LLM may self-correct after seeing this
// code as a tool result. Non-recoverable codes terminate the loop.
func (c Code) Recoverable() bool {
	switch c {
	case CodeBadSpec, CodeBadPlot, CodeBadToolArgs, CodeQueryFailed,
		CodeQueryTimeout, CodeColumnNotFound:
		return true
	}
	return false
}

// ToolError is a structured tool failure handed back to the LLM.
type ToolError struct {
	Code      Code   `json:"error_code"`
	Message   string `json:"message"`
	FieldPath string `json:"field_path,omitempty"`
}

func (e *ToolError) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.FieldPath, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrRateLimited marks provider 429 responses after retries are exhausted.
var ErrRateLimited = errors.New("llm provider rate limited")

// ClassifyToolError maps backend failures onto the taxonomy. Unrecognized
// errors become QUERY_FAILED, the catch-all for execution faults.
func ClassifyToolError(err error) *ToolError {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}

	var specErr *query.SpecError
	if errors.As(err, &specErr) {
		return &ToolError{Code: CodeBadSpec, Message: specErr.Reason, FieldPath: specErr.FieldPath}
	}

	var plotErr *plot.Error
	if errors.As(err, &plotErr) {
		return &ToolError{Code: CodeBadPlot, Message: plotErr.Reason}
	}

	switch {
	case errors.Is(err, dataset.ErrNotFound):
		return &ToolError{Code: CodeDatasetNotFound, Message: err.Error()}
	case errors.Is(err, dataset.ErrColumnNotFound):
		return &ToolError{Code: CodeColumnNotFound, Message: err.Error()}
	case errors.Is(err, query.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Code: CodeQueryTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &ToolError{Code: CodeCancelled, Message: "analysis cancelled"}
	}

	return &ToolError{Code: CodeQueryFailed, Message: err.Error()}
}
