package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/observability"
	"github.com/haasonsaas/datalens/internal/query"
)

// ToolResult is the outcome of one tool call, fed back to the model and
// surfaced in the event stream.
type ToolResult struct {
	CallID    string     `json:"call_id"`
	ToolName  string     `json:"tool_name"`
	Success   bool       `json:"success"`
	Payload   any        `json:"payload,omitempty"`
	Error     *ToolError `json:"error,omitempty"`
	LatencyMS int64      `json:"latency_ms"`
}

// LLMContent renders the result as the text block returned to the model.
// Errors are rendered with their code so the model can decide whether to
// retry with corrected arguments.
func (r *ToolResult) LLMContent() string {
	if !r.Success {
		return fmt.Sprintf("Error [%s]: %s", r.Error.Code, r.Error.Message)
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Sprintf("Error [%s]: result could not be serialized: %v", CodeQueryFailed, err)
	}
	return string(payload)
}

// Executor validates and dispatches tool calls, recording each step on
// the trace.
type Executor struct {
	registry *Registry
	trace    *Trace
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   *observability.Logger
	tracer   *observability.Tracer
}

// NewExecutor wires an executor for one analysis run. timeout bounds a
// single tool execution; zero means no per-tool bound beyond the caller's
// context.
func NewExecutor(registry *Registry, trace *Trace, timeout time.Duration, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer) *Executor {
	return &Executor{
		registry: registry,
		trace:    trace,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger,
		tracer:   tracer,
	}
}

// Execute runs a single tool call. The returned result is never nil;
// failures are encoded in it rather than returned as an error, so the
// loop can hand them back to the model.
func (e *Executor) Execute(ctx context.Context, stepIndex int, call *ToolCall) *ToolResult {
	started := time.Now()

	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	result := e.execute(ctx, call)
	result.LatencyMS = time.Since(started).Milliseconds()
	span.SetAttributes(attribute.Bool("tool.success", result.Success),
		attribute.Int64("tool.latency_ms", result.LatencyMS))

	status := "success"
	var errCode Code
	if !result.Success {
		status = "error"
		errCode = result.Error.Code
		e.tracer.RecordError(span, result.Error)
		e.metrics.ErrorCounter.WithLabelValues("tool", string(errCode)).Inc()
		e.logger.Warn(ctx, "tool call failed",
			"tool", call.Name,
			"code", string(errCode),
			"error", result.Error.Message,
			"latency_ms", result.LatencyMS,
		)
	} else {
		e.logger.Debug(ctx, "tool call completed",
			"tool", call.Name,
			"latency_ms", result.LatencyMS,
		)
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
	e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(started).Seconds())

	e.trace.Append(TraceStep{
		StepIndex:  stepIndex,
		ToolName:   call.Name,
		ArgsDigest: DigestArgs(call.Args),
		LatencyMS:  result.LatencyMS,
		RowCount:   resultRowCount(result.Payload),
		Success:    result.Success,
		ErrorCode:  errCode,
	})
	return result
}

func (e *Executor) execute(ctx context.Context, call *ToolCall) *ToolResult {
	result := &ToolResult{CallID: call.ID, ToolName: call.Name}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		result.Error = &ToolError{Code: CodeUnknownTool, Message: fmt.Sprintf("unknown tool %q", call.Name)}
		return result
	}

	if err := e.registry.ValidateArgs(call.Name, call.Args); err != nil {
		result.Error = ClassifyToolError(err)
		return result
	}

	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := tool.Execute(execCtx, call.Args)
	if err != nil {
		result.Error = ClassifyToolError(err)
		return result
	}

	result.Success = true
	result.Payload = payload
	return result
}

// resultRowCount extracts a row count from payloads that carry one.
func resultRowCount(payload any) *int {
	switch p := payload.(type) {
	case *query.Table:
		n := p.RowCount
		return &n
	case *dataset.Sample:
		n := len(p.Rows)
		return &n
	}
	return nil
}
