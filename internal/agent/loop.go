package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/observability"
	"github.com/haasonsaas/datalens/internal/plot"
	"github.com/haasonsaas/datalens/internal/query"
)

// Event types emitted on the analysis stream.
const (
	EventStart       = "start"
	EventStepStart   = "step_start"
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventAnswerChunk = "answer_chunk"
	EventHeartbeat   = "heartbeat"
	EventComplete    = "complete"
	EventError       = "error"
)

// Event is one frame of the analysis stream.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// LLMOptions selects and credentials the provider for one run. The API key
// is held only for adapter construction and never written to logs or traces.
type LLMOptions struct {
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"`
}

// AnalysisRequest describes one analysis run.
type AnalysisRequest struct {
	Question  string     `json:"question"`
	DatasetID string     `json:"dataset_id"`
	LLM       LLMOptions `json:"llm_config"`
}

// AnalysisResult is the payload of the terminal complete event. ErrorCode
// is set alongside Partial when a budget cut the run short.
type AnalysisResult struct {
	Answer    string         `json:"answer"`
	Tables    []*query.Table `json:"tables,omitempty"`
	Charts    []*plot.Chart  `json:"charts,omitempty"`
	Trace     *Summary       `json:"trace"`
	Partial   bool           `json:"partial,omitempty"`
	ErrorCode Code           `json:"error_code,omitempty"`
}

// RunnerConfig bounds one analysis run.
type RunnerConfig struct {
	MaxSteps          int
	Deadline          time.Duration
	ToolTimeout       time.Duration
	CostCeilingUSD    float64
	HeartbeatInterval time.Duration
	DefaultProvider   string
	DefaultModel      string

	// ProviderFactory builds an adapter for requests that carry their own
	// credentials or base URL. Nil disables per-request credentials.
	ProviderFactory func(LLMOptions) (Provider, error)
}

// DefaultRunnerConfig returns the standard run budgets.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxSteps:          8,
		Deadline:          60 * time.Second,
		ToolTimeout:       30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DefaultProvider:   "openai",
		DefaultModel:      "gpt-4o",
	}
}

// maxConsecutiveFailures caps repeated failures of the same tool before
// the loop gives up on it and answers with what it has.
const maxConsecutiveFailures = 2

// Runner drives the tool-calling loop between the model and the tools.
type Runner struct {
	providers map[string]Provider
	datasets  *dataset.Registry
	engine    *query.Engine
	uploads   *dataset.UploadStore
	config    RunnerConfig
	metrics   *observability.Metrics
	logger    *observability.Logger
	tracer    *observability.Tracer
}

// NewRunner wires a runner over the given providers and tool backends.
func NewRunner(providers map[string]Provider, datasets *dataset.Registry, engine *query.Engine, uploads *dataset.UploadStore, config RunnerConfig, metrics *observability.Metrics, logger *observability.Logger, tracer *observability.Tracer) *Runner {
	return &Runner{
		providers: providers,
		datasets:  datasets,
		engine:    engine,
		uploads:   uploads,
		config:    config,
		metrics:   metrics,
		logger:    logger,
		tracer:    tracer,
	}
}

// Run starts an analysis and returns its event stream. The channel is
// closed after the terminal complete or error event. Cancelling ctx stops
// the run.
func (r *Runner) Run(ctx context.Context, req *AnalysisRequest) (<-chan *Event, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("question is required")
	}
	if req.DatasetID != "" && !r.datasets.Exists(req.DatasetID) {
		return nil, &ToolError{Code: CodeDatasetNotFound, Message: fmt.Sprintf("dataset %q not found", req.DatasetID)}
	}

	providerName := req.LLM.Provider
	if providerName == "" {
		providerName = r.config.DefaultProvider
	}

	var provider Provider
	if req.LLM.APIKey != "" || req.LLM.BaseURL != "" {
		if r.config.ProviderFactory == nil {
			return nil, fmt.Errorf("per-request llm credentials are not enabled")
		}
		opts := req.LLM
		opts.Provider = providerName
		var err error
		provider, err = r.config.ProviderFactory(opts)
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		provider, ok = r.providers[providerName]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", providerName)
		}
	}

	model := req.LLM.Model
	if model == "" {
		model = r.config.DefaultModel
	}

	events := make(chan *Event, 64)
	go r.run(ctx, provider, model, req, events)
	return events, nil
}

type runState struct {
	ctx      context.Context // caller's context, used for emission
	events   chan<- *Event
	trace    *Trace
	toolset  *Toolset
	executor *Executor
	model    string
	provider Provider

	messages []CompletionMessage
	decls    []ToolDecl

	// failures counts consecutive failed calls per tool, reset on success.
	failures map[string]int
}

func (r *Runner) run(ctx context.Context, provider Provider, model string, req *AnalysisRequest, events chan<- *Event) {
	r.metrics.ActiveAnalyses.Inc()
	defer r.metrics.ActiveAnalyses.Dec()

	trace := NewTrace()
	ctx = observability.WithTraceID(ctx, trace.ID())

	toolset := NewToolset(r.datasets, r.engine, r.uploads)
	registry := NewRegistry()
	if err := toolset.Register(registry); err != nil {
		r.emit(ctx, events, &Event{Type: EventError, Payload: map[string]any{
			"code": CodeQueryFailed, "message": err.Error(), "trace_id": trace.ID(),
		}})
		close(events)
		return
	}

	st := &runState{
		ctx:      ctx,
		events:   events,
		trace:    trace,
		toolset:  toolset,
		executor: NewExecutor(registry, trace, r.config.ToolTimeout, r.metrics, r.logger, r.tracer),
		model:    model,
		provider: provider,
		decls:    registry.Decls(),
		failures: make(map[string]int),
	}
	st.messages = []CompletionMessage{{Role: RoleUser, Content: r.initialPrompt(req)}}

	stopHB := r.startHeartbeat(ctx, events)
	defer func() {
		stopHB()
		close(events)
	}()

	r.emit(ctx, events, &Event{Type: EventStart, Payload: map[string]any{
		"trace_id": trace.ID(),
		"question": req.Question,
	}})
	r.logger.Info(ctx, "analysis started", "provider", provider.Name(), "model", model)

	workCtx, cancel := context.WithTimeout(ctx, r.config.Deadline)
	defer cancel()

	r.loop(workCtx, st)
}

// loop runs LLM turns until a terminal condition. workCtx carries the
// run deadline; st.ctx is the caller's context and outlives it, so the
// budget-exhausted path can still emit a partial answer.
func (r *Runner) loop(workCtx context.Context, st *runState) {
	for step := 1; step <= r.config.MaxSteps; step++ {
		r.emit(st.ctx, st.events, &Event{Type: EventStepStart, Payload: map[string]any{
			"step":      step,
			"max_steps": r.config.MaxSteps,
		}})

		turn, err := r.completeTurn(workCtx, st)
		if err != nil {
			if st.ctx.Err() != nil {
				r.finishError(st, CodeCancelled, "analysis cancelled by client")
				return
			}
			if errors.Is(workCtx.Err(), context.DeadlineExceeded) {
				r.finishPartial(st, "the time budget ran out")
				return
			}
			code := CodeLLMError
			if errors.Is(err, ErrRateLimited) {
				code = CodeLLMRateLimited
			}
			r.metrics.ErrorCounter.WithLabelValues("provider", string(code)).Inc()
			r.finishError(st, code, err.Error())
			return
		}

		if len(turn.toolCalls) == 0 {
			r.finishAnswer(st, turn.textPieces)
			return
		}

		// Tool text preceding calls is the model's working narration;
		// keep it in history but do not stream it as answer text.
		st.messages = append(st.messages, CompletionMessage{
			Role:      RoleAssistant,
			Content:   strings.Join(turn.textPieces, ""),
			ToolCalls: turn.toolCalls,
		})

		for i := range turn.toolCalls {
			call := &turn.toolCalls[i]
			r.emit(st.ctx, st.events, &Event{Type: EventToolCall, Payload: map[string]any{
				"step":        step,
				"tool":        call.Name,
				"args_digest": DigestArgs(call.Args),
			}})

			result := st.executor.Execute(workCtx, step, call)

			payload := map[string]any{
				"step":       step,
				"tool":       call.Name,
				"success":    result.Success,
				"latency_ms": result.LatencyMS,
			}
			if result.Error != nil {
				payload["error_code"] = result.Error.Code
				payload["error"] = result.Error.Message
			}
			if table, ok := result.Payload.(*query.Table); ok {
				payload["row_count"] = table.RowCount
				payload["truncated"] = table.Truncated
			}
			r.emit(st.ctx, st.events, &Event{Type: EventToolResult, Payload: payload})

			st.messages = append(st.messages, CompletionMessage{
				Role:       RoleTool,
				Content:    result.LLMContent(),
				ToolCallID: call.ID,
				IsError:    !result.Success,
			})

			if result.Success {
				st.failures[call.Name] = 0
				continue
			}
			if !result.Error.Code.Recoverable() {
				r.finishError(st, result.Error.Code, result.Error.Message)
				return
			}
			st.failures[call.Name]++
			if st.failures[call.Name] >= maxConsecutiveFailures {
				r.finishPartial(st, fmt.Sprintf("repeated %s failures exhausted the retry allowance", call.Name))
				return
			}
		}

		if r.config.CostCeilingUSD > 0 && st.trace.CostUSD() >= r.config.CostCeilingUSD {
			r.finishPartial(st, "the spend ceiling was reached")
			return
		}
		if workCtx.Err() != nil {
			if st.ctx.Err() != nil {
				r.finishError(st, CodeCancelled, "analysis cancelled by client")
			} else {
				r.finishPartial(st, "the time budget ran out")
			}
			return
		}
	}
	r.finishPartial(st, "the step budget ran out")
}

type turnOutput struct {
	textPieces []string
	toolCalls  []ToolCall
}

// completeTurn streams one model turn to completion, accumulating text
// and tool calls and charging usage to the trace.
func (r *Runner) completeTurn(ctx context.Context, st *runState) (*turnOutput, error) {
	started := time.Now()
	ctx, span := r.tracer.TraceLLMTurn(ctx, st.provider.Name(), st.model)
	defer span.End()

	stream, err := st.provider.Complete(ctx, &CompletionRequest{
		Model:    st.model,
		System:   SystemPrompt(),
		Messages: st.messages,
		Tools:    st.decls,
	})
	if err != nil {
		r.tracer.RecordError(span, err)
		r.metrics.LLMRequestCounter.WithLabelValues(st.provider.Name(), st.model, "error").Inc()
		return nil, err
	}

	out := &turnOutput{}
	var inputTokens, outputTokens int
	for chunk := range stream {
		if chunk.Err != nil {
			r.tracer.RecordError(span, chunk.Err)
			r.metrics.LLMRequestCounter.WithLabelValues(st.provider.Name(), st.model, "error").Inc()
			return nil, chunk.Err
		}
		if chunk.Text != "" {
			out.textPieces = append(out.textPieces, chunk.Text)
		}
		if chunk.ToolCall != nil {
			out.toolCalls = append(out.toolCalls, *chunk.ToolCall)
		}
		inputTokens += chunk.InputTokens
		outputTokens += chunk.OutputTokens
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", inputTokens),
		attribute.Int("llm.output_tokens", outputTokens),
	)
	r.metrics.LLMRequestCounter.WithLabelValues(st.provider.Name(), st.model, "success").Inc()
	r.metrics.LLMRequestDuration.WithLabelValues(st.provider.Name(), st.model).Observe(time.Since(started).Seconds())
	r.metrics.LLMTokensUsed.WithLabelValues(st.provider.Name(), st.model, "input").Add(float64(inputTokens))
	r.metrics.LLMTokensUsed.WithLabelValues(st.provider.Name(), st.model, "output").Add(float64(outputTokens))

	cost, known := CostUSD(st.model, inputTokens, outputTokens)
	st.trace.AddUsage(inputTokens, outputTokens, cost, known)
	return out, nil
}

// finishAnswer streams the model's final text and emits the complete event.
func (r *Runner) finishAnswer(st *runState, pieces []string) {
	for _, piece := range pieces {
		r.emit(st.ctx, st.events, &Event{Type: EventAnswerChunk, Payload: map[string]any{"text": piece}})
	}
	r.emitComplete(st, strings.Join(pieces, ""), false)
	r.logger.Info(st.ctx, "analysis complete", "steps", len(st.trace.Summary().Steps))
}

// finishPartial answers from accumulated evidence when a budget runs out.
func (r *Runner) finishPartial(st *runState, reason string) {
	r.metrics.ErrorCounter.WithLabelValues("loop", string(CodeBudgetExhausted)).Inc()

	summary := st.trace.Summary()
	var b strings.Builder
	fmt.Fprintf(&b, "The analysis stopped early because %s. ", reason)
	completed := 0
	for _, step := range summary.Steps {
		if step.Success {
			completed++
		}
	}
	fmt.Fprintf(&b, "%d of %d tool calls completed.", completed, len(summary.Steps))
	if n := len(st.toolset.Tables()); n > 0 {
		last := st.toolset.Tables()[n-1]
		fmt.Fprintf(&b, " The most recent query returned %d rows; see the attached tables for the partial findings.", last.RowCount)
	} else {
		b.WriteString(" No query results were produced, so no findings are available.")
	}

	answer := b.String()
	r.emit(st.ctx, st.events, &Event{Type: EventAnswerChunk, Payload: map[string]any{"text": answer}})
	r.emitComplete(st, answer, true)
	r.logger.Warn(st.ctx, "analysis stopped early", "reason", reason)
}

func (r *Runner) emitComplete(st *runState, answer string, partial bool) {
	result := &AnalysisResult{
		Answer:  answer,
		Tables:  st.toolset.Tables(),
		Charts:  st.toolset.Charts(),
		Trace:   st.trace.Summary(),
		Partial: partial,
	}
	if partial {
		result.ErrorCode = CodeBudgetExhausted
	}
	r.emit(st.ctx, st.events, &Event{Type: EventComplete, Payload: result})
}

// finishError emits the terminal error event for unrecoverable failures.
func (r *Runner) finishError(st *runState, code Code, message string) {
	r.metrics.ErrorCounter.WithLabelValues("loop", string(code)).Inc()
	r.logger.Error(st.ctx, "analysis failed", "code", string(code), "error", message)
	r.emit(st.ctx, st.events, &Event{Type: EventError, Payload: map[string]any{
		"code":     code,
		"message":  message,
		"trace_id": st.trace.ID(),
	}})
}

// initialPrompt frames the user question with the dataset context.
func (r *Runner) initialPrompt(req *AnalysisRequest) string {
	if req.DatasetID == "" {
		return req.Question
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %s is available", req.DatasetID)
	if ds, err := r.datasets.Get(req.DatasetID); err == nil {
		fmt.Fprintf(&b, " (%d rows, %d columns)", ds.RowCount, len(ds.Columns))
	}
	b.WriteString(".\n\nQuestion: ")
	b.WriteString(req.Question)
	return b.String()
}

// startHeartbeat emits keepalive events until the returned stop function
// is called. Sends are non-blocking so a slow consumer never stalls it.
func (r *Runner) startHeartbeat(ctx context.Context, events chan<- *Event) func() {
	interval := r.config.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case events <- &Event{Type: EventHeartbeat, Payload: map[string]any{"at": time.Now().UTC().Format(time.RFC3339)}}:
				default:
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// emit delivers an event. Buffer room is used even after cancellation so
// the terminal event still reaches a draining client; a full buffer with
// a gone client drops the event instead of blocking forever.
func (r *Runner) emit(ctx context.Context, events chan<- *Event, event *Event) {
	select {
	case events <- event:
		return
	default:
	}
	select {
	case events <- event:
	case <-ctx.Done():
	}
}
