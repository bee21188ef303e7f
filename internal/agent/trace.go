package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceStep records one tool invocation. Steps are append-only and owned
// by a single trace.
type TraceStep struct {
	StepIndex  int    `json:"step_index"`
	ToolName   string `json:"tool_name"`
	ArgsDigest string `json:"args_digest"`
	LatencyMS  int64  `json:"latency_ms"`
	RowCount   *int   `json:"row_count,omitempty"`
	Success    bool   `json:"success"`
	ErrorCode  Code   `json:"error_code,omitempty"`
}

// Trace accumulates the audit record of one analysis, keyed by trace ID.
type Trace struct {
	mu           sync.Mutex
	id           string
	startedAt    time.Time
	steps        []TraceStep
	inputTokens  int
	outputTokens int
	costUSD      float64
	costUnknown  bool
}

// NewTrace starts a trace with a fresh ID.
func NewTrace() *Trace {
	return &Trace{
		id:        uuid.NewString(),
		startedAt: time.Now(),
	}
}

// ID returns the trace identifier.
func (t *Trace) ID() string {
	return t.id
}

// Append records a completed tool step.
func (t *Trace) Append(step TraceStep) {
	t.mu.Lock()
	t.steps = append(t.steps, step)
	t.mu.Unlock()
}

// AddUsage accumulates token counts and spend from one LLM call. known is
// false when the model has no price entry; the trace then reports
// cost_unknown.
func (t *Trace) AddUsage(inputTokens, outputTokens int, costUSD float64, known bool) {
	t.mu.Lock()
	t.inputTokens += inputTokens
	t.outputTokens += outputTokens
	t.costUSD += costUSD
	if !known {
		t.costUnknown = true
	}
	t.mu.Unlock()
}

// CostUSD returns the accumulated spend so far.
func (t *Trace) CostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costUSD
}

// Summary is the client-facing snapshot of a trace.
type Summary struct {
	TraceID      string      `json:"trace_id"`
	StartedAt    time.Time   `json:"started_at"`
	TotalSteps   int         `json:"total_steps"`
	InputTokens  int         `json:"llm_input_tokens"`
	OutputTokens int         `json:"llm_output_tokens"`
	CostUSD      float64     `json:"llm_cost_usd"`
	CostUnknown  bool        `json:"cost_unknown,omitempty"`
	DurationMS   int64       `json:"duration_ms"`
	Steps        []TraceStep `json:"steps"`
}

// Summary snapshots the trace for the response payload.
func (t *Trace) Summary() *Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	steps := make([]TraceStep, len(t.steps))
	copy(steps, t.steps)

	return &Summary{
		TraceID:      t.id,
		StartedAt:    t.startedAt,
		TotalSteps:   len(steps),
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		CostUSD:      t.costUSD,
		CostUnknown:  t.costUnknown,
		DurationMS:   time.Since(t.startedAt).Milliseconds(),
		Steps:        steps,
	}
}

// DigestArgs produces a short stable digest of tool arguments for trace
// records and events. Raw arguments stay out of the audit stream.
func DigestArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:])[:16]
}
