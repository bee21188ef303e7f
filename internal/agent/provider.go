package agent

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider is the capability any chat model must offer: accept a message
// sequence plus tool declarations, stream back text and structured tool
// invocations, and report token usage on the final chunk. Variants differ
// only in wire format.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic").
	Name() string

	// Complete streams a model response. The returned channel is closed
	// by the provider when the response finishes or fails; the final
	// successful chunk carries Done plus token counts.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is one LLM turn.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []CompletionMessage
	Tools       []ToolDecl
	MaxTokens   int
	Temperature float32
}

// CompletionMessage is one entry of the conversation. Tool results ride as
// RoleTool messages carrying the originating call's ID.
type CompletionMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	IsError    bool
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDecl declares a tool to the model.
type ToolDecl struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionChunk is one streamed fragment of a model response.
type CompletionChunk struct {
	// Text is incremental answer content.
	Text string

	// ToolCall is a completed tool invocation.
	ToolCall *ToolCall

	// Done marks the final chunk; token counts are only valid here.
	Done         bool
	InputTokens  int
	OutputTokens int

	// Err reports a stream failure; the channel closes after it.
	Err error
}
