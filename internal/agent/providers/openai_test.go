package providers

import (
	"context"
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/datalens/internal/agent"
)

func TestConvertMessagesInjectsSystem(t *testing.T) {
	msgs := convertMessages([]agent.CompletionMessage{
		{Role: agent.RoleUser, Content: "how many rows?"},
	}, "You are a data analyst.")

	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "You are a data analyst." {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != agent.RoleUser {
		t.Errorf("user message = %+v", msgs[1])
	}
}

func TestConvertMessagesToolRoundTrip(t *testing.T) {
	msgs := convertMessages([]agent.CompletionMessage{
		{Role: agent.RoleUser, Content: "count rows"},
		{
			Role: agent.RoleAssistant,
			ToolCalls: []agent.ToolCall{
				{ID: "call_1", Name: "run_query", Args: json.RawMessage(`{"dataset_id":"ds_1"}`)},
			},
		},
		{Role: agent.RoleTool, Content: `{"row_count":3}`, ToolCallID: "call_1"},
	}, "")

	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}

	assistant := msgs[1]
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d", len(assistant.ToolCalls))
	}
	call := assistant.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "run_query" || call.Function.Arguments != `{"dataset_id":"ds_1"}` {
		t.Errorf("tool call = %+v", call)
	}

	result := msgs[2]
	if result.Role != openai.ChatMessageRoleTool || result.ToolCallID != "call_1" {
		t.Errorf("tool result = %+v", result)
	}
}

func TestConvertTools(t *testing.T) {
	tools := convertTools([]agent.ToolDecl{{
		Name:        "get_schema",
		Description: "Return the dataset schema",
		Schema:      json.RawMessage(`{"type":"object","properties":{"dataset_id":{"type":"string"}},"required":["dataset_id"]}`),
	}})

	if len(tools) != 1 {
		t.Fatalf("len = %d", len(tools))
	}
	if tools[0].Type != openai.ToolTypeFunction {
		t.Errorf("type = %v", tools[0].Type)
	}
	fn := tools[0].Function
	if fn.Name != "get_schema" || fn.Description != "Return the dataset schema" {
		t.Errorf("function = %+v", fn)
	}
	params := fn.Parameters.(map[string]any)
	if params["type"] != "object" {
		t.Errorf("parameters = %v", params)
	}
}

func TestConvertToolsBadSchemaDegrades(t *testing.T) {
	tools := convertTools([]agent.ToolDecl{{
		Name:   "broken",
		Schema: json.RawMessage(`{not json`),
	}})

	params := tools[0].Function.Parameters.(map[string]any)
	if params["type"] != "object" {
		t.Error("bad schema must degrade to an empty object schema")
	}
}

func TestCompleteWithoutKey(t *testing.T) {
	p := NewOpenAIProvider("")
	if _, err := p.Complete(context.Background(), &agent.CompletionRequest{Model: "gpt-4o"}); err == nil {
		t.Fatal("missing key must fail at Complete")
	}
}

func TestRetryableClassification(t *testing.T) {
	if !retryable(&openai.APIError{HTTPStatusCode: 429}) {
		t.Error("429 must be retryable")
	}
	if !retryable(&openai.APIError{HTTPStatusCode: 503}) {
		t.Error("503 must be retryable")
	}
	if retryable(&openai.APIError{HTTPStatusCode: 401}) {
		t.Error("401 must not be retryable")
	}
	if !rateLimited(&openai.APIError{HTTPStatusCode: 429}) {
		t.Error("429 must classify as rate limited")
	}
	if rateLimited(&openai.APIError{HTTPStatusCode: 500}) {
		t.Error("500 must not classify as rate limited")
	}
}
