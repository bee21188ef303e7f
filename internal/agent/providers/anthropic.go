package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/datalens/internal/agent"
	"github.com/haasonsaas/datalens/internal/backoff"
)

// defaultMaxTokens bounds a response when the request leaves it unset.
const defaultMaxTokens = 4096

// maxEmptyStreamEvents guards against malformed streams that emit
// events without content forever.
const maxEmptyStreamEvents = 300

// AnthropicProvider streams completions from Claude models.
//
// Anthropic specifics the adapter absorbs:
//   - The system prompt is a request parameter, not a message.
//   - Tool results travel inside user messages as tool_result blocks.
//   - Tool call arguments stream as partial JSON deltas inside a
//     content block and complete at content_block_stop.
type AnthropicProvider struct {
	client      anthropic.Client
	maxAttempts int
	policy      backoff.Policy
}

// AnthropicConfig configures the provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropicProvider builds a provider. The API key is required.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:      anthropic.NewClient(options...),
		maxAttempts: 3,
		policy:      backoff.DefaultPolicy(),
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete opens a streaming message and returns its chunk channel.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream, err := backoff.Retry(ctx, p.policy, p.maxAttempts, func(int) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := p.client.Messages.NewStreaming(ctx, *params)
		if s.Err() != nil {
			err := s.Err()
			if !anthropicRetryable(err) {
				return nil, &backoff.Permanent{Err: err}
			}
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		if anthropicRateLimited(err) {
			return nil, fmt.Errorf("%w: %s", agent.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("opening message stream: %w", err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (*anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream drains the SSE stream into chunks. A tool call spans one
// content block: tool_use start carries ID and name, input_json_delta
// events carry argument fragments, and content_block_stop finalizes it.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)

	var currentCall *agent.ToolCall
	var currentInput strings.Builder
	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCall = &agent.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Args = json.RawMessage(currentInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: currentCall}
				currentCall = nil
				processed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Err: errors.New("anthropic stream error"), Done: true}
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{
				Err:  fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents),
				Done: true,
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Err: err, Done: true}
	}
}

// convertAnthropicMessages maps the internal conversation onto Anthropic
// message params. System entries are dropped here; the system prompt is
// a separate request parameter. Tool results become tool_result blocks
// inside user messages.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == agent.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == agent.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(toolCall.Args, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call args: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}

		if msg.Role == agent.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []agent.ToolDecl) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func anthropicRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "overloaded")
}

func anthropicRateLimited(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return strings.Contains(err.Error(), "rate limit")
}
