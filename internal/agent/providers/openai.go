package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/datalens/internal/agent"
	"github.com/haasonsaas/datalens/internal/backoff"
)

// OpenAIProvider streams completions from OpenAI chat models.
//
// OpenAI specifics the adapter absorbs:
//   - The system prompt rides as the first message in the array.
//   - Tool calls stream incrementally; ID, name, and argument fragments
//     arrive across chunks and are accumulated per call index.
//   - Tool results are separate role "tool" messages, one per call.
//
// Safe for concurrent use; each Complete call owns its own stream.
type OpenAIProvider struct {
	client      *openai.Client
	maxAttempts int
	policy      backoff.Policy
}

// OpenAIConfig carries the adapter's connection settings. BaseURL points
// at a proxy or compatible server; empty means the public API.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAIProvider builds a provider. An empty key defers the failure
// to the first Complete call.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return NewOpenAIProviderWithConfig(OpenAIConfig{APIKey: apiKey})
}

// NewOpenAIProviderWithConfig builds a provider with a custom endpoint.
func NewOpenAIProviderWithConfig(config OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		maxAttempts: 3,
		policy:      backoff.DefaultPolicy(),
	}
	if config.APIKey != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		if config.BaseURL != "" {
			clientConfig.BaseURL = config.BaseURL
		}
		p.client = openai.NewClientWithConfig(clientConfig)
	}
	return p
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete opens a streaming chat completion and returns its chunk
// channel. Transient failures to open the stream are retried with
// backoff; rate limiting surfaces as agent.ErrRateLimited.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, errors.New("openai api key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	stream, err := backoff.Retry(ctx, p.policy, p.maxAttempts, func(int) (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil && !retryable(err) {
			return nil, &backoff.Permanent{Err: err}
		}
		return s, err
	})
	if err != nil {
		if rateLimited(err) {
			return nil, fmt.Errorf("%w: %s", agent.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("opening completion stream: %w", err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream drains the OpenAI stream into chunks. Tool calls are
// keyed by their delta index because argument JSON arrives fragmented
// across chunks and multiple calls can interleave.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*toolCallAccumulator)
	var inputTokens, outputTokens int
	flushed := false

	flush := func() {
		for i := 0; i < len(pending); i++ {
			acc := pending[i]
			if acc == nil || acc.id == "" || acc.name == "" {
				continue
			}
			chunks <- &agent.CompletionChunk{ToolCall: &agent.ToolCall{
				ID:   acc.id,
				Name: acc.name,
				Args: json.RawMessage(acc.args.String()),
			}}
		}
		pending = make(map[int]*toolCallAccumulator)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushed {
					flush()
				}
				chunks <- &agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Err: err, Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc := pending[index]
			if acc == nil {
				acc = &toolCallAccumulator{}
				pending[index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flush()
			flushed = true
		}
	}
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// convertMessages maps the internal conversation onto OpenAI's format.
// The system prompt becomes the leading message.
func convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			result = append(result, oaiMsg)

		case agent.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return result
}

// convertTools maps tool declarations onto OpenAI function definitions.
// A declaration with an unparseable schema degrades to an empty object
// schema rather than failing the whole request.
func convertTools(tools []agent.ToolDecl) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset")
}

func rateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	return strings.Contains(err.Error(), "rate limit")
}
