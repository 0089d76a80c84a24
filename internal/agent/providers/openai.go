package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.Provider for OpenAI's chat completions
// API. Tool calls stream as incremental deltas and are accumulated by index
// until the finish reason reports them complete.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint when non-empty. Useful for
	// OpenAI-compatible gateways.
	BaseURL string

	// DefaultModel is used when the request doesn't name a model.
	DefaultModel string
}

var _ agent.Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends one request and streams the response.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream accumulates tool-call deltas by index and flushes them when
// the choice finishes with "tool_calls" or the stream ends.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var order []int
	var inputTokens, outputTokens int

	flush := func() {
		for _, index := range order {
			tc := toolCalls[index]
			if tc == nil || tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage(`{}`)
			}
			chunks <- &agent.CompletionChunk{ToolCall: tc}
		}
		toolCalls = make(map[int]*models.ToolCall)
		order = nil
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model), Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = json.RawMessage(string(toolCalls[index].Input) + tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertOpenAIMessages injects the system prompt as the first message and
// expands tool-result turns into one "tool" message per result.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			// One bad schema must not break the whole catalog.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, fmt.Errorf("openai request failed: %w", err))
}
