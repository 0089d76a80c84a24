package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider implements agent.Provider for the Gemini API via the
// Google Gen AI SDK. Streaming uses the SDK's Go 1.23 iterator.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	// APIKey is required.
	APIKey string

	// DefaultModel is used when the request doesn't name a model.
	DefaultModel string
}

var _ agent.Provider = (*GoogleProvider)(nil)

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGoogleModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Complete sends one request and streams the response.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents := convertGeminiMessages(req.Messages)
	config := p.buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		if err := p.processStream(ctx, streamIter, chunks); err != nil {
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}
	}()
	return chunks, nil
}

func (p *GoogleProvider) processStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk) error {
	var inputTokens, outputTokens int

	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			if resp.UsageMetadata.PromptTokenCount > 0 {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			}
			if resp.UsageMetadata.CandidatesTokenCount > 0 {
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}

				if part.Text != "" {
					chunks <- &agent.CompletionChunk{Text: part.Text}
				}

				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					chunks <- &agent.CompletionChunk{
						ToolCall: &models.ToolCall{
							ID:    generateToolCallID(part.FunctionCall.Name),
							Name:  part.FunctionCall.Name,
							Input: argsJSON,
						},
					}
				}
			}
		}
	}

	chunks <- &agent.CompletionChunk{
		Done:         true,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
	return nil
}

// convertGeminiMessages maps conversation turns to Gemini content. Tool
// results come back as function responses on the user side.
func convertGeminiMessages(messages []models.Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		} else {
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  tr.IsError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFromID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != nil {
		temperature := float32(*req.Temperature)
		config.Temperature = &temperature
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}

	return config
}

func convertGeminiTools(tools []agent.ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}

	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's typed schema.
// Keywords Gemini doesn't model are dropped.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := NewProviderError("google", model, err)

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401") || strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403") || strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}

	return providerErr
}

// generateToolCallID fabricates an ID for a function call; Gemini doesn't
// assign them.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromID recovers the function name a result belongs to, first from
// prior tool calls, then from the fabricated ID format.
func toolNameFromID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
