package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// SamplingBridge answers server-initiated sampling/createMessage requests
// with the host's configured provider. Tool use is never offered; servers
// get plain completions.
func SamplingBridge(provider Provider) mcp.SamplingHandler {
	return func(ctx context.Context, req *mcp.SamplingRequest) (*mcp.SamplingResponse, error) {
		messages := make([]models.Message, 0, len(req.Messages))
		for _, msg := range req.Messages {
			if msg.Content.Type != "text" || msg.Content.Text == "" {
				continue
			}
			role := models.RoleUser
			if msg.Role == "assistant" {
				role = models.RoleAssistant
			}
			messages = append(messages, models.Message{Role: role, Content: msg.Content.Text})
		}
		if len(messages) == 0 {
			return nil, fmt.Errorf("sampling request carries no text messages")
		}

		chunks, err := provider.Complete(ctx, &CompletionRequest{
			Model:     req.Model,
			System:    req.SystemPrompt,
			Messages:  messages,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("sampling completion: %w", err)
		}
		turn, err := collectTurn(ctx, chunks)
		if err != nil {
			return nil, fmt.Errorf("sampling completion: %w", err)
		}

		model := req.Model
		if model == "" {
			model = provider.Name()
		}
		return &mcp.SamplingResponse{
			Role:       "assistant",
			Content:    mcp.MessageContent{Type: "text", Text: turn.Text},
			Model:      model,
			StopReason: "endTurn",
		}, nil
	}
}
