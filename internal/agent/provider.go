// Package agent runs the tool invocation loop: it drives an LLM provider
// against the MCP tool catalog until the model produces a final formatted
// response, executing requested tools strictly in order between turns.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Provider is the contract for an LLM backend. Implementations stream the
// response as chunks; the loop accumulates a full turn before acting on it.
//
// Implementations must be safe for concurrent use: the host runs one loop
// per request against a shared provider.
type Provider interface {
	// Complete sends a prompt and returns a streaming response. The
	// returned channel is closed when the stream ends; errors arrive as
	// chunks, not as a second return value, once streaming has started.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the stable lowercase provider identifier.
	Name() string
}

// ToolSpec is one tool offered to the model: the qualified name, a
// description, and a $ref-free JSON schema for its arguments.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// CompletionRequest carries everything one LLM call needs.
type CompletionRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model string `json:"model,omitempty"`

	// System is the system prompt, handled out of band by most APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools the model may call this turn. Empty disables tool use.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature overrides sampling temperature when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionChunk is one increment of a streaming response.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	Thinking string           `json:"thinking,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	// Token usage, populated on the final chunk by providers that report it.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Turn is one fully accumulated assistant response.
type Turn struct {
	Text         string
	Thinking     string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// collectTurn drains a chunk stream into a Turn. It returns the first chunk
// error or the context error, whichever comes first. Providers send with
// blocking writes, so every early return hands the stream to a background
// drain; otherwise the producer goroutine would be stranded mid-send.
func collectTurn(ctx context.Context, chunks <-chan *CompletionChunk) (*Turn, error) {
	var turn Turn
	var text, thinking strings.Builder

	for {
		select {
		case <-ctx.Done():
			go drainChunks(chunks)
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				turn.Text = text.String()
				turn.Thinking = thinking.String()
				return &turn, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				go drainChunks(chunks)
				return nil, chunk.Error
			}
			text.WriteString(chunk.Text)
			thinking.WriteString(chunk.Thinking)
			if chunk.ToolCall != nil {
				turn.ToolCalls = append(turn.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				if chunk.InputTokens > 0 {
					turn.InputTokens = chunk.InputTokens
				}
				if chunk.OutputTokens > 0 {
					turn.OutputTokens = chunk.OutputTokens
				}
			}
		}
	}
}

// drainChunks consumes an abandoned stream until the producer closes it.
func drainChunks(chunks <-chan *CompletionChunk) {
	for range chunks {
	}
}

// RetryableError lets provider errors opt into the LLM retry schedule.
type RetryableError interface {
	Retryable() bool
}

// retryableLLM decides whether a failed LLM call is worth another attempt.
// Context cancellation never is; typed provider errors decide for
// themselves; anything else is treated as permanent.
func retryableLLM(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return false
}
