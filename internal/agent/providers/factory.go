package providers

import (
	"context"
	"fmt"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// Settings is the provider-agnostic slice of configuration a backend needs.
type Settings struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New constructs a provider by name. Names match the config file's
// llm.providers keys: anthropic, openai, google, ollama.
func New(ctx context.Context, name string, settings Settings) (agent.Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       settings.APIKey,
			BaseURL:      settings.BaseURL,
			DefaultModel: settings.DefaultModel,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       settings.APIKey,
			BaseURL:      settings.BaseURL,
			DefaultModel: settings.DefaultModel,
		})
	case "google":
		return NewGoogleProvider(ctx, GoogleConfig{
			APIKey:       settings.APIKey,
			DefaultModel: settings.DefaultModel,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:      settings.BaseURL,
			DefaultModel: settings.DefaultModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", name)
	}
}
