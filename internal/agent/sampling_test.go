package agent

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func TestSamplingBridgeAnswersWithProvider(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{text: "paris"}}}
	handler := SamplingBridge(provider)

	resp, err := handler(context.Background(), &mcp.SamplingRequest{
		Messages: []mcp.SamplingMessage{
			{Role: "user", Content: mcp.MessageContent{Type: "text", Text: "capital of france?"}},
		},
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Role != "assistant" || resp.Content.Text != "paris" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Model != "scripted" {
		t.Errorf("model = %q, want provider name fallback", resp.Model)
	}
	if resp.StopReason != "endTurn" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}

	provider.mu.Lock()
	req := provider.calls[0]
	provider.mu.Unlock()
	if len(req.Tools) != 0 {
		t.Errorf("sampling completion offered %d tools, want none", len(req.Tools))
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != models.RoleUser {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestSamplingBridgeRejectsNonText(t *testing.T) {
	provider := &scriptedProvider{}
	handler := SamplingBridge(provider)

	_, err := handler(context.Background(), &mcp.SamplingRequest{
		Messages: []mcp.SamplingMessage{
			{Role: "user", Content: mcp.MessageContent{Type: "image"}},
		},
	})
	if err == nil {
		t.Fatal("expected error for request without text messages")
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times for an unanswerable request", provider.callCount())
	}
}

// blockingSendProvider mimics the real adapters: unbuffered channel,
// blocking sends, no select on ctx.
type blockingSendProvider struct {
	producerDone chan struct{}
}

func (p *blockingSendProvider) Name() string { return "blocking" }

func (p *blockingSendProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	out := make(chan *CompletionChunk)
	go func() {
		defer close(p.producerDone)
		defer close(out)
		for i := 0; i < 50; i++ {
			out <- &CompletionChunk{Text: "x"}
			time.Sleep(time.Millisecond)
		}
		out <- &CompletionChunk{Done: true}
	}()
	return out, nil
}

func TestSamplingBridgeTimeoutDoesNotStrandProducer(t *testing.T) {
	provider := &blockingSendProvider{producerDone: make(chan struct{})}
	handler := SamplingBridge(provider)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := handler(ctx, &mcp.SamplingRequest{
		Messages: []mcp.SamplingMessage{
			{Role: "user", Content: mcp.MessageContent{Type: "text", Text: "hi"}},
		},
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	select {
	case <-provider.producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("producer goroutine still blocked on the chunk channel after the bridge returned")
	}
}
