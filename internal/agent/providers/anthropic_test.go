package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "handled elsewhere"},
		{Role: models.RoleUser, Content: "question"},
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
			},
		},
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call-1", Content: "result", IsError: false},
			},
		},
	}

	result, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatal(err)
	}

	// System turn dropped; tool results ride on a user-role message.
	if len(result) != 3 {
		t.Fatalf("messages = %d, want 3", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("role[0] = %q", result[0].Role)
	}
	if result[1].Role != "assistant" || len(result[1].Content) != 2 {
		t.Errorf("assistant message = %+v", result[1])
	}
	if result[2].Role != "user" {
		t.Errorf("tool result role = %q", result[2].Role)
	}
}

func TestConvertAnthropicMessagesBadToolInput(t *testing.T) {
	_, err := convertAnthropicMessages([]models.Message{
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "c", Name: "t", Input: json.RawMessage(`{broken`)}},
		},
	})
	if err == nil {
		t.Fatal("expected error for undecodable tool input")
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools, err := convertAnthropicTools([]agent.ToolSpec{
		{
			Name:        "mcp_pubmed_search",
			Description: "Search PubMed",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 {
		t.Fatalf("tools = %d", len(tools))
	}
	if tools[0].OfTool == nil || tools[0].OfTool.Name != "mcp_pubmed_search" {
		t.Errorf("tool = %+v", tools[0])
	}
}
