package providers

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func TestToGeminiSchema(t *testing.T) {
	var schemaMap map[string]any
	raw := `{
		"type": "object",
		"description": "search arguments",
		"properties": {
			"q": {"type": "string", "enum": ["a", "b"]},
			"ids": {"type": "array", "items": {"type": "integer"}}
		},
		"required": ["q"]
	}`
	if err := json.Unmarshal([]byte(raw), &schemaMap); err != nil {
		t.Fatal(err)
	}

	schema := toGeminiSchema(schemaMap)
	if schema.Type != genai.TypeObject {
		t.Errorf("type = %q", schema.Type)
	}
	if schema.Description != "search arguments" {
		t.Errorf("description = %q", schema.Description)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "q" {
		t.Errorf("required = %v", schema.Required)
	}
	q := schema.Properties["q"]
	if q == nil || q.Type != genai.TypeString || len(q.Enum) != 2 {
		t.Errorf("q property = %+v", q)
	}
	ids := schema.Properties["ids"]
	if ids == nil || ids.Items == nil || ids.Items.Type != genai.TypeInteger {
		t.Errorf("ids property = %+v", ids)
	}
}

func TestConvertGeminiMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "question"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_search_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
			},
		},
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_search_1", Content: "plain text result"},
			},
		},
	}

	contents := convertGeminiMessages(messages)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[0].Role != genai.RoleUser {
		t.Errorf("role[0] = %q", contents[0].Role)
	}
	if contents[1].Role != genai.RoleModel || contents[1].Parts[0].FunctionCall == nil {
		t.Errorf("assistant content = %+v", contents[1])
	}

	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("tool result missing function response")
	}
	if fr.Name != "search" {
		t.Errorf("function response name = %q", fr.Name)
	}
	// Non-JSON results are wrapped.
	if fr.Response["result"] != "plain text result" {
		t.Errorf("response = %v", fr.Response)
	}
}

func TestToolNameFromIDFallback(t *testing.T) {
	if got := toolNameFromID("call_fetch_12345", nil); got != "fetch" {
		t.Errorf("fallback name = %q", got)
	}
}
