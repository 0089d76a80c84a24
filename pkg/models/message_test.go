package models

import (
	"encoding/json"
	"testing"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original := Message{
		Role:        RoleAssistant,
		Content:     "Hello!",
		ToolCalls:   []ToolCall{{ID: "tc-1", Name: "search", Input: json.RawMessage(`{"q":"test"}`)}},
		ToolResults: []ToolResult{{ToolCallID: "tc-1", Content: "result", IsError: false}},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Role != original.Role {
		t.Errorf("Role = %v, want %v", decoded.Role, original.Role)
	}
	if decoded.Content != original.Content {
		t.Errorf("Content = %q, want %q", decoded.Content, original.Content)
	}
	if len(decoded.ToolCalls) != 1 {
		t.Errorf("ToolCalls length = %d, want 1", len(decoded.ToolCalls))
	}
	if len(decoded.ToolResults) != 1 {
		t.Errorf("ToolResults length = %d, want 1", len(decoded.ToolResults))
	}
}

func TestMessage_OmitsEmptyToolFields(t *testing.T) {
	data, err := json.Marshal(Message{Role: RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if _, ok := raw["tool_calls"]; ok {
		t.Error("empty tool_calls should be omitted")
	}
	if _, ok := raw["tool_results"]; ok {
		t.Error("empty tool_results should be omitted")
	}
}

func TestToolResult_IsError(t *testing.T) {
	tr := ToolResult{
		ToolCallID: "tc-123",
		Content:    "Search results here",
		IsError:    false,
	}

	if tr.ToolCallID != "tc-123" {
		t.Errorf("ToolCallID = %q, want %q", tr.ToolCallID, "tc-123")
	}
	if tr.IsError {
		t.Error("IsError should be false")
	}

	trError := ToolResult{
		ToolCallID: "tc-456",
		Content:    "Error occurred",
		IsError:    true,
	}
	if !trError.IsError {
		t.Error("IsError should be true")
	}
}
