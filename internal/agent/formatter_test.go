package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatterSchemaIsSelfContained(t *testing.T) {
	spec := FormatterTool()
	raw := string(spec.InputSchema)

	if strings.Contains(raw, "$ref") || strings.Contains(raw, "$defs") {
		t.Errorf("schema contains references: %s", raw)
	}

	var schema struct {
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %q", schema.Type)
	}

	required := false
	for _, name := range schema.Required {
		if name == "conversation" {
			required = true
		}
	}
	if !required {
		t.Errorf("conversation missing from required: %v", schema.Required)
	}
	for _, prop := range []string{"thinking", "conversation", "artifacts"} {
		if _, ok := schema.Properties[prop]; !ok {
			t.Errorf("property %q missing", prop)
		}
	}
}

func TestFormatterToolStable(t *testing.T) {
	first := FormatterTool()
	second := FormatterTool()
	if string(first.InputSchema) != string(second.InputSchema) {
		t.Error("schema not stable across calls")
	}
	if first.Name != FormatterToolName {
		t.Errorf("name = %q", first.Name)
	}
}

func TestParseFormatterResponse(t *testing.T) {
	raw := json.RawMessage(`{
		"thinking": "checked both sources",
		"conversation": "Here is the summary.",
		"artifacts": [
			{"type": "application/vnd.code", "title": "plot.py", "content": "print(1)", "language": "python"}
		]
	}`)
	resp, err := ParseFormatterResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Conversation != "Here is the summary." {
		t.Errorf("conversation = %q", resp.Conversation)
	}
	if len(resp.Artifacts) != 1 || resp.Artifacts[0].Language != "python" {
		t.Errorf("artifacts = %+v", resp.Artifacts)
	}
}

func TestParseFormatterResponseMalformed(t *testing.T) {
	if _, err := ParseFormatterResponse(json.RawMessage(`{"conversation": `)); err == nil {
		t.Error("expected decode error")
	}
}
