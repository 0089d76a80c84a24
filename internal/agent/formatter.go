package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// FormatterToolName is the sentinel tool the model calls to end the loop
// with a structured response. It is never routed to an MCP server.
const FormatterToolName = "response_formatter"

// FormatterResponse is the argument schema of the formatter tool and the
// structured shape of the final answer.
type FormatterResponse struct {
	// Thinking is optional reasoning the model wants surfaced separately
	// from the conversational answer.
	Thinking string `json:"thinking,omitempty" jsonschema:"description=Brief reasoning behind the answer; shown separately from the conversation text"`

	// Conversation is the user-facing answer text.
	Conversation string `json:"conversation" jsonschema:"description=The conversational answer shown to the user"`

	// Artifacts are typed content blocks attached to the answer.
	Artifacts []FormatterArtifact `json:"artifacts,omitempty" jsonschema:"description=Typed content blocks such as code or a knowledge graph"`
}

// FormatterArtifact is one artifact the model declares in its final answer.
// Types are media types; legacy aliases are normalized at ingest.
type FormatterArtifact struct {
	Type     string `json:"type" jsonschema:"description=Artifact media type such as application/vnd.code or application/vnd.knowledge-graph"`
	Title    string `json:"title" jsonschema:"description=Short human-readable title"`
	Content  string `json:"content" jsonschema:"description=Artifact body: text or JSON as a string"`
	Language string `json:"language,omitempty" jsonschema:"description=Programming language for code artifacts"`
}

var (
	formatterOnce   sync.Once
	formatterSchema json.RawMessage
)

// FormatterTool returns the sentinel tool spec. The schema is reflected
// from FormatterResponse once, with references disabled so downstream
// tool-calling APIs get a self-contained schema.
func FormatterTool() ToolSpec {
	formatterOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			DoNotReference:            true,
			Anonymous:                 true,
			AllowAdditionalProperties: false,
		}
		schema := reflector.Reflect(&FormatterResponse{})
		schema.Version = ""
		raw, err := json.Marshal(schema)
		if err != nil {
			// Reflection over a static struct cannot fail at runtime;
			// fall back to a permissive schema just in case.
			raw = []byte(`{"type":"object"}`)
		}
		formatterSchema = raw
	})
	return ToolSpec{
		Name:        FormatterToolName,
		Description: "Produce the final response. Call this exactly once, when no more tool output is needed, with the complete answer and any artifacts.",
		InputSchema: formatterSchema,
	}
}

// ParseFormatterResponse decodes formatter tool arguments.
func ParseFormatterResponse(args json.RawMessage) (*FormatterResponse, error) {
	var resp FormatterResponse
	if err := json.Unmarshal(args, &resp); err != nil {
		return nil, fmt.Errorf("decode formatter response: %w", err)
	}
	return &resp, nil
}
