package agent

import (
	"fmt"
	"strings"
)

// SystemPrompt builds the system prompt for one request. The tool list is
// already filtered by blocked servers and allow-lists; pinned describes
// artifacts the client carried over from earlier responses.
func SystemPrompt(tools []ToolSpec, pinned []string) string {
	var b strings.Builder

	b.WriteString(`You are Switchboard, an assistant that answers questions by orchestrating external tools.

Work in steps: call tools to gather evidence, then produce your final answer by calling the ` + FormatterToolName + ` tool exactly once. Do not mix tool calls and the formatter in the same turn.

Tool results may contain errors. When a tool reports an error, read the message, fix your arguments or choose another tool, and try again rather than giving up.

When your answer includes code, data tables, knowledge graphs, or citations, declare them as artifacts in the formatter call instead of inlining large blocks into the conversation text.`)

	if len(tools) > 0 {
		b.WriteString("\n\nAvailable tools:\n")
		for _, tool := range tools {
			if tool.Name == FormatterToolName {
				continue
			}
			desc := tool.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Fprintf(&b, "- %s: %s\n", tool.Name, desc)
		}
	}

	if len(pinned) > 0 {
		b.WriteString("\nThe user has pinned artifacts from earlier in the session:\n")
		for _, title := range pinned {
			fmt.Fprintf(&b, "- %s\n", title)
		}
		b.WriteString("Extend pinned knowledge graphs rather than rebuilding them from scratch.\n")
	}

	return b.String()
}
