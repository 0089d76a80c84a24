package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Loop defaults. Iterations count non-formatter LLM turns.
const (
	DefaultMaxIterations  = 15
	DefaultHistoryWindow  = 20
	DefaultLLMMaxAttempts = 3
)

// Executor is the slice of the MCP manager the loop needs. The manager
// satisfies it; tests substitute a spy.
type Executor interface {
	// ListAvailableTools returns the qualified catalog minus blocked
	// servers and tools outside the allow map.
	ListAvailableTools(blocked map[string]bool, allow map[string][]string) []mcp.QualifiedTool

	// CallTool routes one call. It never fails at the Go level; all
	// per-call problems come back as IsError results.
	CallTool(ctx context.Context, qualifiedName string, args json.RawMessage) *mcp.ToolCallResult

	// ResolveTool maps a qualified name to its owning server.
	ResolveTool(qualifiedName string) (server, original string, ok bool)

	// ServerDegraded reports whether a server has failed at the transport
	// level.
	ServerDegraded(server string) bool
}

// Options tune one loop instance.
type Options struct {
	MaxIterations  int
	HistoryWindow  int
	LLMMaxAttempts int
	Model          string
	MaxTokens      int
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = DefaultHistoryWindow
	}
	if o.LLMMaxAttempts <= 0 {
		o.LLMMaxAttempts = DefaultLLMMaxAttempts
	}
	return o
}

// Hooks observe loop progress. Either field may be nil.
type Hooks struct {
	// Status is called before each tool execution and other long steps.
	Status func(message string)

	// ToolResult sees every tool result in execution order, including
	// synthesized errors, before it is folded into the conversation.
	ToolResult func(call models.ToolCall, result *mcp.ToolCallResult)
}

func (h Hooks) status(message string) {
	if h.Status != nil {
		h.Status(message)
	}
}

func (h Hooks) toolResult(call models.ToolCall, result *mcp.ToolCallResult) {
	if h.ToolResult != nil {
		h.ToolResult(call, result)
	}
}

// Result is the loop's terminal output, before artifact accumulation.
type Result struct {
	Thinking     string
	Conversation string
	Artifacts    []FormatterArtifact

	LLMCalls     int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
}

// loopState names the loop's position for logging.
type loopState int

const (
	stateAwaitingLLM loopState = iota
	stateExecutingTools
	stateFormatting
)

func (s loopState) String() string {
	switch s {
	case stateAwaitingLLM:
		return "awaiting_llm"
	case stateExecutingTools:
		return "executing_tools"
	case stateFormatting:
		return "formatting"
	default:
		return "unknown"
	}
}

// Loop drives one provider against the tool catalog.
type Loop struct {
	provider Provider
	tools    Executor
	logger   *slog.Logger
	opts     Options
}

// New creates a loop over a provider and tool executor.
func New(provider Provider, tools Executor, opts Options, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: provider,
		tools:    tools,
		logger:   logger.With("component", "loop"),
		opts:     opts.withDefaults(),
	}
}

// Run executes one chat request to completion. It fails only for LLMError,
// Cancelled, or internal invariant violations; tool-level problems are fed
// back to the model as error results.
func (l *Loop) Run(ctx context.Context, req *models.ChatRequest, hooks Hooks) (*Result, error) {
	catalog := l.tools.ListAvailableTools(blockedSet(req.BlockedServers), req.EnabledTools)
	specs := make([]ToolSpec, 0, len(catalog)+1)
	for _, tool := range catalog {
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	specs = append(specs, FormatterTool())

	messages := historyMessages(req.History, l.opts.HistoryWindow)
	messages = append(messages, models.Message{Role: models.RoleUser, Content: req.Message})

	system := SystemPrompt(specs, pinnedTitles(req.PinnedArtifacts))

	result := &Result{}
	var thinking strings.Builder
	degraded := map[string]bool{}
	iterations := 0
	state := stateAwaitingLLM

	for {
		if err := ctx.Err(); err != nil {
			return nil, &Cancelled{Stage: state.String(), Err: err}
		}

		capped := iterations >= l.opts.MaxIterations
		turnSpecs := specs
		if capped {
			l.logger.Warn("iteration cap reached, forcing final answer", "iterations", iterations)
			hooks.status("Wrapping up…")
			messages = append(messages, models.Message{
				Role:    models.RoleUser,
				Content: "Tool calls are no longer available. Summarize what you have found so far and give your best final answer.",
			})
			turnSpecs = nil
		}

		turn, err := l.complete(ctx, &CompletionRequest{
			Model:       l.opts.Model,
			System:      system,
			Messages:    messages,
			Tools:       turnSpecs,
			MaxTokens:   l.maxTokens(req),
			Temperature: temperature(req),
		})
		if err != nil {
			return nil, err
		}
		result.LLMCalls++
		result.InputTokens += turn.InputTokens
		result.OutputTokens += turn.OutputTokens
		thinking.WriteString(turn.Thinking)

		toolCalls, formatterCall := splitToolCalls(turn.ToolCalls)

		if len(toolCalls) > 0 && !capped {
			if formatterCall != nil {
				l.logger.Debug("dropping formatter call batched with tool calls")
			}
			state = stateExecutingTools
			iterations++
			messages = append(messages, models.Message{
				Role:      models.RoleAssistant,
				Content:   turn.Text,
				ToolCalls: toolCalls,
			})

			results, err := l.executeTools(ctx, toolCalls, degraded, hooks)
			if err != nil {
				return nil, err
			}
			result.ToolCalls += len(toolCalls)
			messages = append(messages, models.Message{
				Role:        models.RoleTool,
				ToolResults: results,
			})
			state = stateAwaitingLLM
			continue
		}

		state = stateFormatting
		formatted := l.finalResponse(turn, formatterCall)
		result.Conversation = formatted.Conversation
		result.Artifacts = formatted.Artifacts
		if formatted.Thinking != "" {
			thinking.WriteString(formatted.Thinking)
		}
		result.Thinking = thinking.String()
		return result, nil
	}
}

// complete calls the provider with the retry schedule and accumulates the
// streamed turn.
func (l *Loop) complete(ctx context.Context, req *CompletionRequest) (*Turn, error) {
	turn, err := backoff.Retry(ctx, backoff.LLMPolicy(), l.opts.LLMMaxAttempts, retryableLLM,
		func(attempt int) (*Turn, error) {
			if attempt > 1 {
				l.logger.Warn("retrying LLM call", "attempt", attempt, "provider", l.provider.Name())
			}
			chunks, err := l.provider.Complete(ctx, req)
			if err != nil {
				return nil, err
			}
			return collectTurn(ctx, chunks)
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Cancelled{Stage: stateAwaitingLLM.String(), Err: ctx.Err()}
		}
		return nil, &LLMError{Provider: l.provider.Name(), Attempts: l.opts.LLMMaxAttempts, Err: err}
	}
	return turn, nil
}

// executeTools runs one batch strictly in the order the model requested.
// Calls to servers already degraded this request are skipped with a
// synthesized error result.
func (l *Loop) executeTools(ctx context.Context, calls []models.ToolCall, degraded map[string]bool, hooks Hooks) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, &Cancelled{Stage: stateExecutingTools.String(), Err: err}
		}
		hooks.status(fmt.Sprintf("Executing %s…", call.Name))

		server, _, known := l.tools.ResolveTool(call.Name)

		var toolResult *mcp.ToolCallResult
		if known && degraded[server] {
			toolResult = &mcp.ToolCallResult{
				IsError: true,
				Content: []mcp.ToolResultContent{{
					Type: "text",
					Text: fmt.Sprintf("server %q is unavailable for the rest of this request", server),
				}},
			}
		} else {
			toolResult = l.tools.CallTool(ctx, call.Name, call.Input)
			if known && !degraded[server] && l.tools.ServerDegraded(server) {
				degraded[server] = true
				l.logger.Warn("server degraded mid-request", "server", server)
			}
		}

		hooks.toolResult(call, toolResult)
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    flattenResultText(toolResult),
			IsError:    toolResult.IsError,
		})
	}
	return results, nil
}

// finalResponse folds the last turn into a FormatterResponse. A formatter
// call with undecodable arguments degrades to the turn's plain text.
func (l *Loop) finalResponse(turn *Turn, formatterCall *models.ToolCall) *FormatterResponse {
	if formatterCall != nil {
		formatted, err := ParseFormatterResponse(formatterCall.Input)
		if err == nil {
			return formatted
		}
		l.logger.Warn("formatter arguments undecodable, using plain text", "error", err)
	}
	return &FormatterResponse{Conversation: turn.Text}
}

func (l *Loop) maxTokens(req *models.ChatRequest) int {
	if req.ModelSettings != nil && req.ModelSettings.MaxTokens > 0 {
		return req.ModelSettings.MaxTokens
	}
	return l.opts.MaxTokens
}

func temperature(req *models.ChatRequest) *float64 {
	if req.ModelSettings != nil {
		return req.ModelSettings.Temperature
	}
	return nil
}

// splitToolCalls separates real tool calls from the formatter sentinel.
func splitToolCalls(calls []models.ToolCall) ([]models.ToolCall, *models.ToolCall) {
	var tools []models.ToolCall
	var formatter *models.ToolCall
	for i := range calls {
		if calls[i].Name == FormatterToolName {
			if formatter == nil {
				formatter = &calls[i]
			}
			continue
		}
		tools = append(tools, calls[i])
	}
	return tools, formatter
}

// historyMessages converts the replayed client history, keeping only the
// last window of user and assistant turns.
func historyMessages(history []models.HistoryTurn, window int) []models.Message {
	if len(history) > window {
		history = history[len(history)-window:]
	}
	messages := make([]models.Message, 0, len(history)+1)
	for _, turn := range history {
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			continue
		}
		messages = append(messages, models.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// flattenResultText joins the text parts of a tool result for replay to the
// model. Binary parts are represented by a short placeholder; the artifact
// pipeline carries the real content.
func flattenResultText(result *mcp.ToolCallResult) string {
	var b strings.Builder
	for _, part := range result.Content {
		switch part.Type {
		case "text":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(part.Text)
		case "image":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[image %s attached as artifact]", part.MimeType)
		case "resource":
			if part.Resource != nil && part.Resource.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(part.Resource.Text)
			}
		}
	}
	return b.String()
}

func blockedSet(servers []string) map[string]bool {
	if len(servers) == 0 {
		return nil
	}
	set := make(map[string]bool, len(servers))
	for _, name := range servers {
		set[name] = true
	}
	return set
}

func pinnedTitles(artifacts []models.Artifact) []string {
	var titles []string
	for _, artifact := range artifacts {
		if artifact.Title != "" {
			titles = append(titles, artifact.Title)
		}
	}
	return titles
}
