package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/artifacts"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// handleChat runs one chat request and streams NDJSON frames back. After
// the first frame the HTTP status is committed, so all later failures
// travel as error frames.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()

	// Frames are newline-delimited JSON; clients parse line by line.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	var opts []stream.Option
	opts = append(opts, stream.WithLogger(s.logger))
	if s.metrics != nil {
		opts = append(opts, stream.WithMetrics(s.metrics))
	}
	pipeline := stream.New(ctx, w, opts...)
	defer pipeline.Close()

	logger := s.logger.With("trace_id", pipeline.TraceID())
	logger.Info("chat request", "history_turns", len(req.History), "blocked_servers", len(req.BlockedServers))

	// MCP log notifications from this request's tool calls flow into the
	// stream as log frames.
	pop := s.manager.PushLogSink(pipeline.TraceID(), func(frame *models.LogFrame) {
		pipeline.Log(*frame)
	})
	defer pop()

	accumulator := artifacts.New(s.logger, 0)
	accumulator.SeedPinned(req.PinnedArtifacts)

	executor := &instrumentedExecutor{
		Executor: s.manager,
		timeout:  s.config.ToolTimeout,
		metrics:  s.metrics,
		tracer:   s.tracer,
	}
	loop := agent.New(s.instrumentedProvider(), executor, s.config.Loop, s.logger)

	_ = pipeline.Status("Thinking…", "")

	result, err := loop.Run(ctx, &req, agent.Hooks{
		Status: func(message string) {
			_ = pipeline.Status(message, "")
		},
		ToolResult: func(call models.ToolCall, toolResult *mcp.ToolCallResult) {
			server, _, ok := s.manager.ResolveTool(call.Name)
			if !ok {
				server = "unknown"
			}
			accumulator.IngestToolResult(server, toolResult)
		},
	})
	if err != nil {
		s.writeLoopError(pipeline, logger, err)
		return
	}

	for _, artifact := range result.Artifacts {
		accumulator.IngestDeclared(artifact.Type, artifact.Title, artifact.Content, artifact.Language)
	}
	conversation, finalArtifacts := accumulator.Finalize(result.Conversation)

	payload := &models.ResponsePayload{
		Thinking:     result.Thinking,
		Conversation: conversation,
		Artifacts:    finalArtifacts,
	}
	if payload.Artifacts == nil {
		payload.Artifacts = []models.Artifact{}
	}
	if err := pipeline.Result(payload); err != nil {
		logger.Warn("result frame not delivered", "error", err)
		return
	}
	logger.Info("chat complete",
		"llm_calls", result.LLMCalls,
		"tool_calls", result.ToolCalls,
		"artifacts", len(payload.Artifacts),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens)
}

// writeLoopError maps a terminal loop failure onto the stream's error
// frame. Cancellation gets its own code; a disconnected client makes the
// write itself fail, which is fine.
func (s *Server) writeLoopError(pipeline *stream.Pipeline, logger *slog.Logger, err error) {
	var cancelled *agent.Cancelled
	var llmErr *agent.LLMError

	switch {
	case errors.As(err, &cancelled):
		logger.Warn("chat cancelled", "stage", cancelled.Stage)
		_ = pipeline.Error("cancelled", "request cancelled", cancelled.Error())
	case errors.As(err, &llmErr):
		logger.Error("llm failed", "provider", llmErr.Provider, "attempts", llmErr.Attempts, "error", err)
		_ = pipeline.Error("llm_error", "language model request failed", llmErr.Error())
	default:
		logger.Error("chat failed", "error", err)
		_ = pipeline.Error("internal_error", "internal error", err.Error())
	}
}

func httpError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
