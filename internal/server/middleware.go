package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/internal/observability"
)

// instrumentedExecutor wraps the manager with per-call timeout, tracing,
// and metrics.
type instrumentedExecutor struct {
	agent.Executor
	timeout time.Duration
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (e *instrumentedExecutor) CallTool(ctx context.Context, qualifiedName string, args json.RawMessage) *mcp.ToolCallResult {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ctx, span := e.tracer.StartTool(ctx, qualifiedName)
	defer span.End()

	start := time.Now()
	result := e.Executor.CallTool(ctx, qualifiedName, args)

	status := "success"
	if result.IsError {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.RecordToolExecution(qualifiedName, status, time.Since(start).Seconds())
	}
	return result
}

// instrumentedProvider wraps completion calls with a span and records
// duration and token counts when the stream finishes.
type instrumentedProvider struct {
	agent.Provider
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func (s *Server) instrumentedProvider() agent.Provider {
	return &instrumentedProvider{
		Provider: s.provider,
		metrics:  s.metrics,
		tracer:   s.tracer,
	}
}

func (p *instrumentedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ctx, span := p.tracer.StartLLM(ctx, p.Provider.Name(), req.Model)
	start := time.Now()

	chunks, err := p.Provider.Complete(ctx, req)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		if p.metrics != nil {
			p.metrics.RecordLLMRequest(p.Provider.Name(), req.Model, "error", time.Since(start).Seconds(), 0, 0)
		}
		return nil, err
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		defer span.End()

		status := "success"
		var inputTokens, outputTokens int
		for chunk := range chunks {
			if chunk != nil {
				if chunk.Error != nil {
					status = "error"
					observability.RecordError(span, chunk.Error)
				}
				if chunk.InputTokens > 0 {
					inputTokens = chunk.InputTokens
				}
				if chunk.OutputTokens > 0 {
					outputTokens = chunk.OutputTokens
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Consumer gone; drain the source so it can close.
				for range chunks {
				}
				return
			}
		}
		if p.metrics != nil {
			p.metrics.RecordLLMRequest(p.Provider.Name(), req.Model, status, time.Since(start).Seconds(), inputTokens, outputTokens)
		}
	}()
	return out, nil
}
