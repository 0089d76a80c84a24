// Package stream writes the chunked NDJSON chat response: status and log
// frames while the request runs, then exactly one result or error frame.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrClosed is returned by writes after the terminal frame has been sent.
var ErrClosed = errors.New("stream: pipeline closed")

// logBuffer bounds the MCP log notification queue. Notifications arrive on
// server goroutines and must never block a tool call on a slow client.
const logBuffer = 256

// Metrics receives pipeline counters. The zero value of nopMetrics is used
// when no collector is wired.
type Metrics interface {
	FrameWritten(frameType string)
	LogDropped()
}

type nopMetrics struct{}

func (nopMetrics) FrameWritten(string) {}
func (nopMetrics) LogDropped()         {}

// Pipeline serializes frames onto one writer. All writes go through a
// mutex; each frame is flushed immediately so clients see progress during
// long tool calls.
type Pipeline struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	sealed  bool

	traceID string
	metrics Metrics
	logger  *slog.Logger

	// logMu guards the channel lifecycle separately from the write path:
	// a stalled client write must never block log producers.
	logMu   sync.Mutex
	logs    chan models.LogFrame
	pumped  sync.WaitGroup
	dropped atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics wires a metrics collector.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger.With("component", "stream")
		}
	}
}

// New builds a pipeline over w. The trace id is taken from the active span
// in ctx when one exists, otherwise freshly generated, and stamped on every
// frame so clients can correlate the stream with server logs.
func New(ctx context.Context, w io.Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		w:       w,
		traceID: traceIDFrom(ctx),
		metrics: nopMetrics{},
		logger:  slog.Default().With("component", "stream"),
		logs:    make(chan models.LogFrame, logBuffer),
	}
	if flusher, ok := w.(http.Flusher); ok {
		p.flusher = flusher
	}
	for _, opt := range opts {
		opt(p)
	}

	p.pumped.Add(1)
	go p.pump(p.logs)
	return p
}

// TraceID returns the id stamped on every frame of this stream.
func (p *Pipeline) TraceID() string {
	return p.traceID
}

// Status emits a progress frame. Server names the MCP server being waited
// on, when there is one.
func (p *Pipeline) Status(message, server string) error {
	return p.write(models.StreamFrame{
		Type:    models.FrameStatus,
		Message: message,
		Server:  server,
	})
}

// Log queues an MCP log notification for delivery. Never blocks: when the
// buffer is full the frame is counted as dropped and discarded.
func (p *Pipeline) Log(frame models.LogFrame) {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	if p.logs == nil {
		return
	}

	select {
	case p.logs <- frame:
	default:
		p.dropped.Add(1)
		p.metrics.LogDropped()
	}
}

// Result writes the terminal success frame and seals the stream.
func (p *Pipeline) Result(payload *models.ResponsePayload) error {
	return p.writeTerminal(models.StreamFrame{
		Type:    models.FrameResult,
		Payload: payload,
	})
}

// Error writes the terminal error frame and seals the stream.
func (p *Pipeline) Error(code, message, details string) error {
	return p.writeTerminal(models.StreamFrame{
		Type:    models.FrameError,
		Code:    code,
		Message: message,
		Details: details,
	})
}

// Close stops the log pump and reports drop counts. Safe to call whether
// or not a terminal frame was written; a stream closed without one means
// the client went away.
func (p *Pipeline) Close() {
	p.logMu.Lock()
	if p.logs != nil {
		close(p.logs)
		p.logs = nil
	}
	p.logMu.Unlock()

	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()

	p.pumped.Wait()

	if n := p.dropped.Load(); n > 0 {
		p.logger.Warn("log frames dropped on full buffer", "dropped", n, "trace_id", p.traceID)
	}
}

// pump drains queued log notifications onto the wire in arrival order.
func (p *Pipeline) pump(logs <-chan models.LogFrame) {
	defer p.pumped.Done()
	for frame := range logs {
		err := p.write(models.StreamFrame{
			Type:    models.FrameLog,
			TraceID: frame.TraceID,
			Server:  frame.Server,
			Level:   frame.Level,
			Message: frame.Message,
			Data:    frame.Data,
		})
		if errors.Is(err, ErrClosed) {
			// Drain the remainder; the terminal frame already went out.
			for range logs {
			}
			return
		}
	}
}

func (p *Pipeline) write(frame models.StreamFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrClosed
	}
	return p.writeLocked(frame)
}

func (p *Pipeline) writeTerminal(frame models.StreamFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrClosed
	}
	p.sealed = true
	return p.writeLocked(frame)
}

func (p *Pipeline) writeLocked(frame models.StreamFrame) error {
	// Log frames may carry a server-provided trace id; keep it and only
	// default to the request's.
	if frame.TraceID == "" {
		frame.TraceID = p.traceID
	}
	frame.Timestamp = time.Now().UTC()

	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := p.w.Write(raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if p.flusher != nil {
		p.flusher.Flush()
	}
	p.metrics.FrameWritten(string(frame.Type))
	return nil
}

func traceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}
