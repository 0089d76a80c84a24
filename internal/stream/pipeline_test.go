package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// syncBuffer makes bytes.Buffer safe for the pump goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func decodeFrames(t *testing.T, raw string) []models.StreamFrame {
	t.Helper()
	var frames []models.StreamFrame
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		var frame models.StreamFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestPipelineStatusThenResult(t *testing.T) {
	buf := &syncBuffer{}
	p := New(context.Background(), buf)

	if err := p.Status("Calling tool search", "pubmed"); err != nil {
		t.Fatal(err)
	}
	if err := p.Result(&models.ResponsePayload{Conversation: "done"}); err != nil {
		t.Fatal(err)
	}
	p.Close()

	frames := decodeFrames(t, buf.String())
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].Type != models.FrameStatus || frames[0].Server != "pubmed" {
		t.Errorf("frame[0] = %+v", frames[0])
	}
	if frames[1].Type != models.FrameResult || frames[1].Payload.Conversation != "done" {
		t.Errorf("frame[1] = %+v", frames[1])
	}
	for i, frame := range frames {
		if frame.TraceID != p.TraceID() {
			t.Errorf("frame[%d] trace id = %q, want %q", i, frame.TraceID, p.TraceID())
		}
		if frame.Timestamp.IsZero() {
			t.Errorf("frame[%d] missing timestamp", i)
		}
	}
}

func TestPipelineSealedAfterTerminal(t *testing.T) {
	buf := &syncBuffer{}
	p := New(context.Background(), buf)
	defer p.Close()

	if err := p.Error("llm_error", "provider failed", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := p.Status("late", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("status after terminal: %v", err)
	}
	if err := p.Result(&models.ResponsePayload{}); !errors.Is(err, ErrClosed) {
		t.Errorf("second terminal: %v", err)
	}

	frames := decodeFrames(t, buf.String())
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want exactly one terminal", len(frames))
	}
	if frames[0].Type != models.FrameError || frames[0].Code != "llm_error" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestPipelineLogDelivery(t *testing.T) {
	buf := &syncBuffer{}
	p := New(context.Background(), buf)

	p.Log(models.LogFrame{Server: "pubmed", Level: models.LogInfo, Message: "fetching"})
	p.Log(models.LogFrame{Server: "pubmed", Level: models.LogWarning, Message: "slow"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(decodeFrames(t, buf.String())) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log frames not delivered: %q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Result(&models.ResponsePayload{Conversation: "x"}); err != nil {
		t.Fatal(err)
	}
	p.Close()

	frames := decodeFrames(t, buf.String())
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if frames[0].Type != models.FrameLog || frames[0].Level != models.LogInfo {
		t.Errorf("frame[0] = %+v", frames[0])
	}
	if frames[1].Message != "slow" {
		t.Errorf("frame[1] = %+v", frames[1])
	}
}

func TestPipelineLogKeepsServerTraceID(t *testing.T) {
	buf := &syncBuffer{}
	p := New(context.Background(), buf)

	p.Log(models.LogFrame{Server: "pubmed", Level: models.LogInfo, Message: "tagged", TraceID: "srv-trace-123"})
	p.Log(models.LogFrame{Server: "pubmed", Level: models.LogInfo, Message: "untagged"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(decodeFrames(t, buf.String())) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log frames not delivered: %q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Close()

	frames := decodeFrames(t, buf.String())
	if frames[0].TraceID != "srv-trace-123" {
		t.Errorf("tagged frame trace id = %q, want server-provided %q", frames[0].TraceID, "srv-trace-123")
	}
	if frames[1].TraceID != p.TraceID() {
		t.Errorf("untagged frame trace id = %q, want request's %q", frames[1].TraceID, p.TraceID())
	}
}

func TestPipelineLogAfterCloseIgnored(t *testing.T) {
	buf := &syncBuffer{}
	p := New(context.Background(), buf)
	if err := p.Result(&models.ResponsePayload{}); err != nil {
		t.Fatal(err)
	}
	p.Close()

	// Must neither panic nor emit anything.
	p.Log(models.LogFrame{Server: "pubmed", Message: "too late"})

	frames := decodeFrames(t, buf.String())
	for _, frame := range frames {
		if frame.Type == models.FrameLog {
			t.Errorf("log frame after close: %+v", frame)
		}
	}
}

type countingMetrics struct {
	mu      sync.Mutex
	frames  map[string]int
	dropped int
}

func (m *countingMetrics) FrameWritten(frameType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == nil {
		m.frames = make(map[string]int)
	}
	m.frames[frameType]++
}

func (m *countingMetrics) LogDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

// blockingWriter stalls every write until released so the log buffer can
// fill up.
type blockingWriter struct {
	release chan struct{}
	sink    syncBuffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return w.sink.Write(p)
}

func TestPipelineDropsLogsWhenBufferFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	metrics := &countingMetrics{}
	p := New(context.Background(), w, WithMetrics(metrics))

	// One frame stalls in the pump, logBuffer more fill the channel, the
	// rest must be dropped without blocking.
	total := logBuffer + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			p.Log(models.LogFrame{Server: "s", Message: "m"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on full buffer")
	}

	close(w.release)
	p.Close()

	metrics.mu.Lock()
	dropped := metrics.dropped
	metrics.mu.Unlock()
	if dropped == 0 {
		t.Error("no drops recorded")
	}
}

func TestPipelineMetricsCounts(t *testing.T) {
	buf := &syncBuffer{}
	metrics := &countingMetrics{}
	p := New(context.Background(), buf, WithMetrics(metrics))

	if err := p.Status("working", ""); err != nil {
		t.Fatal(err)
	}
	if err := p.Result(&models.ResponsePayload{}); err != nil {
		t.Fatal(err)
	}
	p.Close()

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.frames["status"] != 1 || metrics.frames["result"] != 1 {
		t.Errorf("frame counts = %v", metrics.frames)
	}
}

func TestPipelineFreshTraceIDWithoutSpan(t *testing.T) {
	a := New(context.Background(), &syncBuffer{})
	b := New(context.Background(), &syncBuffer{})
	defer a.Close()
	defer b.Close()

	if a.TraceID() == "" || a.TraceID() == b.TraceID() {
		t.Errorf("trace ids %q / %q", a.TraceID(), b.TraceID())
	}
}
