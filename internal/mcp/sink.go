package mcp

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// LogSink receives log frames fanned out from MCP servers. Sinks are
// installed per request by the streaming pipeline and removed when the
// request finishes.
type LogSink func(frame *models.LogFrame)

// sinkStack is the registry of active log sinks. Dispatch routes a
// notification carrying a known trace id to that sink; everything else goes
// to the most recently pushed sink, so a lone request behaves like a single
// process-wide handler while concurrent requests stay separated.
type sinkStack struct {
	mu      sync.Mutex
	entries []sinkEntry
}

type sinkEntry struct {
	traceID string
	sink    LogSink
}

// push installs a sink bound to traceID. The returned func removes it,
// restoring whatever was below it on the stack.
func (s *sinkStack) push(traceID string, sink LogSink) func() {
	s.mu.Lock()
	s.entries = append(s.entries, sinkEntry{traceID: traceID, sink: sink})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i := len(s.entries) - 1; i >= 0; i-- {
				if s.entries[i].traceID == traceID {
					s.entries = append(s.entries[:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// dispatch fans a server log notification out to the owning sink. The
// notification data rides along verbatim.
func (s *sinkStack) dispatch(server string, params *LogMessageParams) {
	frame := &models.LogFrame{
		Server:    server,
		Level:     MapLogLevel(params.Level),
		Message:   logMessageText(params),
		Data:      params.Data,
		TraceID:   traceIDFromData(params.Data),
		Timestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	var target LogSink
	if frame.TraceID != "" {
		for i := len(s.entries) - 1; i >= 0; i-- {
			if s.entries[i].traceID == frame.TraceID {
				target = s.entries[i].sink
				break
			}
		}
	}
	if target == nil && len(s.entries) > 0 {
		target = s.entries[len(s.entries)-1].sink
	}
	s.mu.Unlock()

	if target != nil {
		target(frame)
	}
}

// logMessageText pulls a human-readable message out of the data payload.
// Servers commonly send {"message": "..."} or a bare string.
func logMessageText(params *LogMessageParams) string {
	if len(params.Data) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(params.Data, &text); err == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params.Data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(params.Data)
}

// traceIDFromData extracts a trace id a server attached to its log data.
func traceIDFromData(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var obj struct {
		TraceID string `json:"traceId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	return obj.TraceID
}
