package models

import (
	"encoding/json"
	"time"
)

// FrameType tags a stream frame.
type FrameType string

const (
	FrameStatus FrameType = "status"
	FrameLog    FrameType = "log"
	FrameResult FrameType = "result"
	FrameError  FrameType = "error"
)

// LogLevel is the client-side log level ladder. MCP's extended ladder
// (critical, alert, emergency) collapses onto error.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogNotice  LogLevel = "notice"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// StreamFrame is one newline-terminated JSON object in the chunked chat
// response. A stream carries any number of status and log frames and ends
// with exactly one result or error frame.
type StreamFrame struct {
	Type      FrameType        `json:"type"`
	Message   string           `json:"message,omitempty"`
	Server    string           `json:"server,omitempty"`
	Level     LogLevel         `json:"level,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Payload   *ResponsePayload `json:"payload,omitempty"`
	Code      string           `json:"code,omitempty"`
	Details   string           `json:"details,omitempty"`
	TraceID   string           `json:"traceId"`
	Timestamp time.Time        `json:"timestamp"`
}

// LogFrame is the sink-side view of an MCP log notification before it is
// wrapped in a StreamFrame. Data is preserved verbatim from the server.
type LogFrame struct {
	Server    string
	Level     LogLevel
	Message   string
	Data      json.RawMessage
	TraceID   string
	Timestamp time.Time
}
