package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransportClosed fails pending waiters when a transport shuts down.
var ErrTransportClosed = errors.New("transport closed")

// ErrNotConnected is returned for calls issued before Connect or after Close.
var ErrNotConnected = errors.New("not connected")

// TransportError wraps stream-level failures: closed pipes, framing
// breakdowns, handshake failures. Scope is a single server.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Server, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks schema-invalid JSON-RPC payloads: undecodable
// results, missing required fields, a broken handshake reply.
type ProtocolError struct {
	Server string
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %s: %v", e.Server, e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerError carries a JSON-RPC error object returned by an MCP server.
type ServerError struct {
	Server  string
	Code    int
	Message string
	Data    []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: MCP error %d: %s", e.Server, e.Code, e.Message)
}

// ArgumentValidationError reports tool arguments rejected by the cached
// inlined schema. The message names the failing fields.
type ArgumentValidationError struct {
	Tool string
	Err  error
}

func (e *ArgumentValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentValidationError) Unwrap() error { return e.Err }

// TimeoutError reports a request that exceeded its deadline.
type TimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s to %s timed out after %v", e.Method, e.Server, e.Timeout)
}
