// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 transports over subprocess stdio, HTTP/SSE, and WebSocket,
// a per-server client with handshake and typed operations, and a manager
// that owns server lifecycle and the host-wide tool catalog.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// ProtocolVersion is the MCP revision this host speaks.
const ProtocolVersion = "2024-11-05"

// TransportType specifies the MCP transport protocol.
type TransportType string

const (
	TransportStdio     TransportType = "stdio"
	TransportHTTP      TransportType = "http"
	TransportWebSocket TransportType = "websocket"
)

// ServerConfig describes one MCP server the host should run or reach.
type ServerConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Transport TransportType `yaml:"transport" json:"transport,omitempty"`

	// Stdio transport options
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP and WebSocket transport options
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Common options
	Timeout  Duration `yaml:"timeout" json:"timeout,omitempty"`
	Disabled bool     `yaml:"disabled" json:"disabled,omitempty"`
}

// Validate checks the server configuration for structural and security issues.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}

	switch c.transportOrDefault() {
	case TransportStdio:
		if err := c.validateStdioConfig(); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.Name, err)
		}
	case TransportHTTP, TransportWebSocket:
		if err := c.validateRemoteConfig(); err != nil {
			return fmt.Errorf("%s config for %s: %w", c.Transport, c.Name, err)
		}
	default:
		return fmt.Errorf("unknown transport %q for %s", c.Transport, c.Name)
	}

	return nil
}

func (c *ServerConfig) transportOrDefault() TransportType {
	if c.Transport == "" {
		return TransportStdio
	}
	return c.Transport
}

func (c *ServerConfig) validateStdioConfig() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}

	if err := validatePath(c.Command, "command"); err != nil {
		return err
	}
	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			return err
		}
	}

	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}

	return nil
}

func (c *ServerConfig) validateRemoteConfig() error {
	if c.URL == "" {
		return fmt.Errorf("URL is required")
	}

	switch c.transportOrDefault() {
	case TransportWebSocket:
		if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
			return fmt.Errorf("URL must start with ws:// or wss://")
		}
	default:
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("URL must start with http:// or https://")
		}
	}

	return nil
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars checks for shell metacharacters that could indicate
// injection. Spaces and quotes are allowed since they are common in
// legitimate args.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// MCPTool represents a tool exposed by an MCP server.
type MCPTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPResource represents a resource exposed by an MCP server.
type MCPResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// MCPPrompt represents a prompt template exposed by an MCP server.
type MCPPrompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes a parameter for an MCP prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ResourceContent holds the content of an MCP resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // Base64 encoded
}

// PromptMessage represents a message in a prompt response.
type PromptMessage struct {
	Role    string         `json:"role"` // user | assistant
	Content MessageContent `json:"content"`
}

// MessageContent holds the content of a prompt or sampling message.
type MessageContent struct {
	Type     string           `json:"type"` // text | image | resource
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// SamplingMessage represents a message for sampling requests.
type SamplingMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ModelPreferences describes preferred models for sampling.
type ModelPreferences struct {
	Hints []ModelHint `json:"hints,omitempty"`
}

// ModelHint suggests a model name.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// SamplingRequest represents a server-initiated sampling request.
type SamplingRequest struct {
	Messages     []SamplingMessage `json:"messages"`
	ModelPrefs   *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// SamplingResponse represents a client response to a sampling request.
type SamplingResponse struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stopReason,omitempty"`
}

// ToolCallResult holds the result of calling an MCP tool. When IsError is
// set the content carries at least one text part describing the failure.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds one piece of content from a tool result.
type ToolResultContent struct {
	Type     string           `json:"type"` // text | image | resource
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"` // Base64 for images
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// errorResult builds an IsError tool result with a single text part.
func errorResult(format string, args ...any) *ToolCallResult {
	return &ToolCallResult{
		IsError: true,
		Content: []ToolResultContent{{Type: "text", Text: fmt.Sprintf(format, args...)}},
	}
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCP-specific error codes
const (
	ErrCodeResourceNotFound = -32001
	ErrCodeToolNotFound     = -32002
	ErrCodePromptNotFound   = -32003
)

// ServerInfo holds information about an MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo holds information about the MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities holds the capabilities of an MCP client or server.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
	Sampling  *SamplingCapability  `json:"sampling,omitempty"`
	Roots     *RootsCapability     `json:"roots,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes resource-related capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability describes prompt-related capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability describes log-notification capabilities.
type LoggingCapability struct{}

// SamplingCapability describes sampling-related capabilities.
type SamplingCapability struct{}

// RootsCapability describes roots-related capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams holds the parameters of the initialize method.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*MCPTool `json:"tools"`
}

// ListResourcesResult holds the result of resources/list.
type ListResourcesResult struct {
	Resources []*MCPResource `json:"resources"`
}

// ListPromptsResult holds the result of prompts/list.
type ListPromptsResult struct {
	Prompts []*MCPPrompt `json:"prompts"`
}

// ReadResourceResult holds the result of resources/read.
type ReadResourceResult struct {
	Contents []*ResourceContent `json:"contents"`
}

// GetPromptResult holds the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// CallMeta carries request metadata such as the progress token.
type CallMeta struct {
	ProgressToken string `json:"progressToken,omitempty"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *CallMeta       `json:"_meta,omitempty"`
}

// LogMessageParams holds parameters of a notifications/message notification.
// Data is preserved verbatim; it is the server's only channel for structured
// context such as trace ids or stage names.
type LogMessageParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ProgressParams holds parameters of a notifications/progress notification.
type ProgressParams struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

// MapLogLevel collapses the MCP level ladder onto the client ladder.
// critical, alert, and emergency map to error; unknown levels map to info.
func MapLogLevel(level string) models.LogLevel {
	switch level {
	case "debug":
		return models.LogDebug
	case "info":
		return models.LogInfo
	case "notice":
		return models.LogNotice
	case "warning":
		return models.LogWarning
	case "error", "critical", "alert", "emergency":
		return models.LogError
	default:
		return models.LogInfo
	}
}
