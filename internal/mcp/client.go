package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandshakeTimeout bounds the initialize round-trip.
const HandshakeTimeout = 10 * time.Second

// clientName and clientVersion identify this host in the MCP handshake.
const (
	clientName    = "switchboard"
	clientVersion = "1.0.0"
)

// LogHandler receives a log notification from one server.
type LogHandler func(server string, params *LogMessageParams)

// ProgressHandler receives progress notifications for one progress token.
type ProgressHandler func(params *ProgressParams)

// ListChangedHandler is invoked after the client has re-discovered a catalog
// (one of "tools", "resources", "prompts") in response to a list_changed
// notification.
type ListChangedHandler func(server, catalog string)

// SamplingHandler answers server-initiated sampling/createMessage requests.
type SamplingHandler func(ctx context.Context, req *SamplingRequest) (*SamplingResponse, error)

// Client wraps one transport and implements the MCP handshake and the typed
// request set against a single server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu           sync.RWMutex
	tools        []*MCPTool
	resources    []*MCPResource
	prompts      []*MCPPrompt
	serverInfo   ServerInfo
	capabilities Capabilities
	initialized  bool

	logHandler    LogHandler
	onListChanged ListChangedHandler
	progressMu    sync.Mutex
	progress      map[string]ProgressHandler

	sampling SamplingHandler
}

// NewClient creates a client for the given server over a fresh transport.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	return NewClientWithTransport(cfg, NewTransport(cfg), logger)
}

// NewClientWithTransport creates a client over a caller-supplied transport.
// Tests use it to substitute an in-process peer.
func NewClientWithTransport(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    logger.With("mcp_server", cfg.Name),
		progress:  make(map[string]ProgressHandler),
	}
}

// SetLogHandler installs the sink for notifications/message. Must be set
// before Connect to catch startup notifications.
func (c *Client) SetLogHandler(h LogHandler) {
	c.mu.Lock()
	c.logHandler = h
	c.mu.Unlock()
}

// SetListChangedHandler installs the callback run after catalog re-discovery.
func (c *Client) SetListChangedHandler(h ListChangedHandler) {
	c.mu.Lock()
	c.onListChanged = h
	c.mu.Unlock()
}

// SetSamplingHandler installs the responder for sampling/createMessage.
// When set before Connect, the client declares the sampling capability.
func (c *Client) SetSamplingHandler(h SamplingHandler) {
	c.mu.Lock()
	c.sampling = h
	c.mu.Unlock()
}

// RegisterProgress routes notifications/progress for token to h. The
// returned func unregisters it.
func (c *Client) RegisterProgress(token string, h ProgressHandler) func() {
	c.progressMu.Lock()
	c.progress[token] = h
	c.progressMu.Unlock()
	return func() {
		c.progressMu.Lock()
		delete(c.progress, token)
		c.progressMu.Unlock()
	}
}

// Connect establishes the transport, performs the MCP handshake, and caches
// the server's catalogs. A handshake that does not complete within
// HandshakeTimeout fails with ProtocolError.
func (c *Client) Connect(ctx context.Context) error {
	c.installSubscribers()

	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	caps := Capabilities{Logging: &LoggingCapability{}, Roots: &RootsCapability{ListChanged: true}}
	c.mu.RLock()
	if c.sampling != nil {
		caps.Sampling = &SamplingCapability{}
	}
	c.mu.RUnlock()

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}

	result, err := c.transport.Call(ctx, "initialize", params, HandshakeTimeout)
	if err != nil {
		_ = c.transport.Close()
		return &ProtocolError{Server: c.config.Name, Method: "initialize", Err: err}
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		_ = c.transport.Close()
		return &ProtocolError{Server: c.config.Name, Method: "initialize", Err: fmt.Errorf("parse result: %w", err)}
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.capabilities = initResult.Capabilities
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if initResult.Capabilities.Logging != nil {
		if err := c.SetLogLevel(ctx, "debug"); err != nil {
			c.logger.Debug("logging/setLevel not accepted", "error", err)
		}
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.logger.Warn("failed to refresh capabilities", "error", err)
	}

	go c.serveRequests()

	return nil
}

// Close shuts down the transport. All pending requests fail.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the identity the server declared at handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns the capabilities the server declared at handshake.
func (c *Client) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// Connected reports whether the transport is ready and the handshake done.
func (c *Client) Connected() bool {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	return initialized && c.transport.State() == StateReady
}

// installSubscribers wires the per-method notification registry. Handlers
// run on the transport read goroutine, so anything slow is handed off.
func (c *Client) installSubscribers() {
	c.transport.Subscribe("notifications/message", func(n *JSONRPCNotification) {
		var params LogMessageParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			c.logger.Warn("malformed log notification", "error", err)
			return
		}
		c.mu.RLock()
		h := c.logHandler
		c.mu.RUnlock()
		if h != nil {
			h(c.config.Name, &params)
		}
	})

	c.transport.Subscribe("notifications/progress", func(n *JSONRPCNotification) {
		var params ProgressParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			c.logger.Warn("malformed progress notification", "error", err)
			return
		}
		c.progressMu.Lock()
		h := c.progress[params.ProgressToken]
		c.progressMu.Unlock()
		if h != nil {
			h(&params)
		}
	})

	for notif, catalog := range map[string]string{
		"notifications/tools/list_changed":     "tools",
		"notifications/resources/list_changed": "resources",
		"notifications/prompts/list_changed":   "prompts",
	} {
		catalog := catalog
		c.transport.Subscribe(notif, func(*JSONRPCNotification) {
			go c.rediscover(catalog)
		})
	}

	c.transport.Subscribe("", func(n *JSONRPCNotification) {
		c.logger.Debug("ignoring notification", "method", n.Method)
	})
}

// rediscover refreshes one catalog after a list_changed notification.
func (c *Client) rediscover(catalog string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	var err error
	switch catalog {
	case "tools":
		_, err = c.ListTools(ctx)
	case "resources":
		_, err = c.ListResources(ctx)
	case "prompts":
		_, err = c.ListPrompts(ctx)
	}
	if err != nil {
		c.logger.Warn("catalog re-discovery failed", "catalog", catalog, "error", err)
		return
	}

	c.mu.RLock()
	h := c.onListChanged
	c.mu.RUnlock()
	if h != nil {
		h(c.config.Name, catalog)
	}
}

// RefreshCapabilities re-lists every catalog the server advertises.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	if _, err := c.ListTools(ctx); err != nil {
		return err
	}
	if c.Capabilities().Resources != nil {
		if _, err := c.ListResources(ctx); err != nil {
			c.logger.Debug("resources/list failed", "error", err)
		}
	}
	if c.Capabilities().Prompts != nil {
		if _, err := c.ListPrompts(ctx); err != nil {
			c.logger.Debug("prompts/list failed", "error", err)
		}
	}
	return nil
}

// ListTools fetches and caches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]*MCPTool, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil, 0)
	if err != nil {
		return nil, err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, &ProtocolError{Server: c.config.Name, Method: "tools/list", Err: err}
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return resp.Tools, nil
}

// ListResources fetches and caches the server's resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]*MCPResource, error) {
	result, err := c.transport.Call(ctx, "resources/list", nil, 0)
	if err != nil {
		return nil, err
	}
	var resp ListResourcesResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, &ProtocolError{Server: c.config.Name, Method: "resources/list", Err: err}
	}
	c.mu.Lock()
	c.resources = resp.Resources
	c.mu.Unlock()
	return resp.Resources, nil
}

// ListPrompts fetches and caches the server's prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) ([]*MCPPrompt, error) {
	result, err := c.transport.Call(ctx, "prompts/list", nil, 0)
	if err != nil {
		return nil, err
	}
	var resp ListPromptsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, &ProtocolError{Server: c.config.Name, Method: "prompts/list", Err: err}
	}
	c.mu.Lock()
	c.prompts = resp.Prompts
	c.mu.Unlock()
	return resp.Prompts, nil
}

// Tools returns the cached tool catalog.
func (c *Client) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Resources returns the cached resource catalog.
func (c *Client) Resources() []*MCPResource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources
}

// Prompts returns the cached prompt catalog.
func (c *Client) Prompts() []*MCPPrompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

// CallTool invokes a tool by its server-local name.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (*ToolCallResult, error) {
	params := CallToolParams{Name: name, Arguments: arguments}

	result, err := c.transport.Call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, &ProtocolError{Server: c.config.Name, Method: "tools/call", Err: fmt.Errorf("parse result: %w", err)}
	}
	return &callResult, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	result, err := c.transport.Call(ctx, "resources/read", map[string]any{"uri": uri}, 0)
	if err != nil {
		return nil, err
	}
	var readResult ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return nil, &ProtocolError{Server: c.config.Name, Method: "resources/read", Err: err}
	}
	return readResult.Contents, nil
}

// GetPrompt renders a prompt template with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	result, err := c.transport.Call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": arguments,
	}, 0)
	if err != nil {
		return nil, err
	}
	var promptResult GetPromptResult
	if err := json.Unmarshal(result, &promptResult); err != nil {
		return nil, &ProtocolError{Server: c.config.Name, Method: "prompts/get", Err: err}
	}
	return &promptResult, nil
}

// Ping checks liveness with a short deadline.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Call(ctx, "ping", nil, 5*time.Second)
	return err
}

// SetLogLevel asks the server to emit log notifications at or above level.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	_, err := c.transport.Call(ctx, "logging/setLevel", map[string]any{"level": level}, 0)
	return err
}

// serveRequests answers server-initiated requests for the lifetime of the
// transport. Only sampling/createMessage is supported.
func (c *Client) serveRequests() {
	for req := range c.transport.Requests() {
		if req == nil {
			continue
		}
		if req.Method != "sampling/createMessage" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %s not supported", req.Method),
			})
			cancel()
			continue
		}
		go c.handleSampling(req)
	}
}

func (c *Client) handleSampling(req *JSONRPCRequest) {
	timeout := c.config.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.mu.RLock()
	handler := c.sampling
	c.mu.RUnlock()

	if handler == nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeMethodNotFound,
			Message: "sampling is not enabled",
		})
		return
	}

	var params SamplingRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
				Code:    ErrCodeInvalidParams,
				Message: "invalid sampling params",
			})
			return
		}
	}

	response, err := handler(ctx, &params)
	if err != nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		})
		return
	}
	if err := c.transport.Respond(ctx, req.ID, response, nil); err != nil {
		c.logger.Warn("failed to respond to sampling request", "error", err)
	}
}
