package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	// ToolCallTimeout is the wall-clock cap on a single tools/call.
	ToolCallTimeout = 60 * time.Second

	// maxToolNameLen caps qualified tool names for downstream LLM APIs.
	maxToolNameLen = 64
)

// Config holds the MCP manager configuration.
type Config struct {
	Servers []*ServerConfig `yaml:"mcp_servers" json:"mcp_servers"`
}

// QualifiedTool is one entry in the host-wide tool catalog: the unique name
// the LLM sees, plus the $ref-free schema.
type QualifiedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`

	Server   string `json:"-"`
	Original string `json:"-"`
}

// ServerStatus is a snapshot of one server for status reporting.
type ServerStatus struct {
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Degraded  bool       `json:"degraded"`
	Info      ServerInfo `json:"info"`
	Tools     []string   `json:"tools"`
	Resources []string   `json:"resources"`
	Prompts   []string   `json:"prompts"`
	LastError string     `json:"lastError,omitempty"`
}

type serverEntry struct {
	config    *ServerConfig
	client    *Client
	connected bool
	degraded  bool
	lastError error
}

type toolRef struct {
	server   string
	original string
	desc     string
	schema   *toolSchema
}

// Manager owns the MCP server fleet: subprocess lifecycle, the qualified
// tool catalog, tool-call routing with argument validation, and the log
// sink registry.
type Manager struct {
	config   *Config
	logger   *slog.Logger
	sampling SamplingHandler

	mu      sync.RWMutex
	servers map[string]*serverEntry
	tools   map[string]*toolRef

	sinks sinkStack

	// newClient builds a client for one server. Tests swap it to inject
	// in-process transports.
	newClient func(cfg *ServerConfig, logger *slog.Logger) *Client
}

// NewManager creates a manager for the configured server fleet.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:    cfg,
		logger:    logger.With("component", "mcp"),
		servers:   make(map[string]*serverEntry),
		tools:     make(map[string]*toolRef),
		newClient: NewClient,
	}
}

// SetSamplingHandler wires a responder for server-initiated sampling
// requests. Must be called before Start.
func (m *Manager) SetSamplingHandler(h SamplingHandler) {
	m.sampling = h
}

// Start connects every non-disabled server concurrently. A single server
// failing to come up is logged and marked disconnected; the host continues.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil {
		return nil
	}

	var wg sync.WaitGroup
	for _, serverCfg := range m.config.Servers {
		if serverCfg.Disabled {
			m.logger.Debug("skipping disabled server", "server", serverCfg.Name)
			continue
		}
		wg.Add(1)
		go func(cfg *ServerConfig) {
			defer wg.Done()
			if err := m.ConnectServer(ctx, cfg); err != nil {
				m.logger.Error("failed to connect to MCP server",
					"server", cfg.Name,
					"error", err)
			}
		}(serverCfg)
	}
	wg.Wait()

	m.rebuildToolIndex()
	return nil
}

// ConnectServer spawns, handshakes, and registers one server.
func (m *Manager) ConnectServer(ctx context.Context, cfg *ServerConfig) error {
	m.mu.Lock()
	if entry, ok := m.servers[cfg.Name]; ok && entry.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	client := m.newClient(cfg, m.logger)
	client.SetLogHandler(func(server string, params *LogMessageParams) {
		m.sinks.dispatch(server, params)
	})
	client.SetListChangedHandler(func(server, catalog string) {
		m.logger.Info("catalog changed", "server", server, "catalog", catalog)
		if catalog == "tools" {
			m.rebuildToolIndex()
		}
	})
	if m.sampling != nil {
		client.SetSamplingHandler(m.sampling)
	}

	err := client.Connect(ctx)

	m.mu.Lock()
	m.servers[cfg.Name] = &serverEntry{
		config:    cfg,
		client:    client,
		connected: err == nil,
		lastError: err,
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}

	m.rebuildToolIndex()
	return nil
}

// DisconnectServer closes one server and drops its tools from the catalog.
func (m *Manager) DisconnectServer(name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("server %q not connected", name)
	}
	err := entry.client.Close()
	m.rebuildToolIndex()
	return err
}

// Shutdown closes every client in parallel. Each transport applies its own
// stdin-close-then-kill grace period.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*serverEntry, 0, len(m.servers))
	for _, entry := range m.servers {
		entries = append(entries, entry)
	}
	m.servers = make(map[string]*serverEntry)
	m.tools = make(map[string]*toolRef)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *serverEntry) {
			defer wg.Done()
			if err := e.client.Close(); err != nil {
				m.logger.Error("failed to close MCP client",
					"server", e.config.Name,
					"error", err)
			}
		}(entry)
	}
	wg.Wait()
}

// rebuildToolIndex recomputes the qualified-name catalog from the cached
// tool lists of every connected server. Schemas are inlined and compiled
// here, once, not per call.
func (m *Manager) rebuildToolIndex() {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.servers))
	for name, entry := range m.servers {
		if entry.connected {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	index := make(map[string]*toolRef)
	used := make(map[string]struct{})
	for _, server := range names {
		entry := m.servers[server]
		for _, tool := range entry.client.Tools() {
			qualified := qualifiedToolName(server, tool.Name, used)
			schema, err := prepareToolSchema(qualified, tool.InputSchema)
			if err != nil {
				m.logger.Warn("tool schema rejected, registering without validation",
					"server", server,
					"tool", tool.Name,
					"error", err)
				schema = nil
			}
			index[qualified] = &toolRef{
				server:   server,
				original: tool.Name,
				desc:     tool.Description,
				schema:   schema,
			}
		}
	}
	m.tools = index
}

// ListAvailableTools returns the qualified catalog, excluding blocked
// servers. A non-nil allow map restricts each server to the listed
// original tool names.
func (m *Manager) ListAvailableTools(blocked map[string]bool, allow map[string][]string) []QualifiedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]QualifiedTool, 0, len(names))
	for _, name := range names {
		ref := m.tools[name]
		if blocked[ref.server] {
			continue
		}
		if allow != nil {
			allowed, ok := allow[ref.server]
			if ok && !containsString(allowed, ref.original) {
				continue
			}
		}
		schema := json.RawMessage(`{"type":"object"}`)
		if ref.schema != nil {
			schema = ref.schema.inlined
		}
		desc := ref.desc
		if desc == "" {
			desc = fmt.Sprintf("MCP tool %s.%s", ref.server, ref.original)
		}
		out = append(out, QualifiedTool{
			Name:        name,
			Description: desc,
			InputSchema: schema,
			Server:      ref.server,
			Original:    ref.original,
		})
	}
	return out
}

// ResolveTool maps a qualified name back to (server, original name).
func (m *Manager) ResolveTool(qualifiedName string) (server, original string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.tools[qualifiedName]
	if !ok {
		return "", "", false
	}
	return ref.server, ref.original, true
}

// CallTool validates arguments against the cached schema and routes the
// call to the owning server. It never returns an error for per-call I/O:
// validation failures, transport failures, server errors, and timeouts all
// come back as IsError results with a text part, so the loop can hand them
// to the LLM.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args json.RawMessage) *ToolCallResult {
	m.mu.RLock()
	ref, ok := m.tools[qualifiedName]
	var entry *serverEntry
	if ok {
		entry = m.servers[ref.server]
	}
	m.mu.RUnlock()

	if !ok || entry == nil {
		return errorResult("unknown tool %q", qualifiedName)
	}
	if !entry.connected {
		return errorResult("server %q is not connected", ref.server)
	}

	if err := ref.schema.validate(qualifiedName, args); err != nil {
		return errorResult("%v", err)
	}

	result, err := entry.client.CallTool(ctx, ref.original, args, ToolCallTimeout)
	if err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			m.markDegraded(ref.server, err)
		}
		return errorResult("tool %s failed: %v", qualifiedName, err)
	}
	if result == nil {
		return errorResult("tool %s returned no result", qualifiedName)
	}
	if result.IsError && !hasTextContent(result) {
		result.Content = append(result.Content, ToolResultContent{
			Type: "text",
			Text: fmt.Sprintf("tool %s reported an error without detail", qualifiedName),
		})
	}
	return result
}

// ServerDegraded reports whether a server has failed at the transport
// level since it last connected cleanly.
func (m *Manager) ServerDegraded(server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.servers[server]
	return ok && entry.degraded
}

func (m *Manager) markDegraded(server string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.servers[server]; ok {
		entry.degraded = true
		entry.lastError = err
	}
}

// PushLogSink installs a per-request log sink bound to traceID. The
// returned func removes it and restores the previous top of the stack.
func (m *Manager) PushLogSink(traceID string, sink LogSink) func() {
	return m.sinks.push(traceID, sink)
}

// ReadResource reads a resource from a named server.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) ([]*ResourceContent, error) {
	entry, err := m.entryFor(server)
	if err != nil {
		return nil, err
	}
	return entry.client.ReadResource(ctx, uri)
}

// GetPrompt renders a prompt from a named server.
func (m *Manager) GetPrompt(ctx context.Context, server, name string, arguments map[string]string) (*GetPromptResult, error) {
	entry, err := m.entryFor(server)
	if err != nil {
		return nil, err
	}
	return entry.client.GetPrompt(ctx, name, arguments)
}

func (m *Manager) entryFor(server string) (*serverEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.servers[server]
	if !ok {
		return nil, fmt.Errorf("server %q not connected", server)
	}
	return entry, nil
}

// Status snapshots every configured server for status reporting.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for name, entry := range m.servers {
		status := ServerStatus{
			Name:      name,
			Connected: entry.connected && entry.client.Connected(),
			Degraded:  entry.degraded,
			Info:      entry.client.ServerInfo(),
		}
		if entry.lastError != nil {
			status.LastError = entry.lastError.Error()
		}
		for _, tool := range entry.client.Tools() {
			status.Tools = append(status.Tools, tool.Name)
		}
		for _, res := range entry.client.Resources() {
			status.Resources = append(status.Resources, res.URI)
		}
		for _, prompt := range entry.client.Prompts() {
			status.Prompts = append(status.Prompts, prompt.Name)
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func hasTextContent(result *ToolCallResult) bool {
	for _, part := range result.Content {
		if part.Type == "text" && part.Text != "" {
			return true
		}
	}
	return false
}

func containsString(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

// qualifiedToolName builds the host-wide unique tool name: mcp_<server>_<tool>
// sanitized to [a-z0-9_], capped at maxToolNameLen with an 8-hex hash suffix
// on truncation or collision.
func qualifiedToolName(server, tool string, used map[string]struct{}) string {
	base := "mcp_" + sanitizeNamePart(server) + "_" + sanitizeNamePart(tool)
	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, server, tool)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, server, tool)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeNamePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(server, tool string) string {
	sum := sha1.Sum([]byte(server + ":" + tool))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, server, tool string) string {
	suffix := "_" + toolNameHash(server, tool)
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(name, server, tool string) string {
	suffix := "_" + toolNameHash(server, tool)
	if len(name)+len(suffix) <= maxToolNameLen {
		return name + suffix
	}
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(name) {
		trimLen = len(name)
	}
	return name[:trimLen] + suffix
}
