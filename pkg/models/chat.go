package models

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message         string              `json:"message"`
	History         []HistoryTurn       `json:"history,omitempty"`
	BlockedServers  []string            `json:"blockedServers,omitempty"`
	EnabledTools    map[string][]string `json:"enabledTools,omitempty"`
	PinnedArtifacts []Artifact          `json:"pinnedArtifacts,omitempty"`
	ModelSettings   *ModelSettings      `json:"modelSettings,omitempty"`
}

// HistoryTurn is one prior exchange replayed with the request. Only user
// and assistant turns are accepted; tool traffic is never round-tripped
// through the client.
type HistoryTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ModelSettings carries per-request LLM overrides.
type ModelSettings struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// ResponsePayload is the body of the terminal result frame.
type ResponsePayload struct {
	Thinking     string     `json:"thinking,omitempty"`
	Conversation string     `json:"conversation"`
	Artifacts    []Artifact `json:"artifacts"`
}

// ServerStatus describes one MCP server in GET /api/server-status.
type ServerStatus struct {
	Name      string   `json:"name"`
	IsRunning bool     `json:"isRunning"`
	Tools     []string `json:"tools"`
}

// ServerStatusResponse is the body of GET /api/server-status.
type ServerStatusResponse struct {
	Servers     []ServerStatus `json:"servers"`
	LastChecked string         `json:"lastChecked"`
}
