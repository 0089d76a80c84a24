package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func TestQualifiedToolName(t *testing.T) {
	tests := []struct {
		name   string
		server string
		tool   string
		want   string
	}{
		{"plain", "pubmed", "search", "mcp_pubmed_search"},
		{"uppercase folded", "PubMed", "Search", "mcp_pubmed_search"},
		{"punctuation collapsed", "medi-kanren", "run.query", "mcp_medi_kanren_run_query"},
		{"consecutive specials", "a--b", "c..d", "mcp_a_b_c_d"},
		{"all specials fall back", "srv", "---", "mcp_srv_tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := qualifiedToolName(tt.server, tt.tool, map[string]struct{}{})
			if got != tt.want {
				t.Errorf("qualifiedToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestQualifiedToolNameTruncation(t *testing.T) {
	long := strings.Repeat("verylongtoolname", 8)
	got := qualifiedToolName("server", long, map[string]struct{}{})
	if len(got) > maxToolNameLen {
		t.Fatalf("name length %d exceeds %d: %q", len(got), maxToolNameLen, got)
	}
	// Hash suffix keeps distinct long names distinct.
	other := qualifiedToolName("server", long+"x", map[string]struct{}{})
	if got == other {
		t.Errorf("distinct long tools collapsed to the same name: %q", got)
	}
}

func TestQualifiedToolNameCollision(t *testing.T) {
	used := map[string]struct{}{}
	first := qualifiedToolName("a_b", "c", used)
	second := qualifiedToolName("a", "b_c", used)
	if first == second {
		t.Fatalf("collision not resolved: both %q", first)
	}
	if len(second) > maxToolNameLen {
		t.Errorf("deduped name too long: %q", second)
	}
}

func TestManagerStartBuildsCatalog(t *testing.T) {
	pubmed := newFakeTransport()
	pubmed.respond = initScript([]*MCPTool{
		{Name: "search", Description: "Search PubMed"},
		{Name: "fetch_abstract"},
	})
	kanren := newFakeTransport()
	kanren.respond = initScript([]*MCPTool{
		{Name: "run-query"},
	})

	cfg := &Config{Servers: []*ServerConfig{
		{Name: "pubmed", Command: "pubmed-mcp"},
		{Name: "medikanren", Command: "mk-mcp"},
		{Name: "offline", Command: "x", Disabled: true},
	}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"pubmed": pubmed, "medikanren": kanren})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	tools := m.ListAvailableTools(nil, nil)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := []string{"mcp_medikanren_run_query", "mcp_pubmed_fetch_abstract", "mcp_pubmed_search"}
	if len(names) != len(want) {
		t.Fatalf("catalog = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("catalog[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	// A tool with no description gets a generated one; no schema means the
	// permissive object schema.
	for _, tool := range tools {
		if tool.Description == "" {
			t.Errorf("tool %s has empty description", tool.Name)
		}
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s has empty schema", tool.Name)
		}
	}

	if server, original, ok := m.ResolveTool("mcp_pubmed_search"); !ok || server != "pubmed" || original != "search" {
		t.Errorf("ResolveTool = (%q, %q, %v)", server, original, ok)
	}
}

func TestManagerStartSurvivesFailedServer(t *testing.T) {
	good := newFakeTransport()
	good.respond = initScript([]*MCPTool{{Name: "search"}})
	bad := newFakeTransport()
	bad.respond = func(method string, params json.RawMessage) (any, *JSONRPCError) {
		return nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "refused"}
	}

	cfg := &Config{Servers: []*ServerConfig{
		{Name: "good", Command: "good"},
		{Name: "bad", Command: "bad"},
	}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"good": good, "bad": bad})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start must not fail on a single bad server: %v", err)
	}
	defer m.Shutdown()

	tools := m.ListAvailableTools(nil, nil)
	if len(tools) != 1 || tools[0].Name != "mcp_good_search" {
		t.Errorf("catalog = %+v, want only the good server's tool", tools)
	}

	statuses := m.Status()
	if len(statuses) != 2 {
		t.Fatalf("status count = %d", len(statuses))
	}
	// Sorted by name: bad then good.
	if statuses[0].Name != "bad" || statuses[0].Connected {
		t.Errorf("bad server status = %+v", statuses[0])
	}
	if statuses[0].LastError == "" {
		t.Error("failed server carries no LastError")
	}
	if statuses[1].Name != "good" || !statuses[1].Connected {
		t.Errorf("good server status = %+v", statuses[1])
	}
}

func TestListAvailableToolsFiltering(t *testing.T) {
	pubmed := newFakeTransport()
	pubmed.respond = initScript([]*MCPTool{{Name: "search"}, {Name: "fetch"}})
	kanren := newFakeTransport()
	kanren.respond = initScript([]*MCPTool{{Name: "query"}})

	cfg := &Config{Servers: []*ServerConfig{
		{Name: "pubmed", Command: "p"},
		{Name: "kanren", Command: "k"},
	}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"pubmed": pubmed, "kanren": kanren})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	blocked := m.ListAvailableTools(map[string]bool{"pubmed": true}, nil)
	if len(blocked) != 1 || blocked[0].Server != "kanren" {
		t.Errorf("blocked filter result = %+v", blocked)
	}

	allowed := m.ListAvailableTools(nil, map[string][]string{"pubmed": {"search"}})
	var names []string
	for _, tool := range allowed {
		names = append(names, tool.Name)
	}
	// kanren has no allow entry so all its tools pass; pubmed is restricted
	// to search.
	want := []string{"mcp_kanren_query", "mcp_pubmed_search"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("allow filter result = %v, want %v", names, want)
	}
}

// Per-call failures must come back as IsError results with a text part, never
// as Go errors.
func TestCallToolNeverErrors(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(method string, params json.RawMessage) (any, *JSONRPCError) {
		switch method {
		case "initialize":
			return InitializeResult{ProtocolVersion: ProtocolVersion, ServerInfo: ServerInfo{Name: "calc"}}, nil
		case "tools/list":
			return ListToolsResult{Tools: []*MCPTool{
				{Name: "add", InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"a": {"type": "integer"}, "b": {"type": "integer"}},
					"required": ["a", "b"]
				}`)},
				{Name: "fail_silent"},
				{Name: "boom"},
			}}, nil
		case "tools/call":
			var p CallToolParams
			_ = json.Unmarshal(params, &p)
			switch p.Name {
			case "add":
				return ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "5"}}}, nil
			case "fail_silent":
				// Error result with no text part at all.
				return ToolCallResult{IsError: true}, nil
			default:
				return nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "kaboom"}
			}
		}
		return map[string]any{}, nil
	}

	cfg := &Config{Servers: []*ServerConfig{{Name: "calc", Command: "calc"}}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"calc": transport})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	ctx := context.Background()

	tests := []struct {
		name      string
		tool      string
		args      string
		wantError bool
		wantText  string
	}{
		{"success", "mcp_calc_add", `{"a":2,"b":3}`, false, "5"},
		{"unknown tool", "mcp_calc_missing", `{}`, true, "unknown tool"},
		{"validation failure", "mcp_calc_add", `{"a":2}`, true, "invalid arguments"},
		{"malformed args", "mcp_calc_add", `{broken`, true, "not valid JSON"},
		{"server error", "mcp_calc_boom", `{}`, true, "kaboom"},
		{"error without detail", "mcp_calc_fail_silent", `{}`, true, "without detail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := m.CallTool(ctx, tt.tool, json.RawMessage(tt.args))
			if result == nil {
				t.Fatal("CallTool returned nil")
			}
			if result.IsError != tt.wantError {
				t.Fatalf("IsError = %v, want %v (result %+v)", result.IsError, tt.wantError, result)
			}
			if !hasTextContent(result) {
				t.Fatalf("result has no text part: %+v", result)
			}
			var text string
			for _, part := range result.Content {
				if part.Type == "text" {
					text += part.Text
				}
			}
			if !strings.Contains(text, tt.wantText) {
				t.Errorf("text = %q, want substring %q", text, tt.wantText)
			}
		})
	}
}

func TestCallToolServerNotConnected(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript([]*MCPTool{{Name: "search"}})

	cfg := &Config{Servers: []*ServerConfig{{Name: "pubmed", Command: "p"}}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"pubmed": transport})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	// Simulate the server dropping after catalog registration.
	m.mu.Lock()
	m.servers["pubmed"].connected = false
	m.mu.Unlock()

	result := m.CallTool(context.Background(), "mcp_pubmed_search", json.RawMessage(`{}`))
	if !result.IsError || !strings.Contains(result.Content[0].Text, "not connected") {
		t.Errorf("result = %+v", result)
	}
}

func TestLogSinkStackRouting(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript(nil)

	cfg := &Config{Servers: []*ServerConfig{{Name: "medikanren", Command: "mk"}}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"medikanren": transport})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	var first, second []*models.LogFrame
	popFirst := m.PushLogSink("trace-1", func(f *models.LogFrame) { first = append(first, f) })
	popSecond := m.PushLogSink("trace-2", func(f *models.LogFrame) { second = append(second, f) })
	defer popFirst()
	defer popSecond()

	// Tagged with trace-1: routed to the matching sink even though trace-2
	// is on top.
	transport.emit("notifications/message", map[string]any{
		"level": "info",
		"data":  map[string]any{"message": "for first", "traceId": "trace-1"},
	})
	// Untagged: routed to the top of the stack.
	transport.emit("notifications/message", map[string]any{
		"level": "warning",
		"data":  map[string]any{"message": "untagged"},
	})

	if len(first) != 1 || first[0].Message != "for first" {
		t.Errorf("first sink frames = %+v", first)
	}
	if len(second) != 1 || second[0].Message != "untagged" {
		t.Errorf("second sink frames = %+v", second)
	}
	if second[0].Level != models.LogWarning {
		t.Errorf("level = %v, want warning", second[0].Level)
	}
	if second[0].Server != "medikanren" {
		t.Errorf("server = %q", second[0].Server)
	}

	// After popping the top, untagged frames fall through to the remaining
	// sink.
	popSecond()
	transport.emit("notifications/message", map[string]any{
		"level": "info",
		"data":  map[string]any{"message": "after pop"},
	})
	if len(first) != 2 || first[1].Message != "after pop" {
		t.Errorf("first sink after pop = %+v", first)
	}
	if len(second) != 1 {
		t.Errorf("popped sink still receiving: %+v", second)
	}

	// Pop is idempotent.
	popSecond()
}

func TestLogSinkBareStringData(t *testing.T) {
	var stack sinkStack
	var frames []*models.LogFrame
	pop := stack.push("t", func(f *models.LogFrame) { frames = append(frames, f) })
	defer pop()

	stack.dispatch("srv", &LogMessageParams{Level: "debug", Data: json.RawMessage(`"plain text"`)})

	if len(frames) != 1 || frames[0].Message != "plain text" {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].TraceID != "" {
		t.Errorf("bare string produced trace id %q", frames[0].TraceID)
	}
}

func TestLogSinkNoSinksDropsFrame(t *testing.T) {
	var stack sinkStack
	// Must not panic with an empty stack.
	stack.dispatch("srv", &LogMessageParams{Level: "info", Data: json.RawMessage(`{"message":"x"}`)})
}

func TestDisconnectServerDropsTools(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript([]*MCPTool{{Name: "search"}})

	cfg := &Config{Servers: []*ServerConfig{{Name: "pubmed", Command: "p"}}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"pubmed": transport})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.DisconnectServer("pubmed"); err != nil {
		t.Fatal(err)
	}
	if tools := m.ListAvailableTools(nil, nil); len(tools) != 0 {
		t.Errorf("catalog after disconnect = %+v", tools)
	}
	if err := m.DisconnectServer("pubmed"); err == nil {
		t.Error("expected error disconnecting twice")
	}
}

func TestManagerRediscoveryMatchesFreshListing(t *testing.T) {
	expanded := []*MCPTool{{Name: "search"}, {Name: "fetch_abstract"}}

	transport := newFakeTransport()
	transport.respond = initScript([]*MCPTool{{Name: "search"}})

	cfg := &Config{Servers: []*ServerConfig{{Name: "pubmed", Command: "pubmed-mcp"}}}
	m := managerWithFakes(cfg, map[string]*fakeTransport{"pubmed": transport})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	if got := len(m.ListAvailableTools(nil, nil)); got != 1 {
		t.Fatalf("initial catalog size = %d, want 1", got)
	}

	// The server grows a tool and announces it.
	transport.mu.Lock()
	transport.respond = initScript(expanded)
	transport.mu.Unlock()
	transport.emit("notifications/tools/list_changed", nil)

	var rebuilt []QualifiedTool
	deadline := time.Now().Add(2 * time.Second)
	for {
		rebuilt = m.ListAvailableTools(nil, nil)
		if len(rebuilt) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("catalog not rebuilt after list_changed: %+v", rebuilt)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The rebuilt catalog must equal what a fresh connection lists.
	fresh := newFakeTransport()
	fresh.respond = initScript(expanded)
	m2 := managerWithFakes(cfg, map[string]*fakeTransport{"pubmed": fresh})
	if err := m2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m2.Shutdown()

	want := m2.ListAvailableTools(nil, nil)
	if len(rebuilt) != len(want) {
		t.Fatalf("rebuilt = %d tools, fresh = %d", len(rebuilt), len(want))
	}
	for i := range want {
		if rebuilt[i].Name != want[i].Name || rebuilt[i].Server != want[i].Server ||
			rebuilt[i].Original != want[i].Original {
			t.Errorf("rebuilt[%d] = %+v, fresh = %+v", i, rebuilt[i], want[i])
		}
	}
}
