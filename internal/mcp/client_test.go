package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestClientHandshake(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript([]*MCPTool{
		{Name: "search", Description: "Search PubMed", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})

	client, err := connectedClient(&ServerConfig{Name: "pubmed", Command: "pubmed-mcp"}, transport)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	calls := transport.calledMethods()
	if len(calls) == 0 || calls[0] != "initialize" {
		t.Fatalf("first call = %v, want initialize", calls)
	}

	if !client.Connected() {
		t.Error("client not connected after handshake")
	}
	if got := client.ServerInfo().Name; got != "fake-server" {
		t.Errorf("server info name = %q", got)
	}
	if client.Capabilities().Tools == nil {
		t.Error("tools capability not stored")
	}

	found := false
	for _, method := range transport.notifies {
		if method == "notifications/initialized" {
			found = true
		}
	}
	if !found {
		t.Error("initialized notification not sent")
	}

	tools := client.Tools()
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestClientHandshakeFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(method string, params json.RawMessage) (any, *JSONRPCError) {
		if method == "initialize" {
			return nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "boot failure"}
		}
		return map[string]any{}, nil
	}

	_, err := connectedClient(&ServerConfig{Name: "broken", Command: "broken-mcp"}, transport)
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if transport.State() != StateClosed {
		t.Error("transport not closed after failed handshake")
	}
}

func TestClientInitializeDeclaresProtocol(t *testing.T) {
	transport := newFakeTransport()
	var initParams InitializeParams
	transport.respond = func(method string, params json.RawMessage) (any, *JSONRPCError) {
		if method == "initialize" {
			if err := json.Unmarshal(params, &initParams); err != nil {
				t.Fatalf("decode initialize params: %v", err)
			}
			return InitializeResult{ProtocolVersion: ProtocolVersion, ServerInfo: ServerInfo{Name: "s"}}, nil
		}
		return map[string]any{"tools": []any{}}, nil
	}

	if _, err := connectedClient(&ServerConfig{Name: "s", Command: "s"}, transport); err != nil {
		t.Fatal(err)
	}

	if initParams.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", initParams.ProtocolVersion, ProtocolVersion)
	}
	if initParams.Capabilities.Logging == nil {
		t.Error("logging capability not declared")
	}
	if initParams.ClientInfo.Name == "" {
		t.Error("clientInfo.name empty")
	}
}

func TestClientLogNotificationPreservesData(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript(nil)

	var gotServer string
	var gotParams *LogMessageParams
	client := NewClientWithTransport(&ServerConfig{Name: "medikanren", Command: "mk"}, transport, nil)
	client.SetLogHandler(func(server string, params *LogMessageParams) {
		gotServer = server
		gotParams = params
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{"message": "querying", "traceId": "abc-123", "stage": "expand"}
	transport.emit("notifications/message", map[string]any{"level": "info", "data": payload})

	if gotServer != "medikanren" {
		t.Fatalf("server = %q", gotServer)
	}
	if gotParams == nil {
		t.Fatal("log handler not invoked")
	}
	// Data must survive verbatim, structured context included.
	want, _ := json.Marshal(payload)
	var a, b any
	_ = json.Unmarshal(gotParams.Data, &a)
	_ = json.Unmarshal(want, &b)
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if !bytes.Equal(aj, bj) {
		t.Errorf("data = %s, want %s", gotParams.Data, want)
	}
}

func TestClientProgressRouting(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript(nil)
	client := NewClientWithTransport(&ServerConfig{Name: "s", Command: "s"}, transport, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got *ProgressParams
	unregister := client.RegisterProgress("tok-1", func(p *ProgressParams) { got = p })

	transport.emit("notifications/progress", ProgressParams{ProgressToken: "tok-1", Progress: 0.5, Total: 1})
	if got == nil || got.Progress != 0.5 {
		t.Fatalf("progress not routed: %+v", got)
	}

	unregister()
	got = nil
	transport.emit("notifications/progress", ProgressParams{ProgressToken: "tok-1", Progress: 1})
	if got != nil {
		t.Error("unregistered handler still invoked")
	}
}

func TestClientCallTool(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = func(method string, params json.RawMessage) (any, *JSONRPCError) {
		switch method {
		case "initialize":
			return InitializeResult{ProtocolVersion: ProtocolVersion}, nil
		case "tools/list":
			return ListToolsResult{}, nil
		case "tools/call":
			var p CallToolParams
			if err := json.Unmarshal(params, &p); err != nil {
				t.Fatal(err)
			}
			if p.Name != "add_numbers" {
				t.Errorf("tool name = %q", p.Name)
			}
			return ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "5"}}}, nil
		}
		return map[string]any{}, nil
	}

	client, err := connectedClient(&ServerConfig{Name: "calc", Command: "calc"}, transport)
	if err != nil {
		t.Fatal(err)
	}

	result, err := client.CallTool(context.Background(), "add_numbers", json.RawMessage(`{"a":2,"b":3}`), time.Minute)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "5" {
		t.Errorf("result = %+v", result)
	}
}

func TestClientSamplingAnswered(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript(nil)

	client := NewClientWithTransport(&ServerConfig{Name: "s", Command: "s"}, transport, nil)
	client.SetSamplingHandler(func(ctx context.Context, req *SamplingRequest) (*SamplingResponse, error) {
		return &SamplingResponse{
			Role:    "assistant",
			Content: MessageContent{Type: "text", Text: "sampled"},
			Model:   "test-model",
		}, nil
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	params, _ := json.Marshal(SamplingRequest{MaxTokens: 16})
	transport.requests <- &JSONRPCRequest{JSONRPC: "2.0", ID: "req-1", Method: "sampling/createMessage", Params: params}

	deadline := time.After(time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.responses)
		transport.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sampling request not answered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	transport.mu.Lock()
	resp := transport.responses[0]
	transport.mu.Unlock()
	if resp.Error != nil {
		t.Fatalf("sampling answered with error: %+v", resp.Error)
	}
	var sampled SamplingResponse
	if err := json.Unmarshal(resp.Result, &sampled); err != nil {
		t.Fatal(err)
	}
	if sampled.Content.Text != "sampled" {
		t.Errorf("content = %+v", sampled.Content)
	}
}

func TestClientUnknownServerRequestRejected(t *testing.T) {
	transport := newFakeTransport()
	transport.respond = initScript(nil)
	client := NewClientWithTransport(&ServerConfig{Name: "s", Command: "s"}, transport, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	transport.requests <- &JSONRPCRequest{JSONRPC: "2.0", ID: 9, Method: "roots/list"}

	deadline := time.After(time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.responses)
		transport.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("request not answered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	transport.mu.Lock()
	resp := transport.responses[0]
	transport.mu.Unlock()
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("resp = %+v, want method-not-found", resp)
	}
}

func TestMapLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug":     "debug",
		"info":      "info",
		"notice":    "notice",
		"warning":   "warning",
		"error":     "error",
		"critical":  "error",
		"alert":     "error",
		"emergency": "error",
		"bogus":     "info",
	}
	for in, want := range tests {
		if got := string(MapLogLevel(in)); got != want {
			t.Errorf("MapLogLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
