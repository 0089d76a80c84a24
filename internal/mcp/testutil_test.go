package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// fakeTransport is an in-process Transport whose responses are scripted per
// method. Tests drive inbound notifications and server-initiated requests
// through it without a subprocess.
type fakeTransport struct {
	mu       sync.Mutex
	state    TransportState
	handlers map[string][]NotificationHandler
	catchAll []NotificationHandler
	requests chan *JSONRPCRequest

	// connectErr makes every Connect fail; connects counts the attempts.
	connectErr error
	connects   int

	// respond scripts the reply for each Call. Nil replies with an empty
	// object.
	respond func(method string, params json.RawMessage) (any, *JSONRPCError)

	calls     []string
	notifies  []string
	responses []*JSONRPCResponse
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:    StateDisconnected,
		handlers: make(map[string][]NotificationHandler),
		requests: make(chan *JSONRPCRequest, 4),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = StateReady
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.state = StateClosed
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	respond := f.respond
	state := f.state
	f.mu.Unlock()

	if state != StateReady {
		return nil, &TransportError{Server: "fake", Op: method, Err: ErrNotConnected}
	}

	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}

	if respond == nil {
		return json.RawMessage(`{}`), nil
	}
	result, rpcErr := respond(method, raw)
	if rpcErr != nil {
		return nil, &ServerError{Server: "fake", Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	f.notifies = append(f.notifies, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(method string, handler NotificationHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method == "" {
		f.catchAll = append(f.catchAll, handler)
		return
	}
	f.handlers[method] = append(f.handlers[method], handler)
}

func (f *fakeTransport) Requests() <-chan *JSONRPCRequest {
	return f.requests
}

func (f *fakeTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resp.Result = raw
	}
	f.mu.Lock()
	f.responses = append(f.responses, resp)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) State() TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// emit delivers a notification the way a read loop would.
func (f *fakeTransport) emit(method string, params any) {
	raw, _ := json.Marshal(params)
	notif := &JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: raw}

	f.mu.Lock()
	handlers := f.handlers[method]
	catchAll := f.catchAll
	f.mu.Unlock()

	if len(handlers) == 0 {
		handlers = catchAll
	}
	for _, h := range handlers {
		h(notif)
	}
}

func (f *fakeTransport) calledMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// initScript replies to the handshake and catalog listing with a minimal
// server exposing the given tools.
func initScript(tools []*MCPTool) func(method string, params json.RawMessage) (any, *JSONRPCError) {
	return func(method string, params json.RawMessage) (any, *JSONRPCError) {
		switch method {
		case "initialize":
			return InitializeResult{
				ProtocolVersion: ProtocolVersion,
				Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: true}},
				ServerInfo:      ServerInfo{Name: "fake-server", Version: "0.1.0"},
			}, nil
		case "tools/list":
			return ListToolsResult{Tools: tools}, nil
		case "ping":
			return map[string]any{}, nil
		default:
			return map[string]any{}, nil
		}
	}
}

// connectedClient builds a client over a fake transport and completes the
// handshake.
func connectedClient(cfg *ServerConfig, transport *fakeTransport) (*Client, error) {
	client := NewClientWithTransport(cfg, transport, nil)
	err := client.Connect(context.Background())
	return client, err
}

// managerWithFakes builds a manager whose servers connect over scripted
// fake transports keyed by server name.
func managerWithFakes(cfg *Config, transports map[string]*fakeTransport) *Manager {
	m := NewManager(cfg, nil)
	m.newClient = func(serverCfg *ServerConfig, logger *slog.Logger) *Client {
		return NewClientWithTransport(serverCfg, transports[serverCfg.Name], nil)
	}
	return m
}
