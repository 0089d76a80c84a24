package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsMaxPayloadBytes = 4 * 1024 * 1024

// WSTransport speaks JSON-RPC over a WebSocket connection. One read loop
// demuxes responses, notifications, and server-initiated requests; writes
// are serialized by a mutex.
type WSTransport struct {
	config *ServerConfig
	logger *slog.Logger

	dispatcher

	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID   atomic.Int64
	state    atomic.Int32
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWSTransport creates a WebSocket transport for the given server.
func NewWSTransport(cfg *ServerConfig) *WSTransport {
	logger := slog.Default().With("mcp_server", cfg.Name, "transport", "websocket")
	return &WSTransport{
		config:     cfg,
		logger:     logger,
		dispatcher: newDispatcher(cfg.Name, logger),
		stopChan:   make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop.
func (t *WSTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for websocket transport")
	}
	t.state.Store(int32(StateConnecting))

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		t.state.Store(int32(StateDisconnected))
		if resp != nil {
			return &TransportError{Server: t.config.Name, Op: "connect", Err: fmt.Errorf("dial %s (HTTP %d): %w", t.config.URL, resp.StatusCode, err)}
		}
		return &TransportError{Server: t.config.Name, Op: "connect", Err: fmt.Errorf("dial %s: %w", t.config.URL, err)}
	}
	conn.SetReadLimit(wsMaxPayloadBytes)
	t.conn = conn
	t.state.Store(int32(StateReady))
	t.logger.Info("websocket transport connected", "url", t.config.URL)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

// Close shuts the connection down and fails all pending waiters.
func (t *WSTransport) Close() error {
	t.state.Store(int32(StateClosing))
	t.stopOnce.Do(func() { close(t.stopChan) })
	if t.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = t.conn.Close()
	}
	t.wg.Wait()
	t.failPending()
	t.state.Store(int32(StateClosed))
	return nil
}

// Call sends a request and waits for the matching response.
func (t *WSTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if t.State() != StateReady {
		return nil, &TransportError{Server: t.config.Name, Op: method, Err: ErrNotConnected}
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	ch := t.register(id)
	if err := t.writeMessage(req); err != nil {
		t.unregister(id)
		return nil, &TransportError{Server: t.config.Name, Op: method, Err: err}
	}

	if timeout <= 0 {
		timeout = t.config.Timeout.Std()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return awaitResponse(ctx, &t.dispatcher, method, id, ch, timeout, t.stopChan)
}

// Notify sends a fire-and-forget notification.
func (t *WSTransport) Notify(ctx context.Context, method string, params any) error {
	if t.State() != StateReady {
		return &TransportError{Server: t.config.Name, Op: method, Err: ErrNotConnected}
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	if err := t.writeMessage(notif); err != nil {
		return &TransportError{Server: t.config.Name, Op: method, Err: err}
	}
	return nil
}

// Subscribe registers a notification handler for the given method.
func (t *WSTransport) Subscribe(method string, handler NotificationHandler) {
	t.subscribe(method, handler)
}

// Requests returns the channel of server-initiated requests.
func (t *WSTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Respond answers a server-initiated request.
func (t *WSTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = resultJSON
	}
	if err := t.writeMessage(resp); err != nil {
		return &TransportError{Server: t.config.Name, Op: "respond", Err: err}
	}
	return nil
}

// State reports the current connection state.
func (t *WSTransport) State() TransportState {
	return TransportState(t.state.Load())
}

func (t *WSTransport) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readLoop demuxes inbound frames until the connection drops.
func (t *WSTransport) readLoop() {
	defer t.wg.Done()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopChan:
			default:
				t.logger.Warn("websocket read failed", "error", err)
				t.state.Store(int32(StateClosed))
				t.stopOnce.Do(func() { close(t.stopChan) })
				t.failPending()
			}
			return
		}
		if messageType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		t.dispatch(data)
	}
}
