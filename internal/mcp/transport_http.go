package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPTransport speaks JSON-RPC over HTTP POST, with an SSE side channel
// for server-initiated notifications and requests. The response to a POST
// is the matching JSON-RPC response, so no pending map is needed.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	dispatcher

	nextID   atomic.Int64
	state    atomic.Int32
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHTTPTransport creates an HTTP/SSE transport for the given server.
func NewHTTPTransport(cfg *ServerConfig) *HTTPTransport {
	logger := slog.Default().With("mcp_server", cfg.Name, "transport", "http")
	return &HTTPTransport{
		config:     cfg,
		logger:     logger,
		client:     &http.Client{},
		dispatcher: newDispatcher(cfg.Name, logger),
		stopChan:   make(chan struct{}),
	}
}

// Connect marks the transport ready and starts the SSE listener.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for http transport")
	}
	t.state.Store(int32(StateReady))
	t.logger.Info("HTTP transport ready", "url", t.config.URL)

	t.wg.Add(1)
	go t.sseLoop()

	return nil
}

// Close stops the SSE listener.
func (t *HTTPTransport) Close() error {
	t.state.Store(int32(StateClosed))
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
	t.failPending()
	return nil
}

// Call POSTs a request and decodes the matching response from the body.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if t.State() != StateReady {
		return nil, &TransportError{Server: t.config.Name, Op: method, Err: ErrNotConnected}
	}

	req := JSONRPCRequest{JSONRPC: "2.0", ID: t.nextID.Add(1), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	if timeout <= 0 {
		timeout = t.config.Timeout.Std()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := t.post(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Server: t.config.Name, Method: method, Timeout: timeout}
		}
		return nil, &TransportError{Server: t.config.Name, Op: method, Err: err}
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, &ProtocolError{Server: t.config.Name, Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if rpcResp.Error != nil {
		return nil, &ServerError{Server: t.config.Name, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Data: rpcResp.Error.Data}
	}
	return rpcResp.Result, nil
}

// Notify POSTs a notification and discards the body.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
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
	if _, err := t.post(ctx, notif); err != nil {
		return &TransportError{Server: t.config.Name, Op: method, Err: err}
	}
	return nil
}

// Subscribe registers a notification handler for the given method.
func (t *HTTPTransport) Subscribe(method string, handler NotificationHandler) {
	t.subscribe(method, handler)
}

// Requests returns the channel of server-initiated requests.
func (t *HTTPTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Respond POSTs a response to a server-initiated request.
func (t *HTTPTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = resultJSON
	}
	if _, err := t.post(ctx, resp); err != nil {
		return &TransportError{Server: t.config.Name, Op: "respond", Err: err}
	}
	return nil
}

// State reports the current connection state.
func (t *HTTPTransport) State() TransportState {
	return TransportState(t.state.Load())
}

func (t *HTTPTransport) post(ctx context.Context, msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return io.ReadAll(resp.Body)
}

// sseLoop keeps an SSE connection open for server-pushed messages,
// reconnecting with a fixed delay while the transport is up.
func (t *HTTPTransport) sseLoop() {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.config.URL, "/") + "/sse"
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		t.connectSSE(sseURL)

		select {
		case <-t.stopChan:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *HTTPTransport) connectSSE(sseURL string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.stopChan
		cancel()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		t.logger.Debug("failed to create SSE request", "error", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("SSE connection failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("SSE returned non-200", "status", resp.StatusCode)
		return
	}
	t.logger.Debug("SSE connected", "url", sseURL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			t.dispatch([]byte(data))
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("SSE scanner error", "error", err)
	}
}
