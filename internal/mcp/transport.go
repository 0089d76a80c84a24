package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds a single JSON-RPC round-trip when the caller
// does not override it.
const DefaultRequestTimeout = 30 * time.Second

// TransportState tracks the lifecycle of a transport connection.
type TransportState int32

const (
	StateDisconnected TransportState = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NotificationHandler receives one inbound notification. Handlers run on the
// transport read goroutine and must not block.
type NotificationHandler func(*JSONRPCNotification)

// Transport moves JSON-RPC 2.0 messages over a duplex byte stream and
// correlates requests with responses by id.
type Transport interface {
	// Connect establishes the underlying stream and starts the read loop.
	Connect(ctx context.Context) error

	// Call sends a request and waits for the matching response. A zero
	// timeout uses the transport default. A JSON-RPC error object resolves
	// as *ServerError; a deadline as *TimeoutError; a closed transport as
	// *TransportError.
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification.
	Notify(ctx context.Context, method string, params any) error

	// Subscribe registers a handler for inbound notifications with the
	// given method. An empty method registers a catch-all that sees every
	// notification no per-method handler claimed.
	Subscribe(method string, handler NotificationHandler)

	// Requests returns the channel of server-initiated requests
	// (e.g. sampling/createMessage).
	Requests() <-chan *JSONRPCRequest

	// Respond answers a server-initiated request.
	Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error

	// State reports the current connection state.
	State() TransportState

	// Close tears down the stream and fails all pending waiters.
	Close() error
}

// NewTransport selects a transport implementation for the server config.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.transportOrDefault() {
	case TransportHTTP:
		return NewHTTPTransport(cfg)
	case TransportWebSocket:
		return NewWSTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}

// dispatcher holds the bookkeeping every transport shares: the pending
// request map, the per-method subscriber registry, and the channel of
// server-initiated requests.
type dispatcher struct {
	server string
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[int64]chan *JSONRPCResponse
	handlers map[string][]NotificationHandler
	catchAll []NotificationHandler

	requests chan *JSONRPCRequest
}

func newDispatcher(server string, logger *slog.Logger) dispatcher {
	return dispatcher{
		server:   server,
		logger:   logger,
		pending:  make(map[int64]chan *JSONRPCResponse),
		handlers: make(map[string][]NotificationHandler),
		requests: make(chan *JSONRPCRequest, 16),
	}
}

// register installs a waiter for the given request id.
func (d *dispatcher) register(id int64) chan *JSONRPCResponse {
	ch := make(chan *JSONRPCResponse, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()
	return ch
}

// unregister removes a waiter, if still present.
func (d *dispatcher) unregister(id int64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// subscribe registers a notification handler.
func (d *dispatcher) subscribe(method string, handler NotificationHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if method == "" {
		d.catchAll = append(d.catchAll, handler)
		return
	}
	d.handlers[method] = append(d.handlers[method], handler)
}

// dispatch routes one raw inbound message. Malformed payloads and unknown
// ids are logged and dropped; the stream stays open. Runs on the read
// goroutine, so delivery order matches receipt order.
func (d *dispatcher) dispatch(line []byte) {
	var probe struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		d.logger.Warn("dropping malformed message", "error", err)
		return
	}

	switch {
	case probe.ID != nil && probe.Method != "":
		// Server-initiated request.
		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			d.logger.Warn("dropping malformed request", "error", err)
			return
		}
		select {
		case d.requests <- &req:
		default:
			d.logger.Warn("request channel full, dropping", "method", req.Method)
		}

	case probe.ID != nil:
		d.deliverResponse(line, probe.ID)

	case probe.Method != "":
		var notif JSONRPCNotification
		if err := json.Unmarshal(line, &notif); err != nil {
			d.logger.Warn("dropping malformed notification", "error", err)
			return
		}
		d.deliverNotification(&notif)

	default:
		d.logger.Warn("dropping message with no id and no method")
	}
}

func (d *dispatcher) deliverResponse(line []byte, rawID any) {
	id, ok := numericID(rawID)
	if !ok {
		d.logger.Warn("dropping response with non-numeric id", "id", rawID)
		return
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		d.logger.Warn("dropping malformed response", "error", err)
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("dropping response with unknown id", "id", id)
		return
	}
	ch <- &resp
}

func (d *dispatcher) deliverNotification(notif *JSONRPCNotification) {
	d.mu.Lock()
	handlers := d.handlers[notif.Method]
	catchAll := d.catchAll
	d.mu.Unlock()

	if len(handlers) == 0 {
		handlers = catchAll
	}
	for _, h := range handlers {
		h(notif)
	}
}

// failPending fails every outstanding waiter. Called when the transport
// closes or the stream breaks.
func (d *dispatcher) failPending() {
	d.mu.Lock()
	waiters := d.pending
	d.pending = make(map[int64]chan *JSONRPCResponse)
	d.mu.Unlock()

	for id, ch := range waiters {
		ch <- &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: ErrTransportClosed.Error()},
		}
	}
}

// pendingCount reports outstanding waiters. Test hook.
func (d *dispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// numericID coerces a decoded JSON-RPC id to int64. The host only issues
// numeric ids, so string ids on responses are unknown by construction.
func numericID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// awaitResponse blocks a Call until its waiter resolves, the deadline
// expires, the context cancels, or the transport stops.
func awaitResponse(ctx context.Context, d *dispatcher, method string, id int64, ch chan *JSONRPCResponse, timeout time.Duration, stop <-chan struct{}) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Code == ErrCodeInternalError && resp.Error.Message == ErrTransportClosed.Error() {
				return nil, &TransportError{Server: d.server, Op: method, Err: ErrTransportClosed}
			}
			return nil, &ServerError{Server: d.server, Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp.Result, nil
	case <-ctx.Done():
		d.unregister(id)
		return nil, ctx.Err()
	case <-timer.C:
		d.unregister(id)
		return nil, &TimeoutError{Server: d.server, Method: method, Timeout: timeout}
	case <-stop:
		d.unregister(id)
		return nil, &TransportError{Server: d.server, Op: method, Err: ErrTransportClosed}
	}
}
