package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// shutdownGrace is how long a subprocess gets between stdin close and kill.
const shutdownGrace = 5 * time.Second

// StdioTransport runs an MCP server as a subprocess and speaks
// newline-delimited JSON-RPC over its stdin/stdout. stderr is drained into
// the host log.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	dispatcher

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	nextID atomic.Int64
	state  atomic.Int32

	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	onExit    func(err error)
	closeOnce sync.Once
}

// NewStdioTransport creates a stdio transport for the given server.
func NewStdioTransport(cfg *ServerConfig) *StdioTransport {
	logger := slog.Default().With("mcp_server", cfg.Name, "transport", "stdio")
	return &StdioTransport{
		config:     cfg,
		logger:     logger,
		dispatcher: newDispatcher(cfg.Name, logger),
		stopChan:   make(chan struct{}),
	}
}

// OnExit installs a callback invoked once when the subprocess exits
// unexpectedly. Must be set before Connect.
func (t *StdioTransport) OnExit(fn func(err error)) {
	t.onExit = fn
}

// Connect spawns the subprocess and starts the read and stderr loops.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	t.state.Store(int32(StateConnecting))

	t.process = exec.Command(t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return &TransportError{Server: t.config.Name, Op: "connect", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return &TransportError{Server: t.config.Name, Op: "connect", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return &TransportError{Server: t.config.Name, Op: "connect", Err: fmt.Errorf("start process: %w", err)}
	}

	t.state.Store(int32(StateReady))
	t.logger.Info("started MCP server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)

	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}

	go t.waitProcess()

	return nil
}

// Close signals shutdown by closing stdin, waits out the grace period, then
// kills the subprocess if it is still alive.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.state.Store(int32(StateClosing))
		t.stop()

		if t.stdin != nil {
			_ = t.stdin.Close()
		}

		if t.process != nil && t.process.Process != nil {
			done := make(chan struct{})
			go func() {
				t.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(shutdownGrace):
				t.logger.Warn("subprocess did not exit in grace period, killing")
				_ = t.process.Process.Kill()
				t.wg.Wait()
			}
		}

		t.failPending()
		t.state.Store(int32(StateClosed))
	})
	return nil
}

func (t *StdioTransport) stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
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
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
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
func (t *StdioTransport) Subscribe(method string, handler NotificationHandler) {
	t.subscribe(method, handler)
}

// Requests returns the channel of server-initiated requests.
func (t *StdioTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Respond answers a server-initiated request.
func (t *StdioTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
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
func (t *StdioTransport) State() TransportState {
	return TransportState(t.state.Load())
}

// writeMessage serializes one message as a single newline-terminated JSON
// line. Writes are serialized so concurrent callers never interleave.
func (t *StdioTransport) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readLoop reads newline-delimited messages from the subprocess stdout.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB lines

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// drainStderr forwards subprocess stderr lines into the host log.
func (t *StdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}

// waitProcess reaps the subprocess once the pipe readers have drained. An
// exit outside Close marks the transport closed and fails every pending
// waiter.
func (t *StdioTransport) waitProcess() {
	t.wg.Wait()
	err := t.process.Wait()

	select {
	case <-t.stopChan:
		// Expected exit during Close.
		return
	default:
	}

	if err != nil {
		t.logger.Warn("MCP server process exited unexpectedly", "error", err)
	} else {
		t.logger.Warn("MCP server process exited unexpectedly")
	}

	t.state.Store(int32(StateClosed))
	t.stop()
	t.failPending()

	if t.onExit != nil {
		t.onExit(err)
	}
}
