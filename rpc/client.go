// Package rpc drives the agent process over newline-delimited JSON-RPC on
// its standard streams.
//
// A Client owns at most one child process. Outgoing requests get increasing
// integer ids and wait on a pending table until the response with the same id
// arrives; responses may arrive in any order. Messages the server originates
// are split into notifications, fanned out to every subscriber, and server
// requests, answered by the registered RequestHandler.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-appserver/jsonl"
	"github.com/zhubert/plural-appserver/logger"
)

// NotificationHandler receives every server notification. Handlers run on
// the read goroutine in arrival order and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a server-initiated request. A returned *RPCError is
// sent as-is; any other error becomes an internal error response.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

type clientState int

const (
	stateIdle clientState = iota
	stateStarting
	stateReady
)

// response is delivered to a pending request exactly once.
type response struct {
	result json.RawMessage
	err    error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientInfo sets the identity sent in the initialize request.
func WithClientInfo(info ClientInfo) ClientOption {
	return func(c *Client) { c.info = info }
}

// WithTrace mirrors every line sent and received to w, prefixed with ">> "
// or "<< ".
func WithTrace(w io.Writer) ClientOption {
	return func(c *Client) { c.trace = w }
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// Client is the correlation engine for one agent process.
type Client struct {
	cfg   ProcessConfig
	info  ClientInfo
	log   *slog.Logger
	trace io.Writer

	mu          sync.Mutex
	state       clientState
	proc        *process
	writer      *jsonl.Writer
	ctx         context.Context // cancelled when the current process goes away
	cancel      context.CancelFunc
	nextID      int64
	pending     map[int64]chan response
	subscribers map[uint64]NotificationHandler
	nextSubID   uint64
	reqHandler  RequestHandler
	lastExit    *ExitError // why the previous process went away, if it died

	traceMu sync.Mutex
}

// NewClient creates a client. No process is spawned until Start.
func NewClient(cfg ProcessConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:         cfg,
		info:        DefaultClientInfo,
		nextID:      1,
		pending:     make(map[int64]chan response),
		subscribers: make(map[uint64]NotificationHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("rpc")
	}
	return c
}

// Start spawns the agent and performs the initialize handshake. It is a
// no-op on a ready client and fails fast with ErrStartInProgress while
// another Start is running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return nil
	case stateStarting:
		c.mu.Unlock()
		return ErrStartInProgress
	}
	c.state = stateStarting
	c.mu.Unlock()

	if err := c.spawn(); err != nil {
		c.mu.Lock()
		c.state = stateIdle
		c.mu.Unlock()
		return err
	}

	if _, err := c.call(ctx, "initialize", InitializeParams{ClientInfo: c.info}); err != nil {
		c.log.Error("initialize failed", "error", err)
		c.Close()
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := c.Notify("initialized", nil); err != nil {
		c.Close()
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarting {
		return ErrClosed
	}
	c.state = stateReady
	c.log.Info("agent ready")
	return nil
}

// spawn launches the process and its reader goroutines.
func (c *Client) spawn() error {
	proc, err := startProcess(c.cfg, c.log)
	if err != nil {
		return err
	}

	var stdin io.Writer = proc.stdin
	if c.trace != nil {
		stdin = &traceWriter{dst: proc.stdin, c: c}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.proc = proc
	c.writer = jsonl.NewWriter(stdin)
	c.ctx = ctx
	c.cancel = cancel
	c.nextID = 1
	c.lastExit = nil
	c.mu.Unlock()

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(proc)
	}()
	go func() {
		defer close(stderrDone)
		proc.drainStderr()
	}()
	go func() {
		<-readDone
		<-stderrDone
		c.handleExit(proc, proc.wait())
	}()
	return nil
}

// Running reports whether a process is attached.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}

// Ready reports whether the handshake has completed.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// Request sends method with params and decodes the result into result, which
// may be nil. The core imposes no timeout; cancel ctx to stop waiting.
func (c *Client) Request(ctx context.Context, method string, params, result any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.proc == nil {
		defer c.mu.Unlock()
		if c.lastExit != nil {
			return nil, c.lastExit
		}
		return nil, ErrNotRunning
	}
	id := c.nextID
	c.nextID++
	ch := make(chan response, 1)
	c.pending[id] = ch
	writer := c.writer
	c.mu.Unlock()

	line, err := jsonl.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	c.log.Debug("sending request", "id", id, "method", method)
	if err := writer.WriteLine(line); err != nil {
		// A broken pipe means the process is going away; the exit
		// handler rejects this request with the exit status.
		c.log.Debug("failed to write request", "id", id, "method", method, "error", err)
	}

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a fire-and-forget notification. It consumes no id.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	writer := c.writer
	running := c.proc != nil
	lastExit := c.lastExit
	c.mu.Unlock()
	if !running {
		if lastExit != nil {
			return lastExit
		}
		return ErrNotRunning
	}
	return writer.Write(Notification{Method: method, Params: params})
}

// Subscribe registers h for every notification until the returned function
// is called. The returned function is safe to call more than once.
func (c *Client) Subscribe(h NotificationHandler) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// SetRequestHandler installs the handler for server-initiated requests.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqHandler = h
}

// Close kills the process and abandons in-flight requests, each of which
// receives ErrClosed. A later Start spawns a fresh process.
func (c *Client) Close() {
	c.mu.Lock()
	proc := c.proc
	pending := c.resetLocked()
	c.lastExit = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrClosed}
	}
	if proc != nil {
		c.log.Debug("stopping process")
		proc.kill()
	}
}

// resetLocked detaches the current process and returns the abandoned
// pending table. Caller must hold mu.
func (c *Client) resetLocked() map[int64]chan response {
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.proc = nil
	c.writer = nil
	c.state = stateIdle
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return pending
}

// handleExit fails every pending request once the process is gone.
func (c *Client) handleExit(proc *process, exitErr *ExitError) {
	c.mu.Lock()
	if c.proc != proc {
		// Already torn down by Close.
		c.mu.Unlock()
		return
	}
	pending := c.resetLocked()
	c.lastExit = exitErr
	c.mu.Unlock()

	c.log.Warn("agent process exited unexpectedly", "code", exitErr.Code, "pending", len(pending))
	for _, ch := range pending {
		ch <- response{err: exitErr}
	}
}

// readLoop dispatches each inbound object until stdout closes.
func (c *Client) readLoop(proc *process) {
	reader := jsonl.NewReader(proc.stdout)
	for {
		line, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("error reading stdout", "error", err)
			}
			return
		}
		c.traceLine("<< ", line)
		c.dispatch(line)
	}
}

func (c *Client) dispatch(line json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.log.Debug("dropping undecodable message", "error", err)
		return
	}

	switch env.kind() {
	case kindServerRequest:
		id, _ := env.numericID()
		c.handleServerRequest(id, env.Method, env.Params)
	case kindResponse:
		id, _ := env.numericID()
		c.resolve(id, env.Result, env.Error)
	case kindNotification:
		c.notify(env.Method, env.Params)
	default:
		c.log.Debug("dropping message with neither id nor method")
	}
}

func (c *Client) resolve(id int64, result json.RawMessage, rpcErr *RPCError) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("ignoring response with unknown id", "id", id)
		return
	}
	if rpcErr != nil {
		ch <- response{err: rpcErr}
		return
	}
	ch <- response{result: result}
}

func (c *Client) notify(method string, params json.RawMessage) {
	c.mu.Lock()
	handlers := make([]NotificationHandler, 0, len(c.subscribers))
	for _, h := range c.subscribers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(method, params)
	}
}

// handleServerRequest answers on its own goroutine so an interactive prompt
// never stalls the read loop.
func (c *Client) handleServerRequest(id int64, method string, params json.RawMessage) {
	c.mu.Lock()
	handler := c.reqHandler
	writer := c.writer
	ctx := c.ctx
	c.mu.Unlock()

	if writer == nil {
		return
	}

	go func() {
		resp := Response{ID: id}
		if handler == nil {
			resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "unsupported server request: " + method}
		} else {
			result, err := handler(ctx, method, params)
			var rpcErr *RPCError
			switch {
			case errors.As(err, &rpcErr):
				resp.Error = rpcErr
			case err != nil:
				resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
			default:
				resp.Result = result
			}
		}
		if resp.Error == nil && resp.Result == nil {
			resp.Result = struct{}{}
		}
		if err := writer.Write(resp); err != nil {
			c.log.Warn("failed to answer server request", "id", id, "method", method, "error", err)
		}
	}()
}

func (c *Client) traceLine(prefix string, line []byte) {
	if c.trace == nil {
		return
	}
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	fmt.Fprintf(c.trace, "%s%s\n", prefix, line)
}

// traceWriter copies each outgoing line to the trace.
type traceWriter struct {
	dst io.Writer
	c   *Client
}

func (w *traceWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		line := p[:n]
		if line[len(line)-1] == '\n' {
			line = line[:len(line)-1]
		}
		w.c.traceLine(">> ", line)
	}
	return n, err
}
