package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mafzii/mcp-filter/proxy"
)

const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	// maxToolPages bounds tools/list pagination per backend.
	maxToolPages = 100
)

// BackendState is the lifecycle state of one backend connection.
type BackendState int32

const (
	StateNotStarted BackendState = iota
	StateHandshaking
	StateReady
	StateFailed
	StateTerminated
)

func (s BackendState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionOptions tunes timeouts and identity for backend connections.
type ConnectionOptions struct {
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	StopGrace        time.Duration
	ClientInfo       proxy.ClientInfo
	Trace            *proxy.TraceRecorder
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo = proxy.ClientInfo{Name: proxy.AppName, Version: Version}
	}
	return o
}

type pendingResult struct {
	line []byte
	err  error
}

type pendingRequest struct {
	method   string
	issuedAt time.Time
	done     chan pendingResult
}

// BackendConnection owns one backend process and its stdio streams.
//
// Before Ready the connection is driven synchronously by Start and
// Handshake. Once Ready a reader goroutine owns stdout and hands responses
// to waiting callers through the pending table, keyed by request id.
type BackendConnection struct {
	name     string
	entry    proxy.ServerEntry
	launcher proxy.Launcher
	logger   *proxy.Logger
	opts     ConnectionOptions

	state      atomic.Int32
	process    proxy.Process
	transport  proxy.Transport
	serverInfo proxy.ServerInfo

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	readerDone  chan struct{}
	releaseOnce sync.Once
}

func NewBackendConnection(entry proxy.ServerEntry, launcher proxy.Launcher, logger *proxy.Logger, opts ConnectionOptions) *BackendConnection {
	return &BackendConnection{
		name:       entry.Name,
		entry:      entry,
		launcher:   launcher,
		logger:     logger.With("backend", entry.Name),
		opts:       opts.withDefaults(),
		pending:    make(map[string]*pendingRequest),
		readerDone: make(chan struct{}),
	}
}

func (c *BackendConnection) Name() string {
	return c.name
}

func (c *BackendConnection) Entry() proxy.ServerEntry {
	return c.entry
}

func (c *BackendConnection) State() BackendState {
	return BackendState(c.state.Load())
}

func (c *BackendConnection) setState(s BackendState) {
	c.state.Store(int32(s))
}

// ServerInfo is what the backend reported during the handshake.
func (c *BackendConnection) ServerInfo() proxy.ServerInfo {
	return c.serverInfo
}

// ReaderDone is closed once the reader goroutine has exited. It is never
// closed for a connection that did not reach Ready.
func (c *BackendConnection) ReaderDone() <-chan struct{} {
	return c.readerDone
}

// PendingCount reports how many requests are awaiting a response.
func (c *BackendConnection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start launches the backend process and wires its streams.
func (c *BackendConnection) Start(ctx context.Context) error {
	if s := c.State(); s != StateNotStarted {
		return fmt.Errorf("%w: %s is %s", ErrLaunch, c.name, s)
	}
	if err := ctx.Err(); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("%w: %s: %v", ErrLaunch, c.name, err)
	}

	proc, err := c.launcher.Launch(c.name, c.entry.Argv(), c.entry.Env)
	if err != nil {
		c.setState(StateFailed)
		if !errors.Is(err, ErrLaunch) {
			err = fmt.Errorf("%w: %s: %v", ErrLaunch, c.name, err)
		}
		c.logger.Error("failed to launch: %v", err)
		c.opts.Trace.Add(proxy.TraceEvent{Stage: proxy.StageLaunch, Backend: c.name, Detail: err.Error()})
		return err
	}

	c.process = proc
	c.transport = proxy.NewStdioTransport(proc.Stdout(), proc.Stdin())
	c.setState(StateHandshaking)
	c.opts.Trace.Add(proxy.TraceEvent{Stage: proxy.StageLaunch, Backend: c.name, Detail: "started"})
	return nil
}

// Handshake performs initialize / notifications/initialized. On success the
// connection is Ready and its reader goroutine is running.
func (c *BackendConnection) Handshake(ctx context.Context) error {
	if s := c.State(); s != StateHandshaking {
		return fmt.Errorf("%w: %s is %s", ErrHandshake, c.name, s)
	}

	if err := c.handshake(ctx); err != nil {
		c.fail(err)
		return err
	}

	c.setState(StateReady)
	c.logger.Info("ready (server %s %s)", c.serverInfo.Name, c.serverInfo.Version)
	c.opts.Trace.Add(proxy.TraceEvent{Stage: proxy.StageHandshake, Backend: c.name, Method: proxy.MethodInitialize, Detail: "ready"})

	go c.readLoop()
	return nil
}

func (c *BackendConnection) handshake(ctx context.Context) error {
	req, err := proxy.NewInitRequest(c.nextID.Add(1), c.opts.ClientInfo)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHandshake, c.name, err)
	}
	if err := c.transport.SendMessage(req); err != nil {
		go c.discardOutput()
		return fmt.Errorf("%w: %s: write initialize: %v", ErrHandshake, c.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := c.transport.ReceiveMessage()
		ch <- readResult{line: line, err: err}
	}()

	var res readResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: no initialize response: %v", ErrHandshake, c.name, ctx.Err())
	}

	if res.err != nil {
		return fmt.Errorf("%w: %s: stream closed before initialize response: %v", ErrHandshake, c.name, res.err)
	}
	if err := c.acceptInit(res.line); err != nil {
		go c.discardOutput()
		return err
	}
	return nil
}

func (c *BackendConnection) acceptInit(line []byte) error {
	var resp proxy.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("%w: %s: invalid initialize response: %v", ErrHandshake, c.name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%w: %s: initialize rejected: %v", ErrHandshake, c.name, resp.Error)
	}
	if !resp.HasResult() {
		return fmt.Errorf("%w: %s: initialize response has no result", ErrHandshake, c.name)
	}

	var result proxy.InitResult
	if err := json.Unmarshal(resp.Result, &result); err == nil {
		c.serverInfo = result.ServerInfo
	}

	if err := c.transport.SendMessage(proxy.NewInitializedNotification()); err != nil {
		return fmt.Errorf("%w: %s: write initialized: %v", ErrHandshake, c.name, err)
	}
	return nil
}

// ListTools asks the backend for its tools, following pagination cursors.
// Tools are returned in the backend's own order with duplicates dropped.
func (c *BackendConnection) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var (
		tools  []ToolDescriptor
		seen   = make(map[string]bool)
		cursor string
	)

	for page := 0; page < maxToolPages; page++ {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		id := proxy.IntID(c.nextID.Add(1))
		payload, err := proxy.MakeRequest(id, proxy.MethodToolsList, params)
		if err != nil {
			return nil, err
		}

		line, err := c.request(ctx, id, payload, proxy.MethodToolsList)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Result *proxy.ToolsListResult `json:"result"`
			Error  *proxy.JSONRPCError    `json:"error"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("%w: %s: tools/list: %v", ErrParse, c.name, err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: tools/list failed: %w", c.name, resp.Error)
		}
		if resp.Result == nil {
			return nil, fmt.Errorf("%w: %s: tools/list response has no result", ErrParse, c.name)
		}

		for _, raw := range resp.Result.Tools {
			var head struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(raw, &head); err != nil || head.Name == "" {
				c.logger.Warn("skipping tool without a name: %s", string(raw))
				continue
			}
			if seen[head.Name] {
				c.logger.Warn("backend listed tool %s twice, keeping the first", head.Name)
				continue
			}
			seen[head.Name] = true
			tools = append(tools, ToolDescriptor{
				Name:        head.Name,
				Description: head.Description,
				Owner:       c.name,
				raw:         append(json.RawMessage(nil), raw...),
			})
		}

		if resp.Result.NextCursor == "" {
			return tools, nil
		}
		cursor = resp.Result.NextCursor
	}

	c.logger.Warn("tools/list still paginating after %d pages, truncating", maxToolPages)
	return tools, nil
}

// CallTool forwards a client tools/call verbatim, id included, and returns
// the backend's response line.
func (c *BackendConnection) CallTool(ctx context.Context, msg *proxy.Message) ([]byte, error) {
	return c.request(ctx, msg.ID, msg.Raw, msg.Method)
}

// Forward relays any other client message. Notifications are written and
// return immediately with a nil response.
func (c *BackendConnection) Forward(ctx context.Context, msg *proxy.Message) ([]byte, error) {
	if !msg.IsNotification() {
		return c.request(ctx, msg.ID, msg.Raw, msg.Method)
	}

	if s := c.State(); s != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrBackendUnavailable, c.name, s)
	}
	if err := c.transport.SendMessage(msg.Raw); err != nil {
		c.logger.Warn("write failed, terminating: %v", err)
		c.Terminate()
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, c.name, err)
	}
	return nil, nil
}

func (c *BackendConnection) request(ctx context.Context, id json.RawMessage, payload []byte, method string) ([]byte, error) {
	if s := c.State(); s != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrBackendUnavailable, c.name, s)
	}

	key := proxy.IDKey(id)
	p := &pendingRequest{
		method:   method,
		issuedAt: time.Now(),
		done:     make(chan pendingResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is shutting down", ErrBackendUnavailable, c.name)
	}
	if _, dup := c.pending[key]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: id %s on %s", ErrDuplicateRequestID, key, c.name)
	}
	c.pending[key] = p
	c.mu.Unlock()
	defer c.forget(key, p)

	if err := c.transport.SendMessage(payload); err != nil {
		c.logger.Warn("write failed, terminating: %v", err)
		c.Terminate()
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, c.name, err)
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		if res.err == nil {
			c.logger.Debug("%s %s answered in %s", method, key, time.Since(p.issuedAt))
		}
		return res.line, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s %s on %s after %s", ErrTimeout, method, key, c.name, c.opts.CallTimeout)
	}
}

func (c *BackendConnection) forget(key string, p *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[key] == p {
		delete(c.pending, key)
	}
}

func (c *BackendConnection) readLoop() {
	defer close(c.readerDone)

	for {
		line, err := c.transport.ReceiveMessage()
		if errors.Is(err, proxy.ErrMessageTooLarge) {
			c.logger.Warn("discarded oversized line from backend")
			c.failSolePending(fmt.Errorf("%w: %s: %v", ErrParse, c.name, err))
			continue
		}
		if err != nil {
			if c.state.CompareAndSwap(int32(StateReady), int32(StateTerminated)) {
				if errors.Is(err, io.EOF) {
					c.logger.Warn("backend closed its output, marking terminated")
				} else {
					c.logger.Warn("read failed, marking terminated: %v", err)
				}
			}
			break
		}
		c.dispatch(line)
	}

	c.release()
}

// discardOutput reads stdout until it ends so the process is reaped only
// after its last write has been consumed.
func (c *BackendConnection) discardOutput() {
	for {
		_, err := c.transport.ReceiveMessage()
		if err != nil && !errors.Is(err, proxy.ErrMessageTooLarge) {
			return
		}
	}
}

func (c *BackendConnection) dispatch(line []byte) {
	var resp proxy.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.logger.Warn("malformed line from backend: %v", err)
		c.failSolePending(fmt.Errorf("%w: %s: %v", ErrParse, c.name, err))
		return
	}

	if resp.Method != "" {
		if len(resp.ID) == 0 {
			c.logger.Debug("dropping backend notification %s", resp.Method)
			return
		}
		c.logger.Debug("refusing backend request %s", resp.Method)
		reply := proxy.MakeError(resp.ID, proxy.CodeMethodNotFound, "Method not supported by proxy", nil)
		if err := c.transport.SendMessage(reply); err != nil {
			c.logger.Debug("failed to refuse backend request: %v", err)
		}
		return
	}

	if len(resp.ID) == 0 {
		c.logger.Warn("backend response without an id")
		c.failSolePending(fmt.Errorf("%w: %s: response without id", ErrParse, c.name))
		return
	}

	key := proxy.IDKey(resp.ID)
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		if key == "null" {
			// Backends answer lines they could not parse with a null id.
			c.logger.Warn("backend response with a null id")
			c.failSolePending(fmt.Errorf("%w: %s: response with null id", ErrParse, c.name))
			return
		}
		c.logger.Warn("dropping response for unknown or expired id %s", key)
		return
	}

	if len(resp.Result) == 0 && resp.Error == nil {
		p.done <- pendingResult{err: fmt.Errorf("%w: %s: response has neither result nor error", ErrParse, c.name)}
		return
	}
	p.done <- pendingResult{line: line}
}

// failSolePending fails the only outstanding request, if there is exactly
// one. An uncorrelatable line can only be blamed when nothing else is open.
func (c *BackendConnection) failSolePending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) != 1 {
		return
	}
	for key, p := range c.pending {
		delete(c.pending, key)
		p.done <- pendingResult{err: err}
	}
}

func (c *BackendConnection) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for key, p := range c.pending {
		delete(c.pending, key)
		p.done <- pendingResult{err: err}
	}
}

func (c *BackendConnection) fail(err error) {
	c.setState(StateFailed)
	c.logger.Error("%v", err)
	c.opts.Trace.Add(proxy.TraceEvent{Stage: proxy.StageHandshake, Backend: c.name, Method: proxy.MethodInitialize, Detail: err.Error()})
	c.release()
}

// Terminate stops the backend. It is idempotent and fails every pending
// request with ErrBackendUnavailable.
func (c *BackendConnection) Terminate() {
	for {
		s := c.State()
		if s == StateTerminated || s == StateFailed {
			break
		}
		if c.state.CompareAndSwap(int32(s), int32(StateTerminated)) {
			c.logger.Debug("terminating")
			break
		}
	}
	c.release()
}

// release frees the process and streams exactly once.
func (c *BackendConnection) release() {
	c.releaseOnce.Do(func() {
		c.failPending(fmt.Errorf("%w: %s stopped", ErrBackendUnavailable, c.name))
		if c.transport != nil {
			_ = c.transport.Close()
		}
		if c.process != nil {
			if err := c.process.Stop(c.opts.StopGrace); err != nil {
				c.logger.Debug("process stopped: %v", err)
			}
		}
	})
}
