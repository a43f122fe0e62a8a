package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mafzii/mcp-filter/proxy"
)

// Version is reported as serverInfo.version and as the client version in
// backend handshakes.
const Version = "1.0.0"

// SessionState is the client-facing protocol state.
type SessionState int32

const (
	SessionUninitialized SessionState = iota
	SessionInitialized
	SessionReady
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionInitialized:
		return "initialized"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("session(%d)", int32(s))
	}
}

// RouterOptions configures a ProxyRouter. Trace, Stats and Store are optional.
type RouterOptions struct {
	ServerInfo proxy.ServerInfo
	// MaxConcurrentCalls above 1 lets tool calls and forwarded requests
	// overlap; 1 handles every line to completion before reading the next.
	MaxConcurrentCalls   int
	RejectUnknownMethods bool

	Trace *proxy.TraceRecorder
	Stats *StatsTracker
	Store *AuditStore
}

// BackendSource supplies the backend that receives methods the proxy does
// not handle itself.
type BackendSource interface {
	DefaultBackend() *BackendConnection
}

// ProxyRouter presents the catalog to a client as a single MCP server.
type ProxyRouter struct {
	catalog  *ToolCatalog
	backends BackendSource
	logger   *proxy.Logger
	opts     RouterOptions
}

func NewProxyRouter(catalog *ToolCatalog, backends BackendSource, logger *proxy.Logger, opts RouterOptions) *ProxyRouter {
	if opts.ServerInfo.Name == "" {
		opts.ServerInfo = proxy.ServerInfo{Name: proxy.AppName, Version: Version}
	}
	if opts.MaxConcurrentCalls <= 0 {
		opts.MaxConcurrentCalls = 1
	}
	if catalog == nil {
		catalog = &ToolCatalog{routes: make(map[string]*BackendConnection)}
	}
	return &ProxyRouter{
		catalog:  catalog,
		backends: backends,
		logger:   logger,
		opts:     opts,
	}
}

type session struct {
	id     string
	router *ProxyRouter
	logger *proxy.Logger
	out    proxy.Transport
	cancel context.CancelFunc

	// state and requests are only touched by the read loop
	state    SessionState
	requests int

	workers   *errgroup.Group
	writeOnce sync.Once
	writeErr  error
}

// Serve runs one client session until in reaches EOF, a read or write on the
// client streams fails, or ctx is cancelled. In-flight backend work is
// cancelled when the session ends.
func (r *ProxyRouter) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport := proxy.NewStdioTransport(in, out)
	s := &session{
		id:     uuid.NewString(),
		router: r,
		out:    transport,
		cancel: cancel,
	}
	s.logger = r.logger.With("session", s.id[:8])
	if r.opts.MaxConcurrentCalls > 1 {
		s.workers = new(errgroup.Group)
		s.workers.SetLimit(r.opts.MaxConcurrentCalls)
	}

	s.logger.Info("session started")
	if r.opts.Store != nil {
		if err := r.opts.Store.StartSession(s.id); err != nil {
			s.logger.Warn("%v", err)
		}
	}

	type readResult struct {
		line []byte
		err  error
	}
	lines := make(chan readResult)
	go func() {
		for {
			line, err := transport.ReceiveMessage()
			select {
			case lines <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, proxy.ErrMessageTooLarge) {
				return
			}
		}
	}()

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			serveErr = ctx.Err()
			break loop
		case res := <-lines:
			if errors.Is(res.err, proxy.ErrMessageTooLarge) {
				s.logger.Warn("parse error: %v", res.err)
				s.replyError(nil, proxy.CodeParseError, "Parse error", nil)
				continue
			}
			if res.err != nil {
				if !errors.Is(res.err, io.EOF) {
					serveErr = fmt.Errorf("client read failed: %w", res.err)
				}
				break loop
			}
			s.handleLine(ctx, res.line)
		}
	}

	s.state = SessionClosed
	cancel()
	if s.workers != nil {
		_ = s.workers.Wait()
	}
	if s.writeErr != nil {
		serveErr = s.writeErr
	}
	s.finish()
	return serveErr
}

func (s *session) finish() {
	if stats := s.router.opts.Stats; stats != nil {
		snap := stats.GetStats()
		s.logger.Info("session closed after %d messages, %d tool calls (%d ok, avg %s)%s",
			s.requests, snap.TotalCalls, snap.ByOutcome[OutcomeOK], snap.AvgLatency, formatFailures(snap.TopFailedTools))
	} else {
		s.logger.Info("session closed after %d messages", s.requests)
	}
	if s.logger.Level() == proxy.LogDebug {
		for _, ev := range s.router.opts.Trace.List() {
			s.logger.Debug("trace %s %s backend=%s method=%s tool=%s %s",
				ev.Time.Format(time.RFC3339Nano), ev.Stage, ev.Backend, ev.Method, ev.Tool, ev.Detail)
		}
	}
	if store := s.router.opts.Store; store != nil {
		if err := store.EndSession(s.id, s.requests); err != nil {
			s.logger.Warn("%v", err)
		}
	}
}

func formatFailures(failed []ToolStat) string {
	if len(failed) == 0 {
		return ""
	}
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%s (%d)", f.Name, f.Count))
	}
	return "; top failures: " + strings.Join(parts, ", ")
}

func (s *session) handleLine(ctx context.Context, line []byte) {
	msg, err := proxy.ParseMessage(line)
	if err != nil {
		if errors.Is(err, proxy.ErrInvalidRequest) {
			s.logger.Warn("invalid request: %v", err)
			s.replyError(msg.ID, proxy.CodeInvalidRequest, "Invalid Request", err.Error())
			return
		}
		s.logger.Warn("parse error: %v", err)
		s.replyError(nil, proxy.CodeParseError, "Parse error", nil)
		return
	}
	s.requests++
	s.logger.Debug("<- %s", msg.Method)

	switch msg.Kind {
	case proxy.KindPing:
		if !msg.IsNotification() {
			s.replyResult(msg.ID, struct{}{})
		}
		return
	case proxy.KindInitialize:
		s.handleInitialize(msg)
		return
	case proxy.KindInitialized:
		if s.state == SessionInitialized {
			s.state = SessionReady
			s.logger.Debug("client ready")
		}
		return
	}

	if s.state != SessionReady {
		if msg.IsNotification() {
			s.logger.Debug("ignoring %s before initialization", msg.Method)
			return
		}
		s.replyError(msg.ID, proxy.CodeNotInitialized, "Server not initialized", nil)
		return
	}

	switch msg.Kind {
	case proxy.KindToolsList:
		s.handleToolsList(msg)
	case proxy.KindToolsCall:
		s.dispatch(ctx, msg, s.handleToolsCall)
	default:
		s.dispatch(ctx, msg, s.handleOther)
	}
}

func (s *session) dispatch(ctx context.Context, msg *proxy.Message, fn func(context.Context, *proxy.Message)) {
	if s.workers == nil {
		fn(ctx, msg)
		return
	}
	s.workers.Go(func() error {
		fn(ctx, msg)
		return nil
	})
}

func (s *session) handleInitialize(msg *proxy.Message) {
	if msg.IsNotification() {
		return
	}

	var params proxy.InitRequestParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Debug("ignoring malformed initialize params: %v", err)
		}
	}

	if s.state == SessionUninitialized {
		s.state = SessionInitialized
		s.logger.Info("client %s %s connected (protocol %s)", params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion)
	} else {
		s.logger.Debug("repeated initialize in state %s", s.state)
	}

	s.replyResult(msg.ID, proxy.InitResult{
		ProtocolVersion: proxy.MCPProtocolVersion,
		Capabilities:    proxy.Capabilities{Tools: &proxy.ToolsCapability{}},
		ServerInfo:      s.router.opts.ServerInfo,
	})
}

func (s *session) handleToolsList(msg *proxy.Message) {
	if msg.IsNotification() {
		return
	}
	s.replyResult(msg.ID, map[string]interface{}{
		"tools": s.router.catalog.Snapshot(),
	})
}

func (s *session) handleToolsCall(ctx context.Context, msg *proxy.Message) {
	if msg.IsNotification() {
		s.logger.Warn("dropping tools/call without an id")
		return
	}

	params, err := msg.ToolCall()
	if err != nil {
		s.replyError(msg.ID, proxy.CodeInvalidParams, "Invalid params", err.Error())
		return
	}

	conn, ok := s.router.catalog.Lookup(params.Name)
	if !ok {
		s.logger.Warn("tool not found: %s", params.Name)
		s.trace(proxy.StageReject, "", msg.Method, params.Name, "not found")
		s.record(params.Name, "", OutcomeNotFound, ErrRouteNotFound, 0)
		s.replyError(msg.ID, proxy.CodeMethodNotFound, fmt.Sprintf("Tool not found: %s", params.Name), map[string]string{"name": params.Name})
		return
	}

	s.trace(proxy.StageRoute, conn.Name(), msg.Method, params.Name, "")
	start := time.Now()
	resp, err := conn.CallTool(ctx, msg)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("tools/call %s abandoned: session closing", params.Name)
			return
		}
		code, message, outcome := classifyBackendError(err)
		s.logger.Warn("tools/call %s on %s failed: %v", params.Name, conn.Name(), err)
		s.trace(proxy.StageResponse, conn.Name(), msg.Method, params.Name, err.Error())
		s.record(params.Name, conn.Name(), outcome, err, elapsed)
		s.replyError(msg.ID, code, message, map[string]string{"name": params.Name, "backend": conn.Name(), "error": err.Error()})
		return
	}

	s.trace(proxy.StageResponse, conn.Name(), msg.Method, params.Name, elapsed.String())
	s.record(params.Name, conn.Name(), OutcomeOK, nil, elapsed)
	s.write(resp)
}

func (s *session) handleOther(ctx context.Context, msg *proxy.Message) {
	if s.router.opts.RejectUnknownMethods {
		if !msg.IsNotification() {
			s.replyError(msg.ID, proxy.CodeMethodNotFound, "Method not found", msg.Method)
		}
		return
	}

	var conn *BackendConnection
	if s.router.backends != nil {
		conn = s.router.backends.DefaultBackend()
	}
	if conn == nil {
		if !msg.IsNotification() {
			s.replyError(msg.ID, proxy.CodeBackendUnavailable, "No backend available", msg.Method)
		}
		return
	}

	s.trace(proxy.StageForward, conn.Name(), msg.Method, "", "")
	resp, err := conn.Forward(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("%s on %s failed: %v", msg.Method, conn.Name(), err)
		if msg.IsNotification() {
			return
		}
		code, message, _ := classifyBackendError(err)
		if code == proxy.CodeInternalError {
			message = "Request failed"
		}
		s.replyError(msg.ID, code, message, map[string]string{"method": msg.Method, "backend": conn.Name(), "error": err.Error()})
		return
	}
	if resp != nil {
		s.write(resp)
	}
}

// classifyBackendError maps a backend failure to a JSON-RPC error.
func classifyBackendError(err error) (code int, message, outcome string) {
	switch {
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrTransport):
		return proxy.CodeBackendUnavailable, "Backend unavailable", OutcomeUnavailable
	case errors.Is(err, ErrDuplicateRequestID):
		return proxy.CodeInvalidRequest, "Request id already in use", OutcomeFailed
	default:
		return proxy.CodeInternalError, "Tool call failed", OutcomeFailed
	}
}

func (s *session) trace(stage, backend, method, tool, detail string) {
	s.router.opts.Trace.Add(proxy.TraceEvent{Stage: stage, Backend: backend, Method: method, Tool: tool, Detail: detail})
}

func (s *session) record(tool, backend, outcome string, err error, elapsed time.Duration) {
	if stats := s.router.opts.Stats; stats != nil {
		stats.RecordCall(tool, outcome, elapsed)
	}
	store := s.router.opts.Store
	if store == nil {
		return
	}
	rec := ToolCallRecord{SessionID: s.id, Tool: tool, Backend: backend, Outcome: outcome, Duration: elapsed}
	if err != nil {
		rec.Error = err.Error()
	}
	if err := store.RecordToolCall(rec); err != nil {
		s.logger.Warn("%v", err)
	}
}

func (s *session) replyResult(id json.RawMessage, result interface{}) {
	out, err := proxy.MakeResult(id, result)
	if err != nil {
		s.logger.Error("%v", err)
		out = proxy.MakeError(id, proxy.CodeInternalError, "Internal error", nil)
	}
	s.write(out)
}

func (s *session) replyError(id json.RawMessage, code int, message string, data interface{}) {
	s.write(proxy.MakeError(id, code, message, data))
}

// write sends one line to the client. A failed write ends the session.
func (s *session) write(line []byte) {
	if err := s.out.SendMessage(line); err != nil {
		s.writeOnce.Do(func() {
			s.writeErr = fmt.Errorf("client write failed: %w", err)
			s.logger.Error("%v", s.writeErr)
			s.cancel()
		})
	}
}
