// Package fixtures provides in-process MCP backends for tests. A FakeBackend
// speaks line-delimited JSON-RPC over io.Pipe and can be scripted to
// misbehave in the ways real backends do.
package fixtures

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Mafzii/mcp-filter/proxy"
)

// CloseOutput as HandshakeReply makes the backend close stdout instead of
// answering initialize.
const CloseOutput = "-"

// BackendScript describes how a FakeBackend behaves.
type BackendScript struct {
	Tools []string

	// HandshakeReply replaces the initialize response line verbatim.
	HandshakeReply string
	// SilentHandshake never answers initialize.
	SilentHandshake bool
	// ExitAfterHandshake exits right after notifications/initialized.
	ExitAfterHandshake bool

	ToolsListError bool
	// ToolsPageSize splits tools/list into pages linked by nextCursor.
	ToolsPageSize int

	// CallReply replaces every tools/call response line verbatim.
	CallReply string
	CallDelay time.Duration
	HangCalls bool
	// NotifyBeforeReply writes a progress notification ahead of each result.
	NotifyBeforeReply bool
}

// Received is one message the backend read from its stdin.
type Received struct {
	Method string
	ID     string
	Tool   string
	Raw    string
}

// FakeBackend implements proxy.Process without a child process.
type FakeBackend struct {
	Name   string
	script BackendScript

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu  sync.Mutex
	mu       sync.Mutex
	received []Received

	calls    sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	exitErr  error
}

func NewFakeBackend(name string, script BackendScript) *FakeBackend {
	f := &FakeBackend{
		Name:   name,
		script: script,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	go f.run()
	return f
}

func (f *FakeBackend) Stdin() io.WriteCloser { return f.stdinW }

func (f *FakeBackend) Stdout() io.Reader { return f.stdoutR }

func (f *FakeBackend) Wait() error {
	<-f.done
	return f.exitErr
}

func (f *FakeBackend) Stop(grace time.Duration) error {
	f.stopOnce.Do(func() { close(f.stop) })
	_ = f.stdinW.Close()
	_ = f.stdoutR.Close()
	select {
	case <-f.done:
	case <-time.After(grace):
		return errors.New("fake backend did not stop")
	}
	return f.exitErr
}

// Exited reports whether the backend loop has finished.
func (f *FakeBackend) Exited() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *FakeBackend) Received() []Received {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Received, len(f.received))
	copy(out, f.received)
	return out
}

// Methods lists received methods in arrival order.
func (f *FakeBackend) Methods() []string {
	var out []string
	for _, r := range f.Received() {
		out = append(out, r.Method)
	}
	return out
}

// CallCount is how many tools/call requests named tool arrived.
func (f *FakeBackend) CallCount(tool string) int {
	n := 0
	for _, r := range f.Received() {
		if r.Method == proxy.MethodToolsCall && r.Tool == tool {
			n++
		}
	}
	return n
}

func (f *FakeBackend) run() {
	defer func() {
		f.calls.Wait()
		_ = f.stdoutW.Close()
		_ = f.stdinR.CloseWithError(io.ErrClosedPipe)
		close(f.done)
	}()

	scanner := bufio.NewScanner(f.stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), proxy.MaxMessageSize)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name   string `json:"name"`
				Cursor string `json:"cursor"`
			} `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		f.mu.Lock()
		f.received = append(f.received, Received{Method: msg.Method, ID: string(msg.ID), Tool: msg.Params.Name, Raw: string(line)})
		f.mu.Unlock()

		switch msg.Method {
		case proxy.MethodInitialize:
			switch {
			case f.script.SilentHandshake:
			case f.script.HandshakeReply == CloseOutput:
				return
			case f.script.HandshakeReply != "":
				f.writeLine([]byte(f.script.HandshakeReply))
			default:
				f.reply(msg.ID, proxy.InitResult{
					ProtocolVersion: proxy.MCPProtocolVersion,
					Capabilities:    proxy.Capabilities{Tools: &proxy.ToolsCapability{}},
					ServerInfo:      proxy.ServerInfo{Name: f.Name, Version: "0.0.1"},
				})
			}
		case proxy.MethodInitialized:
			if f.script.ExitAfterHandshake {
				f.exitErr = errors.New("exit status 1")
				return
			}
		case proxy.MethodToolsList:
			if f.script.ToolsListError {
				f.writeLine(proxy.MakeError(msg.ID, proxy.CodeInternalError, "tools unavailable", nil))
				continue
			}
			f.reply(msg.ID, f.toolsPage(msg.Params.Cursor))
		case proxy.MethodToolsCall:
			if f.script.HangCalls {
				continue
			}
			f.calls.Add(1)
			go f.answerCall(msg.ID, msg.Params.Name)
		default:
			if len(msg.ID) == 0 {
				continue
			}
			f.reply(msg.ID, map[string]string{"backend": f.Name, "method": msg.Method})
		}
	}
}

func (f *FakeBackend) toolsPage(cursor string) map[string]interface{} {
	start := 0
	if cursor != "" {
		_, _ = fmt.Sscanf(cursor, "page-%d", &start)
	}
	end := len(f.script.Tools)
	if f.script.ToolsPageSize > 0 && start+f.script.ToolsPageSize < end {
		end = start + f.script.ToolsPageSize
	}

	tools := make([]map[string]interface{}, 0, end-start)
	for _, name := range f.script.Tools[start:end] {
		tools = append(tools, map[string]interface{}{
			"name":        name,
			"description": fmt.Sprintf("%s from %s", name, f.Name),
			"inputSchema": map[string]interface{}{"type": "object"},
		})
	}
	result := map[string]interface{}{"tools": tools}
	if end < len(f.script.Tools) {
		result["nextCursor"] = fmt.Sprintf("page-%d", end)
	}
	return result
}

func (f *FakeBackend) answerCall(id json.RawMessage, tool string) {
	defer f.calls.Done()

	if f.script.CallDelay > 0 {
		select {
		case <-time.After(f.script.CallDelay):
		case <-f.stop:
			return
		}
	}

	if f.script.NotifyBeforeReply {
		note, _ := proxy.MakeRequest(nil, "notifications/progress", map[string]interface{}{"progress": 1})
		f.writeLine(note)
	}

	if f.script.CallReply != "" {
		f.writeLine([]byte(f.script.CallReply))
		return
	}
	f.reply(id, map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": f.Name + ":" + tool}},
	})
}

func (f *FakeBackend) reply(id json.RawMessage, result interface{}) {
	out, err := proxy.MakeResult(id, result)
	if err != nil {
		return
	}
	f.writeLine(out)
}

func (f *FakeBackend) writeLine(line []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, _ = f.stdoutW.Write(append(line, '\n'))
}

// FakeLauncher hands out FakeBackends by name and implements proxy.Launcher.
type FakeLauncher struct {
	mu       sync.Mutex
	scripts  map[string]BackendScript
	failures map[string]error
	backends map[string]*FakeBackend
	launched []string
}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		scripts:  make(map[string]BackendScript),
		failures: make(map[string]error),
		backends: make(map[string]*FakeBackend),
	}
}

// Script registers the behaviour of backend name.
func (l *FakeLauncher) Script(name string, script BackendScript) *FakeLauncher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts[name] = script
	return l
}

// FailLaunch makes launching backend name return err.
func (l *FakeLauncher) FailLaunch(name string, err error) *FakeLauncher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[name] = err
	return l
}

func (l *FakeLauncher) Launch(name string, argv []string, env []string) (proxy.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.launched = append(l.launched, name)
	if err := l.failures[name]; err != nil {
		return nil, err
	}
	script, ok := l.scripts[name]
	if !ok {
		cmd := name
		if len(argv) > 0 {
			cmd = argv[0]
		}
		return nil, fmt.Errorf("exec: %q: executable file not found in $PATH", cmd)
	}

	b := NewFakeBackend(name, script)
	l.backends[name] = b
	return b, nil
}

func (l *FakeLauncher) Backend(name string) *FakeBackend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backends[name]
}

// Launched lists launch attempts in order, failed ones included.
func (l *FakeLauncher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}
