package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Mafzii/mcp-filter/fixtures"
	"github.com/Mafzii/mcp-filter/proxy"
)

const clientSession = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"bar","arguments":{}}}
{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"hidden","arguments":{}}}
`

type replyLine struct {
	ID     json.RawMessage `json:"id"`
	Result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code int `json:"code"`
	} `json:"error"`
}

func decodeReplies(t *testing.T, out string) []replyLine {
	t.Helper()
	var replies []replyLine
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var r replyLine
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("invalid reply line %q: %v", line, err)
		}
		replies = append(replies, r)
	}
	return replies
}

func serveConfig(t *testing.T) ServeConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.json")
	registry := &proxy.ServerRegistry{Servers: []proxy.ServerEntry{
		{Name: "A", Command: "a-server", AllowedTools: []string{"foo"}},
		{Name: "B", Command: "b-server", AllowedTools: []string{"*"}},
		{Name: "C", Command: "c-server"},
	}}
	if err := proxy.SaveServerRegistry(registry, path); err != nil {
		t.Fatal(err)
	}
	return ServeConfig{ConfigPath: path, HandshakeTimeout: time.Second, CallTimeout: time.Second, MaxConcurrentCalls: 1}
}

func TestRunServe(t *testing.T) {
	launcher := fixtures.NewFakeLauncher().
		Script("A", fixtures.BackendScript{Tools: []string{"foo", "hidden"}}).
		Script("B", fixtures.BackendScript{Tools: []string{"bar"}})

	var out bytes.Buffer
	err := RunServe(context.Background(), serveConfig(t), launcher, proxy.NewNopLogger(), strings.NewReader(clientSession), &out)
	if err != nil {
		t.Fatalf("RunServe failed: %v", err)
	}

	replies := decodeReplies(t, out.String())
	if len(replies) != 4 {
		t.Fatalf("expected 4 replies, got %d:\n%s", len(replies), out.String())
	}

	var listed []string
	for _, tool := range replies[1].Result.Tools {
		listed = append(listed, tool.Name)
	}
	if strings.Join(listed, ",") != "foo,bar" {
		t.Errorf("expected foo,bar listed, got %v", listed)
	}

	if replies[2].Error != nil || len(replies[2].Result.Content) != 1 || replies[2].Result.Content[0].Text != "B:bar" {
		t.Errorf("unexpected bar reply: %+v", replies[2])
	}
	if replies[3].Error == nil || replies[3].Error.Code != proxy.CodeMethodNotFound {
		t.Errorf("expected hidden tool to be method-not-found, got %+v", replies[3])
	}

	got := launcher.Launched()
	sort.Strings(got)
	if strings.Join(got, ",") != "A,B" {
		t.Errorf("expected only enabled backends launched, got %v", got)
	}
	for _, name := range []string{"A", "B"} {
		if !launcher.Backend(name).Exited() {
			t.Errorf("expected backend %s stopped after the session", name)
		}
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	cfg := ServeConfig{ConfigPath: filepath.Join(t.TempDir(), "absent.json")}
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
`
	var out bytes.Buffer
	if err := RunServe(context.Background(), cfg, fixtures.NewFakeLauncher(), proxy.NewNopLogger(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("RunServe failed: %v", err)
	}

	replies := decodeReplies(t, out.String())
	if len(replies) != 2 || len(replies[1].Result.Tools) != 0 || replies[1].Error != nil {
		t.Errorf("expected an empty catalog, got:\n%s", out.String())
	}
}

func TestRunServeInvalidConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "servers.json", `{"servers": [{"name": "x"}]}`)

	err := RunServe(context.Background(), ServeConfig{ConfigPath: path}, fixtures.NewFakeLauncher(), proxy.NewNopLogger(), strings.NewReader(""), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestRunServeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunServe(ctx, serveConfig(t), fixtures.NewFakeLauncher(), proxy.NewNopLogger(), strings.NewReader(""), &bytes.Buffer{})
	if err != nil {
		t.Errorf("expected cancellation to end serve quietly, got %v", err)
	}
}
