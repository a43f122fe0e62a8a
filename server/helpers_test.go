package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mafzii/mcp-filter/fixtures"
	"github.com/Mafzii/mcp-filter/proxy"
)

const testTimeout = 5 * time.Second

func entry(name string, allowed ...string) proxy.ServerEntry {
	return proxy.ServerEntry{Name: name, Command: name + "-server", AllowedTools: allowed}
}

func testOptions() ConnectionOptions {
	return ConnectionOptions{
		CallTimeout:      2 * time.Second,
		HandshakeTimeout: time.Second,
		StopGrace:        time.Second,
	}
}

// startManager builds and initializes a manager over fake backends and
// shuts it down when the test ends.
func startManager(t *testing.T, launcher *fixtures.FakeLauncher, entries ...proxy.ServerEntry) *BackendManager {
	t.Helper()
	bm := NewBackendManager(&proxy.ServerRegistry{Servers: entries}, launcher, proxy.NewNopLogger(), testOptions())
	t.Cleanup(bm.Shutdown)

	_, err := bm.Initialize(context.Background())
	require.NoError(t, err)
	return bm
}

// readyConn returns a connection that completed its handshake.
func readyConn(t *testing.T, launcher *fixtures.FakeLauncher, e proxy.ServerEntry, opts ConnectionOptions) *BackendConnection {
	t.Helper()
	conn := NewBackendConnection(e, launcher, proxy.NewNopLogger(), opts)
	t.Cleanup(conn.Terminate)

	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, conn.Handshake(context.Background()))
	require.Equal(t, StateReady, conn.State())
	return conn
}

type reply map[string]json.RawMessage

func (r reply) errorCode(t *testing.T) int {
	t.Helper()
	var e struct {
		Code int `json:"code"`
	}
	require.Contains(t, r, "error", "expected an error reply")
	require.NoError(t, json.Unmarshal(r["error"], &e))
	return e.Code
}

// testClient drives one router session over pipes.
type testClient struct {
	t     *testing.T
	in    *io.PipeWriter
	lines chan string
	done  chan error
}

func startSession(t *testing.T, router *ProxyRouter) *testClient {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	c := &testClient{t: t, in: inW, lines: make(chan string, 64), done: make(chan error, 1)}

	go func() {
		err := router.Serve(context.Background(), inR, outW)
		_ = outW.Close()
		c.done <- err
	}()
	go func() {
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64*1024), proxy.MaxMessageSize)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
		close(c.lines)
	}()

	t.Cleanup(func() { _ = inW.Close() })
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.in.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) recvRaw() string {
	c.t.Helper()
	select {
	case line, ok := <-c.lines:
		require.True(c.t, ok, "session output closed")
		return line
	case <-time.After(testTimeout):
		c.t.Fatal("timed out waiting for a reply")
		return ""
	}
}

func (c *testClient) recv() reply {
	c.t.Helper()
	line := c.recvRaw()
	var r reply
	require.NoError(c.t, json.Unmarshal([]byte(line), &r), "reply is not JSON: %s", line)
	return r
}

// expectSilence asserts nothing is written for a short while.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	select {
	case line := <-c.lines:
		c.t.Fatalf("expected no reply, got %s", line)
	case <-time.After(d):
	}
}

func (c *testClient) request(id interface{}, method string, params string) reply {
	c.t.Helper()
	idJSON, err := json.Marshal(id)
	require.NoError(c.t, err)
	if params == "" {
		c.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":%q}`, idJSON, method))
	} else {
		c.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":%q,"params":%s}`, idJSON, method, params))
	}
	return c.recv()
}

func (c *testClient) initialize() {
	c.t.Helper()
	r := c.request(0, proxy.MethodInitialize, `{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}`)
	require.Contains(c.t, r, "result")
	c.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func (c *testClient) callTool(id interface{}, name string) reply {
	c.t.Helper()
	return c.request(id, proxy.MethodToolsCall, fmt.Sprintf(`{"name":%q,"arguments":{}}`, name))
}

func (c *testClient) toolNames() []string {
	c.t.Helper()
	r := c.request("list", proxy.MethodToolsList, "")
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(c.t, json.Unmarshal(r["result"], &result))
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

// close ends the client stream and waits for Serve to return.
func (c *testClient) close() error {
	c.t.Helper()
	_ = c.in.Close()
	select {
	case err := <-c.done:
		return err
	case <-time.After(testTimeout):
		c.t.Fatal("session did not end")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, testTimeout, 10*time.Millisecond)
}
