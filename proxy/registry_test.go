package proxy

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadServerRegistry_Valid(t *testing.T) {
	configPath := writeConfig(t, "servers.json", `{
  "servers": [
    {"name": "files", "command": "npx -y files-server", "allowedTools": ["read_file"]},
    {"name": "git", "command": "/usr/bin/git-mcp", "args": ["--repo", "."], "allowedTools": ["*"]}
  ]
}`)

	registry, err := LoadServerRegistry(configPath)
	if err != nil {
		t.Fatalf("LoadServerRegistry failed: %v", err)
	}

	if len(registry.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(registry.Servers))
	}
	if registry.Servers[0].Name != "files" {
		t.Errorf("expected registration order preserved, got %s first", registry.Servers[0].Name)
	}

	want := []string{"npx", "-y", "files-server"}
	if got := registry.Servers[0].Argv(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected argv %v, got %v", want, got)
	}
	want = []string{"/usr/bin/git-mcp", "--repo", "."}
	if got := registry.Servers[1].Argv(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected argv %v, got %v", want, got)
	}
}

func TestLoadServerRegistry_YAML(t *testing.T) {
	configPath := writeConfig(t, "servers.yaml", `servers:
  - name: files
    command: files-server
    env: ["ROOT=/tmp"]
    allowedTools: [read_file, list_dir]
`)

	registry, err := LoadServerRegistry(configPath)
	if err != nil {
		t.Fatalf("LoadServerRegistry failed: %v", err)
	}
	entry := registry.GetServer("files")
	if entry == nil {
		t.Fatal("expected files entry")
	}
	if !entry.AllowSet().Allows("list_dir") {
		t.Errorf("expected list_dir allowed")
	}
	if entry.AllowSet().Allows("delete_file") {
		t.Errorf("expected delete_file not allowed")
	}
}

func TestLoadServerRegistry_FlatLegacyFormat(t *testing.T) {
	configPath := writeConfig(t, "servers.json", `{"beta": "beta-server --stdio", "alpha": "alpha-server"}`)

	registry, err := LoadServerRegistry(configPath)
	if err != nil {
		t.Fatalf("LoadServerRegistry failed: %v", err)
	}
	if len(registry.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(registry.Servers))
	}
	if registry.Servers[0].Name != "alpha" {
		t.Errorf("expected sorted names, got %s first", registry.Servers[0].Name)
	}
	if len(registry.Servers[0].AllowedTools) != 0 {
		t.Errorf("expected empty allow-list for legacy entries")
	}
}

func TestLoadServerRegistry_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"servers": [{"command": "x"}]}`},
		{"missing command", `{"servers": [{"name": "a"}]}`},
		{"blank command", `{"servers": [{"name": "a", "command": "   "}]}`},
		{"duplicate", `{"servers": [{"name": "a", "command": "x"}, {"name": "a", "command": "y"}]}`},
		{"bad env", `{"servers": [{"name": "a", "command": "x", "env": ["NOEQUALS"]}]}`},
		{"not json", `{servers`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "servers.json", tt.body)
			if _, err := LoadServerRegistry(configPath); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadServerRegistry_MissingFile(t *testing.T) {
	if _, err := LoadServerRegistry(""); err == nil {
		t.Fatal("expected error for missing config path")
	}
	if _, err := LoadServerRegistry("/nonexistent/path/servers.json"); err == nil {
		t.Fatal("expected error for missing file")
	}

	registry, err := LoadOrEmpty(filepath.Join(t.TempDir(), "servers.json"))
	if err != nil {
		t.Fatalf("LoadOrEmpty failed: %v", err)
	}
	if len(registry.Servers) != 0 {
		t.Errorf("expected empty registry")
	}
}

func TestLoadServerRegistry_ExpandsEnv(t *testing.T) {
	t.Setenv("MCP_FILTER_TEST_BIN", "/opt/bin")
	configPath := writeConfig(t, "servers.json", `{
  "servers": [
    {"name": "a", "command": "${MCP_FILTER_TEST_BIN}/server", "args": ["--root", "${ROOT}", "${MISSING:-fallback}"], "env": ["ROOT=/data", "HOME_COPY=${MCP_FILTER_TEST_BIN}"]}
  ]
}`)

	registry, err := LoadServerRegistry(configPath)
	if err != nil {
		t.Fatalf("LoadServerRegistry failed: %v", err)
	}
	entry := registry.Servers[0]
	want := []string{"/opt/bin/server", "--root", "/data", "fallback"}
	if got := entry.Argv(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected argv %v, got %v", want, got)
	}
	if entry.Env[1] != "HOME_COPY=/opt/bin" {
		t.Errorf("expected env expanded, got %s", entry.Env[1])
	}
}

func TestReadServerRegistry_KeepsReferences(t *testing.T) {
	t.Setenv("MCP_FILTER_TEST_BIN", "/opt/bin")
	configPath := writeConfig(t, "servers.json", `{"servers": [{"name": "a", "command": "${MCP_FILTER_TEST_BIN}/server"}]}`)

	registry, err := ReadServerRegistry(configPath)
	if err != nil {
		t.Fatalf("ReadServerRegistry failed: %v", err)
	}
	if got := registry.Servers[0].Command; got != "${MCP_FILTER_TEST_BIN}/server" {
		t.Errorf("expected command left unexpanded, got %s", got)
	}

	empty, err := ReadServerRegistry(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected missing file to be empty, got %v", err)
	}
	if len(empty.Servers) != 0 {
		t.Errorf("expected no servers, got %d", len(empty.Servers))
	}
}

func TestSaveServerRegistry_RoundTripAndBackup(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "servers.json")

	registry := &ServerRegistry{}
	registry.AddServer(ServerEntry{Name: "a", Command: "a-server"})
	registry.AddServer(ServerEntry{Name: "b", Command: "b-server"})
	if err := SaveServerRegistry(registry, configPath); err != nil {
		t.Fatalf("SaveServerRegistry failed: %v", err)
	}
	if _, err := os.Stat(configPath + ".bak"); !os.IsNotExist(err) {
		t.Errorf("expected no backup on first save")
	}

	if err := registry.SetAllowedTools("a", []string{"one"}); err != nil {
		t.Fatalf("SetAllowedTools failed: %v", err)
	}
	registry.AddServer(ServerEntry{Name: "a", Command: "a-server-v2", AllowedTools: []string{"one"}})
	if err := SaveServerRegistry(registry, configPath); err != nil {
		t.Fatalf("SaveServerRegistry failed: %v", err)
	}

	loaded, err := LoadServerRegistry(configPath)
	if err != nil {
		t.Fatalf("LoadServerRegistry failed: %v", err)
	}
	if loaded.Servers[0].Name != "a" || loaded.Servers[0].Command != "a-server-v2" {
		t.Errorf("expected replaced entry to keep its position, got %+v", loaded.Servers)
	}
	if _, err := os.Stat(configPath + ".bak"); err != nil {
		t.Errorf("expected backup file: %v", err)
	}

	if !loaded.RemoveServer("b") {
		t.Errorf("expected b removed")
	}
	if loaded.RemoveServer("b") {
		t.Errorf("expected second remove to report false")
	}
	if err := loaded.SetAllowedTools("missing", nil); err == nil {
		t.Errorf("expected error for unknown server")
	}
}

func TestRegistryEnabledAndAllowLists(t *testing.T) {
	registry := &ServerRegistry{Servers: []ServerEntry{
		{Name: "a", Command: "a", AllowedTools: []string{"x"}},
		{Name: "b", Command: "b"},
		{Name: "c", Command: "c", AllowedTools: []string{AllowAll}},
	}}

	enabled := registry.Enabled()
	if len(enabled) != 2 || enabled[0].Name != "a" || enabled[1].Name != "c" {
		t.Errorf("expected a and c enabled, got %+v", enabled)
	}

	lists := registry.AllowLists()
	if !lists["c"].Allows("anything") || !lists["c"].Wildcard() {
		t.Errorf("expected wildcard allow-list for c")
	}
	if lists["b"].Allows("x") {
		t.Errorf("expected empty allow-list for b")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv(ConfigEnvVar, "/tmp/custom.yaml")
	if got := DefaultConfigPath(); got != "/tmp/custom.yaml" {
		t.Errorf("expected env override, got %s", got)
	}

	t.Setenv(ConfigEnvVar, "")
	if got := DefaultConfigPath(); filepath.Base(got) != "servers.json" || filepath.Base(filepath.Dir(got)) != AppName {
		t.Errorf("unexpected default path %s", got)
	}
}
