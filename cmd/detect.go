package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mafzii/mcp-filter/proxy"
)

// DetectedServer is an MCP server found in a client configuration file.
type DetectedServer struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"` // stdio, http, sse
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Source  string            `json:"source"`
}

// Stdio reports whether the server is launched as a process. Only those can
// sit behind the proxy.
func (d DetectedServer) Stdio() bool {
	return d.Command != "" && (d.Type == "" || d.Type == "stdio")
}

// Entry converts the server into a route configuration entry with the given
// allow-list.
func (d DetectedServer) Entry(allowed []string) proxy.ServerEntry {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var env []string
	for _, k := range keys {
		env = append(env, k+"="+d.Env[k])
	}
	return proxy.ServerEntry{
		Name:         d.Name,
		Command:      d.Command,
		Args:         d.Args,
		Env:          env,
		AllowedTools: allowed,
	}
}

// ServerDetector scans the filesystem for existing MCP server configurations.
type ServerDetector struct {
	homeDir     string
	projectDirs []string
}

// NewServerDetector scans the user's home and the current directory.
func NewServerDetector() (*ServerDetector, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	sd := &ServerDetector{homeDir: homeDir}
	if cwd, err := os.Getwd(); err == nil {
		sd.AddProjectDir(cwd)
	}
	return sd, nil
}

// NewServerDetectorAt scans homeDir and the given project directories only.
func NewServerDetectorAt(homeDir string, projectDirs ...string) *ServerDetector {
	return &ServerDetector{homeDir: homeDir, projectDirs: projectDirs}
}

func (sd *ServerDetector) AddProjectDir(dir string) {
	sd.projectDirs = append(sd.projectDirs, dir)
}

// DetectAll scans ~/.claude.json, ~/.claude/.mcp.json and every project's
// .mcp.json. When a name appears twice the first location wins.
func (sd *ServerDetector) DetectAll() []DetectedServer {
	paths := []string{
		filepath.Join(sd.homeDir, ".claude.json"),
		filepath.Join(sd.homeDir, ".claude", ".mcp.json"),
	}
	for _, dir := range sd.projectDirs {
		paths = append(paths, filepath.Join(dir, ".mcp.json"))
	}

	var servers []DetectedServer
	seen := make(map[string]bool)
	for _, path := range paths {
		found, err := ScanConfigFile(path)
		if err != nil {
			continue
		}
		for _, s := range found {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			servers = append(servers, s)
		}
	}
	return servers
}

// ScanConfigFile reads the top-level "mcpServers" of a client configuration
// and, for ~/.claude.json, the "mcpServers" of each project. Servers within a
// file are returned in name order; the proxy itself is skipped.
func ScanConfigFile(path string) ([]DetectedServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var config struct {
		MCPServers map[string]json.RawMessage `json:"mcpServers"`
		Projects   map[string]struct {
			MCPServers map[string]json.RawMessage `json:"mcpServers"`
		} `json:"projects"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	servers := decodeServers(config.MCPServers, path)

	projectPaths := make([]string, 0, len(config.Projects))
	for p := range config.Projects {
		projectPaths = append(projectPaths, p)
	}
	sort.Strings(projectPaths)
	for _, p := range projectPaths {
		source := fmt.Sprintf("%s [%s]", path, filepath.Base(p))
		servers = append(servers, decodeServers(config.Projects[p].MCPServers, source)...)
	}
	return servers, nil
}

func decodeServers(raw map[string]json.RawMessage, source string) []DetectedServer {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	var servers []DetectedServer
	for _, name := range names {
		var entry struct {
			Type    string            `json:"type"`
			Command string            `json:"command"`
			Args    []string          `json:"args"`
			URL     string            `json:"url"`
			Env     map[string]string `json:"env"`
		}
		if err := json.Unmarshal(raw[name], &entry); err != nil {
			continue
		}
		if isSelf(name, entry.Command) {
			continue
		}
		servers = append(servers, DetectedServer{
			Name:    name,
			Type:    entry.Type,
			Command: entry.Command,
			Args:    entry.Args,
			URL:     entry.URL,
			Env:     entry.Env,
			Source:  source,
		})
	}
	return servers
}

// isSelf keeps the proxy from proxying itself.
func isSelf(name, command string) bool {
	return strings.Contains(name, proxy.AppName) || strings.Contains(filepath.Base(command), proxy.AppName)
}

// FormatDetectionResults formats detected servers for display.
func FormatDetectionResults(servers []DetectedServer) string {
	if len(servers) == 0 {
		return "No MCP servers detected.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d MCP server(s):\n\n", len(servers))
	for i, s := range servers {
		kind := s.Type
		if kind == "" {
			kind = "stdio"
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, s.Name, kind)
		if s.Command != "" {
			fmt.Fprintf(&b, "   Command: %s\n", strings.Join(append([]string{s.Command}, s.Args...), " "))
		}
		if s.URL != "" {
			fmt.Fprintf(&b, "   URL: %s\n", s.URL)
		}
		fmt.Fprintf(&b, "   Source: %s\n\n", s.Source)
	}
	return b.String()
}
