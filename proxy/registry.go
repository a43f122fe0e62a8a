package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	AppName = "mcp-filter"
	// ConfigEnvVar overrides the default route configuration path.
	ConfigEnvVar = "MCP_FILTER_CONFIG"
	// AllowAll in an allow-list admits every tool of that backend.
	AllowAll = "*"
)

// ServerEntry is one backend of the route configuration.
type ServerEntry struct {
	Name         string   `json:"name" yaml:"name"`
	Command      string   `json:"command" yaml:"command"`
	Args         []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env          []string `json:"env,omitempty" yaml:"env,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`
}

// Argv returns the full command line. Without explicit args the command
// string is split on whitespace.
func (e ServerEntry) Argv() []string {
	if len(e.Args) > 0 {
		return append([]string{e.Command}, e.Args...)
	}
	return strings.Fields(e.Command)
}

func (e ServerEntry) AllowSet() ToolSet {
	set := make(ToolSet, len(e.AllowedTools))
	for _, name := range e.AllowedTools {
		set[name] = struct{}{}
	}
	return set
}

// ToolSet is an allow-list of tool names.
type ToolSet map[string]struct{}

func (s ToolSet) Allows(name string) bool {
	if _, ok := s[AllowAll]; ok {
		return true
	}
	_, ok := s[name]
	return ok
}

func (s ToolSet) Wildcard() bool {
	_, ok := s[AllowAll]
	return ok
}

// Names returns the explicit names in sorted order.
func (s ToolSet) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		if name != AllowAll {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ServerRegistry is the ordered route configuration. Order is registration
// order and decides collision winners.
type ServerRegistry struct {
	Servers []ServerEntry `json:"servers" yaml:"servers"`
}

// DefaultConfigPath honours MCP_FILTER_CONFIG, then the XDG config home.
func DefaultConfigPath() string {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, AppName, "servers.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func LoadServerRegistry(configPath string) (*ServerRegistry, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path required")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	registry, err := ParseServerRegistry(data, isYAML(configPath))
	if err != nil {
		return nil, err
	}

	for i := range registry.Servers {
		expandServerEntry(&registry.Servers[i])
	}

	if err := validateRegistry(registry); err != nil {
		return nil, err
	}

	return registry, nil
}

// LoadOrEmpty treats a missing file as an empty configuration.
func LoadOrEmpty(configPath string) (*ServerRegistry, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return &ServerRegistry{}, nil
	}
	return LoadServerRegistry(configPath)
}

// ReadServerRegistry loads the configuration as written, without expanding
// environment references, so that it can be edited and saved back. A
// missing file is an empty configuration.
func ReadServerRegistry(configPath string) (*ServerRegistry, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return &ServerRegistry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	registry, err := ParseServerRegistry(data, isYAML(configPath))
	if err != nil {
		return nil, err
	}
	if err := validateRegistry(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// ParseServerRegistry decodes a configuration document. JSON documents may
// also use the flat {"name": "command line"} form written by older releases.
func ParseServerRegistry(data []byte, asYAML bool) (*ServerRegistry, error) {
	var registry ServerRegistry
	if asYAML {
		if err := yaml.Unmarshal(data, &registry); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return &registry, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if _, ok := top["servers"]; ok || len(top) == 0 {
		if err := json.Unmarshal(data, &registry); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return &registry, nil
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("failed to parse config: expected a servers list: %w", err)
	}
	names := make([]string, 0, len(flat))
	for name := range flat {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		registry.Servers = append(registry.Servers, ServerEntry{Name: name, Command: flat[name]})
	}
	return &registry, nil
}

func validateRegistry(registry *ServerRegistry) error {
	seen := make(map[string]bool, len(registry.Servers))
	for i, s := range registry.Servers {
		if s.Name == "" {
			return fmt.Errorf("server %d missing name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if len(s.Argv()) == 0 || strings.TrimSpace(s.Argv()[0]) == "" {
			return fmt.Errorf("server %s missing command", s.Name)
		}
		for _, kv := range s.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				return fmt.Errorf("server %s: env entry %q must be KEY=VALUE", s.Name, kv)
			}
		}
	}

	return nil
}

// SaveServerRegistry writes the configuration, keeping the previous file
// as <path>.bak.
func SaveServerRegistry(registry *ServerRegistry, configPath string) error {
	if registry == nil {
		return fmt.Errorf("registry is nil")
	}
	if configPath == "" {
		return fmt.Errorf("config path required")
	}

	if err := validateRegistry(registry); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(configPath) {
		data, err = yaml.Marshal(registry)
	} else {
		data, err = json.MarshalIndent(registry, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if prev, err := os.ReadFile(configPath); err == nil {
		if err := os.WriteFile(configPath+".bak", prev, 0o600); err != nil {
			return fmt.Errorf("failed to back up config file: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (r *ServerRegistry) GetServer(name string) *ServerEntry {
	for i := range r.Servers {
		if r.Servers[i].Name == name {
			return &r.Servers[i]
		}
	}
	return nil
}

// AddServer appends a new entry or replaces an existing one in place,
// keeping its registration position.
func (r *ServerRegistry) AddServer(entry ServerEntry) {
	if existing := r.GetServer(entry.Name); existing != nil {
		*existing = entry
		return
	}
	r.Servers = append(r.Servers, entry)
}

func (r *ServerRegistry) RemoveServer(name string) bool {
	for i := range r.Servers {
		if r.Servers[i].Name == name {
			r.Servers = append(r.Servers[:i], r.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// SetAllowedTools replaces the allow-list of one backend.
func (r *ServerRegistry) SetAllowedTools(name string, tools []string) error {
	entry := r.GetServer(name)
	if entry == nil {
		return fmt.Errorf("unknown server %q", name)
	}
	entry.AllowedTools = append([]string(nil), tools...)
	return nil
}

// AllowLists maps each backend name to its allow-list.
func (r *ServerRegistry) AllowLists() map[string]ToolSet {
	out := make(map[string]ToolSet, len(r.Servers))
	for _, s := range r.Servers {
		out[s.Name] = s.AllowSet()
	}
	return out
}

// Enabled returns the entries that have a non-empty allow-list.
func (r *ServerRegistry) Enabled() []ServerEntry {
	var out []ServerEntry
	for _, s := range r.Servers {
		if len(s.AllowedTools) > 0 {
			out = append(out, s)
		}
	}
	return out
}
