package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrServerExists = errors.New("server already registered")

// ClaudeConfig edits the user-scope "mcpServers" of Claude Code's
// ~/.claude.json and leaves every other key as it was.
type ClaudeConfig struct {
	Path string
}

func DefaultClaudeConfig() (*ClaudeConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return &ClaudeConfig{Path: filepath.Join(homeDir, ".claude.json")}, nil
}

func (c *ClaudeConfig) load() (map[string]interface{}, error) {
	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.Path, err)
	}

	var config map[string]interface{}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", c.Path, err)
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	return config, nil
}

func (c *ClaudeConfig) save(config map[string]interface{}) error {
	if _, err := os.Stat(c.Path); err == nil {
		if err := backupFile(c.Path, c.Path+".bak"); err != nil {
			return fmt.Errorf("failed to back up %s: %w", c.Path, err)
		}
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", c.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(c.Path), err)
	}
	if err := os.WriteFile(c.Path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.Path, err)
	}
	return nil
}

func servers(config map[string]interface{}) map[string]interface{} {
	m, ok := config["mcpServers"].(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		config["mcpServers"] = m
	}
	return m
}

// AddServer registers a stdio server. An existing entry with the same name
// is only replaced when overwrite is set.
func (c *ClaudeConfig) AddServer(name, command string, args []string, overwrite bool) error {
	config, err := c.load()
	if err != nil {
		return err
	}

	existing := servers(config)
	if _, ok := existing[name]; ok && !overwrite {
		return fmt.Errorf("%w: %s in %s", ErrServerExists, name, c.Path)
	}
	if args == nil {
		args = []string{}
	}
	existing[name] = map[string]interface{}{
		"type":    "stdio",
		"command": command,
		"args":    args,
		"env":     map[string]string{},
	}
	return c.save(config)
}

// RemoveServer deletes a user-scope server and reports whether it existed.
func (c *ClaudeConfig) RemoveServer(name string) (bool, error) {
	config, err := c.load()
	if err != nil {
		return false, err
	}
	existing := servers(config)
	if _, ok := existing[name]; !ok {
		return false, nil
	}
	delete(existing, name)
	return true, c.save(config)
}

// backupFile copies a file to a backup location.
func backupFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	dest, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dest.Close()

	if _, err := io.Copy(dest, source); err != nil {
		return err
	}

	return dest.Sync()
}
