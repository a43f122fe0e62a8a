package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"al.essio.dev/pkg/shellescape"
	"github.com/spf13/cobra"

	"github.com/Mafzii/mcp-filter/proxy"
)

var validGeneratedName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// GeneratedFiles are the paths written by Generate.
type GeneratedFiles struct {
	Config   string
	Launcher string
}

func newGenerateCommand(opts *globalOptions) *cobra.Command {
	var (
		outDir         string
		name           string
		binary         string
		registerClaude bool
		claudePath     string
		overwrite      bool
	)

	c := &cobra.Command{
		Use:   "generate",
		Short: "Write a standalone route configuration and launcher script",
		Long: `Write NAME.json, holding only the backends that have allowed tools, and an
executable NAME script that runs "mcp-filter serve" on it. The script can be
registered with an MCP client as an ordinary stdio server.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			registry, err := proxy.ReadServerRegistry(opts.configPath())
			if err != nil {
				return err
			}
			if binary == "" {
				if binary, err = os.Executable(); err != nil {
					return fmt.Errorf("failed to locate the mcp-filter binary, pass --binary: %w", err)
				}
			}

			files, err := Generate(registry, outDir, name, binary)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\nWrote %s\n", files.Config, files.Launcher)

			if !registerClaude {
				return nil
			}
			claude := &ClaudeConfig{Path: claudePath}
			if claudePath == "" {
				if claude, err = DefaultClaudeConfig(); err != nil {
					return err
				}
			}
			if err := claude.AddServer(name, files.Launcher, nil, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(out, "Registered %s in %s; restart Claude Code to load it.\n", name, claude.Path)
			return nil
		},
	}

	flags := c.Flags()
	flags.StringVar(&outDir, "out", ".", "output directory")
	flags.StringVar(&name, "name", "mcp-filter-tools", "base name of the generated files")
	flags.StringVar(&binary, "binary", "", "mcp-filter binary the script runs (default: this executable)")
	flags.BoolVar(&registerClaude, "register-claude", false, "add the launcher to Claude Code's user configuration")
	flags.StringVar(&claudePath, "claude-config", "", "Claude Code configuration file (default ~/.claude.json)")
	flags.BoolVar(&overwrite, "overwrite", false, "replace an existing Claude Code server of the same name")
	return c
}

// Generate writes the enabled part of registry to outDir/name.json and an
// executable outDir/name launcher that execs binary serve on it.
func Generate(registry *proxy.ServerRegistry, outDir, name, binary string) (GeneratedFiles, error) {
	if !validGeneratedName.MatchString(name) {
		return GeneratedFiles{}, fmt.Errorf("invalid name %q: use letters, digits, '.', '_' and '-'", name)
	}
	enabled := registry.Enabled()
	if len(enabled) == 0 {
		return GeneratedFiles{}, fmt.Errorf("no server has allowed tools; run mcp-filter select first")
	}

	dir, err := filepath.Abs(outDir)
	if err != nil {
		return GeneratedFiles{}, fmt.Errorf("failed to resolve %s: %w", outDir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return GeneratedFiles{}, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	files := GeneratedFiles{
		Config:   filepath.Join(dir, name+".json"),
		Launcher: filepath.Join(dir, name),
	}

	data, err := json.MarshalIndent(proxy.ServerRegistry{Servers: enabled}, "", "  ")
	if err != nil {
		return GeneratedFiles{}, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(files.Config, append(data, '\n'), 0o644); err != nil {
		return GeneratedFiles{}, fmt.Errorf("failed to write %s: %w", files.Config, err)
	}

	if err := os.WriteFile(files.Launcher, []byte(launcherScript(binary, files.Config)), 0o755); err != nil {
		return GeneratedFiles{}, fmt.Errorf("failed to write %s: %w", files.Launcher, err)
	}
	return files, nil
}

func launcherScript(binary, configPath string) string {
	return "#!/bin/sh\n" +
		"# Generated by mcp-filter. Edit " + filepath.Base(configPath) + " or rerun generate to change the tools.\n" +
		"exec " + shellescape.QuoteCommand([]string{binary, "serve", "--config", configPath}) + ` "$@"` + "\n"
}
