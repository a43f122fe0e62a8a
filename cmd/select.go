package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mafzii/mcp-filter/proxy"
	"github.com/Mafzii/mcp-filter/server"
)

func newSelectCommand(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	c := &cobra.Command{
		Use:   "select [NAME...]",
		Short: "Pick the allowed tools of each backend interactively",
		Long: `Connect to each named backend (all of them when none is named), list its
tools and ask which ones to expose. The answers replace the allow-lists in the
route configuration.`,
		RunE: func(c *cobra.Command, args []string) error {
			path := opts.configPath()
			registry, err := proxy.ReadServerRegistry(path)
			if err != nil {
				return err
			}

			logger := opts.logger()
			changed, err := RunSelect(c.Context(), registry, args, server.NewProcessSupervisor(logger), logger,
				server.ConnectionOptions{CallTimeout: timeout, HandshakeTimeout: timeout},
				c.InOrStdin(), c.OutOrStdout())
			if err != nil {
				return err
			}
			if changed == 0 {
				return nil
			}
			if err := proxy.SaveServerRegistry(registry, path); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Saved %s\n", path)
			return nil
		},
	}
	c.Flags().DurationVar(&timeout, "timeout", server.DefaultHandshakeTimeout, "how long to wait for each backend")
	return c
}

// RunSelect lists the tools of each named backend and stores the chosen
// allow-lists in registry. Backends that cannot be reached are reported and
// left unchanged. It returns how many allow-lists were replaced.
func RunSelect(ctx context.Context, registry *proxy.ServerRegistry, names []string, launcher proxy.Launcher, logger *proxy.Logger, connOpts server.ConnectionOptions, in io.Reader, out io.Writer) (int, error) {
	if len(registry.Servers) == 0 {
		return 0, fmt.Errorf("no MCP servers configured; add one with: mcp-filter servers add NAME COMMAND")
	}

	var entries []proxy.ServerEntry
	if len(names) == 0 {
		entries = registry.Servers
	} else {
		for _, name := range names {
			entry := registry.GetServer(name)
			if entry == nil {
				return 0, fmt.Errorf("unknown server %q", name)
			}
			entries = append(entries, *entry)
		}
	}

	reader := bufio.NewReader(in)
	changed := 0
	for _, entry := range entries {
		tools, err := fetchTools(ctx, entry, launcher, logger, connOpts)
		if err != nil {
			fmt.Fprintf(out, "\nSkipping %s: %v\n", entry.Name, err)
			continue
		}
		if len(tools) == 0 {
			fmt.Fprintf(out, "\n%s offers no tools, skipping\n", entry.Name)
			continue
		}

		fmt.Fprintf(out, "\nTools offered by %s (currently allowed: %s):\n", entry.Name, describeAllowed(entry.AllowedTools))
		printToolMenu(out, tools, entry.AllowSet())

		names := make([]string, len(tools))
		for i, tool := range tools {
			names[i] = tool.Name
		}
		selected, err := PromptSelection(reader, out, entry.Name, names)
		if err != nil {
			return changed, err
		}
		if err := registry.SetAllowedTools(entry.Name, selected); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// fetchTools expands the entry like serve does, then handshakes and lists
// its tools with a throwaway connection.
func fetchTools(ctx context.Context, entry proxy.ServerEntry, launcher proxy.Launcher, logger *proxy.Logger, connOpts server.ConnectionOptions) ([]server.ToolDescriptor, error) {
	resolved := proxy.ExpandServerEntry(entry)
	conn := server.NewBackendConnection(resolved, launcher, logger, connOpts)
	defer conn.Terminate()

	if err := conn.Start(ctx); err != nil {
		return nil, err
	}
	if err := conn.Handshake(ctx); err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}

func printToolMenu(w io.Writer, tools []server.ToolDescriptor, current proxy.ToolSet) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, tool := range tools {
		mark := " "
		if current.Allows(tool.Name) {
			mark = "*"
		}
		desc := strings.TrimSpace(strings.SplitN(tool.Description, "\n", 2)[0])
		fmt.Fprintf(tw, "%s %3d.\t%s\t%s\n", mark, i+1, tool.Name, desc)
	}
	tw.Flush()
}
