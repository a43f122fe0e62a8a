package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mafzii/mcp-filter/proxy"
)

func newServersCommand(opts *globalOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "servers",
		Short: "Manage the backends in the route configuration",
	}
	c.AddCommand(
		newServersListCommand(opts),
		newServersAddCommand(opts),
		newServersRemoveCommand(opts),
		newServersAllowCommand(opts),
		newServersImportCommand(opts),
	)
	return c
}

func newServersListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured backends and their allowed tools",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			registry, err := proxy.ReadServerRegistry(opts.configPath())
			if err != nil {
				return err
			}
			printServers(c.OutOrStdout(), registry)
			return nil
		},
	}
}

func printServers(w io.Writer, registry *proxy.ServerRegistry) {
	if len(registry.Servers) == 0 {
		fmt.Fprintln(w, "No MCP servers configured. Add one with: mcp-filter servers add NAME COMMAND")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOMMAND\tALLOWED TOOLS")
	for _, s := range registry.Servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, strings.Join(s.Argv(), " "), describeAllowed(s.AllowedTools))
	}
	tw.Flush()
}

func describeAllowed(tools []string) string {
	switch {
	case len(tools) == 0:
		return "(none, disabled)"
	case len(tools) == 1 && tools[0] == proxy.AllowAll:
		return "all"
	default:
		return strings.Join(tools, ", ")
	}
}

func newServersAddCommand(opts *globalOptions) *cobra.Command {
	var (
		allow []string
		env   []string
	)

	c := &cobra.Command{
		Use:   "add NAME COMMAND [ARGS...]",
		Short: "Add or replace a backend",
		Long: `Add a backend, or replace the one with the same name in place. An existing
allow-list is kept unless --allow is given. Use "--" before arguments that
start with a dash.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			path := opts.configPath()
			registry, err := proxy.ReadServerRegistry(path)
			if err != nil {
				return err
			}

			entry := proxy.ServerEntry{Name: args[0], Command: args[1], Env: env, AllowedTools: allow}
			if len(args) > 2 {
				entry.Args = args[2:]
			}
			existing := registry.GetServer(entry.Name)
			if existing != nil && !c.Flags().Changed("allow") {
				entry.AllowedTools = existing.AllowedTools
			}
			registry.AddServer(entry)

			if err := proxy.SaveServerRegistry(registry, path); err != nil {
				return err
			}
			verb := "Added"
			if existing != nil {
				verb = "Updated"
			}
			fmt.Fprintf(c.OutOrStdout(), "%s server %s (allowed tools: %s)\n", verb, entry.Name, describeAllowed(entry.AllowedTools))
			return nil
		},
	}
	c.Flags().StringSliceVar(&allow, "allow", nil, `tools to expose, or "*" for all`)
	c.Flags().StringArrayVar(&env, "env", nil, "environment variable KEY=VALUE for the backend (repeatable)")
	return c
}

func newServersRemoveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a backend",
		Args:    cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := opts.configPath()
			registry, err := proxy.ReadServerRegistry(path)
			if err != nil {
				return err
			}
			if !registry.RemoveServer(args[0]) {
				return fmt.Errorf("unknown server %q", args[0])
			}
			if err := proxy.SaveServerRegistry(registry, path); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Removed server %s\n", args[0])
			return nil
		},
	}
}

func newServersAllowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "allow NAME [TOOL...]",
		Short: "Replace a backend's allow-list; no tools disables it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := opts.configPath()
			registry, err := proxy.ReadServerRegistry(path)
			if err != nil {
				return err
			}
			if err := registry.SetAllowedTools(args[0], args[1:]); err != nil {
				return err
			}
			if err := proxy.SaveServerRegistry(registry, path); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Server %s allows: %s\n", args[0], describeAllowed(args[1:]))
			return nil
		},
	}
}

func newServersImportCommand(opts *globalOptions) *cobra.Command {
	var (
		from      []string
		allowAll  bool
		overwrite bool
		dryRun    bool
	)

	c := &cobra.Command{
		Use:   "import",
		Short: "Import stdio servers from Claude configuration files",
		Long: `Import stdio MCP servers from ~/.claude.json, ~/.claude/.mcp.json and the
current project's .mcp.json, or from the files given with --from. Imported
servers start disabled unless --allow-all is set; pick their tools with
"mcp-filter select".`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			var detected []DetectedServer
			if len(from) > 0 {
				for _, path := range from {
					found, err := ScanConfigFile(path)
					if err != nil {
						return err
					}
					detected = append(detected, found...)
				}
			} else {
				detector, err := NewServerDetector()
				if err != nil {
					return err
				}
				detected = detector.DetectAll()
			}

			out := c.OutOrStdout()
			if dryRun {
				fmt.Fprint(out, FormatDetectionResults(detected))
				return nil
			}

			path := opts.configPath()
			registry, err := proxy.ReadServerRegistry(path)
			if err != nil {
				return err
			}

			var allowed []string
			if allowAll {
				allowed = []string{proxy.AllowAll}
			}
			imported := ImportServers(registry, detected, allowed, overwrite)
			for _, name := range imported {
				fmt.Fprintf(out, "Imported %s\n", name)
			}
			if len(imported) == 0 {
				fmt.Fprintln(out, "Nothing to import.")
				return nil
			}
			return proxy.SaveServerRegistry(registry, path)
		},
	}
	c.Flags().StringSliceVar(&from, "from", nil, "configuration files to import from instead of the default locations")
	c.Flags().BoolVar(&allowAll, "allow-all", false, "allow every tool of the imported servers")
	c.Flags().BoolVar(&overwrite, "overwrite", false, "replace servers that are already configured")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "only show what would be imported")
	return c
}

// ImportServers adds the stdio servers to registry and returns the names
// that were added or replaced. Existing servers are skipped unless
// overwrite is set.
func ImportServers(registry *proxy.ServerRegistry, detected []DetectedServer, allowed []string, overwrite bool) []string {
	var imported []string
	for _, d := range detected {
		if !d.Stdio() {
			continue
		}
		if registry.GetServer(d.Name) != nil && !overwrite {
			continue
		}
		registry.AddServer(d.Entry(allowed))
		imported = append(imported, d.Name)
	}
	return imported
}
