package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mafzii/mcp-filter/proxy"
	"github.com/Mafzii/mcp-filter/server"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	ConfigPath string
	LogLevel   string
}

// configPath resolves --config, then MCP_FILTER_CONFIG, then the XDG default.
func (o *globalOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return proxy.DefaultConfigPath()
}

func (o *globalOptions) logger() *proxy.Logger {
	return proxy.NewLogger(o.LogLevel)
}

// NewRootCommand builds the mcp-filter command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   proxy.AppName,
		Short: "Serve a filtered union of several MCP servers' tools over stdio",
		Long: `mcp-filter launches the MCP servers listed in its route configuration,
keeps only the tools allowed for each of them and presents the result to an
MCP client as a single server on stdin/stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "route configuration file (default $"+proxy.ConfigEnvVar+" or the XDG config dir)")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCommand(opts),
		newServersCommand(opts),
		newSelectCommand(opts),
		newGenerateCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintf(c.OutOrStdout(), "%s v%s\n", proxy.AppName, server.Version)
		},
	}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
