package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mafzii/mcp-filter/proxy"
	"github.com/Mafzii/mcp-filter/server"
)

// ServeConfig holds the runtime options of the serve command.
type ServeConfig struct {
	ConfigPath           string
	DBPath               string
	CallTimeout          time.Duration
	HandshakeTimeout     time.Duration
	MaxConcurrentCalls   int
	RejectUnknownMethods bool
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	cfg := ServeConfig{}

	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg.ConfigPath = opts.configPath()
			logger := opts.logger()
			return RunServe(ctx, cfg, server.NewProcessSupervisor(logger), logger, c.InOrStdin(), c.OutOrStdout())
		},
	}

	flags := c.Flags()
	flags.StringVar(&cfg.DBPath, "db", "", "sqlite audit database path (default: in-memory)")
	flags.DurationVar(&cfg.CallTimeout, "call-timeout", server.DefaultCallTimeout, "how long a backend may take to answer a request")
	flags.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", server.DefaultHandshakeTimeout, "how long a backend may take to answer initialize")
	flags.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent", 1, "client requests handled at once; 1 answers strictly in order")
	flags.BoolVar(&cfg.RejectUnknownMethods, "reject-unknown-methods", false, "answer methods other than tools/* with method-not-found instead of forwarding them")
	return c
}

// RunServe starts every configured backend, builds the catalog and serves
// one client session on in/out until it ends or ctx is cancelled. Backends
// are always shut down before it returns.
func RunServe(ctx context.Context, cfg ServeConfig, launcher proxy.Launcher, logger *proxy.Logger, in io.Reader, out io.Writer) error {
	registry, err := proxy.LoadOrEmpty(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load route configuration: %w", err)
	}
	if len(registry.Enabled()) == 0 {
		logger.Warn("no backends with allowed tools in %s; serving an empty catalog", cfg.ConfigPath)
	}

	store, err := server.OpenAuditStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()

	trace := proxy.NewTraceRecorder(200)
	stats := server.NewStatsTracker()

	manager := server.NewBackendManager(registry, launcher, logger, server.ConnectionOptions{
		CallTimeout:      cfg.CallTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Trace:            trace,
	})
	manager.SetStore(store)
	defer manager.Shutdown()

	catalog, err := manager.Initialize(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, status := range manager.Status() {
		logger.Debug("backend %s: %s, %d tools", status.Name, status.State, status.Tools)
	}

	router := server.NewProxyRouter(catalog, manager, logger, server.RouterOptions{
		MaxConcurrentCalls:   cfg.MaxConcurrentCalls,
		RejectUnknownMethods: cfg.RejectUnknownMethods,
		Trace:                trace,
		Stats:                stats,
		Store:                store,
	})

	err = router.Serve(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
