package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/exprtools/pkg/gateway"
	"github.com/harun/exprtools/pkg/mcpserver"
)

const shutdownTimeout = 10 * time.Second

var gatewayAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tools to clients",
	Long:  `Load the descriptor directory and serve the registered tools.`,
}

var serveMCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve tools over MCP stdio",
	Long: `Serve the registered tools to an MCP client over stdin and stdout.
Logs are written to stderr. Clients are notified when the tool list changes.`,
	Args: cobra.NoArgs,
	RunE: runServeMCP,
}

var serveGatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve tools over JSON-RPC on HTTP and WebSocket",
	Long: `Serve the registered tools as JSON-RPC methods on /rpc (HTTP POST) and /ws
(WebSocket). WebSocket clients receive a tools.changed event on every reload.
Prometheus metrics are served on /metrics when enabled.`,
	Args: cobra.NoArgs,
	RunE: runServeGateway,
}

func init() {
	serveGatewayCmd.Flags().StringVar(&gatewayAddr, "addr", "", "listen address (overrides gateway.host and gateway.port)")

	serveCmd.AddCommand(serveMCPCmd)
	serveCmd.AddCommand(serveGatewayCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServeMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.load(ctx); err != nil {
		return err
	}
	if err := a.startWatcher(); err != nil {
		return err
	}

	srv := mcpserver.New(a.executor,
		mcpserver.WithLogger(a.logger),
		mcpserver.WithMetrics(a.metrics),
		mcpserver.WithServerInfo(a.cfg.MCP.ServerName, version),
		mcpserver.WithConcurrency(a.cfg.MCP.Concurrency),
	)

	if err := srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runServeGateway(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.load(ctx); err != nil {
		return err
	}
	if err := a.startWatcher(); err != nil {
		return err
	}

	addr := a.cfg.Gateway.Addr()
	if gatewayAddr != "" {
		addr = gatewayAddr
	}

	gwCfg := gateway.Config{
		Addr:         addr,
		SharedSecret: a.cfg.Gateway.SharedSecret,
		RateLimit: gateway.RateLimit{
			RequestsPerMinute: a.cfg.Gateway.RequestsPerMinute,
			MaxConcurrent:     a.cfg.Gateway.MaxConcurrent,
		},
		AllowedOrigins: a.cfg.Gateway.AllowedOrigins,
		Executor:       a.executor,
		Reloader:       a.loader,
		Logger:         a.logger,
	}
	if a.cfg.Metrics.Enabled {
		gwCfg.Metrics = a.metrics
	}

	srv, err := gateway.NewServer(gwCfg)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	if a.cfg.Gateway.SharedSecret == "" {
		a.logger.Warn().Msg("Gateway authentication disabled: no shared secret configured")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Gateway listening on %s\n", srv.Addr())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
