package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"routeforge/internal/httpapi"
	"routeforge/internal/mcpserver"
)

var httpAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.AddCommand(serveMCPCmd)
	serveCmd.AddCommand(serveHTTPCmd)

	serveHTTPCmd.Flags().StringVar(&httpAddr, "addr", "", "listen address (default http.addr from config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operations over MCP or HTTP",
}

var serveMCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the operations as MCP tools on stdio",
	Long: `Serve every routeforge operation as an MCP tool over stdio.

Examples:
  # Register with an MCP client
  routeforge serve mcp

  # Use a specific data directory
  routeforge --data-dir ./state serve mcp`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withApp(ctx, func(a *app) error {
			return mcpserver.New(a.svc, version, a.logger.Named("mcp")).Run(ctx)
		})
	},
}

var serveHTTPCmd = &cobra.Command{
	Use:   "http",
	Short: "Serve the operations over HTTP",
	Long: `Serve every routeforge operation at POST /v1/ops/{name}, with /healthz and
/metrics alongside.

Examples:
  routeforge serve http --addr 127.0.0.1:8484
  curl -s -XPOST localhost:8484/v1/ops/submit_goal -d '{"goal":"deploy the api"}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withApp(ctx, func(a *app) error {
			addr := httpAddr
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			srv := httpapi.New(a.svc, addr, a.logger.Named("http"))

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			a.logger.Info("http server listening", zap.String("addr", addr))

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout.Duration())
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	},
}
