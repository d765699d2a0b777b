// Package main implements the routeforge CLI: workspace setup, the MCP and
// HTTP servers, the background daemon, and one command per operation.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"routeforge/internal/api"
	"routeforge/internal/config"
	"routeforge/internal/workspace"
)

var (
	// configPath overrides <data-dir>/routeforge.yaml
	configPath string
	// dataDir overrides data_dir from the config file and ROUTEFORGE_HOME
	dataDir string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "routeforge",
	Short: "Adaptive capability routing and plan orchestration",
	Long: `routeforge turns goals into plans of capability steps, routes each step to a
backend tool with a learning bandit router, and keeps every decision in an
auditable ledger.

Configuration is read from <data-dir>/routeforge.yaml and ROUTEFORGE_* environment
variables. The data directory defaults to $ROUTEFORGE_HOME or ~/.routeforge.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/routeforge.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default $ROUTEFORGE_HOME or ~/.routeforge)")
}

// resolveWorkspace returns the data directory named by the flags.
func resolveWorkspace() (*workspace.Workspace, error) {
	root := dataDir
	if root == "" {
		root = workspace.DefaultRoot()
	}
	return workspace.Open(root)
}

// loadConfig loads the configuration the flags point at.
func loadConfig() (*config.Config, error) {
	if dataDir != "" {
		if err := os.Setenv(config.EnvPrefix+"DATA_DIR", dataDir); err != nil {
			return nil, fmt.Errorf("set data dir: %w", err)
		}
	}
	path := configPath
	if path == "" {
		ws, err := resolveWorkspace()
		if err != nil {
			return nil, err
		}
		path = ws.ConfigPath
	}
	return config.Load(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints an operation response and turns a failure into a command error.
func emit[T any](cmd *cobra.Command, resp api.Response[T]) error {
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}
