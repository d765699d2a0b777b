package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"routeforge/internal/daemon"
	"routeforge/internal/registry"
)

var (
	// daemon command flags
	dmPayload    string
	dmStatus     string
	dmLimit      int
	dmPrintPlist bool
	dmBinary     string
)

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonEnqueueCmd)
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)

	daemonStatusCmd.Flags().StringVar(&dmStatus, "status", "", "Filter by job status: queued, running, succeeded or failed")
	daemonStatusCmd.Flags().IntVar(&dmLimit, "limit", 20, "Maximum number of jobs to list")

	daemonEnqueueCmd.Flags().StringVar(&dmPayload, "payload", "{}", "Job payload as a JSON object")

	daemonInstallCmd.Flags().BoolVar(&dmPrintPlist, "print", false, "Print the LaunchAgent plist instead of writing it")
	daemonInstallCmd.Flags().StringVar(&dmBinary, "binary", "", "Path to the routeforge binary (default: this executable)")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and manage background jobs",
	Long: `The daemon runs route health passes, weight optimisation, bandit tuning and
catalog synchronisation on the intervals set in the config file.

Examples:
  # Run in the foreground
  routeforge daemon run

  # Queue an optimisation pass toward low latency
  routeforge daemon enqueue optimize_routes --payload '{"target":"latency"}'`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon loop in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			d := daemon.New(a.store, daemon.Config{
				LeaseFor:     a.cfg.Daemon.LeaseFor.Duration(),
				PollInterval: a.cfg.Daemon.PollInterval.Duration(),
				MaxAttempts:  a.cfg.Daemon.MaxAttempts,
				Schedules: daemon.DefaultSchedules(daemon.Intervals{
					Health:   a.cfg.Health.Interval.Duration(),
					Optimize: a.cfg.Optimizer.Interval.Duration(),
					Bandit:   a.cfg.Optimizer.BanditInterval.Duration(),
					Watch:    daemon.WatchInterval,
				}),
			}, daemon.DefaultHandlers(daemonDeps(a)), a.logger.Named("daemon"))
			return d.Run(cmd.Context())
		})
	},
}

func daemonDeps(a *app) daemon.Deps {
	return daemon.Deps{
		Queue:    a.store,
		Registry: a.registry,
		Checker:  a.backends,
		Health: registry.HealthOptions{
			ChecksPerSecond: a.cfg.Health.ChecksPerSecond,
			Concurrency:     a.cfg.Health.Concurrency,
			Timeout:         a.cfg.Health.Timeout.Duration(),
		},
		Optimizer:   a.optimizer,
		Notifier:    a.notifier,
		CatalogPath: a.cfg.Catalog,
		Logger:      a.logger.Named("daemon"),
	}
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recent daemon jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			jobs, err := a.store.ListJobs(cmd.Context(), dmStatus, dmLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		})
	},
}

var daemonEnqueueCmd = &cobra.Command{
	Use:   "enqueue <job-type>",
	Short: "Queue a job for the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(dmPayload), &payload); err != nil {
			return fmt.Errorf("parse --payload: %w", err)
		}
		return withApp(cmd.Context(), func(a *app) error {
			id, created, err := a.store.EnqueueUnique(cmd.Context(), args[0], time.Now().UTC(), payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"job_id": id, "created": created})
		})
	},
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a macOS LaunchAgent that keeps the daemon running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		bin := dmBinary
		if bin == "" {
			if bin, err = os.Executable(); err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
		}
		spec, err := daemon.NewAgentSpec(ws, bin, configPath)
		if err != nil {
			return err
		}
		if dmPrintPlist {
			plist, err := daemon.GeneratePlist(spec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), plist)
			return err
		}
		path, err := daemon.Install(ws, spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\nLoad it with: launchctl load %s\n", path, path)
		return nil
	},
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the LaunchAgent written by install",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		path, err := daemon.Uninstall(ws)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", path)
		return nil
	},
}
