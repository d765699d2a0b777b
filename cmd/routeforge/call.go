package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"routeforge/internal/api"
)

func init() {
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(opsCmd)
}

var callCmd = &cobra.Command{
	Use:   "call <operation> [json|-]",
	Short: "Invoke any operation with a JSON request",
	Long: `Invoke an operation by name. The request is the second argument, or stdin
when it is "-". A missing request is sent as {}.

Examples:
  routeforge call submit_goal '{"goal":"deploy the billing service"}'
  echo '{"plan_id":"..."}' | routeforge call dry_run -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := []byte("{}")
		if len(args) == 2 {
			raw = []byte(args[1])
			if args[1] == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
				raw = data
			}
		}
		return withApp(cmd.Context(), func(a *app) error {
			return emit(cmd, a.svc.Dispatch(cmd.Context(), args[0], json.RawMessage(raw)))
		})
	},
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List the available operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, op := range api.Operations() {
			fmt.Fprintf(w, "%s\t%s\n", op.Name, op.Description)
		}
		return w.Flush()
	},
}
