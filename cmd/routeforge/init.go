package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"routeforge/internal/config"
	"routeforge/internal/workspace"
)

const sampleCatalog = `# Tools offered for binding. A tool without a capability is classified from
# its name and description. Run "routeforge route profile --bind" to bind them.
tools:
  - backend: mock
    tool: requirements-review
    capability: analyze_requirements
  - backend: mock
    tool: terraform-apply
    description: provision infrastructure with terraform
    policy:
      timeout_ms: 600000
  - backend: mock
    tool: pg-configure
    capability: configure_database
  - backend: mock
    tool: pytest
    capability: run_tests
  - backend: mock
    tool: trivy
    capability: security_scan
  - backend: mock
    tool: helm-upgrade
    capability: deploy_service
    policy:
      requires_attestation: true
  - backend: mock
    tool: grafana-alerts
    capability: monitor
  - backend: mock
    tool: runbook-writer
    capability: document
`

const sampleEvidence = `# Snippets retrieved while planning and weighed by the debate judge.
snippets:
  - citation: runbooks/deploy.md
    text: Deploy the service with a canary rollout and watch error rates before promoting.
    reliability: 0.9
  - citation: runbooks/database.md
    text: Configure database replicas before enabling failover checks.
    reliability: 0.8
`

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory with a starter config, catalog and evidence file",
	Long: `Create the data directory layout and write routeforge.yaml, catalog.yaml and
evidence.yaml. Existing files are left untouched.

Examples:
  routeforge init
  routeforge --data-dir ./state init`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, _ []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	if err := ws.EnsureDirs(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Data directory: %s\n", ws.Root)

	wrote, err := config.WriteTemplate(ws.ConfigPath)
	if err != nil {
		return err
	}
	report(out, ws.ConfigPath, wrote)

	for _, f := range []struct {
		path    string
		content string
	}{
		{ws.CatalogPath, sampleCatalog},
		{ws.EvidencePath, sampleEvidence},
	} {
		wrote, err := writeIfMissing(f.path, f.content)
		if err != nil {
			return err
		}
		report(out, f.path, wrote)
	}
	return nil
}

func writeIfMissing(path, content string) (bool, error) {
	if workspace.Exists(path) {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func report(out io.Writer, path string, wrote bool) {
	if wrote {
		fmt.Fprintf(out, "  created %s\n", path)
		return
	}
	fmt.Fprintf(out, "  exists  %s\n", path)
}
