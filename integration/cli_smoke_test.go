package integration_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"routeforge/integration/harness"
)

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func runJSON(t *testing.T, binPath, dataDir string, out any, args ...string) {
	t.Helper()

	full := append([]string{"--data-dir", dataDir}, args...)
	stdout, stderr, code := harness.Run(t, binPath, t.TempDir(), full)
	if code != 0 {
		t.Fatalf("routeforge %s exit code %d\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), code, stdout, stderr)
	}
	var env envelope
	if err := json.Unmarshal([]byte(stdout), &env); err != nil {
		t.Fatalf("decode %s output: %v\nstdout:\n%s", args[0], err, stdout)
	}
	if !env.OK {
		t.Fatalf("routeforge %s returned an error: %+v", strings.Join(args, " "), env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			t.Fatalf("decode %s result: %v", args[0], err)
		}
	}
}

func TestCLISmoke(t *testing.T) {
	binPath := harness.BuildBinary(t)
	dataDir := filepath.Join(t.TempDir(), "state")

	stdout, stderr, code := harness.Run(t, binPath, t.TempDir(), []string{"--help"})
	if code != 0 {
		t.Fatalf("routeforge --help exit code %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	if !strings.Contains(stdout+stderr, "routeforge turns goals into plans") {
		t.Fatalf("expected help output to include header\nstdout:\n%s\nstderr:\n%s", stdout, stderr)
	}

	if os.Getenv(harness.BinaryEnv) == "" {
		stdout, _, code = harness.Run(t, binPath, t.TempDir(), []string{"--version"})
		if code != 0 || !strings.Contains(stdout, harness.Version) {
			t.Fatalf("expected --version to report %q, got exit %d: %s", harness.Version, code, stdout)
		}
	}

	if _, stderr, code := harness.Run(t, binPath, t.TempDir(), []string{"--data-dir", dataDir, "init"}); code != 0 {
		t.Fatalf("routeforge init exit code %d\nstderr:\n%s", code, stderr)
	}

	var profiled struct {
		Bound int `json:"bound"`
	}
	runJSON(t, binPath, dataDir, &profiled, "route", "profile", "--bind")
	if profiled.Bound == 0 {
		t.Fatal("expected catalog tools to be bound")
	}

	var submitted struct {
		Plan struct {
			ID string `json:"id"`
		} `json:"plan"`
		Steps []struct {
			ID           string   `json:"id"`
			Dependencies []string `json:"dependencies"`
		} `json:"steps"`
	}
	runJSON(t, binPath, dataDir, &submitted, "goal", "submit", "deploy the billing service", "--context", "env=staging")
	if submitted.Plan.ID == "" || len(submitted.Steps) == 0 {
		t.Fatalf("expected a plan with steps, got %+v", submitted)
	}

	runJSON(t, binPath, dataDir, nil, "plan", "dry-run", submitted.Plan.ID)

	var first string
	for _, step := range submitted.Steps {
		if len(step.Dependencies) == 0 {
			first = step.ID
			break
		}
	}
	if first == "" {
		t.Fatal("expected a step without dependencies")
	}

	var ran struct {
		Ticket struct {
			ID string `json:"id"`
		} `json:"ticket"`
	}
	runJSON(t, binPath, dataDir, &ran, "step", "run", first)
	if ran.Ticket.ID == "" {
		t.Fatal("expected run_step to issue a ticket")
	}

	var awaited struct {
		Status string `json:"status"`
	}
	runJSON(t, binPath, dataDir, &awaited, "step", "await", ran.Ticket.ID, "--timeout", "5s")
	if awaited.Status != "completed" && awaited.Status != "failed" {
		t.Fatalf("expected a terminal ticket, got %q", awaited.Status)
	}

	var trail struct {
		PlanID string            `json:"plan_id"`
		Events []json.RawMessage `json:"events"`
	}
	runJSON(t, binPath, dataDir, &trail, "audit", "trail", submitted.Plan.ID, "--format", "raw")
	if trail.PlanID != submitted.Plan.ID || len(trail.Events) == 0 {
		t.Fatalf("expected raw events for plan %s, got %d", submitted.Plan.ID, len(trail.Events))
	}

	ledgerPath := filepath.Join(dataDir, "ledger.sqlite")
	if _, err := os.Stat(ledgerPath); err != nil {
		t.Fatalf("ledger not written at %s: %v", ledgerPath, err)
	}
	requireLedgerEvents(t, ledgerPath, []string{
		"capability_bound",
		"plan_submitted",
		"step_executed",
	})

	// A copied data directory keeps working from its new location.
	moved := filepath.Join(t.TempDir(), "moved")
	harness.CopyDataDir(t, dataDir, moved)
	var relocated struct {
		Events []json.RawMessage `json:"events"`
	}
	runJSON(t, binPath, moved, &relocated, "audit", "trail", submitted.Plan.ID, "--format", "raw")
	if len(relocated.Events) != len(trail.Events) {
		t.Fatalf("relocated trail has %d events, want %d", len(relocated.Events), len(trail.Events))
	}
}
