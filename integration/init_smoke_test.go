package integration_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"routeforge/integration/harness"
)

func TestInitSmoke(t *testing.T) {
	binPath := harness.BuildBinary(t)
	runDir := t.TempDir()
	dataDir := filepath.Join(t.TempDir(), "state-init")

	stdout, stderr, code := harness.Run(t, binPath, runDir, []string{"--data-dir", dataDir, "init"})
	if code != 0 {
		t.Fatalf("routeforge init exit code %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}

	paths := []string{
		filepath.Join(dataDir, "routeforge.yaml"),
		filepath.Join(dataDir, "catalog.yaml"),
		filepath.Join(dataDir, "evidence.yaml"),
		filepath.Join(dataDir, "logs"),
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing init path %s: %v", path, err)
		}
	}

	// A second init leaves existing files alone.
	stdout, stderr, code = harness.Run(t, binPath, runDir, []string{"--data-dir", dataDir, "init"})
	if code != 0 {
		t.Fatalf("second routeforge init exit code %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	if strings.Contains(stdout, "created") {
		t.Fatalf("second init should not create files\nstdout:\n%s", stdout)
	}

	if _, err := os.Stat(filepath.Join(runDir, "routeforge.yaml")); !os.IsNotExist(err) {
		t.Fatalf("init wrote into the working directory: %v", err)
	}
}

func TestInitUsesHomeEnv(t *testing.T) {
	binPath := harness.BuildBinary(t)
	home := filepath.Join(t.TempDir(), "home")

	stdout, stderr, code := harness.RunWithEnv(t, binPath, t.TempDir(), []string{"init"}, map[string]string{
		"ROUTEFORGE_HOME": home,
	})
	if code != 0 {
		t.Fatalf("routeforge init exit code %d\nstdout:\n%s\nstderr:\n%s", code, stdout, stderr)
	}
	if _, err := os.Stat(filepath.Join(home, "routeforge.yaml")); err != nil {
		t.Fatalf("config not written under ROUTEFORGE_HOME: %v", err)
	}
}
