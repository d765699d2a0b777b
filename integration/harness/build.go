package harness

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var buildOnce sync.Once
var buildPath string
var buildErr error

var repoRootOnce sync.Once
var repoRoot string
var repoRootErr error

// RepoRoot returns the repository root for the current module.
func RepoRoot(t *testing.T) string {
	t.Helper()
	root, err := repoRootPath()
	if err != nil {
		t.Fatalf("resolve repo root: %v", err)
	}
	return root
}

func repoRootPath() (string, error) {
	repoRootOnce.Do(func() {
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			repoRootErr = fmt.Errorf("runtime.Caller failed")
			return
		}

		root := filepath.Dir(filepath.Dir(filepath.Dir(file)))
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			repoRootErr = fmt.Errorf("verify repo root: %w", err)
			return
		}
		repoRoot = root
	})
	return repoRoot, repoRootErr
}

// BinaryEnv names a prebuilt routeforge binary to test instead of building one.
const BinaryEnv = "ROUTEFORGE_TEST_BINARY"

// Version is stamped into the binary built for the smoke tests.
const Version = "integration"

// BuildBinary returns the routeforge CLI under test. It uses $ROUTEFORGE_TEST_BINARY
// when set and otherwise compiles ./cmd/routeforge once per test run.
func BuildBinary(t *testing.T) string {
	t.Helper()
	root := RepoRoot(t)

	buildOnce.Do(func() {
		if prebuilt := os.Getenv(BinaryEnv); prebuilt != "" {
			abs, err := filepath.Abs(prebuilt)
			if err == nil {
				_, err = os.Stat(abs)
			}
			if err != nil {
				buildErr = fmt.Errorf("%s: %w", BinaryEnv, err)
				return
			}
			buildPath = abs
			return
		}

		dir, err := os.MkdirTemp("", "routeforge-bin-")
		if err != nil {
			buildErr = fmt.Errorf("create temp dir: %w", err)
			return
		}
		outPath := filepath.Join(dir, "routeforge")

		cmd := exec.Command("go", "build",
			"-ldflags", "-X main.version="+Version,
			"-o", outPath, "./cmd/routeforge")
		cmd.Dir = root
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			buildErr = fmt.Errorf("go build failed: %w\nstderr:\n%s", err, stderr.String())
			return
		}
		buildPath = outPath
	})

	if buildErr != nil {
		t.Fatalf("build routeforge binary: %v", buildErr)
	}
	return buildPath
}
