// Package workspace resolves the routeforge data directory and the files in it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvRoot overrides the default data directory.
const EnvRoot = "ROUTEFORGE_HOME"

// Workspace defines data-directory paths.
type Workspace struct {
	Root         string
	ConfigPath   string
	LedgerPath   string
	CatalogPath  string
	EvidencePath string
	LogDir       string
}

// Resolve expands and validates the data directory, ensuring it exists.
func Resolve(root string) (*Workspace, error) {
	abs, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", abs)
	}
	return newWorkspace(abs), nil
}

// Open resolves the data directory without requiring it to exist.
func Open(root string) (*Workspace, error) {
	abs, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}
	return newWorkspace(abs), nil
}

// DefaultRoot returns $ROUTEFORGE_HOME, or ~/.routeforge.
func DefaultRoot() string {
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		return v
	}
	return "~/.routeforge"
}

// EnsureDirs creates the data directory layout.
func (w *Workspace) EnsureDirs() error {
	if w == nil {
		return fmt.Errorf("workspace is nil")
	}
	for _, dir := range []string{w.Root, w.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

// ResolvePath returns an absolute path, resolving relative paths from the root.
func (w *Workspace) ResolvePath(path string) (string, error) {
	if w == nil {
		return "", fmt.Errorf("workspace is nil")
	}
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Abs(filepath.Join(w.Root, expanded))
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newWorkspace(root string) *Workspace {
	return &Workspace{
		Root:         root,
		ConfigPath:   filepath.Join(root, "routeforge.yaml"),
		LedgerPath:   filepath.Join(root, "ledger.sqlite"),
		CatalogPath:  filepath.Join(root, "catalog.yaml"),
		EvidencePath: filepath.Join(root, "evidence.yaml"),
		LogDir:       filepath.Join(root, "logs"),
	}
}

func resolveRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", fmt.Errorf("workspace root is required")
	}
	expanded, err := expandHome(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return abs, nil
}

func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return "", fmt.Errorf("unsupported home expansion: %s", path)
}
