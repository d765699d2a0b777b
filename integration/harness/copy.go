package harness

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// transientSuffixes are SQLite side files that belong to a live connection.
var transientSuffixes = []string{"-journal", "-wal", "-shm"}

// CopyDataDir copies a routeforge data directory into dst, leaving out
// SQLite side files so the copy looks like a cleanly closed ledger.
func CopyDataDir(t *testing.T, src, dst string) {
	t.Helper()
	if err := copyDataDir(src, dst); err != nil {
		t.Fatalf("copy data dir %s to %s: %v", src, dst, err)
	}
}

func copyDataDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink not supported: %s", path)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		for _, suffix := range transientSuffixes {
			if strings.HasSuffix(d.Name(), suffix) {
				return nil
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
