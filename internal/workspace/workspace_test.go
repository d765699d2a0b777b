package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveRequiresExistingDir(t *testing.T) {
	dir := t.TempDir()
	ws, err := Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if ws.LedgerPath != filepath.Join(dir, "ledger.sqlite") {
		t.Fatalf("LedgerPath = %s", ws.LedgerPath)
	}

	if _, err := Resolve(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("Resolve(missing) should fail")
	}
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(file); err == nil {
		t.Fatal("Resolve(file) should fail")
	}
	if _, err := Resolve("  "); err == nil {
		t.Fatal("Resolve(blank) should fail")
	}
}

func TestOpenAndEnsureDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	ws, err := Open(root)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if Exists(root) {
		t.Fatal("Open must not create the root")
	}
	if err := ws.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error: %v", err)
	}
	if !Exists(ws.LogDir) {
		t.Fatalf("log dir %s was not created", ws.LogDir)
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	ws, _ := Open(root)

	got, err := ws.ResolvePath("catalog.yaml")
	if err != nil || got != filepath.Join(root, "catalog.yaml") {
		t.Fatalf("ResolvePath(relative) = %q, %v", got, err)
	}
	got, err = ws.ResolvePath("/etc/../tmp/x")
	if err != nil || got != "/tmp/x" {
		t.Fatalf("ResolvePath(absolute) = %q, %v", got, err)
	}
	got, err = ws.ResolvePath("")
	if err != nil || got != "" {
		t.Fatalf("ResolvePath(empty) = %q, %v", got, err)
	}
	if _, err := ws.ResolvePath("~other/x"); err == nil {
		t.Fatal("ResolvePath(~other) should fail")
	}
}

func TestDefaultRootHonoursEnv(t *testing.T) {
	t.Setenv(EnvRoot, "/srv/routeforge")
	if got := DefaultRoot(); got != "/srv/routeforge" {
		t.Fatalf("DefaultRoot() = %s", got)
	}
	t.Setenv(EnvRoot, "")
	if got := DefaultRoot(); got != "~/.routeforge" {
		t.Fatalf("DefaultRoot() = %s", got)
	}
}
