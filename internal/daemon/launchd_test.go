package daemon

import (
	"path/filepath"
	"strings"
	"testing"

	"routeforge/internal/workspace"
)

func TestGeneratePlist(t *testing.T) {
	root := filepath.Join(t.TempDir(), "R&D")
	ws, err := workspace.Open(root)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}

	spec, err := NewAgentSpec(ws, "/usr/local/bin/routeforge", "")
	if err != nil {
		t.Fatalf("agent spec: %v", err)
	}
	if spec.ConfigPath != ws.ConfigPath {
		t.Errorf("config path = %s, want %s", spec.ConfigPath, ws.ConfigPath)
	}
	if !strings.HasPrefix(spec.Label, "dev.routeforge.") || len(spec.Label) != len("dev.routeforge.")+8 {
		t.Errorf("label = %q", spec.Label)
	}
	if spec.Label != PlistLabel(ws.Root) {
		t.Errorf("label not stable for %s", ws.Root)
	}

	plist, err := GeneratePlist(spec)
	if err != nil {
		t.Fatalf("generate plist: %v", err)
	}
	for _, want := range []string{
		"<string>/usr/local/bin/routeforge</string>",
		"<string>daemon</string>",
		"R&amp;D",
		filepath.Join("logs", "routeforge.log"),
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q:\n%s", want, plist)
		}
	}
	if strings.Contains(plist, "R&D") {
		t.Error("workspace path was not escaped")
	}
}
