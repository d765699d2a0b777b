package daemon

import (
	"bytes"
	"crypto/sha256"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"routeforge/internal/workspace"
)

// AgentSpec describes a LaunchAgent running `routeforge daemon run`.
type AgentSpec struct {
	Label      string
	Binary     string
	ConfigPath string
	LogPath    string
}

var plistTemplate = template.Must(template.New("plist").Funcs(template.FuncMap{"xml": xmlEscape}).Parse(
	`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{xml .Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{xml .Binary}}</string>
		<string>--config</string>
		<string>{{xml .ConfigPath}}</string>
		<string>daemon</string>
		<string>run</string>
	</array>
	<key>StandardOutPath</key>
	<string>{{xml .LogPath}}</string>
	<key>StandardErrorPath</key>
	<string>{{xml .LogPath}}</string>
	<key>KeepAlive</key>
	<true/>
	<key>RunAtLoad</key>
	<true/>
</dict>
</plist>
`))

// WorkspaceHash generates a stable short hash from the workspace root path.
func WorkspaceHash(wsRoot string) string {
	h := sha256.Sum256([]byte(wsRoot))
	return fmt.Sprintf("%x", h[:4])
}

// PlistLabel returns the LaunchAgent label for a workspace.
func PlistLabel(wsRoot string) string {
	return "dev.routeforge." + WorkspaceHash(wsRoot)
}

// PlistPath returns the full path to the plist file for a workspace.
func PlistPath(wsRoot string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(homeDir, "Library", "LaunchAgents", PlistLabel(wsRoot)+".plist"), nil
}

// NewAgentSpec fills an AgentSpec for ws. An empty configPath uses the
// workspace config file.
func NewAgentSpec(ws *workspace.Workspace, binaryPath, configPath string) (AgentSpec, error) {
	if ws == nil {
		return AgentSpec{}, fmt.Errorf("workspace is nil")
	}
	bin, err := filepath.Abs(binaryPath)
	if err != nil {
		return AgentSpec{}, fmt.Errorf("resolve binary path: %w", err)
	}
	if configPath == "" {
		configPath = ws.ConfigPath
	}
	cfgPath, err := ws.ResolvePath(configPath)
	if err != nil {
		return AgentSpec{}, fmt.Errorf("resolve config path: %w", err)
	}
	return AgentSpec{
		Label:      PlistLabel(ws.Root),
		Binary:     bin,
		ConfigPath: cfgPath,
		LogPath:    filepath.Join(ws.LogDir, "routeforge.log"),
	}, nil
}

// GeneratePlist renders the LaunchAgent plist for spec.
func GeneratePlist(spec AgentSpec) (string, error) {
	var buf bytes.Buffer
	if err := plistTemplate.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("render plist: %w", err)
	}
	return buf.String(), nil
}

// Install writes the LaunchAgent plist for the workspace and returns its path.
// Loading it is left to `launchctl load`.
func Install(ws *workspace.Workspace, spec AgentSpec) (string, error) {
	if ws == nil {
		return "", fmt.Errorf("workspace is nil")
	}
	if err := os.MkdirAll(ws.LogDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure log dir: %w", err)
	}

	content, err := GeneratePlist(spec)
	if err != nil {
		return "", err
	}
	plistPath, err := PlistPath(ws.Root)
	if err != nil {
		return "", fmt.Errorf("resolve plist path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write plist: %w", err)
	}
	return plistPath, nil
}

// Uninstall removes the LaunchAgent plist for the workspace.
func Uninstall(ws *workspace.Workspace) (string, error) {
	if ws == nil {
		return "", fmt.Errorf("workspace is nil")
	}
	plistPath, err := PlistPath(ws.Root)
	if err != nil {
		return "", fmt.Errorf("resolve plist path: %w", err)
	}
	if err := os.Remove(plistPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("plist not found: %s", plistPath)
		}
		return "", fmt.Errorf("remove plist: %w", err)
	}
	return plistPath, nil
}

func xmlEscape(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
