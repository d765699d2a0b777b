package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command against a fresh data directory.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ROUTEFORGE_DATA_DIR", "")
	t.Setenv("ROUTEFORGE_LOGGING__LEVEL", "error")
	configPath, dataDir = "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitWritesStarterFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	out, err := execute(t, dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "created "+filepath.Join(dir, "routeforge.yaml"))

	for _, name := range []string{"routeforge.yaml", "catalog.yaml", "evidence.yaml", "logs"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	out, err = execute(t, dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "exists  "+filepath.Join(dir, "catalog.yaml"))
}

func TestCallRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	_, err := execute(t, dir, "init")
	require.NoError(t, err)

	out, err := execute(t, dir, "route", "profile", "--bind")
	require.NoError(t, err)
	var profiled struct {
		OK     bool `json:"ok"`
		Result struct {
			Bound int `json:"bound"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &profiled))
	assert.True(t, profiled.OK)
	assert.Equal(t, 8, profiled.Result.Bound)

	out, err = execute(t, dir, "call", "submit_goal", `{"goal":"deploy the billing service"}`)
	require.NoError(t, err)
	var submitted struct {
		OK     bool `json:"ok"`
		Result struct {
			Plan struct {
				ID string `json:"id"`
			} `json:"plan"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))
	require.True(t, submitted.OK, out)
	require.NotEmpty(t, submitted.Result.Plan.ID)

	out, err = execute(t, dir, "plan", "dry-run", submitted.Result.Plan.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"ok": true`)
}

func TestCallReportsErrorCode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	out, err := execute(t, dir, "plan", "dry-run", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
	assert.Contains(t, out, `"code": "not_found"`)

	_, err = execute(t, dir, "call", "no_such_op")
	require.Error(t, err)
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"env=staging", " region =eu=west"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "staging", "region": "eu=west"}, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)

	got, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOptionalRate(t *testing.T) {
	assert.Nil(t, optionalRate(-1))
	if r := optionalRate(0); assert.NotNil(t, r) {
		assert.Equal(t, 0.0, *r)
	}
}
