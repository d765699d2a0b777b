package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"routeforge/internal/ledger"
)

const catalogWatchKey = "watch_catalog"

// WatchState tracks a watched file's last seen content.
type WatchState struct {
	Path     string `json:"path"`
	ModTime  string `json:"mod_time"`
	Hash     string `json:"hash"`
	LastSeen string `json:"last_seen"`
}

// watchTick polls the catalog file and enqueues catalog_sync when its
// content changed since the previous tick.
func (h *handlers) watchTick(ctx context.Context, _ *ledger.Job) (any, error) {
	now := time.Now().UTC()
	changed, err := watchFile(ctx, h.deps.Queue, h.deps.CatalogPath, catalogWatchKey)
	if err != nil {
		return nil, fmt.Errorf("watch catalog: %w", err)
	}

	result := map[string]any{
		"checked_at": now.Format(time.RFC3339),
		"catalog":    h.deps.CatalogPath,
		"status":     "no_changes",
	}
	if !changed {
		return result, nil
	}
	if _, err := os.Stat(h.deps.CatalogPath); errors.Is(err, fs.ErrNotExist) {
		result["status"] = "catalog_removed"
		return result, nil
	}

	jobID, _, err := h.deps.Queue.EnqueueUnique(ctx, JobCatalogSync, now, map[string]any{
		"trigger": "catalog_changed",
		"path":    h.deps.CatalogPath,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", JobCatalogSync, err)
	}
	result["status"] = "changes_detected"
	result["enqueued"] = jobID
	return result, nil
}

// watchFile reports whether filePath changed since the state stored under
// kvKey and records the new state. A file that never existed is unchanged;
// a deleted file is a change once.
func watchFile(ctx context.Context, queue Queue, filePath, kvKey string) (bool, error) {
	stateJSON, err := queue.GetKV(ctx, kvKey)
	if err != nil {
		return false, fmt.Errorf("get watch state: %w", err)
	}
	var prev WatchState
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &prev); err != nil {
			return false, fmt.Errorf("parse watch state: %w", err)
		}
	}

	info, err := os.Stat(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		if prev.Hash == "" {
			return false, nil
		}
		if err := saveWatchState(ctx, queue, kvKey, WatchState{Path: filePath}); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	hash, err := hashFile(filePath)
	if err != nil {
		return false, fmt.Errorf("hash file: %w", err)
	}

	next := WatchState{
		Path:     filePath,
		ModTime:  info.ModTime().UTC().Format(time.RFC3339),
		Hash:     hash,
		LastSeen: time.Now().UTC().Format(time.RFC3339),
	}
	if err := saveWatchState(ctx, queue, kvKey, next); err != nil {
		return false, err
	}
	return prev.Hash != hash, nil
}

func saveWatchState(ctx context.Context, queue Queue, kvKey string, state WatchState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}
	if err := queue.SetKV(ctx, kvKey, string(raw)); err != nil {
		return fmt.Errorf("save watch state: %w", err)
	}
	return nil
}

// hashFile computes SHA256 hash of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
