package frpconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const transientName = "frpc.ini"

// WriteTransient writes configText to a fresh private directory and returns
// the file path. The directory is 0700 and the file 0600 because the config
// carries the relay token. Callers must pass the path to Cleanup once frpc
// has read it.
func WriteTransient(configText string) (string, error) {
	dir, err := os.MkdirTemp("", "frpc-manager-")
	if err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, transientName)
	if err := os.WriteFile(path, []byte(configText), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// Cleanup removes a file created by WriteTransient together with its private
// directory. Removal is best-effort: errors are logged, never returned.
func Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Debug("failed to remove transient frpc config", "path", path, "error", err)
	}
	dir := filepath.Dir(path)
	if filepath.Base(path) != transientName || dir == os.TempDir() {
		return
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		slog.Debug("failed to remove transient config dir", "dir", dir, "error", err)
	}
}
