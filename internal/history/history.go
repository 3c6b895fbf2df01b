// Package history remembers what the user ran last so the next session can
// prefill it.
package history

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/model"
)

// Entry is the last profile a session was started with. Tokens are never
// stored here; the endpoint is resolved from config.yaml again on reuse.
type Entry struct {
	Server     model.ServerConfigID `json:"server"`
	LocalPort  int                  `json:"local_port"`
	RemotePort int                  `json:"remote_port"`
	UsedAt     int64                `json:"used_at"`
}

type store struct {
	Last     *Entry           `json:"last,omitempty"`
	LastUsed map[string]int64 `json:"last_used"`
}

func filePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.json"), nil
}

// RecordLast stores p as the most recent profile.
func RecordLast(p model.ConnectionProfile) error {
	st, err := load()
	if err != nil {
		return err
	}
	st.Last = &Entry{
		Server:     p.ServerConfig,
		LocalPort:  p.LocalServicePort,
		RemotePort: p.RemotePort,
		UsedAt:     time.Now().Unix(),
	}
	return save(st)
}

// Last returns the most recent profile, if any.
func Last() (Entry, bool, error) {
	st, err := load()
	if err != nil {
		return Entry{}, false, err
	}
	if st.Last == nil {
		return Entry{}, false, nil
	}
	return *st.Last, true, nil
}

// Touch records successful use of a saved profile.
func Touch(name string) error {
	st, err := load()
	if err != nil {
		return err
	}
	st.LastUsed[name] = time.Now().Unix()
	return save(st)
}

// LastUsed returns last successful use timestamps by profile name.
func LastUsed() (map[string]int64, error) {
	st, err := load()
	if err != nil {
		return nil, err
	}
	return st.LastUsed, nil
}

// SortRecent returns a new slice of names sorted by recent use (desc), then name.
func SortRecent(names []string, lastUsed map[string]int64) []string {
	out := append([]string(nil), names...)
	sort.Slice(out, func(i, j int) bool {
		ti := lastUsed[out[i]]
		tj := lastUsed[out[j]]
		if ti != tj {
			return ti > tj
		}
		return out[i] < out[j]
	})
	return out
}

func load() (store, error) {
	path, err := filePath()
	if err != nil {
		return store{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store{LastUsed: map[string]int64{}}, nil
		}
		return store{}, err
	}
	var st store
	if err := json.Unmarshal(b, &st); err != nil {
		slog.Warn("ignoring unreadable history file", "path", path, "error", err)
		return store{LastUsed: map[string]int64{}}, nil
	}
	if st.LastUsed == nil {
		st.LastUsed = map[string]int64{}
	}
	return st, nil
}

func save(st store) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
