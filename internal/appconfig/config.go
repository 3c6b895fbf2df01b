// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/util"
)

const appDirName = "frpc-manager"

// DefaultUpdateURL serves the latest release descriptor.
const DefaultUpdateURL = "https://www.dazhuzai.cn/api.php"

const (
	ProbeRemotePort = "remote"
	ProbeLocalPort  = "local"
)

// BinaryConfig locates the frpc executable.
type BinaryConfig struct {
	// Path is an absolute path or a name resolved via PATH.
	Path string `yaml:"path"`
	// ProcessName is the image name matched when reaping stale instances.
	ProcessName string `yaml:"process_name"`
}

// TunnelConfig tunes the supervisor.
type TunnelConfig struct {
	SuccessMarker      string `yaml:"success_marker"`
	ProbePort          string `yaml:"probe_port"`
	ConfigReadGraceMS  int    `yaml:"config_read_grace_ms"`
	ReapSettleMS       int    `yaml:"reap_settle_ms"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
	UsePTY             bool   `yaml:"use_pty"`
}

// UpdateConfig controls the startup version check.
type UpdateConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
	LogLines       int `yaml:"log_lines"`
}

// LogConfig controls the application's own slog output.
type LogConfig struct {
	Level string `yaml:"level"`
	// File receives logs while the TUI owns the terminal. Empty discards them.
	File string `yaml:"file"`
}

// SecurityConfig contains output hygiene settings.
type SecurityConfig struct {
	RedactTokens bool `yaml:"redact_tokens"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config holds application-level configuration.
type Config struct {
	Binary   BinaryConfig                                  `yaml:"binary"`
	Servers  map[model.ServerConfigID]model.ServerEndpoint `yaml:"servers"`
	Tunnel   TunnelConfig                                  `yaml:"tunnel"`
	Update   UpdateConfig                                  `yaml:"update"`
	UI       UIConfig                                      `yaml:"ui"`
	Log      LogConfig                                     `yaml:"log"`
	Security SecurityConfig                                `yaml:"security"`
	Metrics  MetricsConfig                                 `yaml:"metrics"`
}

// Default returns the default configuration. The server entries are
// placeholders; real endpoints and tokens belong in the user's config.yaml.
func Default() Config {
	return Config{
		Binary: BinaryConfig{
			Path:        util.DefaultProcessName(),
			ProcessName: util.DefaultProcessName(),
		},
		Servers: map[model.ServerConfigID]model.ServerEndpoint{
			model.ServerPrimary:   {Address: "frps-1.example.com", Port: 15443, Token: "change-me-primary"},
			model.ServerSecondary: {Address: "frps-2.example.com", Port: 7000, Token: "change-me-secondary"},
		},
		Tunnel: TunnelConfig{
			SuccessMarker:      util.DefaultSuccessMarker,
			ProbePort:          ProbeRemotePort,
			ConfigReadGraceMS:  int(util.DefaultConfigReadGrace / time.Millisecond),
			ReapSettleMS:       int(util.DefaultReapSettle / time.Millisecond),
			StopTimeoutSeconds: int(util.DefaultStopTimeout / time.Second),
		},
		Update: UpdateConfig{
			Enabled:        true,
			URL:            DefaultUpdateURL,
			TimeoutSeconds: int(util.DefaultUpdateTimeout / time.Second),
		},
		UI:       UIConfig{RefreshSeconds: util.DefaultRefreshSeconds, LogLines: 200},
		Log:      LogConfig{Level: "info"},
		Security: SecurityConfig{RedactTokens: true},
	}
}

// ServerTable returns the enum-keyed relay table handed to profile construction.
func (c Config) ServerTable() model.ServerTable {
	out := make(model.ServerTable, len(c.Servers))
	for id, ep := range c.Servers {
		out[id] = ep
	}
	return out
}

// ConfigReadGrace returns the configured grace as a duration.
func (c Config) ConfigReadGrace() time.Duration {
	return time.Duration(c.Tunnel.ConfigReadGraceMS) * time.Millisecond
}

// ReapSettle returns the configured settle window as a duration.
func (c Config) ReapSettle() time.Duration {
	return time.Duration(c.Tunnel.ReapSettleMS) * time.Millisecond
}

// StopTimeout returns the configured stop timeout as a duration.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.Tunnel.StopTimeoutSeconds) * time.Second
}

// UpdateTimeout returns the configured update-check timeout as a duration.
func (c Config) UpdateTimeout() time.Duration {
	return time.Duration(c.Update.TimeoutSeconds) * time.Second
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/frpc-manager.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appDirName), nil
}

// FilePath returns the full path to config.yaml.
func FilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	path, err := FilePath()
	if err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if strings.TrimSpace(cfg.Binary.Path) == "" {
		cfg.Binary.Path = def.Binary.Path
	}
	if strings.TrimSpace(cfg.Binary.ProcessName) == "" {
		cfg.Binary.ProcessName = filepath.Base(cfg.Binary.Path)
	}
	if cfg.Servers == nil {
		cfg.Servers = def.Servers
	}
	if strings.TrimSpace(cfg.Tunnel.SuccessMarker) == "" {
		cfg.Tunnel.SuccessMarker = def.Tunnel.SuccessMarker
	}
	switch cfg.Tunnel.ProbePort {
	case ProbeRemotePort, ProbeLocalPort:
	default:
		cfg.Tunnel.ProbePort = ProbeRemotePort
	}
	if cfg.Tunnel.ConfigReadGraceMS <= 0 {
		cfg.Tunnel.ConfigReadGraceMS = def.Tunnel.ConfigReadGraceMS
	}
	if cfg.Tunnel.ReapSettleMS < 0 {
		cfg.Tunnel.ReapSettleMS = def.Tunnel.ReapSettleMS
	}
	if cfg.Tunnel.StopTimeoutSeconds <= 0 {
		cfg.Tunnel.StopTimeoutSeconds = def.Tunnel.StopTimeoutSeconds
	}
	if strings.TrimSpace(cfg.Update.URL) == "" {
		cfg.Update.URL = def.Update.URL
	}
	if cfg.Update.TimeoutSeconds <= 0 {
		cfg.Update.TimeoutSeconds = def.Update.TimeoutSeconds
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	if cfg.UI.LogLines <= 0 {
		cfg.UI.LogLines = def.UI.LogLines
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		cfg.Log.Level = def.Log.Level
	}
}

// Save writes config to config.yaml. The file holds relay tokens, so it is
// written owner-only.
func Save(cfg Config) error {
	path, err := FilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
