// Package profiles stores named tunnel presets in profiles.yaml.
package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/frpc-manager/internal/appconfig"
	"github.com/treykane/frpc-manager/internal/model"
	"github.com/treykane/frpc-manager/internal/util"
)

// Profile is a saved server and port pair. It refers to a server by id so
// endpoint and token changes in config.yaml apply to every profile.
type Profile struct {
	Name       string               `yaml:"name" json:"name"`
	Server     model.ServerConfigID `yaml:"server" json:"server"`
	LocalPort  int                  `yaml:"local_port" json:"local_port"`
	RemotePort int                  `yaml:"remote_port" json:"remote_port"`
}

// Resolve builds the connection profile against the configured servers.
func (p Profile) Resolve(table model.ServerTable) (model.ConnectionProfile, error) {
	return model.NewProfile(table, p.Server, p.LocalPort, p.RemotePort)
}

type fileModel struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// FilePath returns the full path to profiles.yaml.
func FilePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "profiles.yaml"), nil
}

// LoadAll returns all profiles sorted by name.
func LoadAll() ([]Profile, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(fm.Profiles))
	for _, p := range fm.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one profile by name.
func Get(name string) (Profile, error) {
	fm, err := loadFile()
	if err != nil {
		return Profile{}, err
	}
	p, ok := fm.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile not found: %s", name)
	}
	return p, nil
}

// Save adds or replaces a profile.
func Save(p Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	id, err := model.ParseServerConfigID(string(p.Server))
	if err != nil {
		return err
	}
	p.Server = id
	if err := util.ValidatePort(p.LocalPort); err != nil {
		return fmt.Errorf("local port: %w", err)
	}
	if err := util.ValidatePort(p.RemotePort); err != nil {
		return fmt.Errorf("remote port: %w", err)
	}

	fm, err := loadFile()
	if err != nil {
		return err
	}
	fm.Profiles[p.Name] = p
	return saveFile(fm)
}

// Delete removes a profile by name.
func Delete(name string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Profiles[name]; !ok {
		return fmt.Errorf("profile not found: %s", name)
	}
	delete(fm.Profiles, name)
	return saveFile(fm)
}

func loadFile() (fileModel, error) {
	path, err := FilePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Profiles: map[string]Profile{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse profiles: %w", err)
	}
	if fm.Profiles == nil {
		fm.Profiles = map[string]Profile{}
	}
	for name, p := range fm.Profiles {
		if p.Name == "" {
			p.Name = name
			fm.Profiles[name] = p
		}
	}
	return fm, nil
}

func saveFile(fm fileModel) error {
	path, err := FilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
