// Package config loads dsid's daemon-level settings: socket path,
// metadata/data directories, and the allowed install-root list, covering
// both internal storage and removable media, optionally overlaid from a
// YAML file the way Talos unmarshals machine config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is dsid's daemon configuration.
type Config struct {
	SocketPath   string   `yaml:"socket"`
	MetadataDir  string   `yaml:"metadataDir"`
	DataDir      string   `yaml:"dataDir"`
	AllowedRoots []string `yaml:"allowedRoots"`
	Debug        bool     `yaml:"debug"`
}

// DefaultInstallRoot is the canonical install directory prefix.
const DefaultInstallRoot = "/data/gsi/dsu/"

// Default returns dsid's built-in defaults.
func Default() Config {
	return Config{
		SocketPath:  "/run/dsid/dsid.sock",
		MetadataDir: "/metadata/gsi",
		DataDir:     "/data/gsi",
		AllowedRoots: []string{
			DefaultInstallRoot,
			"/mnt/media_rw/",
			"/storage/",
		},
	}
}

// Load returns Default() overlaid with path's YAML contents, if path is
// non-empty and exists.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return cfg, nil
}

// ValidateInstallDir normalizes dir (made absolute, symlinks resolved
// when it already exists, a trailing "/" appended) and accepts it if it
// lies at or under one of the allowed roots: by default the GSI install
// root and the removable-storage mount prefixes.
func (c Config) ValidateInstallDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("config: install directory must not be empty")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("config: resolving %s: %w", dir, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The directory may not exist yet (it is created by the
		// session); fall back to the lexically cleaned path.
		resolved = abs
	}

	normalized := resolved
	if !strings.HasSuffix(normalized, "/") {
		normalized += "/"
	}

	for _, root := range c.AllowedRoots {
		if strings.HasPrefix(normalized, root) {
			return normalized, nil
		}
	}

	return "", fmt.Errorf("config: %s is not under an allowed install root", dir)
}
