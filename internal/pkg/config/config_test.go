package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsu-project/dsid/internal/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "/run/dsid/dsid.sock", cfg.SocketPath)
	assert.Contains(t, cfg.AllowedRoots, config.DefaultInstallRoot)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket: /tmp/custom.sock\ndebug: true\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	assert.True(t, cfg.Debug)
	assert.Equal(t, config.Default().MetadataDir, cfg.MetadataDir)
}

func TestValidateInstallDirAcceptsDefaultRoot(t *testing.T) {
	cfg := config.Default()

	dir, err := cfg.ValidateInstallDir(config.DefaultInstallRoot + "default")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultInstallRoot+"default/", dir)
}

func TestValidateInstallDirRejectsOutsideAllowedRoots(t *testing.T) {
	cfg := config.Default()

	_, err := cfg.ValidateInstallDir("/etc/passwd")
	assert.Error(t, err)
}

func TestValidateInstallDirRejectsEmpty(t *testing.T) {
	cfg := config.Default()

	_, err := cfg.ValidateInstallDir("")
	assert.Error(t, err)
}
