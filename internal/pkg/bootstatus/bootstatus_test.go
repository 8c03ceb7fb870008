package bootstatus_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsu-project/dsid/internal/pkg/bootstatus"
)

type fakeImages struct {
	removed bool
}

func (f *fakeImages) RemoveAllImages() error {
	f.removed = true

	return nil
}

func newStatus(t *testing.T, bootedInstalled func() bool) (*bootstatus.Status, *fakeImages) {
	t.Helper()

	dir := t.TempDir()
	images := &fakeImages{}

	return bootstatus.New(dir, images, nil, bootedInstalled), images
}

func TestFinalizeWritesStatusFiles(t *testing.T) {
	status, _ := newStatus(t, func() bool { return false })

	require.NoError(t, status.Finalize("/data/gsi/dsu/default/", true))

	v, ok := status.InstallStatus()
	require.True(t, ok)
	assert.Equal(t, bootstatus.StatusInstalling, v)

	assert.True(t, status.OneShotArmed())

	dir, ok := status.InstallDir()
	require.True(t, ok)
	assert.Equal(t, "/data/gsi/dsu/default/", dir)
}

func TestRunStartupTasksConfirmsOneShotBoot(t *testing.T) {
	status, _ := newStatus(t, func() bool { return true })

	require.NoError(t, status.Finalize("/data/gsi/dsu/default/", true))
	require.True(t, status.OneShotArmed())

	require.NoError(t, status.RunStartupTasks())

	v, ok := status.InstallStatus()
	require.True(t, ok)
	assert.Equal(t, bootstatus.StatusOK, v)
	assert.False(t, status.OneShotArmed())
}

func TestRunStartupTasksReclaimsPendingWipe(t *testing.T) {
	bootedInstalled := false
	status, images := newStatus(t, func() bool { return bootedInstalled })

	require.NoError(t, status.Finalize("/data/gsi/dsu/default/", false))

	bootedInstalled = true
	require.NoError(t, status.Wipe())

	v, ok := status.InstallStatus()
	require.True(t, ok)
	assert.Equal(t, bootstatus.StatusWipe, v)
	assert.False(t, images.removed)

	bootedInstalled = false
	require.NoError(t, status.RunStartupTasks())
	assert.True(t, images.removed)
}

func TestRunStartupTasksReclaimsStaleInstall(t *testing.T) {
	dir := t.TempDir()
	images := &fakeImages{}
	status := bootstatus.New(dir, images, nil, func() bool { return false })

	installDir := filepath.Join(t.TempDir(), "install") + "/"
	require.NoError(t, os.MkdirAll(installDir, 0o700))

	require.NoError(t, status.Finalize(installDir, false))

	require.NoError(t, os.Remove(filepath.Join(dir, "complete")))

	require.NoError(t, status.RunStartupTasks())
	assert.True(t, images.removed)
}

func TestIsRunningDsu(t *testing.T) {
	bootedInstalled := true
	status, _ := newStatus(t, func() bool { return bootedInstalled })

	assert.False(t, status.IsRunningDsu())

	require.NoError(t, status.Finalize("/x/", false))
	assert.True(t, status.IsRunningDsu())

	require.NoError(t, status.Disable())
	assert.False(t, status.IsRunningDsu())
}

func TestEnableRequiresExistingInstall(t *testing.T) {
	status, _ := newStatus(t, func() bool { return false })

	assert.ErrorIs(t, status.Enable(false), bootstatus.ErrNoInstall)
}

func TestRemoveDeletesAllMarkersAndImages(t *testing.T) {
	status, images := newStatus(t, func() bool { return false })

	require.NoError(t, status.Finalize("/x/", false))
	require.NoError(t, status.Remove())

	_, ok := status.InstallStatus()
	assert.False(t, ok)
	assert.True(t, images.removed)
}
