package imagestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsu-project/dsid/internal/pkg/devicemapper"
	"github.com/dsu-project/dsid/internal/pkg/extent"
	"github.com/dsu-project/dsid/internal/pkg/imagestore"
	"github.com/dsu-project/dsid/internal/pkg/partitiontable"
)

func newStore(t *testing.T) (*imagestore.ImageStore, *extent.FakeBackend, *devicemapper.FakeMapper) {
	t.Helper()

	backend := extent.NewFakeBackend()
	mapper := devicemapper.NewFakeMapper()
	mapper.Refuse = true // force the loop-device fallback, exercised unprivileged

	store, err := imagestore.Open(t.TempDir(), t.TempDir(),
		imagestore.WithExtentBackend(backend),
		imagestore.WithMapper(mapper),
		imagestore.WithLoop(imagestore.NewFakeLoop()),
	)
	require.NoError(t, err)

	return store, backend, mapper
}

func TestCreateAndMapBackingImage(t *testing.T) {
	store, _, _ := newStore(t)

	require.NoError(t, store.CreateBackingImage("system", 1<<20, 0, nil))
	assert.True(t, store.BackingImageExists("system"))

	size, err := store.ImageSize("system")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), size)

	devicePath, err := store.MapImageDevice(context.Background(), "system", 0)
	require.NoError(t, err)
	assert.Contains(t, devicePath, "loop")
	assert.True(t, store.IsImageMapped("system"))

	require.NoError(t, store.UnmapImageDevice(context.Background(), "system", false))
	assert.False(t, store.IsImageMapped("system"))
}

func TestCreateBackingImageAlreadyExists(t *testing.T) {
	store, _, _ := newStore(t)

	require.NoError(t, store.CreateBackingImage("system", 1<<20, 0, nil))
	err := store.CreateBackingImage("system", 1<<20, 0, nil)
	assert.ErrorIs(t, err, imagestore.ErrAlreadyExists)
}

func TestCreateBackingImageWithZeroFillHonorsAbort(t *testing.T) {
	store, _, _ := newStore(t)

	calls := 0

	onProgress := func(done, total uint64) bool {
		calls++

		return false // abort on the very first callback
	}

	err := store.CreateBackingImage("userdata", 4<<20, partitiontable.FlagZeroed, onProgress)
	assert.ErrorIs(t, err, imagestore.ErrAborted)
	assert.Equal(t, 1, calls)
	assert.False(t, store.BackingImageExists("userdata"))
}

func TestDeleteBackingImageIdempotent(t *testing.T) {
	store, _, _ := newStore(t)

	require.NoError(t, store.CreateBackingImage("userdata", 1<<20, 0, nil))
	require.NoError(t, store.DeleteBackingImage("userdata"))
	assert.False(t, store.BackingImageExists("userdata"))

	require.NoError(t, store.DeleteBackingImage("userdata"))
}

func TestValidateDetectsMovedExtents(t *testing.T) {
	store, backend, _ := newStore(t)

	require.NoError(t, store.CreateBackingImage("system", 1<<20, 0, nil))
	assert.True(t, store.Validate())

	backend.Move(store.DataPath("system"))
	assert.False(t, store.Validate())
}

func TestCheckSpaceReports(t *testing.T) {
	store, _, _ := newStore(t)

	enoughForRequest, _, err := store.CheckSpace(1)
	require.NoError(t, err)
	assert.True(t, enoughForRequest)
}

func TestMapImageDeviceNotFound(t *testing.T) {
	store, _, _ := newStore(t)

	_, err := store.MapImageDevice(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, imagestore.ErrNotFound)
}

func TestRemoveAllImages(t *testing.T) {
	store, _, _ := newStore(t)

	require.NoError(t, store.CreateBackingImage("system", 1<<16, 0, nil))
	require.NoError(t, store.CreateBackingImage("userdata", 1<<16, 0, nil))

	require.NoError(t, store.RemoveAllImages())
	assert.False(t, store.BackingImageExists("system"))
	assert.False(t, store.BackingImageExists("userdata"))
}
