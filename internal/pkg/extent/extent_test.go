package extent_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsu-project/dsid/internal/pkg/extent"
)

func TestFakeBackendAllocateAndVerify(t *testing.T) {
	backend := extent.NewFakeBackend()
	path := filepath.Join(t.TempDir(), "image.img")

	exts, err := backend.Allocate(path, 1<<20)
	require.NoError(t, err)
	require.Len(t, exts, 1)

	ok, err := backend.VerifyPinned(path, exts)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFakeBackendMoveBreaksVerification(t *testing.T) {
	backend := extent.NewFakeBackend()
	path := filepath.Join(t.TempDir(), "image.img")

	exts, err := backend.Allocate(path, 1<<20)
	require.NoError(t, err)

	backend.Move(path)

	ok, err := backend.VerifyPinned(path, exts)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFakeBackendFragmentExceedsMaximum(t *testing.T) {
	backend := extent.NewFakeBackend()
	path := filepath.Join(t.TempDir(), "image.img")

	_, err := backend.Allocate(path, 1<<20)
	require.NoError(t, err)

	backend.Fragment(path)

	got, err := backend.Extents(path)
	require.NoError(t, err)
	assert.Greater(t, len(got), extent.MaximumExtents)
}
