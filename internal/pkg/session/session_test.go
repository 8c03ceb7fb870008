package session_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsu-project/dsid/internal/pkg/bootstatus"
	"github.com/dsu-project/dsid/internal/pkg/devicemapper"
	"github.com/dsu-project/dsid/internal/pkg/extent"
	"github.com/dsu-project/dsid/internal/pkg/imagestore"
	"github.com/dsu-project/dsid/internal/pkg/progress"
	"github.com/dsu-project/dsid/internal/pkg/session"
)

type fakeAbort struct{ abort bool }

func (f *fakeAbort) ShouldAbort() bool { return f.abort }

type fakeImages struct{}

func (fakeImages) RemoveAllImages() error { return nil }

func newFixture(t *testing.T) (*imagestore.ImageStore, *bootstatus.Status, *progress.Recorder) {
	t.Helper()

	mapper := devicemapper.NewFakeMapper()
	mapper.Refuse = true

	store, err := imagestore.Open(t.TempDir(), t.TempDir(),
		imagestore.WithExtentBackend(extent.NewFakeBackend()),
		imagestore.WithMapper(mapper),
		imagestore.WithLoop(imagestore.NewFakeLoop()),
	)
	require.NoError(t, err)

	boot := bootstatus.New(t.TempDir(), fakeImages{}, nil, func() bool { return false })

	return store, boot, progress.New()
}

func TestSessionHappyPath(t *testing.T) {
	store, boot, prog := newFixture(t)

	sess := session.New("/data/gsi/dsu/default/", "system", 16, true, false, store, boot, prog, &fakeAbort{}, nil)

	require.NoError(t, sess.Preallocate())
	assert.Equal(t, session.Preallocated, sess.State())

	require.NoError(t, sess.OpenWriter(context.Background(), 0))
	assert.Equal(t, session.Streaming, sess.State())

	require.NoError(t, sess.WriteChunk(bytes.Repeat([]byte{0xAB}, 16)))
	assert.True(t, sess.Complete())

	require.NoError(t, sess.Finalize(false))
	assert.Equal(t, session.Finalized, sess.State())

	dir, ok := boot.InstallDir()
	require.True(t, ok)
	assert.Equal(t, "/data/gsi/dsu/default/", dir)
}

func TestSessionFinalizeRejectsShortWrite(t *testing.T) {
	store, boot, prog := newFixture(t)

	sess := session.New("/x/", "system", 16, true, false, store, boot, prog, &fakeAbort{}, nil)

	require.NoError(t, sess.Preallocate())
	require.NoError(t, sess.OpenWriter(context.Background(), 0))
	require.NoError(t, sess.WriteChunk(bytes.Repeat([]byte{1}, 8)))

	err := sess.Finalize(false)
	assert.ErrorIs(t, err, session.ErrSizeExceeded)
}

func TestSessionWriteChunkRejectsOversizedWrite(t *testing.T) {
	store, boot, prog := newFixture(t)

	sess := session.New("/x/", "system", 8, true, false, store, boot, prog, &fakeAbort{}, nil)

	require.NoError(t, sess.Preallocate())
	require.NoError(t, sess.OpenWriter(context.Background(), 0))

	err := sess.WriteChunk(bytes.Repeat([]byte{1}, 16))
	assert.ErrorIs(t, err, session.ErrSizeExceeded)
}

func TestSessionAbortHonored(t *testing.T) {
	store, boot, prog := newFixture(t)

	abort := &fakeAbort{}
	sess := session.New("/x/", "system", 16, true, false, store, boot, prog, abort, nil)

	require.NoError(t, sess.Preallocate())
	require.NoError(t, sess.OpenWriter(context.Background(), 0))

	abort.abort = true

	err := sess.WriteChunk([]byte{1})
	assert.ErrorIs(t, err, session.ErrAborted)
}

func TestSessionExistingSizeTooSmallWithoutWipe(t *testing.T) {
	store, boot, prog := newFixture(t)

	first := session.New("/x/", "system", 16, true, false, store, boot, prog, &fakeAbort{}, nil)
	require.NoError(t, first.Preallocate())
	require.NoError(t, first.OpenWriter(context.Background(), 0))
	require.NoError(t, first.WriteChunk(bytes.Repeat([]byte{1}, 16)))
	require.NoError(t, first.Finalize(false))

	second := session.New("/x/", "system", 32, true, false, store, boot, prog, &fakeAbort{}, nil)
	err := second.Preallocate()
	assert.ErrorIs(t, err, session.ErrIncompatibleSize)
}

func TestSessionWipeRecreatesImage(t *testing.T) {
	store, boot, prog := newFixture(t)

	first := session.New("/x/", "system", 16, true, false, store, boot, prog, &fakeAbort{}, nil)
	require.NoError(t, first.Preallocate())
	require.NoError(t, first.OpenWriter(context.Background(), 0))
	require.NoError(t, first.WriteChunk(bytes.Repeat([]byte{1}, 16)))
	require.NoError(t, first.Finalize(false))

	second := session.New("/x/", "system", 32, true, true, store, boot, prog, &fakeAbort{}, nil)
	require.NoError(t, second.Preallocate())
	assert.Equal(t, session.Preallocated, second.State())

	size, err := store.ImageSize("system_gsi")
	require.NoError(t, err)
	assert.Equal(t, uint64(32), size)
}

func TestSessionAbortUnwindsMapping(t *testing.T) {
	store, boot, prog := newFixture(t)

	sess := session.New("/x/", "system", 16, true, false, store, boot, prog, &fakeAbort{}, nil)

	require.NoError(t, sess.Preallocate())
	require.NoError(t, sess.OpenWriter(context.Background(), 0))

	require.NoError(t, sess.Abort(context.Background()))
	assert.Equal(t, session.Aborted, sess.State())
	assert.False(t, store.BackingImageExists("system_gsi"))
}
