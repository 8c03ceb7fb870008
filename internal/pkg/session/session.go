// Package session implements the per-partition installation object:
// preallocate, open for streaming, accept bytes, finalize, and on
// failure unwind, grounded on
// internal/app/machined/internal/install/install.go's options-object
// shape and internal/pkg/rootfs/mount/mount.go's loop/dm device
// acquisition idiom.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dsu-project/dsid/internal/pkg/bootstatus"
	"github.com/dsu-project/dsid/internal/pkg/imagestore"
	"github.com/dsu-project/dsid/internal/pkg/partitiontable"
	"github.com/dsu-project/dsid/internal/pkg/progress"
)

// State is the session's lifecycle state.
type State int

const (
	Open State = iota
	Preallocated
	Streaming
	Finalized
	Aborted
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Preallocated:
		return "Preallocated"
	case Streaming:
		return "Streaming"
	case Finalized:
		return "Finalized"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// DefaultUserdataSize is used when name=="userdata" and size==0.
const DefaultUserdataSize = 2 << 30 // 2 GiB

// userdataGsiName is the canonical, suffixed form of the userdata
// partition name, compared against after New applies imagestore.GsiName.
const userdataGsiName = "userdata" + imagestore.GsiSuffix

// userdataZeroFillBytes is how much of a freshly created userdata image
// gets zeroed up front, matching the filesystem-format check that only
// looks at an image's first megabyte.
const userdataZeroFillBytes = 1 << 20 // 1 MiB

const streamChunkSize = 4 << 10 // 4 KiB

var (
	ErrWrongState       = errors.New("session: operation invalid in current state")
	ErrSizeExceeded     = errors.New("session: write would exceed declared size")
	ErrAborted          = errors.New("session: aborted")
	ErrShortStream      = errors.New("session: stream ended before declared size was reached")
	ErrRunningDsu       = errors.New("session: device is currently booted into an installed image")
	ErrIncompatibleSize = errors.New("session: existing image is smaller than requested and wipe was not set")
)

// AbortSignal is the narrow capability the session borrows from the
// service core to observe cancellation: the session never holds a
// reference to the service itself, avoiding a dependency cycle.
type AbortSignal interface {
	ShouldAbort() bool
}

// Session is the per-partition installation object.
type Session struct {
	installDir    string
	name          string
	size          uint64
	readOnly      bool
	wipe          bool
	wipeOnFailure bool

	store  *imagestore.ImageStore
	boot   *bootstatus.Status
	prog   *progress.Recorder
	abort  AbortSignal
	logger *zap.Logger

	state        State
	bytesWritten uint64
	devicePath   string
	writer       *os.File
	mappedNames  []string
	fresh        bool
}

// New constructs a session in the Open state. name is canonicalized to
// its "_gsi"-suffixed form (see imagestore.GsiName) before anything else
// looks at it, so every backing image this session touches actually
// lands on disk as "<name>_gsi". size==0 with name=="userdata" defaults
// to DefaultUserdataSize.
func New(installDir, name string, size int64, readOnly, wipe bool, store *imagestore.ImageStore, boot *bootstatus.Status, prog *progress.Recorder, abort AbortSignal, logger *zap.Logger) *Session {
	name = imagestore.GsiName(name)

	if size == 0 && name == userdataGsiName {
		size = DefaultUserdataSize
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		installDir: installDir,
		name:       name,
		size:       uint64(size),
		readOnly:   readOnly,
		wipe:       wipe,
		store:      store,
		boot:       boot,
		prog:       prog,
		abort:      abort,
		logger:     logger,
		state:      Open,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// BytesWritten returns the number of bytes committed so far.
func (s *Session) BytesWritten() uint64 { return s.bytesWritten }

// Size returns the partition's declared size.
func (s *Session) Size() uint64 { return s.size }

// Name returns the partition name the session was opened for.
func (s *Session) Name() string { return s.name }

// Complete reports whether every declared byte has been committed and
// the session is still waiting to be finalized.
func (s *Session) Complete() bool {
	return s.state == Streaming && s.bytesWritten == s.size
}

// Preallocate reserves the backing image for the partition, or reuses
// an existing one when not wiping.
func (s *Session) Preallocate() error {
	if s.state != Open {
		return ErrWrongState
	}

	if s.boot != nil && s.boot.IsRunningDsu() {
		return ErrRunningDsu
	}

	// userdata is the one image a plain reinstall normally preserves;
	// non-userdata partitions (e.g. system) are always rewritten by the
	// stream, so wipe clears whatever is there for either kind of
	// partition before recreating.
	if s.wipe {
		if err := s.store.DeleteBackingImage(s.name); err != nil {
			return fmt.Errorf("session: wiping existing %s: %w", s.name, err)
		}
	}

	exists := s.store.BackingImageExists(s.name)

	switch {
	case exists && !s.wipe:
		existingSize, err := s.store.ImageSize(s.name)
		if err != nil {
			return err
		}

		if existingSize < s.size {
			return ErrIncompatibleSize
		}

		s.size = existingSize
		s.mappedNames = append(s.mappedNames, s.name)
		s.fresh = false

	default:
		enoughForRequest, enoughPercent, err := s.store.CheckSpace(s.size)
		if err != nil {
			return err
		}

		if !enoughForRequest {
			return imagestore.ErrNoSpace
		}

		if !enoughPercent {
			return imagestore.ErrFileSystemCluttered
		}

		flags := partitiontable.Flags(0)
		if s.readOnly {
			flags |= partitiontable.FlagReadOnly
		}

		onProgress := func(done, total uint64) bool {
			s.prog.Start("preallocate "+s.name, total)
			s.prog.Update(done)

			return s.abort == nil || !s.abort.ShouldAbort()
		}

		if err := s.store.CreateBackingImage(s.name, s.size, flags, onProgress); err != nil {
			return err
		}

		if s.name == userdataGsiName {
			zeroBytes := uint64(userdataZeroFillBytes)
			if s.size < zeroBytes {
				zeroBytes = s.size
			}

			if err := s.store.ZeroFillNewImage(s.name, zeroBytes); err != nil {
				return fmt.Errorf("session: zeroing userdata: %w", err)
			}
		}

		s.mappedNames = append(s.mappedNames, s.name)
		s.fresh = true
		s.wipe = false
	}

	s.state = Preallocated

	return nil
}

// OpenWriter maps the partition as a block device. With readOnly==false
// (meaning: do not expect a streamed payload, e.g. a preformatted
// userdata image) the session finalizes immediately with no bytes
// written; with readOnly==true it transitions to Streaming and expects
// write_chunk calls. The same readOnly value is what Preallocate records
// as the image's FlagReadOnly, so a partition is streamed exactly when
// it is marked read-only.
func (s *Session) OpenWriter(ctx context.Context, mapTimeout time.Duration) error {
	if s.state != Preallocated {
		return ErrWrongState
	}

	devicePath, err := s.store.MapImageDevice(ctx, s.name, mapTimeout)
	if err != nil {
		return err
	}

	s.devicePath = devicePath

	if !s.readOnly {
		s.state = Finalized

		return nil
	}

	f, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("session: opening %s for streaming: %w", devicePath, err)
	}

	s.writer = f
	s.prog.Start("write "+s.name, s.size)
	s.state = Streaming

	return nil
}

// WriteChunk commits an in-memory chunk to the mapped device.
func (s *Session) WriteChunk(data []byte) error {
	if s.state != Streaming {
		return ErrWrongState
	}

	if s.abort != nil && s.abort.ShouldAbort() {
		return ErrAborted
	}

	if s.bytesWritten+uint64(len(data)) > s.size {
		return ErrSizeExceeded
	}

	if err := writeFull(s.writer, data); err != nil {
		return fmt.Errorf("session: writing chunk: %w", err)
	}

	s.bytesWritten += uint64(len(data))
	s.prog.Update(s.bytesWritten)

	return nil
}

// WriteChunkFromStream reads exactly n bytes from r in streamChunkSize
// blocks and commits them. EOF before n bytes is an error.
func (s *Session) WriteChunkFromStream(r io.Reader, n int64) error {
	if s.state != Streaming {
		return ErrWrongState
	}

	br := bufio.NewReaderSize(r, streamChunkSize)

	var remaining = n

	buf := make([]byte, streamChunkSize)

	for remaining > 0 {
		if s.abort != nil && s.abort.ShouldAbort() {
			return ErrAborted
		}

		want := int64(streamChunkSize)
		if remaining < want {
			want = remaining
		}

		read, err := io.ReadFull(br, buf[:want])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, io.EOF) {
				return ErrShortStream
			}

			return fmt.Errorf("session: reading stream: %w", err)
		}

		if int64(read) < want {
			return ErrShortStream
		}

		if err := s.WriteChunk(buf[:read]); err != nil {
			return err
		}

		remaining -= int64(read)
	}

	return nil
}

func writeFull(f *os.File, data []byte) error {
	for len(data) > 0 {
		n, err := f.Write(data)
		if err != nil {
			return err
		}

		data = data[n:]
	}

	return nil
}

// Finalize requires bytes_written == size, flushes, validates, and
// commits boot status last.
func (s *Session) Finalize(oneShot bool) error {
	if s.state != Streaming {
		return ErrWrongState
	}

	if s.bytesWritten != s.size {
		return fmt.Errorf("session: %w: wrote %d of %d bytes", ErrSizeExceeded, s.bytesWritten, s.size)
	}

	if err := s.writer.Sync(); err != nil {
		return fmt.Errorf("session: fsync: %w", err)
	}

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("session: closing writer: %w", err)
	}

	s.writer = nil

	if !s.store.Validate() {
		return fmt.Errorf("session: extent validation failed after write")
	}

	if err := s.boot.Finalize(s.installDir, oneShot); err != nil {
		return err
	}

	s.prog.Finish()
	s.state = Finalized

	return nil
}

// Abort unmaps every image the session mapped. Whether it also deletes
// the backing file is independent of the "_gsi" name (every image this
// package creates carries that suffix): a freshly created image is
// always deleted, since nothing else has a claim on it, while an
// existing image this session only reused (the common case for
// userdata across a reinstall) is preserved unless wipeOnFailure was
// requested.
func (s *Session) Abort(ctx context.Context) error {
	if s.state == Finalized {
		return nil
	}

	if s.writer != nil {
		s.writer.Close() //nolint:errcheck

		s.writer = nil
	}

	for _, name := range s.mappedNames {
		s.store.UnmapImageDevice(ctx, name, true) //nolint:errcheck
	}

	var firstErr error

	if s.fresh || s.wipeOnFailure {
		for _, name := range s.mappedNames {
			if err := s.store.DeleteBackingImage(name); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	s.prog.Reset()
	s.state = Aborted

	return firstErr
}

// SetWipeOnFailure controls whether Abort also deletes a reused,
// pre-existing image (i.e. userdata) it mapped.
func (s *Session) SetWipeOnFailure(v bool) { s.wipeOnFailure = v }
