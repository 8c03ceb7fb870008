// Package imagestore manages the per-(metadata-dir, data-dir) catalog of
// backing images, grounded on internal/pkg/rootfs/mount/mount.go's
// loop-device idiom and v1alpha1_server.go's Statfs free-space scan.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dsu-project/dsid/internal/pkg/devicemapper"
	"github.com/dsu-project/dsid/internal/pkg/extent"
	"github.com/dsu-project/dsid/internal/pkg/partitiontable"
)

// DefaultMapTimeout is the recommended caller timeout for MapImageDevice.
const DefaultMapTimeout = 10 * time.Second

const metadataSuffix = ".lp"

// GsiSuffix is the naming convention every backing image carries on
// disk: "system_gsi", "userdata_gsi", and so on, stored as
// "<name>_gsi.img" / "<name>_gsi.lp". GsiName is the single boundary
// callers route a bare partition name through before it reaches the
// store, so "system" and "system_gsi" always resolve to the same image.
const GsiSuffix = "_gsi"

// GsiName appends the "_gsi" suffix to name unless it is already
// present.
func GsiName(name string) string {
	if strings.HasSuffix(name, GsiSuffix) {
		return name
	}

	return name + GsiSuffix
}

// mappedImage tracks a backing image currently exposed as a block device.
type mappedImage struct {
	devicePath string
	viaDM      bool
}

// ImageStore catalogs backing images under a metadata and data directory
// pair, and exposes them as block devices on demand.
type ImageStore struct {
	metadataDir string
	dataDir     string

	extents extent.Backend
	codec   partitiontable.Codec
	mapper  devicemapper.Mapper
	loop    LoopBackend
	logger  *zap.Logger

	mu     sync.Mutex
	mapped map[string]mappedImage
}

// Option configures Open.
type Option func(*ImageStore)

// WithExtentBackend overrides the default FIEMAP-backed extent.Backend.
func WithExtentBackend(b extent.Backend) Option { return func(s *ImageStore) { s.extents = b } }

// WithCodec overrides the default partitiontable.BinaryCodec.
func WithCodec(c partitiontable.Codec) Option { return func(s *ImageStore) { s.codec = c } }

// WithMapper overrides the default dmsetup-backed devicemapper.Mapper.
func WithMapper(m devicemapper.Mapper) Option { return func(s *ImageStore) { s.mapper = m } }

// WithLoop overrides the default go-losetup-backed LoopBackend.
func WithLoop(l LoopBackend) Option { return func(s *ImageStore) { s.loop = l } }

// WithLogger attaches a *zap.Logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(s *ImageStore) { s.logger = l } }

// Open validates that metadataDir and dataDir exist and returns a store
// rooted at them.
func Open(metadataDir, dataDir string, opts ...Option) (*ImageStore, error) {
	for _, dir := range []string{metadataDir, dataDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrPathInvalid, dir)
		}
	}

	s := &ImageStore{
		metadataDir: metadataDir,
		dataDir:     dataDir,
		extents:     &extent.FilesystemBackend{},
		codec:       partitiontable.BinaryCodec{},
		mapper:      devicemapper.DMSetup{},
		loop:        Loop{},
		logger:      zap.NewNop(),
		mapped:      map[string]mappedImage{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// CheckSpace reports whether dataDir's filesystem can fit a further
// needBytes, and whether at least 40% of the filesystem would remain
// free afterward.
func (s *ImageStore) CheckSpace(needBytes uint64) (enoughForRequest, enoughPercent bool, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dataDir, &st); err != nil {
		return false, false, fmt.Errorf("%w: statfs %s: %w", ErrIO, s.dataDir, err)
	}

	total := uint64(st.Bsize) * st.Blocks
	avail := uint64(st.Bsize) * st.Bavail

	enoughForRequest = avail >= needBytes

	if total == 0 {
		return enoughForRequest, false, nil
	}

	remainingAfter := avail - needBytes
	if avail < needBytes {
		remainingAfter = 0
	}

	enoughPercent = float64(remainingAfter)/float64(total) >= 0.40

	return enoughForRequest, enoughPercent, nil
}

func (s *ImageStore) metadataPath(name string) string {
	return filepath.Join(s.metadataDir, name+metadataSuffix)
}

func (s *ImageStore) dataPath(name string) string {
	return filepath.Join(s.dataDir, name+".img")
}

// DataPath returns the backing data file path for name, used by
// callers (and tests) that need to inspect the raw file without going
// through a device mapping.
func (s *ImageStore) DataPath(name string) string {
	return s.dataPath(name)
}

func (s *ImageStore) readMetadata(name string) (partitiontable.Table, error) {
	data, err := os.ReadFile(s.metadataPath(name))
	if err != nil {
		return partitiontable.Table{}, err
	}

	return s.codec.Decode(data)
}

func (s *ImageStore) writeMetadata(name string, t partitiontable.Table) error {
	data, err := s.codec.Encode(t)
	if err != nil {
		return err
	}

	return os.WriteFile(s.metadataPath(name), data, 0o600)
}

// ImageSize returns the logical size recorded for an existing image.
func (s *ImageStore) ImageSize(name string) (uint64, error) {
	table, err := s.readMetadata(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if len(table.Partitions) != 1 {
		return 0, fmt.Errorf("%w: %s has no partition entry", ErrNotFound, name)
	}

	return table.Partitions[0].Size, nil
}

// BackingImageExists reports whether name has both a data file and
// metadata blob.
func (s *ImageStore) BackingImageExists(name string) bool {
	_, err := os.Stat(s.dataPath(name))

	return err == nil && s.PartitionExists(name)
}

// PartitionExists is a metadata-only existence check.
func (s *ImageStore) PartitionExists(name string) bool {
	_, err := os.Stat(s.metadataPath(name))

	return err == nil
}

// hasFreeSpace reports whether dataDir's filesystem has at least
// needBytes free.
func hasFreeSpace(dir string, needBytes uint64) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false, fmt.Errorf("%w: statfs %s: %w", ErrIO, dir, err)
	}

	avail := uint64(st.Bsize) * st.Bavail

	return avail >= needBytes, nil
}

// CreateBackingImage reserves size bytes in a file within dataDir,
// ensuring extents are pinned.
func (s *ImageStore) CreateBackingImage(name string, size uint64, flags partitiontable.Flags, onProgress func(done, total uint64) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.BackingImageExists(name) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	ok, err := hasFreeSpace(s.dataDir, size)
	if err != nil {
		return err
	}

	if !ok {
		return ErrNoSpace
	}

	dataPath := s.dataPath(name)

	extents, err := s.extents.Allocate(dataPath, size)
	if err != nil {
		os.Remove(dataPath) //nolint:errcheck

		if errors.Is(err, extent.ErrTooFragmented) {
			return ErrFileSystemCluttered
		}

		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	if len(extents) > extent.MaximumExtents {
		os.Remove(dataPath) //nolint:errcheck

		return ErrFileSystemCluttered
	}

	guid := uuid.New()

	if flags&partitiontable.FlagZeroed != 0 {
		if aborted, zerr := s.zeroFill(dataPath, size, onProgress); zerr != nil || aborted {
			os.Remove(dataPath) //nolint:errcheck

			if aborted {
				return ErrAborted
			}

			return fmt.Errorf("%w: zero-fill %s: %w", ErrIO, name, zerr)
		}
	}

	table := partitiontable.Table{Partitions: []partitiontable.Partition{{
		GUID:    guid,
		Name:    name,
		Size:    size,
		Flags:   flags,
		Extents: extents,
	}}}

	if err := s.writeMetadata(name, table); err != nil {
		os.Remove(dataPath) //nolint:errcheck

		return fmt.Errorf("%w: writing metadata for %s: %w", ErrIO, name, err)
	}

	s.logger.Info("created backing image", zap.String("name", name), zap.Uint64("size", size))

	return nil
}

// zeroFill writes bytes zero bytes to the head of the file at path,
// invoking onProgress periodically; onProgress returning false aborts.
func (s *ImageStore) zeroFill(path string, total uint64, onProgress func(done, total uint64) bool) (aborted bool, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return false, err
	}
	defer f.Close()

	const chunk = 1 << 20 // 1 MiB

	buf := make([]byte, chunk)

	var done uint64

	for done < total {
		n := uint64(chunk)
		if total-done < n {
			n = total - done
		}

		if _, err := f.Write(buf[:n]); err != nil {
			return false, err
		}

		done += n

		if onProgress != nil && !onProgress(done, total) {
			return true, nil
		}
	}

	return false, f.Sync()
}

// ZeroFillNewImage writes bytes zero bytes to the head of a freshly
// created image.
func (s *ImageStore) ZeroFillNewImage(name string, bytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if aborted, err := s.zeroFill(s.dataPath(name), bytes, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	} else if aborted {
		return ErrAborted
	}

	return nil
}

// DeleteBackingImage unmaps first if mapped, then removes the data file
// and metadata blob. Idempotent.
func (s *ImageStore) DeleteBackingImage(name string) error {
	if s.IsImageMapped(name) {
		if err := s.UnmapImageDevice(context.Background(), name, true); err != nil {
			return err
		}
	}

	var result *multierror.Error

	if err := os.Remove(s.dataPath(name)); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}

	if err := os.Remove(s.metadataPath(name)); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// MapImageDevice makes the image visible as /dev/…, preferring
// device-mapper over a loop-device fallback.
func (s *ImageStore) MapImageDevice(ctx context.Context, name string, timeout time.Duration) (string, error) {
	s.mu.Lock()

	if m, ok := s.mapped[name]; ok {
		s.mu.Unlock()

		return m.devicePath, nil
	}

	table, err := s.readMetadata(name)
	if err != nil {
		s.mu.Unlock()

		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s.mu.Unlock()

	if len(table.Partitions) != 1 {
		return "", fmt.Errorf("%w: %s has no partition entry", ErrNotFound, name)
	}

	p := table.Partitions[0]

	deadline := time.Now().Add(timeout)

	devicePath, viaDM, err := s.mapViaDeviceMapper(ctx, name, p)
	if err != nil {
		devicePath, err = s.mapViaLoop(p, name)
		viaDM = false
	}

	if err != nil {
		return "", fmt.Errorf("%w: mapping %s: %w", ErrIO, name, err)
	}

	if timeout > 0 {
		if err := waitForNode(ctx, devicePath, deadline); err != nil {
			return "", fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	s.mu.Lock()
	s.mapped[name] = mappedImage{devicePath: devicePath, viaDM: viaDM}
	s.mu.Unlock()

	s.logger.Info("mapped image", zap.String("name", name), zap.String("device", devicePath), zap.Bool("device_mapper", viaDM))

	return devicePath, nil
}

func (s *ImageStore) mapViaDeviceMapper(ctx context.Context, name string, p partitiontable.Partition) (string, bool, error) {
	underlying, err := s.underlyingBlockDevice()
	if err != nil {
		return "", false, devicemapper.ErrUnavailable
	}

	targets := make([]devicemapper.Target, len(p.Extents))

	var start uint64

	for i, e := range p.Extents {
		targets[i] = devicemapper.Target{
			Start:            start,
			Length:           e.SectorCount,
			UnderlyingDevice: underlying,
			PhysicalStart:    e.PhysicalSector,
		}
		start += e.SectorCount
	}

	path, err := s.mapper.Create(ctx, name, targets)
	if err != nil {
		return "", false, err
	}

	return path, true, nil
}

// underlyingBlockDevice resolves the real block device backing dataDir
// by walking /proc/mounts for the longest matching mount point, then
// confirming blkid can actually identify it. Device-mapper mapping is
// only attempted over a device blkid recognizes; anything else (tmpfs,
// overlay, a device-less test harness) falls back to the loop device.
func (s *ImageStore) underlyingBlockDevice() (string, error) {
	dev, err := mountedDevice(s.dataDir)
	if err != nil {
		return "", devicemapper.ErrUnavailable
	}

	if _, err := blkid.ProbePath(dev); err != nil {
		return "", devicemapper.ErrUnavailable
	}

	return dev, nil
}

// mountedDevice returns the source device of the /proc/mounts entry
// whose mount point is the longest prefix of path.
func mountedDevice(path string) (string, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return "", err
	}

	var (
		bestDevice string
		bestLen    int
	)

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		device, mountPoint := fields[0], fields[1]

		if !strings.HasPrefix(device, "/dev/") {
			continue
		}

		if !strings.HasPrefix(path, mountPoint) {
			continue
		}

		if len(mountPoint) > bestLen {
			bestDevice = device
			bestLen = len(mountPoint)
		}
	}

	if bestDevice == "" {
		return "", fmt.Errorf("imagestore: no mount found for %s", path)
	}

	return bestDevice, nil
}

func (s *ImageStore) mapViaLoop(p partitiontable.Partition, name string) (string, error) {
	readOnly := p.Flags&partitiontable.FlagReadOnly != 0

	return s.loop.Attach(s.dataPath(name), 0, readOnly)
}

func waitForNode(ctx context.Context, path string, deadline time.Time) error {
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s to appear", path)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// UnmapImageDevice destroys the mapping. With force (used from teardown
// paths) a failure from the device-mapper or loop backend is ignored and
// the mapping is still forgotten. No wait for kernel release is
// performed in either case.
func (s *ImageStore) UnmapImageDevice(ctx context.Context, name string, force bool) error {
	s.mu.Lock()
	m, ok := s.mapped[name]
	if ok {
		delete(s.mapped, name)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	var err error

	if m.viaDM {
		err = s.mapper.Remove(ctx, name)
	} else {
		err = s.loop.Detach(m.devicePath)
	}

	if err != nil && !force {
		return fmt.Errorf("%w: unmapping %s: %w", ErrIO, name, err)
	}

	s.logger.Info("unmapped image", zap.String("name", name))

	return nil
}

// IsImageMapped reports whether name currently has a live mapping.
func (s *ImageStore) IsImageMapped(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.mapped[name]

	return ok
}

// GetMappedImageDevice returns name's device path if mapped.
func (s *ImageStore) GetMappedImageDevice(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mapped[name]

	return m.devicePath, ok
}

// listImages returns the names of every catalogued image (metadata blobs
// present in metadataDir).
func (s *ImageStore) listImages() ([]string, error) {
	entries, err := os.ReadDir(s.metadataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	var names []string

	for _, e := range entries {
		if filepath.Ext(e.Name()) == metadataSuffix {
			names = append(names, e.Name()[:len(e.Name())-len(metadataSuffix)])
		}
	}

	return names, nil
}

// RemoveAllImages deletes every catalogued image.
func (s *ImageStore) RemoveAllImages() error {
	names, err := s.listImages()
	if err != nil {
		return err
	}

	var result *multierror.Error

	for _, name := range names {
		if err := s.DeleteBackingImage(name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// RemoveDisabledImages deletes only the named images, leaving every
// other catalogued image in place.
func (s *ImageStore) RemoveDisabledImages(names []string) error {
	var result *multierror.Error

	for _, name := range names {
		if err := s.DeleteBackingImage(name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// DumpDeviceMapperDevices returns the store's Mapper dump of every
// device-mapper device on the system (not only those this store
// created), for dsictl's diagnostic dump_device_mapper_devices path.
func (s *ImageStore) DumpDeviceMapperDevices(ctx context.Context) (string, error) {
	return s.mapper.DumpAll(ctx)
}

// Validate re-reads every image's extents and verifies they still match
// the persisted metadata, catching defragmentation or filesystem GC
// moving blocks since allocation.
func (s *ImageStore) Validate() bool {
	names, err := s.listImages()
	if err != nil {
		return false
	}

	for _, name := range names {
		table, err := s.readMetadata(name)
		if err != nil || len(table.Partitions) != 1 {
			return false
		}

		ok, err := s.extents.VerifyPinned(s.dataPath(name), table.Partitions[0].Extents)
		if err != nil || !ok {
			return false
		}
	}

	return true
}
