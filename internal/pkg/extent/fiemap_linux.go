package extent

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fsIOCFiemap is FS_IOC_FIEMAP, _IOWR('f', 11, struct fiemap).
const fsIOCFiemap = 0xC020660B

const (
	fiemapHeaderSize  = 32
	fiemapExtentSize  = 56
	fiemapExtentLast  = 0x00000001 // FIEMAP_EXTENT_LAST
	fiemapFlagSync    = 0x00000001 // FIEMAP_FLAG_SYNC
)

// FilesystemBackend is the FIEMAP-based BlockExtentBackend: it
// preallocates the file with Fallocate, then asks the kernel for the
// file's physical layout.
type FilesystemBackend struct {
	// SectorSize is the device's logical sector size; defaults to
	// LPSectorSize if zero.
	SectorSize uint64
}

var _ Backend = (*FilesystemBackend)(nil)

// Allocate implements Backend.
func (b *FilesystemBackend) Allocate(path string, size uint64) ([]Extent, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("extent: opening %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size)); err != nil {
		if err2 := f.Truncate(int64(size)); err2 != nil {
			return nil, fmt.Errorf("extent: fallocate %s failed (%w) and truncate fallback failed: %w", path, err, err2)
		}
	}

	return fiemap(f, b.sectorSize())
}

// Extents implements Backend.
func (b *FilesystemBackend) Extents(path string) ([]Extent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extent: opening %s: %w", path, err)
	}
	defer f.Close()

	return fiemap(f, b.sectorSize())
}

// VerifyPinned implements Backend.
func (b *FilesystemBackend) VerifyPinned(path string, want []Extent) (bool, error) {
	got, err := b.Extents(path)
	if err != nil {
		return false, err
	}

	return equalExtents(got, want), nil
}

func (b *FilesystemBackend) sectorSize() uint64 {
	if b.SectorSize == 0 {
		return LPSectorSize
	}

	return b.SectorSize
}

// fiemap issues the FS_IOC_FIEMAP ioctl against f and converts the
// reported byte-granular extents into sector-aligned Extent values.
func fiemap(f *os.File, sectorSize uint64) ([]Extent, error) {
	const batch = MaximumExtents + 1

	buf := make([]byte, fiemapHeaderSize+batch*fiemapExtentSize)
	binary.LittleEndian.PutUint64(buf[0:8], 0)            // fm_start
	binary.LittleEndian.PutUint64(buf[8:16], ^uint64(0))  // fm_length = all
	binary.LittleEndian.PutUint32(buf[16:20], fiemapFlagSync)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // fm_mapped_extents (out)
	binary.LittleEndian.PutUint32(buf[24:28], batch)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), fsIOCFiemap, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return nil, fmt.Errorf("extent: FIEMAP ioctl on %s: %w", f.Name(), errno)
	}

	mapped := binary.LittleEndian.Uint32(buf[20:24])
	if mapped > MaximumExtents {
		return nil, ErrTooFragmented
	}

	extents := make([]Extent, 0, mapped)

	for i := uint32(0); i < mapped; i++ {
		off := fiemapHeaderSize + int(i)*fiemapExtentSize
		physical := binary.LittleEndian.Uint64(buf[off+8 : off+16])
		length := binary.LittleEndian.Uint64(buf[off+16 : off+24])

		extents = append(extents, Extent{
			PhysicalSector: physical / sectorSize,
			SectorCount:    length / sectorSize,
		})
	}

	return sortAndMerge(extents), nil
}
