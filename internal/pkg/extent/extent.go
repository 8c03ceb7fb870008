// Package extent allocates a file pinned to contiguous-ish physical
// extents on the host filesystem, and queries the extent list of an
// existing file via the Linux FIEMAP ioctl.
package extent

import (
	"fmt"
)

// LPSectorSize is the alignment unit for extents.
const LPSectorSize = 512

// MaximumExtents bounds fragmentation.
const MaximumExtents = 512

// Extent is a contiguous run on the underlying block device.
type Extent struct {
	PhysicalSector uint64
	SectorCount    uint64
}

// ErrTooFragmented is returned when a file's extent count exceeds
// MaximumExtents.
var ErrTooFragmented = fmt.Errorf("extent: file has more than %d extents", MaximumExtents)

// Backend allocates a file of N bytes pinned to contiguous-ish physical
// extents, returns the sorted extent list, queries extents for an
// existing file, and verifies extents are still pinned.
type Backend interface {
	// Allocate reserves size bytes for path (creating it if necessary),
	// attempting to keep it as unfragmented as possible, and returns its
	// sorted extent list.
	Allocate(path string, size uint64) ([]Extent, error)
	// Extents returns the sorted, merged extent list of an existing file.
	Extents(path string) ([]Extent, error)
	// VerifyPinned reports whether path's on-disk extents still match
	// want, i.e. nothing (e.g. background defragmentation) moved them
	// since they were recorded.
	VerifyPinned(path string, want []Extent) (bool, error)
}

func sortAndMerge(extents []Extent) []Extent {
	if len(extents) == 0 {
		return extents
	}

	for i := 1; i < len(extents); i++ {
		for j := i; j > 0 && extents[j-1].PhysicalSector > extents[j].PhysicalSector; j-- {
			extents[j-1], extents[j] = extents[j], extents[j-1]
		}
	}

	merged := extents[:1]

	for _, e := range extents[1:] {
		last := &merged[len(merged)-1]
		if last.PhysicalSector+last.SectorCount == e.PhysicalSector {
			last.SectorCount += e.SectorCount

			continue
		}

		merged = append(merged, e)
	}

	return merged
}

func equalExtents(a, b []Extent) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
