package extent

import (
	"os"
	"sync"
)

// FakeBackend is an in-memory BlockExtentBackend for tests: it still
// creates real files (so size/truncation assertions hold) but fabricates
// a deterministic, contiguous extent list instead of touching FIEMAP, so
// tests can run unprivileged and on any filesystem.
type FakeBackend struct {
	mu   sync.Mutex
	next uint64
	recs map[string][]Extent
}

var _ Backend = (*FakeBackend)(nil)

// NewFakeBackend returns a FakeBackend whose fabricated extents start at
// physical sector 0 and advance monotonically.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{recs: map[string][]Extent{}}
}

// Allocate implements Backend.
func (f *FakeBackend) Allocate(path string, size uint64) ([]Extent, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := file.Truncate(int64(size)); err != nil {
		return nil, err
	}

	sectors := (size + LPSectorSize - 1) / LPSectorSize

	f.mu.Lock()
	defer f.mu.Unlock()

	ext := []Extent{{PhysicalSector: f.next, SectorCount: sectors}}
	f.next += sectors + 1 // leave a gap so adjacent allocations don't merge
	f.recs[path] = ext

	return append([]Extent(nil), ext...), nil
}

// Extents implements Backend.
func (f *FakeBackend) Extents(path string) ([]Extent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Extent(nil), f.recs[path]...), nil
}

// VerifyPinned implements Backend.
func (f *FakeBackend) VerifyPinned(path string, want []Extent) (bool, error) {
	got, err := f.Extents(path)
	if err != nil {
		return false, err
	}

	return equalExtents(got, want), nil
}

// Fragment forces path's recorded extent list to exceed MaximumExtents,
// for testing the FileSystemCluttered path.
func (f *FakeBackend) Fragment(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	extents := make([]Extent, MaximumExtents+1)
	for i := range extents {
		extents[i] = Extent{PhysicalSector: uint64(i) * 2, SectorCount: 1}
	}

	f.recs[path] = extents
}

// Move simulates background defragmentation relocating path's blocks,
// for testing ImageStore.validate()'s environmental precondition.
func (f *FakeBackend) Move(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.recs[path] {
		f.recs[path][i].PhysicalSector += 1_000_000
	}
}
