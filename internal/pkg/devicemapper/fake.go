package devicemapper

import (
	"context"
	"fmt"
	"sync"
)

// FakeMapper is an in-memory Mapper for tests: no real device nodes are
// created, but Create/Remove/Exists behave consistently so ImageStore
// tests can exercise the DM-then-loop fallback path deterministically.
type FakeMapper struct {
	mu       sync.Mutex
	mapped   map[string]string
	Refuse   bool // when true, Create always returns ErrUnavailable
}

var _ Mapper = (*FakeMapper)(nil)

// NewFakeMapper returns an empty FakeMapper.
func NewFakeMapper() *FakeMapper {
	return &FakeMapper{mapped: map[string]string{}}
}

// Create implements Mapper.
func (f *FakeMapper) Create(_ context.Context, name string, _ []Target) (string, error) {
	if f.Refuse {
		return "", ErrUnavailable
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := devicePath(name)
	f.mapped[name] = path

	return path, nil
}

// Remove implements Mapper.
func (f *FakeMapper) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.mapped, name)

	return nil
}

// Exists implements Mapper.
func (f *FakeMapper) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.mapped[name]

	return ok, nil
}

// DumpAll implements Mapper.
func (f *FakeMapper) DumpAll(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := ""
	for name, path := range f.mapped {
		out += fmt.Sprintf("%s: %s\n", name, path)
	}

	return out, nil
}
