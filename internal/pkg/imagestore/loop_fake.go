package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FakeLoop is an in-memory LoopBackend for tests. It materializes each
// attached device as an empty file under a scratch directory so callers
// that poll for the device node (MapImageDevice's waitForNode) observe
// the same behavior as a real loop attach.
type FakeLoop struct {
	mu   sync.Mutex
	dir  string
	next int
	devs map[string]string // device path -> backing file path
}

var _ LoopBackend = (*FakeLoop)(nil)

// NewFakeLoop returns an empty FakeLoop backed by a fresh scratch directory.
func NewFakeLoop() *FakeLoop {
	dir, err := os.MkdirTemp("", "dsid-fakeloop")
	if err != nil {
		dir = os.TempDir()
	}

	return &FakeLoop{dir: dir, devs: map[string]string{}}
}

// Attach implements LoopBackend.
func (f *FakeLoop) Attach(path string, _ uint64, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dev := filepath.Join(f.dir, fmt.Sprintf("loop%d", f.next))
	f.next++

	if err := os.WriteFile(dev, nil, 0o600); err != nil {
		return "", err
	}

	f.devs[dev] = path

	return dev, nil
}

// Detach implements LoopBackend.
func (f *FakeLoop) Detach(devicePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.devs, devicePath)
	os.Remove(devicePath)

	return nil
}
