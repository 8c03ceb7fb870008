package imagestore

import (
	"fmt"

	losetup "github.com/freddierice/go-losetup/v2"
)

// parseLoopDeviceNumber extracts the loop device number from a path of the
// form /dev/loop#.
func parseLoopDeviceNumber(devicePath string) (uint64, error) {
	var number uint64

	if _, err := fmt.Sscanf(devicePath, "/dev/loop%d", &number); err != nil {
		return 0, fmt.Errorf("imagestore: parsing loop device path %s: %w", devicePath, err)
	}

	return number, nil
}

// Loop is the real LoopBackend, grounded on
// internal/pkg/rootfs/mount/mount.go's losetup.Attach usage.
type Loop struct{}

var _ LoopBackend = Loop{}

// Attach implements LoopBackend.
func (Loop) Attach(path string, offset uint64, readOnly bool) (string, error) {
	dev, err := losetup.Attach(path, offset, readOnly)
	if err != nil {
		return "", fmt.Errorf("imagestore: loop attach %s: %w", path, err)
	}

	return dev.Path(), nil
}

// Detach implements LoopBackend.
func (Loop) Detach(devicePath string) error {
	number, err := parseLoopDeviceNumber(devicePath)
	if err != nil {
		return err
	}

	dev := losetup.New(number, 0)

	if err := dev.Detach(); err != nil {
		return fmt.Errorf("imagestore: loop detach %s: %w", devicePath, err)
	}

	return nil
}
