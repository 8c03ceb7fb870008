// Package devicemapper wraps creating/destroying a named linear block
// device over an existing one, and reporting live mappings. It shells
// out to dmsetup the way Talos's block/lvm controller and grub
// installer do, via github.com/siderolabs/go-cmd.
package devicemapper

import (
	"context"
	"fmt"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// Target is one linear mapping: Length sectors of the mapped device
// starting at Start map onto UnderlyingDevice at PhysicalStart.
type Target struct {
	Start            uint64
	Length           uint64
	UnderlyingDevice string
	PhysicalStart    uint64
}

// Mapper publishes and tears down linear device-mapper targets.
type Mapper interface {
	// Create publishes /dev/mapper/name as a linear map over targets.
	// Returns the device path.
	Create(ctx context.Context, name string, targets []Target) (string, error)
	// Remove destroys the named mapping. Idempotent: removing an
	// already-absent mapping is not an error.
	Remove(ctx context.Context, name string) error
	// Exists reports whether name is currently mapped.
	Exists(ctx context.Context, name string) (bool, error)
	// DumpAll returns a human-readable dump of every dm device on the
	// system (dump_device_mapper_devices RPC / dsictl dump-device-mapper).
	DumpAll(ctx context.Context) (string, error)
}

// ErrUnavailable is returned by Create when the device-mapper kernel
// facility is not usable, signaling ImageStore to fall back to a loop
// device.
var ErrUnavailable = fmt.Errorf("devicemapper: facility unavailable")

// DMSetup is the real Mapper, implemented via the dmsetup(8) CLI.
type DMSetup struct{}

var _ Mapper = DMSetup{}

func devicePath(name string) string {
	return "/dev/mapper/" + name
}

// Create implements Mapper.
func (DMSetup) Create(ctx context.Context, name string, targets []Target) (string, error) {
	var table strings.Builder

	for _, t := range targets {
		fmt.Fprintf(&table, "%d %d linear %s %d\n", t.Start, t.Length, t.UnderlyingDevice, t.PhysicalStart)
	}

	if _, err := cmd.RunContext(ctx, "dmsetup", "create", name, "--table", table.String()); err != nil {
		return "", fmt.Errorf("%w: dmsetup create %s: %w", ErrUnavailable, name, err)
	}

	return devicePath(name), nil
}

// Remove implements Mapper.
func (DMSetup) Remove(ctx context.Context, name string) error {
	exists, err := (DMSetup{}).Exists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	if _, err := cmd.RunContext(ctx, "dmsetup", "remove", "--force", name); err != nil {
		return fmt.Errorf("devicemapper: remove %s: %w", name, err)
	}

	return nil
}

// Exists implements Mapper.
func (DMSetup) Exists(ctx context.Context, name string) (bool, error) {
	out, err := cmd.RunContext(ctx, "dmsetup", "info", "-c", "--noheadings", "-o", "name", name)
	if err != nil {
		// dmsetup exits non-zero for an unknown device name; treat any
		// failure here as "does not exist" rather than propagating,
		// mirroring ImageStore.is_image_mapped()'s bool return.
		return false, nil //nolint:nilerr
	}

	return strings.TrimSpace(out) == name, nil
}

// DumpAll implements Mapper.
func (DMSetup) DumpAll(ctx context.Context) (string, error) {
	out, err := cmd.RunContext(ctx, "dmsetup", "table")
	if err != nil {
		return "", fmt.Errorf("devicemapper: dumping table: %w", err)
	}

	return out, nil
}
