// Package bootstatus implements the on-disk boot-status protocol that
// tells the bootloader (and the daemon, on the next start) whether to
// boot the original image, the installed image (possibly only once), or
// reclaim a failed/wiped installation. Grounded on
// bootloader/grub/install.go's write-ordering discipline: durable state
// is written first, the actual "go" marker last.
package bootstatus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dsu-project/dsid/internal/pkg/imagestore"
)

// Value is the contents of the install_status file.
type Value string

const (
	StatusInstalling Value = "0"
	StatusOK         Value = "ok"
	StatusDisabled   Value = "disabled"
	StatusWipe       Value = "wipe"
)

const (
	fileInstallStatus = "install_status"
	fileOneShot       = "one_shot"
	fileInstallDir    = "install_dir"
	fileComplete      = "complete"
)

var (
	ErrNoInstall    = errors.New("bootstatus: no install present")
	ErrInProgress   = errors.New("bootstatus: install is in progress")
)

// ImageRemover removes every catalogued image; satisfied by
// *imagestore.ImageStore.
type ImageRemover interface {
	RemoveAllImages() error
}

var _ ImageRemover = (*imagestore.ImageStore)(nil)

// Status is the boot-status state machine, rooted at metadataDir.
type Status struct {
	metadataDir string
	images      ImageRemover
	logger      *zap.Logger

	// BootedInstalled reports whether the device is currently running
	// the installed image rather than the original system. It is a
	// narrow capability rather than a field this package computes
	// itself, since "which slot am I running" is platform-specific
	// (kernel cmdline / cgpt slot).
	BootedInstalled func() bool
}

// New returns a Status rooted at metadataDir.
func New(metadataDir string, images ImageRemover, logger *zap.Logger, bootedInstalled func() bool) *Status {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Status{metadataDir: metadataDir, images: images, logger: logger, BootedInstalled: bootedInstalled}
}

func (s *Status) path(name string) string {
	return filepath.Join(s.metadataDir, name)
}

func (s *Status) read(name string) (string, bool) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return "", false
	}

	return string(data), true
}

func (s *Status) write(name, contents string) error {
	return os.WriteFile(s.path(name), []byte(contents), 0o600)
}

func (s *Status) remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// InstallStatus returns the current install_status value, if any.
func (s *Status) InstallStatus() (Value, bool) {
	v, ok := s.read(fileInstallStatus)

	return Value(v), ok
}

// OneShotArmed reports whether the one_shot marker is present.
func (s *Status) OneShotArmed() bool {
	_, ok := s.read(fileOneShot)

	return ok
}

// InstallDir returns the active install directory, if any.
func (s *Status) InstallDir() (string, bool) {
	return s.read(fileInstallDir)
}

// IsRunningDsu reports whether the device both booted the installed
// image and the installed image is still live, used by
// InstallSession.preallocate() to refuse installation into itself.
func (s *Status) IsRunningDsu() bool {
	if s.BootedInstalled == nil || !s.BootedInstalled() {
		return false
	}

	v, ok := s.InstallStatus()

	return ok && v != StatusDisabled
}

// IsInstalled reports whether an install is present and not disabled.
func (s *Status) IsInstalled() bool {
	v, ok := s.InstallStatus()

	return ok && v != StatusDisabled
}

// Finalize writes install_dir, the one_shot marker (if requested), then
// install_status last: the installer is "bootable" only after
// install_status is written.
func (s *Status) Finalize(installDir string, oneShot bool) error {
	if err := s.write(fileInstallDir, installDir); err != nil {
		return fmt.Errorf("bootstatus: writing install_dir: %w", err)
	}

	if oneShot {
		if err := s.write(fileOneShot, ""); err != nil {
			return fmt.Errorf("bootstatus: arming one_shot: %w", err)
		}
	} else {
		s.remove(fileOneShot) //nolint:errcheck
	}

	if err := s.write(fileComplete, "OK"); err != nil {
		return fmt.Errorf("bootstatus: writing complete marker: %w", err)
	}

	if err := s.write(fileInstallStatus, string(StatusInstalling)); err != nil {
		return fmt.Errorf("bootstatus: writing install_status: %w", err)
	}

	return nil
}

// RunStartupTasks runs startup recovery: confirms a one-shot boot,
// reclaims a wipe pending from a previous shutdown, and reclaims a
// crashed/corrupt installation (install_dir present without a matching
// complete marker).
func (s *Status) RunStartupTasks() error {
	status, hasStatus := s.InstallStatus()

	switch {
	case hasStatus && status == StatusInstalling && s.BootedInstalled != nil && s.BootedInstalled():
		if err := s.write(fileInstallStatus, string(StatusOK)); err != nil {
			return fmt.Errorf("bootstatus: confirming boot: %w", err)
		}

		if s.OneShotArmed() {
			if err := s.remove(fileOneShot); err != nil {
				return fmt.Errorf("bootstatus: disarming one_shot: %w", err)
			}
		}

		s.logger.Info("confirmed first boot into installed image")

	case hasStatus && status == StatusWipe && (s.BootedInstalled == nil || !s.BootedInstalled()):
		if err := s.RemoveGsiFiles(); err != nil {
			return fmt.Errorf("bootstatus: reclaiming wiped install: %w", err)
		}
	}

	if dir, ok := s.InstallDir(); ok {
		if _, err := os.Stat(s.path(fileComplete)); err != nil {
			s.logger.Warn("reclaiming stale install directory", zap.String("install_dir", dir))

			if err := s.RemoveGsiFiles(); err != nil {
				return fmt.Errorf("bootstatus: reclaiming stale install: %w", err)
			}
		}
	}

	return nil
}

// Enable rewrites install_status to installing and arms/disarms one_shot
// on a disabled install.
func (s *Status) Enable(oneShot bool) error {
	if _, ok := s.InstallDir(); !ok {
		return ErrNoInstall
	}

	if oneShot {
		if err := s.write(fileOneShot, ""); err != nil {
			return err
		}
	} else {
		s.remove(fileOneShot) //nolint:errcheck
	}

	return s.write(fileInstallStatus, string(StatusInstalling))
}

// Disable writes "disabled". The service layer is responsible for
// rejecting this call while an install is actively streaming; that
// liveness check needs the live InstallSession, which this package does
// not hold.
func (s *Status) Disable() error {
	return s.write(fileInstallStatus, string(StatusDisabled))
}

// Remove deletes all status files and, via ImageStore, every _gsi image.
func (s *Status) Remove() error {
	for _, f := range []string{fileOneShot, fileInstallDir, fileComplete, fileInstallStatus} {
		if err := s.remove(f); err != nil {
			return err
		}
	}

	if s.images != nil {
		return s.images.RemoveAllImages()
	}

	return nil
}

// Wipe behaves like Remove but is callable while the installed image is
// currently booted: it defers image deletion to the next non-installed
// startup by writing "wipe" instead of deleting immediately.
func (s *Status) Wipe() error {
	if s.BootedInstalled != nil && s.BootedInstalled() {
		return s.write(fileInstallStatus, string(StatusWipe))
	}

	return s.Remove()
}

// RemoveGsiFiles is the cleanup routine invoked by startup recovery: it
// removes all status/marker files and every _gsi
// image, without requiring the caller to already be "disabled".
func (s *Status) RemoveGsiFiles() error {
	return s.Remove()
}
