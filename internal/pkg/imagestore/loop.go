package imagestore

// LoopBackend is the narrow capability ImageStore needs from a loop
// device implementation: attach a file as a block device, detach it
// later. The real implementation wraps github.com/freddierice/go-losetup
// (loop_linux.go); tests use a fake.
type LoopBackend interface {
	Attach(path string, offset uint64, readOnly bool) (devicePath string, err error)
	Detach(devicePath string) error
}
