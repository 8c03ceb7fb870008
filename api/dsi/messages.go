// Package dsi defines the wire messages and service contract exchanged
// between dsictl and dsid over the installer gRPC channel.
package dsi

// StatusCode is the taxonomy returned by state-mutating RPCs, per the
// installer's error taxonomy: OK, a generic failure, or one of the two
// capacity conditions a client needs to react to distinctly.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusGenericError
	StatusNoSpace
	StatusFileSystemCluttered
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoSpace:
		return "NO_SPACE"
	case StatusFileSystemCluttered:
		return "FILE_SYSTEM_CLUTTERED"
	default:
		return "GENERIC_ERROR"
	}
}

// ProgressStatus is the state field of a Progress snapshot.
type ProgressStatus int32

const (
	ProgressNoOperation ProgressStatus = iota
	ProgressWorking
	ProgressComplete
)

// OpenInstallRequest begins a new installation rooted at Dir.
type OpenInstallRequest struct {
	Dir string
}

// CloseInstallRequest ends the current installation session without
// finalizing it.
type CloseInstallRequest struct{}

// CreatePartitionRequest allocates a named backing image for the current
// install. Wipe, if set, deletes any prior image for this name before
// allocating a fresh one instead of reusing a compatible existing image.
type CreatePartitionRequest struct {
	Name     string
	Size     int64
	ReadOnly bool
	Wipe     bool
}

// CommitChunkFromMemoryRequest streams a chunk inline in the request.
type CommitChunkFromMemoryRequest struct {
	Bytes []byte
}

// CommitChunkFromSharedRequest asks the daemon to consume Size bytes from
// a previously registered shared buffer (see SetSharedBufferRequest).
type CommitChunkFromSharedRequest struct {
	Size int64
}

// SetSharedBufferRequest registers the shared-memory handoff region used
// by CommitChunkFromShared. Path names a memfd-backed file (e.g. under
// /dev/shm) the client has already written into; a real fd-passing
// transport (SCM_RIGHTS over the unix socket) is out of scope for the
// JSON-over-gRPC codec this module uses, so the handoff is by path.
type SetSharedBufferRequest struct {
	Path string
	Size int64
}

// GetInstallProgressRequest has no fields; progress is a singleton.
type GetInstallProgressRequest struct{}

// ProgressResponse mirrors the daemon's progress record.
type ProgressResponse struct {
	Step      string
	Status    ProgressStatus
	Processed uint64
	Total     uint64
}

// EnableRequest arms or disarms one-shot mode while enabling the install.
type EnableRequest struct {
	OneShot bool
}

// ZeroPartitionRequest zero-fills the named partition's backing image.
type ZeroPartitionRequest struct {
	Name string
}

// OpenImageServiceRequest is root-only: it opens (or reuses) an
// ImageStore rooted at /metadata/gsi/<Prefix> and /data/gsi/<Prefix>,
// returning Prefix itself back as the opaque handle future callers pass
// to address that store.
type OpenImageServiceRequest struct {
	Prefix string
}

// BoolResponse wraps a single boolean result.
type BoolResponse struct {
	Value bool
}

// StringResponse wraps a single string result.
type StringResponse struct {
	Value string
}

// StatusResponse wraps a single StatusCode result.
type StatusResponse struct {
	Code StatusCode
}

// Empty is used for requests and responses that carry no data.
type Empty struct{}
