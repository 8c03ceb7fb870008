// Package service implements the dsi.InstallerServer contract: it ties
// together imagestore.ImageStore, bootstatus.Status, session.Session and
// progress.Recorder behind a single coarse lock, the way
// internal/app/machined/pkg/runtime's controller runtime serializes
// mutating calls behind one state object while leaving reads (progress
// polling) on their own lock.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dsu-project/dsid/api/dsi"
	"github.com/dsu-project/dsid/internal/pkg/bootstatus"
	"github.com/dsu-project/dsid/internal/pkg/config"
	"github.com/dsu-project/dsid/internal/pkg/imagestore"
	"github.com/dsu-project/dsid/internal/pkg/progress"
	"github.com/dsu-project/dsid/internal/pkg/session"
)

var _ dsi.InstallerServer = (*Service)(nil)

// Service is the single long-lived object registered against the gRPC
// server in cmd/dsid. It holds exactly one install attempt at a time:
// OpenInstall begins it, CreatePartition adds a partition's session to
// it, and CloseInstall/CancelInstall end it.
type Service struct {
	cfg      *config.Config
	store    *imagestore.ImageStore
	boot     *bootstatus.Status
	prog     *progress.Recorder
	logger   *zap.Logger
	shellUID uint32

	mu          sync.Mutex
	installDir  string
	sessions    map[string]*session.Session
	current     string
	oneShot     bool
	aborted     bool
	sharedPath  string
	sharedSize  int64
	clients     int
	lastClosed  func()
	imageStores map[string]*imagestore.ImageStore
}

// New constructs a Service. shellUID is the uid granted
// service.TierSystemOrShell access, typically Android's AID_SHELL
// equivalent on the target platform.
func New(cfg *config.Config, store *imagestore.ImageStore, boot *bootstatus.Status, prog *progress.Recorder, logger *zap.Logger, shellUID uint32) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		cfg:         cfg,
		store:       store,
		boot:        boot,
		prog:        prog,
		logger:      logger,
		shellUID:    shellUID,
		sessions:    map[string]*session.Session{},
		imageStores: map[string]*imagestore.ImageStore{},
	}
}

// ShouldAbort implements session.AbortSignal.
func (s *Service) ShouldAbort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.aborted
}

// RunStartupTasks delegates to bootstatus's crash/one-shot recovery,
// called once from cmd/dsid before the gRPC server starts accepting.
func (s *Service) RunStartupTasks() error {
	return s.boot.RunStartupTasks()
}

// OnLastClientDisconnected registers a callback invoked when the
// client reference count returns to zero, used by cmd/dsid to trigger
// an idle shutdown the way gsid exits once unbound.
func (s *Service) OnLastClientDisconnected(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastClosed = f
}

// ClientConnected and ClientDisconnected track live RPC clients; wire
// these from a grpc.StatsHandler or stream interceptor in cmd/dsid.
func (s *Service) ClientConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients++
}

func (s *Service) ClientDisconnected() {
	s.mu.Lock()
	s.clients--
	remaining := s.clients
	cb := s.lastClosed
	s.mu.Unlock()

	if remaining <= 0 && cb != nil {
		cb()
	}
}

func (s *Service) authorize(ctx context.Context, tier Tier) error {
	return Authorize(ctx, tier, s.shellUID)
}

func statusResponse(err error) (*dsi.StatusResponse, error) {
	switch {
	case err == nil:
		return &dsi.StatusResponse{Code: dsi.StatusOK}, nil
	case errors.Is(err, imagestore.ErrNoSpace):
		return &dsi.StatusResponse{Code: dsi.StatusNoSpace}, nil
	case errors.Is(err, imagestore.ErrFileSystemCluttered):
		return &dsi.StatusResponse{Code: dsi.StatusFileSystemCluttered}, nil
	default:
		return &dsi.StatusResponse{Code: dsi.StatusGenericError}, err
	}
}

// OpenInstall implements dsi.InstallerServer.
func (s *Service) OpenInstall(ctx context.Context, req *dsi.OpenInstallRequest) (*dsi.StatusResponse, error) {
	if err := s.authorize(ctx, TierSystem); err != nil {
		return statusResponse(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.installDir != "" {
		return statusResponse(fmt.Errorf("service: an install is already open at %s", s.installDir))
	}

	dir, err := s.cfg.ValidateInstallDir(req.Dir)
	if err != nil {
		return statusResponse(err)
	}

	if s.boot.IsRunningDsu() {
		return statusResponse(bootstatus.ErrInProgress)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return statusResponse(fmt.Errorf("service: creating %s: %w", dir, err))
	}

	s.installDir = dir
	s.sessions = map[string]*session.Session{}
	s.current = ""
	s.aborted = false

	s.logger.Info("install opened", zap.String("dir", dir))

	return statusResponse(nil)
}

// CloseInstall implements dsi.InstallerServer: it ends the current
// install attempt without touching boot status, releasing every
// partition mapping the way a client disconnect mid-install should.
func (s *Service) CloseInstall(ctx context.Context, req *dsi.CloseInstallRequest) (*dsi.StatusResponse, error) {
	if err := s.authorize(ctx, TierSystem); err != nil {
		return statusResponse(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, sess := range s.sessions {
		if sess.State() != session.Finalized {
			if err := sess.Abort(ctx); err != nil {
				s.logger.Warn("error aborting partition on close", zap.String("partition", name), zap.Error(err))
			}
		}
	}

	s.installDir = ""
	s.sessions = map[string]*session.Session{}
	s.current = ""

	return statusResponse(nil)
}

// CreatePartition implements dsi.InstallerServer: it preallocates the
// named partition's backing image and, for streamed partitions, maps
// and opens it for writing.
func (s *Service) CreatePartition(ctx context.Context, req *dsi.CreatePartitionRequest) (*dsi.StatusResponse, error) {
	if err := s.authorize(ctx, TierSystem); err != nil {
		return statusResponse(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.installDir == "" {
		return statusResponse(fmt.Errorf("service: no install is open"))
	}

	if _, exists := s.sessions[req.Name]; exists {
		return statusResponse(fmt.Errorf("%w: partition %s already created for this install", imagestore.ErrAlreadyExists, req.Name))
	}

	sess := session.New(s.installDir, req.Name, req.Size, req.ReadOnly, req.Wipe, s.store, s.boot, s.prog, s, s.logger)

	if err := sess.Preallocate(); err != nil {
		return statusResponse(err)
	}

	if err := sess.OpenWriter(ctx, imagestore.DefaultMapTimeout); err != nil {
		return statusResponse(err)
	}

	s.sessions[req.Name] = sess
	s.current = req.Name

	s.logger.Info("partition created", zap.String("name", req.Name), zap.Int64("size", req.Size))

	return statusResponse(nil)
}

func (s *Service) currentSessionLocked() (*session.Session, error) {
	if s.current == "" {
		return nil, fmt.Errorf("service: no partition is open for writing")
	}

	sess, ok := s.sessions[s.current]
	if !ok {
		return nil, fmt.Errorf("service: no partition is open for writing")
	}

	return sess, nil
}

// finalizeIfComplete writes boot status for the install once sess has
// received every declared byte. Calling bootstatus.Status.Finalize once
// per partition is harmless: every partition of one install shares the
// same installDir, so the last call's write wins and matches the
// others.
func (s *Service) finalizeIfComplete(sess *session.Session) error {
	if !sess.Complete() {
		return nil
	}

	return sess.Finalize(s.oneShot)
}

// CommitChunkFromMemory implements dsi.InstallerServer.
func (s *Service) CommitChunkFromMemory(ctx context.Context, req *dsi.CommitChunkFromMemoryRequest) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystem); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.currentSessionLocked()
	if err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	if err := sess.WriteChunk(req.Bytes); err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	if err := s.finalizeIfComplete(sess); err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	return &dsi.BoolResponse{Value: true}, nil
}

// SetSharedBuffer implements dsi.InstallerServer.
func (s *Service) SetSharedBuffer(ctx context.Context, req *dsi.SetSharedBufferRequest) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystem); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sharedPath = req.Path
	s.sharedSize = req.Size

	return &dsi.BoolResponse{Value: true}, nil
}

// CommitChunkFromShared implements dsi.InstallerServer: it consumes
// req.Size bytes from the registered shared buffer file.
func (s *Service) CommitChunkFromShared(ctx context.Context, req *dsi.CommitChunkFromSharedRequest) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystem); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.currentSessionLocked()
	if err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	if s.sharedPath == "" {
		return &dsi.BoolResponse{Value: false}, fmt.Errorf("service: set_shared_buffer was never called")
	}

	if req.Size > s.sharedSize {
		return &dsi.BoolResponse{Value: false}, fmt.Errorf("service: requested %d bytes exceeds shared buffer size %d", req.Size, s.sharedSize)
	}

	f, err := os.Open(s.sharedPath)
	if err != nil {
		return &dsi.BoolResponse{Value: false}, fmt.Errorf("service: opening shared buffer: %w", err)
	}
	defer f.Close()

	if err := sess.WriteChunkFromStream(io.LimitReader(f, req.Size), req.Size); err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	if err := s.finalizeIfComplete(sess); err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	return &dsi.BoolResponse{Value: true}, nil
}

// CommitChunkStream implements dsi.InstallerServer's client-streaming
// stand-in for fd-based chunk delivery.
func (s *Service) CommitChunkStream(stream dsi.InstallerCommitChunkStreamServer) error {
	if err := s.authorize(stream.Context(), TierSystem); err != nil {
		return err
	}

	s.mu.Lock()
	sess, err := s.currentSessionLocked()
	s.mu.Unlock()

	if err != nil {
		return stream.SendAndClose(&dsi.BoolResponse{Value: false})
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}

		s.mu.Lock()
		writeErr := sess.WriteChunk(chunk.Bytes)
		s.mu.Unlock()

		if writeErr != nil {
			stream.SendAndClose(&dsi.BoolResponse{Value: false}) //nolint:errcheck

			return writeErr
		}
	}

	s.mu.Lock()
	finalizeErr := s.finalizeIfComplete(sess)
	s.mu.Unlock()

	if finalizeErr != nil {
		stream.SendAndClose(&dsi.BoolResponse{Value: false}) //nolint:errcheck

		return finalizeErr
	}

	return stream.SendAndClose(&dsi.BoolResponse{Value: true})
}

// GetInstallProgress implements dsi.InstallerServer.
func (s *Service) GetInstallProgress(ctx context.Context, req *dsi.GetInstallProgressRequest) (*dsi.ProgressResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	snap := s.prog.Get()

	return &dsi.ProgressResponse{
		Step:      snap.Step,
		Status:    dsi.ProgressStatus(snap.Status),
		Processed: snap.Processed,
		Total:     snap.Total,
	}, nil
}

// Enable implements dsi.InstallerServer: it commits the current install
// attempt as the boot target and, win or lose, clears the install-attempt
// state the way gsi_service.cpp's enableGsi() unconditionally resets
// installer_ to nullptr once it has consumed it, so a later OpenInstall
// isn't rejected forever by a completed install still looking "open". Any
// partition that never reached Finalized (a short write, a refused
// device-mapper mapping) is aborted rather than just dropped from the map,
// so a failed enable leaves no mapped device or partial image behind.
func (s *Service) Enable(ctx context.Context, req *dsi.EnableRequest) (*dsi.StatusResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return statusResponse(err)
	}

	s.mu.Lock()
	s.oneShot = req.OneShot
	err := s.boot.Enable(req.OneShot)
	sessions := s.sessions
	s.installDir = ""
	s.sessions = map[string]*session.Session{}
	s.current = ""
	s.mu.Unlock()

	for name, sess := range sessions {
		if sess.State() == session.Finalized {
			continue
		}

		if abortErr := sess.Abort(ctx); abortErr != nil {
			s.logger.Warn("error aborting partition on enable", zap.String("partition", name), zap.Error(abortErr))

			if err == nil {
				err = abortErr
			}
		}
	}

	return statusResponse(err)
}

// IsEnabled implements dsi.InstallerServer.
func (s *Service) IsEnabled(ctx context.Context, _ *dsi.Empty) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	return &dsi.BoolResponse{Value: s.boot.IsInstalled()}, nil
}

// Disable implements dsi.InstallerServer; refuses while a partition is
// still streaming, since the service core is the only place that knows
// about the live session (bootstatus.Status.Disable documents this
// division of responsibility).
func (s *Service) Disable(ctx context.Context, _ *dsi.Empty) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.installDir != "" {
		return &dsi.BoolResponse{Value: false}, bootstatus.ErrInProgress
	}

	if err := s.boot.Disable(); err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	return &dsi.BoolResponse{Value: true}, nil
}

// Remove implements dsi.InstallerServer. While the installed image is
// currently booted, deleting its backing images out from under the
// running system would be self-destructive, so Remove defers to
// bootstatus.Status.Wipe, which defers the actual image deletion to the
// next startup that isn't running the installed image.
func (s *Service) Remove(ctx context.Context, _ *dsi.Empty) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.installDir != "" {
		return &dsi.BoolResponse{Value: false}, bootstatus.ErrInProgress
	}

	var err error
	if s.boot.IsRunningDsu() {
		err = s.boot.Wipe()
	} else {
		err = s.boot.Remove()
	}

	if err != nil {
		return &dsi.BoolResponse{Value: false}, err
	}

	return &dsi.BoolResponse{Value: true}, nil
}

// CancelInstall implements dsi.InstallerServer: aborts every open
// partition session with wipe-on-failure set, so each session's images
// are deleted whether freshly created or reused.
func (s *Service) CancelInstall(ctx context.Context, _ *dsi.Empty) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystem); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.aborted = true
	sessions := s.sessions
	s.sessions = map[string]*session.Session{}
	s.installDir = ""
	s.current = ""
	s.mu.Unlock()

	var firstErr error

	for _, sess := range sessions {
		sess.SetWipeOnFailure(true)

		if err := sess.Abort(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	s.aborted = false
	s.mu.Unlock()

	if firstErr != nil {
		return &dsi.BoolResponse{Value: false}, firstErr
	}

	return &dsi.BoolResponse{Value: true}, nil
}

// IsInstalled implements dsi.InstallerServer.
func (s *Service) IsInstalled(ctx context.Context, _ *dsi.Empty) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	return &dsi.BoolResponse{Value: s.boot.IsInstalled()}, nil
}

// IsRunning implements dsi.InstallerServer: reports whether the device
// is currently booted into the installed image.
func (s *Service) IsRunning(ctx context.Context, _ *dsi.Empty) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	return &dsi.BoolResponse{Value: s.boot.IsRunningDsu()}, nil
}

// IsInProgress implements dsi.InstallerServer: reports whether an
// install attempt is currently open.
func (s *Service) IsInProgress(ctx context.Context, _ *dsi.Empty) (*dsi.BoolResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return &dsi.BoolResponse{Value: s.installDir != ""}, nil
}

// GetInstalledImageDir implements dsi.InstallerServer.
func (s *Service) GetInstalledImageDir(ctx context.Context, _ *dsi.Empty) (*dsi.StringResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	dir, _ := s.boot.InstallDir()

	return &dsi.StringResponse{Value: dir}, nil
}

// ZeroPartition implements dsi.InstallerServer.
func (s *Service) ZeroPartition(ctx context.Context, req *dsi.ZeroPartitionRequest) (*dsi.StatusResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return statusResponse(err)
	}

	name := imagestore.GsiName(req.Name)

	size, err := s.store.ImageSize(name)
	if err != nil {
		return statusResponse(err)
	}

	return statusResponse(s.store.ZeroFillNewImage(name, size))
}

// OpenImageService implements dsi.InstallerServer: it opens (or reuses)
// an ImageStore scoped to <cfg.MetadataDir>/<prefix> and
// <cfg.DataDir>/<prefix>, matching gsi_service.cpp's openImageService,
// which hands back a binder reference to a freshly opened ImageManager
// scoped the same way under its own fixed /metadata/gsi and /data/gsi
// roots. Over gRPC there is no separate callable object to hand back,
// so the prefix itself (validated to resolve under both configured
// roots, and to already exist the way the original's Realpath check
// requires) is returned as the opaque handle.
func (s *Service) OpenImageService(ctx context.Context, req *dsi.OpenImageServiceRequest) (*dsi.StringResponse, error) {
	if err := s.authorize(ctx, TierRoot); err != nil {
		return nil, err
	}

	metadataRoot := ensureTrailingSlash(s.cfg.MetadataDir)
	dataRoot := ensureTrailingSlash(s.cfg.DataDir)

	metadataDir := filepath.Clean(filepath.Join(metadataRoot, req.Prefix))
	dataDir := filepath.Clean(filepath.Join(dataRoot, req.Prefix))

	if !strings.HasPrefix(metadataDir+"/", metadataRoot) || !strings.HasPrefix(dataDir+"/", dataRoot) {
		return nil, fmt.Errorf("service: invalid image service prefix %q", req.Prefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.imageStores[req.Prefix]; !ok {
		store, err := imagestore.Open(metadataDir, dataDir, imagestore.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("service: opening image service for %q: %w", req.Prefix, err)
		}

		s.imageStores[req.Prefix] = store
	}

	return &dsi.StringResponse{Value: req.Prefix}, nil
}

func ensureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}

	return p + "/"
}

// DumpDeviceMapperDevices implements dsi.InstallerServer; a diagnostic
// dump, open to the same SystemOrShell callers as the other status RPCs.
func (s *Service) DumpDeviceMapperDevices(ctx context.Context, _ *dsi.Empty) (*dsi.StringResponse, error) {
	if err := s.authorize(ctx, TierSystemOrShell); err != nil {
		return nil, err
	}

	dump, err := s.store.DumpDeviceMapperDevices(ctx)
	if err != nil {
		return nil, err
	}

	return &dsi.StringResponse{Value: dump}, nil
}
