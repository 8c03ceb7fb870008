package service_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/peer"

	"github.com/dsu-project/dsid/api/dsi"
	"github.com/dsu-project/dsid/internal/pkg/bootstatus"
	"github.com/dsu-project/dsid/internal/pkg/config"
	"github.com/dsu-project/dsid/internal/pkg/devicemapper"
	"github.com/dsu-project/dsid/internal/pkg/extent"
	"github.com/dsu-project/dsid/internal/pkg/imagestore"
	"github.com/dsu-project/dsid/internal/pkg/progress"
	"github.com/dsu-project/dsid/internal/pkg/service"
)

// rootContext supplies root peer credentials, which the root-only
// OpenImageService and the SystemOrShell-gated RPCs (IsInstalled,
// GetInstalledImageDir, IsInProgress, ...) require now that Authorize
// no longer fails open for those tiers without real credentials.
func rootContext() context.Context {
	return peer.NewContext(context.Background(), &peer.Peer{
		AuthInfo: service.PeerCredentials{UID: 0},
	})
}

func newTestService(t *testing.T) (*service.Service, string) {
	t.Helper()

	svc, allowedRoot, _ := newTestServiceWithConfig(t)

	return svc, allowedRoot
}

func newTestServiceWithConfig(t *testing.T) (*service.Service, string, config.Config) {
	t.Helper()

	mapper := devicemapper.NewFakeMapper()
	mapper.Refuse = true

	store, err := imagestore.Open(t.TempDir(), t.TempDir(),
		imagestore.WithExtentBackend(extent.NewFakeBackend()),
		imagestore.WithMapper(mapper),
		imagestore.WithLoop(imagestore.NewFakeLoop()),
	)
	require.NoError(t, err)

	metadataDir := t.TempDir()
	boot := bootstatus.New(metadataDir, store, nil, func() bool { return false })

	allowedRoot := t.TempDir() + "/"

	cfg := config.Default()
	cfg.AllowedRoots = []string{allowedRoot}
	cfg.MetadataDir = t.TempDir()
	cfg.DataDir = t.TempDir()

	return service.New(&cfg, store, boot, progress.New(), nil, shellUID), allowedRoot, cfg
}

func TestServiceInstallEndToEnd(t *testing.T) {
	svc, allowedRoot := newTestService(t)
	ctx := rootContext()

	status, err := svc.OpenInstall(ctx, &dsi.OpenInstallRequest{Dir: allowedRoot + "default"})
	require.NoError(t, err)
	require.Equal(t, dsi.StatusOK, status.Code)

	status, err = svc.CreatePartition(ctx, &dsi.CreatePartitionRequest{Name: "system", Size: 8, ReadOnly: true})
	require.NoError(t, err)
	require.Equal(t, dsi.StatusOK, status.Code)

	ok, err := svc.CommitChunkFromMemory(ctx, &dsi.CommitChunkFromMemoryRequest{Bytes: []byte("12345678")})
	require.NoError(t, err)
	assert.True(t, ok.Value)

	dir, err := svc.GetInstalledImageDir(ctx, &dsi.Empty{})
	require.NoError(t, err)
	assert.NotEmpty(t, dir.Value)

	installed, err := svc.IsInstalled(ctx, &dsi.Empty{})
	require.NoError(t, err)
	assert.True(t, installed.Value)
}

func TestServiceCreatePartitionWithoutOpenInstall(t *testing.T) {
	svc, _ := newTestService(t)

	status, err := svc.CreatePartition(context.Background(), &dsi.CreatePartitionRequest{Name: "system", Size: 8})
	assert.Error(t, err)
	assert.Equal(t, dsi.StatusGenericError, status.Code)
}

func TestServiceEnableClearsInstallState(t *testing.T) {
	svc, allowedRoot := newTestService(t)
	ctx := rootContext()

	_, err := svc.OpenInstall(ctx, &dsi.OpenInstallRequest{Dir: allowedRoot + "default"})
	require.NoError(t, err)

	_, err = svc.CreatePartition(ctx, &dsi.CreatePartitionRequest{Name: "system", Size: 8, ReadOnly: true})
	require.NoError(t, err)

	_, err = svc.CommitChunkFromMemory(ctx, &dsi.CommitChunkFromMemoryRequest{Bytes: []byte("12345678")})
	require.NoError(t, err)

	_, err = svc.Enable(ctx, &dsi.EnableRequest{OneShot: false})
	require.NoError(t, err)

	inProgress, err := svc.IsInProgress(ctx, &dsi.Empty{})
	require.NoError(t, err)
	assert.False(t, inProgress.Value, "Enable should clear the install attempt so IsInProgress stops reporting it")

	status, err := svc.OpenInstall(ctx, &dsi.OpenInstallRequest{Dir: allowedRoot + "second"})
	require.NoError(t, err)
	assert.Equal(t, dsi.StatusOK, status.Code, "a second OpenInstall must not be rejected after Enable")
}

func TestServiceOpenImageService(t *testing.T) {
	svc, _, cfg := newTestServiceWithConfig(t)
	ctx := rootContext()

	require.NoError(t, os.MkdirAll(cfg.MetadataDir+"/ota", 0o700))
	require.NoError(t, os.MkdirAll(cfg.DataDir+"/ota", 0o700))

	resp, err := svc.OpenImageService(ctx, &dsi.OpenImageServiceRequest{Prefix: "ota"})
	require.NoError(t, err)
	assert.Equal(t, "ota", resp.Value)
}

func TestServiceOpenImageServiceRejectsEscapingPrefix(t *testing.T) {
	svc, _, _ := newTestServiceWithConfig(t)

	_, err := svc.OpenImageService(rootContext(), &dsi.OpenImageServiceRequest{Prefix: "../../etc"})
	assert.Error(t, err)
}

func TestServiceOpenImageServiceRequiresRoot(t *testing.T) {
	svc, _, _ := newTestServiceWithConfig(t)

	_, err := svc.OpenImageService(context.Background(), &dsi.OpenImageServiceRequest{Prefix: "ota"})
	assert.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestServiceCancelInstallAbortsSessions(t *testing.T) {
	svc, allowedRoot := newTestService(t)
	ctx := rootContext()

	_, err := svc.OpenInstall(ctx, &dsi.OpenInstallRequest{Dir: allowedRoot + "default"})
	require.NoError(t, err)

	_, err = svc.CreatePartition(ctx, &dsi.CreatePartitionRequest{Name: "system", Size: 8, ReadOnly: true})
	require.NoError(t, err)

	resp, err := svc.CancelInstall(ctx, &dsi.Empty{})
	require.NoError(t, err)
	assert.True(t, resp.Value)

	inProgress, err := svc.IsInProgress(ctx, &dsi.Empty{})
	require.NoError(t, err)
	assert.False(t, inProgress.Value)
}
