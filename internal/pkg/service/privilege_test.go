package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/peer"

	"github.com/dsu-project/dsid/internal/pkg/service"
)

const shellUID = 2000

func contextWithUID(uid uint32) context.Context {
	return peer.NewContext(context.Background(), &peer.Peer{
		AuthInfo: service.PeerCredentials{UID: uid},
	})
}

func TestAuthorizeRootSatisfiesEveryTier(t *testing.T) {
	ctx := contextWithUID(0)

	assert.NoError(t, service.Authorize(ctx, service.TierSystem, shellUID))
	assert.NoError(t, service.Authorize(ctx, service.TierSystemOrShell, shellUID))
	assert.NoError(t, service.Authorize(ctx, service.TierRoot, shellUID))
}

func TestAuthorizeShellDeniedSystemAndRoot(t *testing.T) {
	ctx := contextWithUID(shellUID)

	assert.ErrorIs(t, service.Authorize(ctx, service.TierSystem, shellUID), service.ErrUnauthorized)
	assert.NoError(t, service.Authorize(ctx, service.TierSystemOrShell, shellUID))
	assert.ErrorIs(t, service.Authorize(ctx, service.TierRoot, shellUID), service.ErrUnauthorized)
}

func TestAuthorizeUnrelatedUIDDeniedEverything(t *testing.T) {
	ctx := contextWithUID(9999)

	assert.ErrorIs(t, service.Authorize(ctx, service.TierSystem, shellUID), service.ErrUnauthorized)
	assert.ErrorIs(t, service.Authorize(ctx, service.TierSystemOrShell, shellUID), service.ErrUnauthorized)
	assert.ErrorIs(t, service.Authorize(ctx, service.TierRoot, shellUID), service.ErrUnauthorized)
}

func TestAuthorizeWithoutPeerInfoFailsOpenOnlyForSystemTier(t *testing.T) {
	assert.NoError(t, service.Authorize(context.Background(), service.TierSystem, shellUID))
	assert.ErrorIs(t, service.Authorize(context.Background(), service.TierSystemOrShell, shellUID), service.ErrUnauthorized)
	assert.ErrorIs(t, service.Authorize(context.Background(), service.TierRoot, shellUID), service.ErrUnauthorized)
}
