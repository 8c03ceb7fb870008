package devicemapper_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsu-project/dsid/internal/pkg/devicemapper"
)

func TestFakeMapperCreateRemove(t *testing.T) {
	m := devicemapper.NewFakeMapper()
	ctx := context.Background()

	path, err := m.Create(ctx, "system", []devicemapper.Target{{Start: 0, Length: 100}})
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	exists, err := m.Exists(ctx, "system")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.Remove(ctx, "system"))

	exists, err = m.Exists(ctx, "system")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFakeMapperRefuse(t *testing.T) {
	m := devicemapper.NewFakeMapper()
	m.Refuse = true

	_, err := m.Create(context.Background(), "system", nil)
	assert.ErrorIs(t, err, devicemapper.ErrUnavailable)
}

func TestFakeMapperDumpAll(t *testing.T) {
	m := devicemapper.NewFakeMapper()
	ctx := context.Background()

	_, err := m.Create(ctx, "system", nil)
	require.NoError(t, err)

	dump, err := m.DumpAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, dump, "system")
}
