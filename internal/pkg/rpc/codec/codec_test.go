package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	_ "github.com/dsu-project/dsid/internal/pkg/rpc/codec"
)

type payload struct {
	Name string
	Size int64
}

func TestJSONCodecRegisteredAsProto(t *testing.T) {
	c := encoding.GetCodec("proto")
	require.NotNil(t, c)
	assert.Equal(t, "proto", c.Name())

	data, err := c.Marshal(&payload{Name: "system", Size: 42})
	require.NoError(t, err)

	var got payload
	require.NoError(t, c.Unmarshal(data, &got))

	assert.Equal(t, payload{Name: "system", Size: 42}, got)
}
