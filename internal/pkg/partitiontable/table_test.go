package partitiontable_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsu-project/dsid/internal/pkg/extent"
	"github.com/dsu-project/dsid/internal/pkg/partitiontable"
)

func TestBinaryCodecRoundTrip(t *testing.T) {
	table := partitiontable.Table{
		Partitions: []partitiontable.Partition{
			{
				GUID:  uuid.New(),
				Name:  "system_gsi",
				Size:  2 << 30,
				Flags: partitiontable.FlagReadOnly,
				Extents: []extent.Extent{
					{PhysicalSector: 0, SectorCount: 100},
					{PhysicalSector: 200, SectorCount: 50},
				},
			},
			{
				GUID:    uuid.New(),
				Name:    "userdata",
				Size:    1 << 30,
				Flags:   0,
				Extents: []extent.Extent{{PhysicalSector: 1000, SectorCount: 300}},
			},
		},
	}

	codec := partitiontable.BinaryCodec{}

	data, err := codec.Encode(table)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, table, decoded)
}

func TestBinaryCodecRejectsBadMagic(t *testing.T) {
	_, err := partitiontable.BinaryCodec{}.Decode([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	assert.Error(t, err)
}

func TestBinaryCodecRejectsOversizedName(t *testing.T) {
	table := partitiontable.Table{
		Partitions: []partitiontable.Partition{{
			Name: string(make([]byte, 100)),
		}},
	}

	_, err := partitiontable.BinaryCodec{}.Encode(table)
	assert.Error(t, err)
}

func TestBinaryCodecRejectsTooManyExtents(t *testing.T) {
	codec := partitiontable.BinaryCodec{}

	exts := make([]extent.Extent, extent.MaximumExtents+1)

	data, err := codec.Encode(partitiontable.Table{
		Partitions: []partitiontable.Partition{{Name: "x", Extents: exts}},
	})
	require.NoError(t, err)

	_, err = codec.Decode(data)
	assert.ErrorIs(t, err, extent.ErrTooFragmented)
}
