// Package partitiontable serializes/deserializes a device layout of
// named partitions and their linear extents to/from a compact on-disk
// blob (the per-image <name>.lp file ImageStore keeps in its metadata
// directory). The layout borrows the
// sector-aligned, UUID-tagged entry shape of go-blockdevice/v2's GPT
// tables without carrying the full physical-GPT on-disk format, which
// targets a real disk header/footer pair this module has no use for.
package partitiontable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/dsu-project/dsid/internal/pkg/extent"
)

const (
	magic        uint32 = 0x4C505430 // "LPT0"
	blobVersion  uint32 = 1
	headerSize          = 4 + 4 + 4 // magic, version, partition count
	entryHeader         = 16 + 64 + 8 + 4 + 4
	nameMaxBytes        = 64
)

// Flags on a Partition.
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	FlagZeroed
)

// Partition is one named partition's metadata: its GUID, logical size,
// flags, and the linear extents backing it on the underlying block
// device.
type Partition struct {
	GUID    uuid.UUID
	Name    string
	Size    uint64
	Flags   Flags
	Extents []extent.Extent
}

// Table is the decoded form of a blob persisted by ImageStore at
// <metadata_dir>/<name>.lp.
type Table struct {
	Partitions []Partition
}

// Codec encodes and decodes a Table to/from its on-disk blob form.
type Codec interface {
	Encode(Table) ([]byte, error)
	Decode([]byte) (Table, error)
}

// BinaryCodec is the default Codec: a small fixed-header, repeated-entry
// binary format, sector-aligned per extent.Extent.
type BinaryCodec struct{}

var _ Codec = BinaryCodec{}

// Encode implements Codec.
func (BinaryCodec) Encode(t Table) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, magic); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, blobVersion); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(t.Partitions))); err != nil {
		return nil, err
	}

	for _, p := range t.Partitions {
		if len(p.Name) > nameMaxBytes {
			return nil, fmt.Errorf("partitiontable: name %q exceeds %d bytes", p.Name, nameMaxBytes)
		}

		var name [nameMaxBytes]byte
		copy(name[:], p.Name)

		buf.Write(p.GUID[:])
		buf.Write(name[:])

		if err := binary.Write(&buf, binary.LittleEndian, p.Size); err != nil {
			return nil, err
		}

		if err := binary.Write(&buf, binary.LittleEndian, uint32(p.Flags)); err != nil {
			return nil, err
		}

		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(p.Extents))); err != nil {
			return nil, err
		}

		for _, e := range p.Extents {
			if err := binary.Write(&buf, binary.LittleEndian, e.PhysicalSector); err != nil {
				return nil, err
			}

			if err := binary.Write(&buf, binary.LittleEndian, e.SectorCount); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// Decode implements Codec.
func (BinaryCodec) Decode(data []byte) (Table, error) {
	r := bytes.NewReader(data)

	var gotMagic, version, count uint32

	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return Table{}, err
	}

	if gotMagic != magic {
		return Table{}, fmt.Errorf("partitiontable: bad magic %#x", gotMagic)
	}

	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Table{}, err
	}

	if version != blobVersion {
		return Table{}, fmt.Errorf("partitiontable: unsupported blob version %d", version)
	}

	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Table{}, err
	}

	t := Table{Partitions: make([]Partition, 0, count)}

	for i := uint32(0); i < count; i++ {
		var p Partition

		if _, err := r.Read(p.GUID[:]); err != nil {
			return Table{}, err
		}

		var name [nameMaxBytes]byte
		if _, err := r.Read(name[:]); err != nil {
			return Table{}, err
		}

		p.Name = string(bytes.TrimRight(name[:], "\x00"))

		if err := binary.Read(r, binary.LittleEndian, &p.Size); err != nil {
			return Table{}, err
		}

		var flags uint32
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return Table{}, err
		}

		p.Flags = Flags(flags)

		var extentCount uint32
		if err := binary.Read(r, binary.LittleEndian, &extentCount); err != nil {
			return Table{}, err
		}

		if extentCount > extent.MaximumExtents {
			return Table{}, extent.ErrTooFragmented
		}

		p.Extents = make([]extent.Extent, extentCount)

		for j := range p.Extents {
			if err := binary.Read(r, binary.LittleEndian, &p.Extents[j].PhysicalSector); err != nil {
				return Table{}, err
			}

			if err := binary.Read(r, binary.LittleEndian, &p.Extents[j].SectorCount); err != nil {
				return Table{}, err
			}
		}

		t.Partitions = append(t.Partitions, p)
	}

	return t, nil
}
