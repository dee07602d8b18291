package mmscanner

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// OptsFileName is the index options file inside a database directory.
const OptsFileName = "opts.k2d"

// IndexOptions is the on-disk form of the scanner parameters an index was
// built with. Fixed 64-byte little-endian layout; the index is only valid
// against inputs scanned with these exact values.
type IndexOptions struct {
	K              uint64
	L              uint64
	SpacedSeedMask uint64
	ToggleMask     uint64
	DNADB          uint64
	MinClearHash   uint64
	RevcomVersion  uint32
	DBVersion      uint32
	DBType         uint32
	Pad            uint32
}

func IndexOptionsFromMeros(m Meros) IndexOptions {
	return IndexOptions{
		K:              uint64(m.K),
		L:              uint64(m.L),
		SpacedSeedMask: m.SpacedSeedMask,
		ToggleMask:     m.ToggleMask,
		DNADB:          1,
		MinClearHash:   m.MinClearHash,
		RevcomVersion:  CurrentRevcomVersion,
	}
}

// AsMeros rebuilds the runtime parameters; the stored masks win over any
// command line flags.
func (o IndexOptions) AsMeros() Meros {
	mask := uint64(1)<<(uint(o.L)*2) - 1
	return Meros{
		K:              int(o.K),
		L:              int(o.L),
		Mask:           mask,
		SpacedSeedMask: o.SpacedSeedMask,
		ToggleMask:     o.ToggleMask & mask,
		MinClearHash:   o.MinClearHash,
	}
}

func (o IndexOptions) WriteToFile(path string) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fp.Close()
	buffp := bufio.NewWriter(fp)
	if err := binary.Write(buffp, binary.LittleEndian, o); err != nil {
		return err
	}
	return buffp.Flush()
}

func LoadIndexOptions(path string) (IndexOptions, error) {
	var o IndexOptions
	fp, err := os.Open(path)
	if err != nil {
		return o, err
	}
	defer fp.Close()
	if err := binary.Read(fp, binary.LittleEndian, &o); err != nil {
		return o, err
	}
	if o.RevcomVersion != CurrentRevcomVersion {
		return o, fmt.Errorf("[LoadIndexOptions] unsupported revcom version %d in %v", o.RevcomVersion, path)
	}
	return o, nil
}
