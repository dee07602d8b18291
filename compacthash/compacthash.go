// Package compacthash implements the value-bit-packed open-addressing table
// behind the sharded index. A cell is a single u32: the high bits hold a
// fingerprint of the 64-bit minimizer key, the low ValueBits hold the
// internal taxid. Taxid 0 is reserved, so an all-zero cell means empty.
package compacthash

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"kunpeng/utils"
)

// ConfigFileName is the index metadata file inside a database directory.
const ConfigFileName = "hash_config.k2d"

// PageHeaderSize is the fixed page file header: index u64 + capacity u64.
const PageHeaderSize = 16

// HashConfig describes the sharded table as a whole.
type HashConfig struct {
	// Version 0 marks an index converted from a monolithic Kraken2 table,
	// whose probe chains may spill across page boundaries.
	Version      int
	Partition    int
	HashCapacity int
	Capacity     int
	Size         int
	ValueBits    int
}

func NewHashConfig(version, capacity, valueBits, size, partition, hashCapacity int) HashConfig {
	return HashConfig{
		Version:      version,
		Partition:    partition,
		HashCapacity: hashCapacity,
		Capacity:     capacity,
		Size:         size,
		ValueBits:    valueBits,
	}
}

func (hc HashConfig) ValueMask() uint32 {
	return uint32(1)<<uint(hc.ValueBits) - 1
}

// Index is the global slot index of a key.
func (hc HashConfig) Index(key uint64) int {
	return int(key % uint64(hc.Capacity))
}

// ShardOf returns the shard owning a key plus the local probe start.
func (hc HashConfig) ShardOf(key uint64) (shard, localIdx int) {
	idx := hc.Index(key)
	return idx / hc.HashCapacity, idx % hc.HashCapacity
}

// PageCapacity is the slot count of shard i (0-based); the last shard may be
// short when the total capacity is not a multiple of the page size.
func (hc HashConfig) PageCapacity(shard int) int {
	base := shard * hc.HashCapacity
	return utils.MinInt(hc.HashCapacity, hc.Capacity-base)
}

// CompactedKey is the fingerprint portion of a key: its top 32-ValueBits bits,
// with a zero fingerprint remapped to 1.
func CompactedKey(key uint64, valueBits int) uint32 {
	fp := uint32(key >> uint(32+valueBits))
	if fp == 0 {
		return 1
	}
	return fp
}

// CompactCell packs a fingerprint and a taxid into one slot.
func CompactCell(key uint64, valueBits int, taxid uint32) uint32 {
	return CompactedKey(key, valueBits)<<uint(valueBits) | taxid
}

// CellTaxid unpacks the value field of a slot.
func CellTaxid(cell uint32, valueMask uint32) uint32 { return cell & valueMask }

// CellFingerprint unpacks the fingerprint field of a slot.
func CellFingerprint(cell uint32, valueBits int) uint32 { return cell >> uint(valueBits) }

// WriteToFile serializes the config as six little-endian u64 values.
func (hc HashConfig) WriteToFile(path string) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fp.Close()
	buffp := bufio.NewWriter(fp)
	fields := []uint64{
		uint64(hc.Version), uint64(hc.Partition), uint64(hc.HashCapacity),
		uint64(hc.Capacity), uint64(hc.Size), uint64(hc.ValueBits),
	}
	if err := binary.Write(buffp, binary.LittleEndian, fields); err != nil {
		return err
	}
	return buffp.Flush()
}

func LoadHashConfig(path string) (HashConfig, error) {
	var hc HashConfig
	fp, err := os.Open(path)
	if err != nil {
		return hc, err
	}
	defer fp.Close()
	var fields [6]uint64
	if err := binary.Read(fp, binary.LittleEndian, &fields); err != nil {
		return hc, err
	}
	hc = NewHashConfig(int(fields[0]), int(fields[3]), int(fields[5]), int(fields[4]), int(fields[1]), int(fields[2]))
	if hc.Capacity <= 0 || hc.HashCapacity <= 0 || hc.ValueBits <= 0 || hc.ValueBits >= 32 {
		return hc, fmt.Errorf("%w: bad hash config %+v in %v", utils.ErrIndexInconsistent, hc, path)
	}
	return hc, nil
}

// LoadKraken2Header reads the leading fields of a monolithic Kraken2
// hash.k2d: capacity, size, taxid count, value bits (u64 LE each).
func LoadKraken2Header(path string) (capacity, size, valueBits int, err error) {
	fp, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer fp.Close()
	var fields [4]uint64
	if err := binary.Read(fp, binary.LittleEndian, &fields); err != nil {
		return 0, 0, 0, err
	}
	return int(fields[0]), int(fields[1]), int(fields[3]), nil
}

// Page is one shard of the table, loaded read-only for lookups.
type Page struct {
	Index    int // 1-based shard number from the file header
	Capacity int // owned slots; Data may be longer when a spill is attached
	Data     []uint32
	// Wrap enables in-page wrap-around probing (version >= 1 indexes).
	Wrap bool
}

func readPageHeader(reader io.Reader) (index, capacity int, err error) {
	var header [2]uint64
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		return 0, 0, err
	}
	return int(header[0]), int(header[1]), nil
}

func readSlots(reader io.Reader, n int) ([]uint32, error) {
	buf := make([]byte, n*4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrShortRead, err)
	}
	data := make([]uint32, n)
	for i := range data {
		data[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return data, nil
}

// LoadPage reads a whole shard file into memory.
func LoadPage(path string, wrap bool) (*Page, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	reader := bufio.NewReaderSize(fp, 1<<20)
	index, capacity, err := readPageHeader(reader)
	if err != nil {
		return nil, err
	}
	data, err := readSlots(reader, capacity)
	if err != nil {
		return nil, err
	}
	return &Page{Index: index, Capacity: capacity, Data: data, Wrap: wrap}, nil
}

// LoadSpillPrefix reads a shard file only up to and including its first
// empty slot: the continuation of any probe chain crossing the boundary
// from the previous shard of a Kraken2-converted index.
func LoadSpillPrefix(path string, valueMask uint32) ([]uint32, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	reader := bufio.NewReaderSize(fp, 1<<20)
	_, capacity, err := readPageHeader(reader)
	if err != nil {
		return nil, err
	}
	var prefix []uint32
	var buf [4]byte
	for i := 0; i < capacity; i++ {
		if _, err := io.ReadFull(reader, buf[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrShortRead, err)
		}
		cell := binary.LittleEndian.Uint32(buf[:])
		prefix = append(prefix, cell)
		if CellTaxid(cell, valueMask) == 0 {
			break
		}
	}
	return prefix, nil
}

// AttachSpill appends the continuation slots of the next shard.
func (p *Page) AttachSpill(spill []uint32) {
	p.Data = append(p.Data, spill...)
}

// Find probes linearly from localIdx: empty cell means miss, a matching
// fingerprint returns the stored taxid, a full sweep is a miss. No
// tombstones exist because the table never deletes.
func (p *Page) Find(localIdx int, compacted uint32, valueBits int, valueMask uint32) uint32 {
	if localIdx >= len(p.Data) {
		return 0
	}
	i := localIdx
	for steps := 0; steps < len(p.Data); steps++ {
		cell := p.Data[i]
		if CellTaxid(cell, valueMask) == 0 {
			return 0
		}
		if CellFingerprint(cell, valueBits) == compacted {
			return CellTaxid(cell, valueMask)
		}
		i++
		if i >= len(p.Data) {
			if !p.Wrap {
				return 0
			}
			i = 0
		}
	}
	return 0
}

// CountNonZero is the page's populated-slot count over its owned range.
func (p *Page) CountNonZero(valueMask uint32) int {
	n := 0
	for i := 0; i < p.Capacity && i < len(p.Data); i++ {
		if CellTaxid(p.Data[i], valueMask) != 0 {
			n++
		}
	}
	return n
}

// PageBuilder constructs one shard in memory during build pass B. A single
// goroutine owns a builder, so no locking happens on the insert path.
type PageBuilder struct {
	Index     int // 1-based shard number
	Data      []uint32
	Size      int
	valueBits int
	valueMask uint32
}

func NewPageBuilder(index, capacity, valueBits int) *PageBuilder {
	return &PageBuilder{
		Index:     index,
		Data:      make([]uint32, capacity),
		valueBits: valueBits,
		valueMask: uint32(1)<<uint(valueBits) - 1,
	}
}

// InsertOrMerge places a packed cell at its probe chain. Matching
// fingerprints merge values through lca; a wrapped probe means the shard is
// full and the build must abort.
func (b *PageBuilder) InsertOrMerge(localIdx int, value uint32, lca func(a, b uint32) uint32) error {
	fingerprint := CellFingerprint(value, b.valueBits)
	i := localIdx
	for steps := 0; steps < len(b.Data); steps++ {
		cell := b.Data[i]
		if CellTaxid(cell, b.valueMask) == 0 {
			b.Data[i] = value
			b.Size++
			return nil
		}
		if CellFingerprint(cell, b.valueBits) == fingerprint {
			oldTax := CellTaxid(cell, b.valueMask)
			newTax := CellTaxid(value, b.valueMask)
			if oldTax != newTax {
				merged := lca(oldTax, newTax) & b.valueMask
				b.Data[i] = fingerprint<<uint(b.valueBits) | merged
			}
			return nil
		}
		i++
		if i >= len(b.Data) {
			i = 0
		}
	}
	return fmt.Errorf("%w: shard %d", utils.ErrCapacityExhausted, b.Index)
}

// WriteToFile lays the page out as header + little-endian slots.
func (b *PageBuilder) WriteToFile(path string) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fp.Close()
	buffp := bufio.NewWriterSize(fp, 1<<25)
	header := []uint64{uint64(b.Index), uint64(len(b.Data))}
	if err := binary.Write(buffp, binary.LittleEndian, header); err != nil {
		return err
	}
	out := make([]byte, 4)
	for _, cell := range b.Data {
		binary.LittleEndian.PutUint32(out, cell)
		if _, err := buffp.Write(out); err != nil {
			return err
		}
	}
	return buffp.Flush()
}

// PageFileName is the 1-based shard file name inside a database directory.
func PageFileName(dir string, shard int) string {
	return fmt.Sprintf("%s/hash_%d.k2d", dir, shard)
}
