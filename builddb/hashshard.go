package builddb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kunpeng/compacthash"
	"kunpeng/utils"
)

// kraken2HeaderSize is the fixed prefix of a monolithic Kraken2 hash.k2d.
const kraken2HeaderSize = 32

// Hashshard splits a Kraken2 hash.k2d in dbDir into kun-peng pages of
// hashCapacity slots each, writing hash_config.k2d (version 0) alongside.
// Probe chains crossing a cut point keep working because version 0 lookups
// attach the next page's spill prefix.
func Hashshard(dbDir string, hashCapacity int) error {
	indexFile := filepath.Join(dbDir, "hash.k2d")
	capacity, size, valueBits, err := compacthash.LoadKraken2Header(indexFile)
	if err != nil {
		return err
	}
	if valueBits <= 0 || valueBits >= 32 || capacity <= 0 {
		return fmt.Errorf("%w: hash.k2d header capacity=%d value_bits=%d", utils.ErrIndexInconsistent, capacity, valueBits)
	}
	configFile := filepath.Join(dbDir, compacthash.ConfigFileName)
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("[Hashshard] %v already exists", configFile)
	}

	partition := (capacity + hashCapacity - 1) / hashCapacity
	hc := compacthash.NewHashConfig(0, capacity, valueBits, size, partition, hashCapacity)

	src, err := os.Open(indexFile)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := src.Seek(kraken2HeaderSize, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReaderSize(src, 1<<25)

	for shard := 0; shard < partition; shard++ {
		pageCap := hc.PageCapacity(shard)
		pageFile := compacthash.PageFileName(dbDir, shard+1)
		if err := copyPage(reader, pageFile, shard+1, pageCap); err != nil {
			return fmt.Errorf("[Hashshard] shard %d: %w", shard+1, err)
		}
	}
	if err := hc.WriteToFile(configFile); err != nil {
		return err
	}
	fmt.Printf("[Hashshard] split %d slots into %d pages of %d\n", capacity, partition, hashCapacity)
	return nil
}

func copyPage(reader io.Reader, pageFile string, index, pageCap int) error {
	fp, err := os.Create(pageFile)
	if err != nil {
		return err
	}
	defer fp.Close()
	buffp := bufio.NewWriterSize(fp, 1<<25)
	header := []uint64{uint64(index), uint64(pageCap)}
	if err := binary.Write(buffp, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := io.CopyN(buffp, reader, int64(pageCap)*4); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrShortRead, err)
	}
	return buffp.Flush()
}
