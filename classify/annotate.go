package classify

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/brotli/go/cbrotli"

	"kunpeng/compacthash"
	"kunpeng/utils"
)

// hitRecord is one confirmed lookup: the cell keeps the fingerprint next to
// the taxid so resolve can sketch distinct minimizers per taxon.
type hitRecord struct {
	Serial  uint32
	KmerIdx uint16
	FileIdx uint16
	Cell    uint32
}

// AnnotateOptions configures the annotate stage.
type AnnotateOptions struct {
	ChunkDir  string
	Threads   int
	BatchSize int
}

// hitWriters appends hit records bucketed by input file.
type hitWriters struct {
	chunkDir string
	files    map[uint16]*os.File
	writers  map[uint16]*bufio.Writer
}

func newHitWriters(chunkDir string) *hitWriters {
	return &hitWriters{
		chunkDir: chunkDir,
		files:    make(map[uint16]*os.File),
		writers:  make(map[uint16]*bufio.Writer),
	}
}

func (hw *hitWriters) write(hit hitRecord) error {
	w, ok := hw.writers[hit.FileIdx]
	if !ok {
		path := filepath.Join(hw.chunkDir, fmt.Sprintf("%s_%d%s", HitPrefix, hit.FileIdx, HitSuffix))
		fp, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		hw.files[hit.FileIdx] = fp
		w = bufio.NewWriterSize(fp, 1<<20)
		hw.writers[hit.FileIdx] = w
	}
	var buf [hitRecordLen]byte
	binary.LittleEndian.PutUint32(buf[0:], hit.Serial)
	binary.LittleEndian.PutUint16(buf[4:], hit.KmerIdx)
	binary.LittleEndian.PutUint16(buf[6:], hit.FileIdx)
	binary.LittleEndian.PutUint32(buf[8:], hit.Cell)
	_, err := w.Write(buf[:])
	return err
}

func (hw *hitWriters) Close() error {
	var firstErr error
	for idx, w := range hw.writers {
		if err := w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := hw.files[idx].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func decodeSplitRecord(buf []byte) splitRecord {
	return splitRecord{
		Serial:  binary.LittleEndian.Uint32(buf[0:]),
		KmerIdx: binary.LittleEndian.Uint16(buf[4:]),
		FileIdx: binary.LittleEndian.Uint16(buf[6:]),
		Key:     binary.LittleEndian.Uint64(buf[8:]),
	}
}

// annotateShard loads one page and services every record of its chunk file.
func annotateShard(idx *Index, shard int, chunkFile string, hw *hitWriters, threads, batchSize int) error {
	if _, err := os.Stat(idx.PagePath(shard)); err != nil {
		// sparse configuration: an absent shard means every minimizer in
		// it is unclassified
		return nil
	}
	page, err := idx.LoadShard(shard)
	if err != nil {
		return err
	}
	fp, err := os.Open(chunkFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer fp.Close()
	reader := cbrotli.NewReader(fp)
	defer reader.Close()

	valueBits := idx.Config.ValueBits
	valueMask := idx.Config.ValueMask()

	batchBuf := make([]byte, splitRecordLen*batchSize)
	hits := 0
	for {
		n, err := io.ReadFull(reader, batchBuf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			if n%splitRecordLen != 0 {
				return fmt.Errorf("%w: %s", utils.ErrShortRead, chunkFile)
			}
		} else if err != nil {
			return err
		}
		records := n / splitRecordLen

		// fan the lookups out, then append in a single goroutine
		results := make([][]hitRecord, threads)
		var wg sync.WaitGroup
		per := (records + threads - 1) / threads
		for w := 0; w < threads; w++ {
			lo := w * per
			hi := utils.MinInt(lo+per, records)
			if lo >= hi {
				continue
			}
			wg.Add(1)
			go func(w, lo, hi int) {
				defer wg.Done()
				var out []hitRecord
				for i := lo; i < hi; i++ {
					rec := decodeSplitRecord(batchBuf[i*splitRecordLen:])
					_, local := idx.Config.ShardOf(rec.Key)
					compacted := compacthash.CompactedKey(rec.Key, valueBits)
					taxid := page.Find(local, compacted, valueBits, valueMask)
					if taxid > 0 {
						out = append(out, hitRecord{
							Serial:  rec.Serial,
							KmerIdx: rec.KmerIdx,
							FileIdx: rec.FileIdx,
							Cell:    compacted<<uint(valueBits) | taxid,
						})
					}
				}
				results[w] = out
			}(w, lo, hi)
		}
		wg.Wait()
		for _, out := range results {
			for _, hit := range out {
				if err := hw.write(hit); err != nil {
					return err
				}
				hits++
			}
		}
		if n < len(batchBuf) {
			break
		}
	}
	fmt.Printf("[Annotate] shard %d: %d hits\n", shard, hits)
	return nil
}

// Annotate runs stage C7. Shards are processed strictly one at a time so
// peak memory stays at one page plus streaming buffers.
func Annotate(idx *Index, opt AnnotateOptions) error {
	hw := newHitWriters(opt.ChunkDir)
	for shard := 0; shard < idx.Config.Partition; shard++ {
		chunkFile := filepath.Join(opt.ChunkDir, fmt.Sprintf("%s_%d%s", SplitPrefix, shard, SplitSuffix))
		if err := annotateShard(idx, shard, chunkFile, hw, opt.Threads, opt.BatchSize); err != nil {
			hw.Close()
			return fmt.Errorf("[Annotate] shard %d: %w", shard, err)
		}
	}
	return hw.Close()
}
