package classify

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/brotli/go/cbrotli"

	"kunpeng/compacthash"
	"kunpeng/mmscanner"
)

// splitRecord is one minimizer occurrence bound for a shard chunk file:
// read serial, window index, owning input file, 64-bit key.
type splitRecord struct {
	Serial  uint32
	KmerIdx uint16
	FileIdx uint16
	Key     uint64
}

// ambigSpan marks a run of ambiguous windows in a read's combined window
// space. Spans travel through the sidecar map file, not the chunk files.
type ambigSpan struct {
	Start, Len int
}

func formatSpans(spans []ambigSpan) string {
	if len(spans) == 0 {
		return "-"
	}
	parts := make([]string, len(spans))
	for i, s := range spans {
		parts[i] = fmt.Sprintf("%d:%d", s.Start, s.Len)
	}
	return strings.Join(parts, ",")
}

func parseSpans(s string) []ambigSpan {
	if s == "" || s == "-" {
		return nil
	}
	var spans []ambigSpan
	for _, tok := range strings.Split(s, ",") {
		var span ambigSpan
		if _, err := fmt.Sscanf(tok, "%d:%d", &span.Start, &span.Len); err == nil {
			spans = append(spans, span)
		}
	}
	return spans
}

// SplitOptions configures the split stage.
type SplitOptions struct {
	DBDir       string
	ChunkDir    string
	Paired      bool // mates in consecutive files
	Interleaved bool // mates interleaved in one file
	MinQuality  int
	Threads     int
	BatchSize   int
	InputFiles  []string
}

type splitOutput struct {
	records  []splitRecord
	mapLines []byte
}

// scanRead turns one read into shard records and its sidecar line.
func scanRead(rec ReadRecord, fileIdx int, meros mmscanner.Meros, out *splitOutput) error {
	var spans []ambigSpan
	var kmerCounts [2]int
	var lens [2]int
	offset := 0
	seqs := [][]byte{rec.Seq1}
	if rec.Paired {
		seqs = append(seqs, rec.Seq2)
	}
	for mate, seq := range seqs {
		lens[mate] = len(seq)
		scanner := mmscanner.NewScanner(seq, meros)
		count := scanner.WindowCount()
		kmerCounts[mate] = count
		if offset+count > 1<<16 {
			return fmt.Errorf("[scanRead] read %s has %d windows; too long for the chunk format", rec.ID, offset+count)
		}
		for {
			win, key, state, ok := scanner.Next()
			if !ok {
				break
			}
			switch state {
			case mmscanner.WindowMinimizer:
				out.records = append(out.records, splitRecord{
					Serial:  rec.Serial,
					KmerIdx: uint16(offset + win),
					FileIdx: uint16(fileIdx),
					Key:     key,
				})
			case mmscanner.WindowAmbiguous:
				if n := len(spans); n > 0 && spans[n-1].Start+spans[n-1].Len == offset+win {
					spans[n-1].Len++
				} else {
					spans = append(spans, ambigSpan{Start: offset + win, Len: 1})
				}
			}
		}
		offset += count
	}

	lenStr := fmt.Sprintf("%d", lens[0])
	kmerStr := fmt.Sprintf("%d", kmerCounts[0])
	if rec.Paired {
		lenStr = fmt.Sprintf("%d|%d", lens[0], lens[1])
		kmerStr = fmt.Sprintf("%d|%d", kmerCounts[0], kmerCounts[1])
	}
	out.mapLines = append(out.mapLines, []byte(fmt.Sprintf("%d\t%s\t%s\t%s\t%s\n",
		rec.Serial, rec.ID, lenStr, kmerStr, formatSpans(spans)))...)
	return nil
}

// shardWriters owns the per-shard brotli chunk files of a split run.
type shardWriters struct {
	files   []*os.File
	writers []*cbrotli.Writer
}

func newShardWriters(chunkDir string, partition int) (*shardWriters, error) {
	sw := &shardWriters{
		files:   make([]*os.File, partition),
		writers: make([]*cbrotli.Writer, partition),
	}
	for i := 0; i < partition; i++ {
		fp, err := os.Create(filepath.Join(chunkDir, fmt.Sprintf("%s_%d%s", SplitPrefix, i, SplitSuffix)))
		if err != nil {
			sw.Close()
			return nil, err
		}
		sw.files[i] = fp
		sw.writers[i] = cbrotli.NewWriter(fp, cbrotli.WriterOptions{Quality: 1})
	}
	return sw, nil
}

func (sw *shardWriters) write(rec splitRecord, hc compacthash.HashConfig) error {
	shard, _ := hc.ShardOf(rec.Key)
	var buf [splitRecordLen]byte
	binary.LittleEndian.PutUint32(buf[0:], rec.Serial)
	binary.LittleEndian.PutUint16(buf[4:], rec.KmerIdx)
	binary.LittleEndian.PutUint16(buf[6:], rec.FileIdx)
	binary.LittleEndian.PutUint64(buf[8:], rec.Key)
	_, err := sw.writers[shard].Write(buf[:])
	return err
}

func (sw *shardWriters) Close() error {
	var firstErr error
	for i, w := range sw.writers {
		if w != nil {
			if err := w.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if sw.files[i] != nil {
			if err := sw.files[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// inputUnits groups the input files into (file1, file2) units.
func inputUnits(opt SplitOptions) ([][2]string, error) {
	if opt.Paired && !opt.Interleaved {
		if len(opt.InputFiles)%2 != 0 {
			return nil, fmt.Errorf("[Split] paired-end processing needs an even number of input files")
		}
		units := make([][2]string, 0, len(opt.InputFiles)/2)
		for i := 0; i < len(opt.InputFiles); i += 2 {
			units = append(units, [2]string{opt.InputFiles[i], opt.InputFiles[i+1]})
		}
		return units, nil
	}
	units := make([][2]string, len(opt.InputFiles))
	for i, fn := range opt.InputFiles {
		units[i] = [2]string{fn, ""}
	}
	return units, nil
}

// Split runs stage C6: per-shard minimizer chunk files plus sidecar maps.
func Split(idx *Index, opt SplitOptions) error {
	units, err := inputUnits(opt)
	if err != nil {
		return err
	}
	sw, err := newShardWriters(opt.ChunkDir, idx.Config.Partition)
	if err != nil {
		return err
	}
	defer sw.Close()

	fileMap, err := os.Create(filepath.Join(opt.ChunkDir, FileMapName))
	if err != nil {
		return err
	}
	defer fileMap.Close()

	for fileIdx, unit := range units {
		name := unit[0]
		if unit[1] != "" {
			name = unit[0] + "," + unit[1]
		}
		if _, err := fmt.Fprintf(fileMap, "%d\t%s\n", fileIdx+1, name); err != nil {
			return err
		}
		if err := splitOneUnit(idx, opt, sw, fileIdx+1, unit); err != nil {
			return err
		}
	}
	return nil
}

func splitOneUnit(idx *Index, opt SplitOptions, sw *shardWriters, fileIdx int, unit [2]string) error {
	rs, err := openReadStream(unit[0], unit[1], opt.Interleaved, opt.MinQuality)
	if err != nil {
		return err
	}
	defer rs.Close()

	idMap, err := os.Create(filepath.Join(opt.ChunkDir, fmt.Sprintf("%s_%d%s", IDMapPrefix, fileIdx, IDMapSuffix)))
	if err != nil {
		return err
	}
	defer idMap.Close()
	idMapBuf := bufio.NewWriterSize(idMap, 1<<20)

	batches := make(chan []ReadRecord, opt.Threads)
	outputs := make(chan splitOutput, opt.Threads)
	errCh := make(chan error, opt.Threads+2)

	var wg sync.WaitGroup
	for w := 0; w < opt.Threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failed := false
			for batch := range batches {
				if failed {
					continue // drain so the producer never blocks
				}
				var out splitOutput
				for _, rec := range batch {
					if err := scanRead(rec, fileIdx, idx.Meros, &out); err != nil {
						errCh <- err
						failed = true
						break
					}
				}
				if !failed {
					outputs <- out
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outputs)
	}()

	go func() {
		defer close(batches)
		batch := make([]ReadRecord, 0, opt.BatchSize)
		for {
			rec, err := rs.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case errCh <- err:
					default:
					}
				}
				break
			}
			batch = append(batch, rec)
			if len(batch) >= opt.BatchSize {
				batches <- batch
				batch = make([]ReadRecord, 0, opt.BatchSize)
			}
		}
		if len(batch) > 0 {
			batches <- batch
		}
	}()

	readCount := 0
	for out := range outputs {
		for _, rec := range out.records {
			if err := sw.write(rec, idx.Config); err != nil {
				return err
			}
		}
		if _, err := idMapBuf.Write(out.mapLines); err != nil {
			return err
		}
		readCount += strings.Count(string(out.mapLines), "\n")
	}
	select {
	case err := <-errCh:
		return err
	default:
	}
	fmt.Printf("[Split] file %d: %d reads split\n", fileIdx, readCount)
	return idMapBuf.Flush()
}
