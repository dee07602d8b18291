// Package builddb turns a library of reference FASTA files into the sharded
// compact-hash index. The build runs in two passes: pass A streams
// minimizers into per-shard chunk files, pass B replays each chunk file into
// its page with LCA merging.
package builddb

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
	"github.com/klauspost/compress/zstd"

	"kunpeng/compacthash"
	"kunpeng/mmscanner"
	"kunpeng/taxonomy"
	"kunpeng/utils"
)

const (
	// ChunkPrefix names the pass A shard chunk files: chunk_<shard>.k2z.
	ChunkPrefix = "chunk"
	ChunkSuffix = ".k2z"

	chunkRecordSize = 8
	seqBatchBases   = 1 << 22
)

// chunkRecord is one (slot, packed cell) pair bound for a shard.
type chunkRecord struct {
	Shard int32
	Idx   uint32
	Value uint32
}

type seqBatch struct {
	seqs   [][]byte
	taxids []uint32 // internal ids, parallel to seqs
}

// Options collects the build parameters shared by the subcommands.
type Options struct {
	DBDir            string
	ChunkDir         string
	NCBIDir          string
	Meros            mmscanner.Meros
	RequiredCapacity int
	HashCapacity     int
	LoadFactor       float64
	MaxN             int
	Cache            bool
	RequestedBits    int
	Threads          int
}

func lcaFunc(taxo *taxonomy.Taxonomy) func(a, b uint32) uint32 {
	return func(a, b uint32) uint32 {
		return uint32(taxo.LCA(uint64(a), uint64(b)))
	}
}

// GetBitsForTaxid returns the cell value width: enough for every internal
// id, at least the requested width, and it must leave room for a
// fingerprint inside 32 bits.
func GetBitsForTaxid(requested, nodeCount int) (int, error) {
	needed := utils.MaxInt(int(math.Ceil(math.Log2(float64(nodeCount)))), 1)
	if requested > 0 && needed > requested {
		return 0, fmt.Errorf("[GetBitsForTaxid] %d bits requested but %d taxa need %d", requested, nodeCount, needed)
	}
	bits := utils.MaxInt(needed, requested)
	if bits >= 32 {
		return 0, fmt.Errorf("[GetBitsForTaxid] %d taxa do not fit a 32-bit cell", nodeCount)
	}
	return bits, nil
}

// streamLibrary reads every sequence of the library files, resolves its
// internal taxid and feeds batches to the scanner workers. Sequences whose
// accession is absent from the seqid2taxid map are skipped; accessions that
// map to a taxid the taxonomy does not contain fail the build.
func streamLibrary(fnaFiles []string, taxo *taxonomy.Taxonomy, idMap map[string]uint64,
	batches chan<- seqBatch, stop <-chan struct{}) error {
	defer close(batches)
	var batch seqBatch
	bases := 0
	flush := func() bool {
		if len(batch.seqs) == 0 {
			return true
		}
		select {
		case batches <- batch:
			batch = seqBatch{}
			bases = 0
			return true
		case <-stop:
			return false
		}
	}
	for _, fn := range fnaFiles {
		infile, err := os.Open(fn)
		if err != nil {
			return err
		}
		fafp := fasta.NewReader(infile, linear.NewSeq("", nil, alphabet.DNA))
		for {
			s, err := fafp.Read()
			if err != nil {
				if err == io.EOF {
					break
				}
				infile.Close()
				return fmt.Errorf("[streamLibrary] read %v: %v", fn, err)
			}
			l := s.(*linear.Seq)
			extTaxid, ok := idMap[l.ID]
			if !ok {
				continue
			}
			internal := taxo.InternalID(extTaxid)
			if internal == 0 {
				infile.Close()
				return utils.UnknownTaxidError(extTaxid)
			}
			seq := make([]byte, len(l.Seq))
			for j, v := range l.Seq {
				seq[j] = byte(v)
			}
			batch.seqs = append(batch.seqs, seq)
			batch.taxids = append(batch.taxids, uint32(internal))
			bases += len(seq)
			if bases >= seqBatchBases {
				if !flush() {
					infile.Close()
					return nil
				}
			}
		}
		infile.Close()
	}
	flush()
	return nil
}

// ConvertLibraryToChunks is build pass A: minimizers of every library
// sequence, tagged with the sequence's taxid, bucketed by shard into zstd
// chunk files under chunkDir.
func ConvertLibraryToChunks(fnaFiles []string, meros mmscanner.Meros, taxo *taxonomy.Taxonomy,
	idMap map[string]uint64, hc compacthash.HashConfig, chunkDir string, threads int) error {
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return err
	}
	batches := make(chan seqBatch, threads)
	records := make(chan []chunkRecord, threads)
	errCh := make(chan error, threads+2)
	stop := make(chan struct{})
	var stopOnce sync.Once
	fail := func(err error) {
		errCh <- err
		stopOnce.Do(func() { close(stop) })
	}

	libDone := make(chan struct{})
	go func() {
		defer close(libDone)
		if err := streamLibrary(fnaFiles, taxo, idMap, batches, stop); err != nil {
			fail(err)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				recs := make([]chunkRecord, 0, 1<<16)
				for i, seq := range batch.seqs {
					taxid := batch.taxids[i]
					scanner := mmscanner.NewScanner(seq, meros)
					for _, key := range scanner.Keys() {
						shard, local := hc.ShardOf(key)
						recs = append(recs, chunkRecord{
							Shard: int32(shard),
							Idx:   uint32(local),
							Value: compacthash.CompactCell(key, hc.ValueBits, taxid),
						})
					}
				}
				select {
				case records <- recs:
				case <-stop:
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(records)
	}()

	writeErr := writeChunkRecords(records, hc.Partition, chunkDir)
	if writeErr != nil {
		fail(writeErr)
	}
	<-libDone
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// writeChunkRecords is the single writer that owns every shard chunk file.
func writeChunkRecords(records <-chan []chunkRecord, partition int, chunkDir string) error {
	files := make([]*os.File, partition)
	writers := make([]*zstd.Encoder, partition)
	for i := 0; i < partition; i++ {
		fp, err := os.Create(filepath.Join(chunkDir, fmt.Sprintf("%s_%d%s", ChunkPrefix, i, ChunkSuffix)))
		if err != nil {
			return err
		}
		files[i] = fp
		zw, err := zstd.NewWriter(fp, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			fp.Close()
			return err
		}
		writers[i] = zw
	}
	defer func() {
		for _, fp := range files {
			fp.Close()
		}
	}()

	var buf [chunkRecordSize]byte
	written := 0
	for recs := range records {
		for _, rec := range recs {
			binary.LittleEndian.PutUint32(buf[0:], rec.Idx)
			binary.LittleEndian.PutUint32(buf[4:], rec.Value)
			if _, err := writers[rec.Shard].Write(buf[:]); err != nil {
				return err
			}
			written++
		}
	}
	for _, zw := range writers {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	fmt.Printf("[ConvertLibraryToChunks] wrote %d minimizer records into %d chunk files\n", written, partition)
	return nil
}

// BuildPageFromChunk is one unit of build pass B: replay a shard's chunk
// file into a fresh page and write it out. Returns the populated slot count.
func BuildPageFromChunk(chunkFile, pageFile string, shard int, hc compacthash.HashConfig,
	taxo *taxonomy.Taxonomy) (int, error) {
	builder := compacthash.NewPageBuilder(shard+1, hc.PageCapacity(shard), hc.ValueBits)
	lca := lcaFunc(taxo)

	fp, err := os.Open(chunkFile)
	if err != nil {
		return 0, err
	}
	defer fp.Close()
	zr, err := zstd.NewReader(fp)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	var buf [chunkRecordSize]byte
	for {
		if _, err := io.ReadFull(zr, buf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return 0, fmt.Errorf("%w: %v", utils.ErrShortRead, err)
		}
		idx := binary.LittleEndian.Uint32(buf[0:])
		value := binary.LittleEndian.Uint32(buf[4:])
		if err := builder.InsertOrMerge(int(idx), value, lca); err != nil {
			return 0, err
		}
	}
	if err := builder.WriteToFile(pageFile); err != nil {
		return 0, err
	}
	return builder.Size, nil
}

// BuildPagesFromChunks is build pass B: one worker per shard, shards are
// independent so the insert loops never contend.
func BuildPagesFromChunks(chunkDir, dbDir string, hc compacthash.HashConfig,
	taxo *taxonomy.Taxonomy, threads int) (int, error) {
	shardCh := make(chan int, hc.Partition)
	for i := 0; i < hc.Partition; i++ {
		shardCh <- i
	}
	close(shardCh)

	var totalSize int64
	errCh := make(chan error, hc.Partition)
	var wg sync.WaitGroup
	for w := 0; w < utils.MinInt(threads, hc.Partition); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range shardCh {
				chunkFile := filepath.Join(chunkDir, fmt.Sprintf("%s_%d%s", ChunkPrefix, shard, ChunkSuffix))
				pageFile := compacthash.PageFileName(dbDir, shard+1)
				size, err := BuildPageFromChunk(chunkFile, pageFile, shard, hc, taxo)
				if err != nil {
					errCh <- fmt.Errorf("shard %d: %w", shard, err)
					return
				}
				atomic.AddInt64(&totalSize, int64(size))
			}
		}()
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return 0, err
	default:
	}
	return int(totalSize), nil
}

// Build runs the full pipeline: taxonomy, capacity, pass A, pass B, and the
// metadata files. RequiredCapacity 0 means estimate from the library.
func Build(opt Options) error {
	libDir := filepath.Join(opt.DBDir, "library")
	fnaFiles, err := utils.FindLibraryFnaFiles(libDir)
	if err != nil || len(fnaFiles) == 0 {
		return fmt.Errorf("[Build] no library *.fna under %v: %v", libDir, err)
	}
	idMap, err := taxonomy.ReadIDToTaxonMap(filepath.Join(opt.DBDir, "seqid2taxid.map"))
	if err != nil {
		return err
	}
	ncbiDir := opt.NCBIDir
	if ncbiDir == "" {
		ncbiDir = filepath.Join(opt.DBDir, "taxonomy")
	}
	taxo, err := taxonomy.Generate(ncbiDir, filepath.Join(opt.DBDir, taxonomy.TaxoFileName), idMap)
	if err != nil {
		return err
	}
	log.Printf("[Build] taxonomy has %d nodes\n", taxo.NodeCount())

	valueBits, err := GetBitsForTaxid(opt.RequestedBits, taxo.NodeCount())
	if err != nil {
		return err
	}

	capacity := opt.RequiredCapacity
	if capacity == 0 {
		distinct, err := EstimateCapacity(fnaFiles, opt.Meros, opt.MaxN, opt.Threads, opt.Cache)
		if err != nil {
			return err
		}
		capacity = int(math.Ceil(float64(distinct) / opt.LoadFactor))
		log.Printf("[Build] estimated %d distinct minimizers, capacity %d at load factor %.2f\n",
			distinct, capacity, opt.LoadFactor)
	}
	hashCapacity := opt.HashCapacity
	if hashCapacity > capacity {
		hashCapacity = capacity
	}
	partition := (capacity + hashCapacity - 1) / hashCapacity
	hc := compacthash.NewHashConfig(1, capacity, valueBits, 0, partition, hashCapacity)

	chunkDir := opt.ChunkDir
	if chunkDir == "" {
		chunkDir = filepath.Join(opt.DBDir, "chunks")
	}
	// metadata goes down before pass B so an interrupted build can resume
	// with build-db
	if err := hc.WriteToFile(filepath.Join(opt.DBDir, compacthash.ConfigFileName)); err != nil {
		return err
	}
	opts := mmscanner.IndexOptionsFromMeros(opt.Meros)
	if err := opts.WriteToFile(filepath.Join(opt.DBDir, mmscanner.OptsFileName)); err != nil {
		return err
	}
	if err := ConvertLibraryToChunks(fnaFiles, opt.Meros, taxo, idMap, hc, chunkDir, opt.Threads); err != nil {
		return err
	}
	return BuildDB(opt.DBDir, chunkDir, opt.Threads)
}

// BuildDB is pass B alone: construct every page from an existing chunk dir
// and record the final size. It is the resume point after an interrupted
// build.
func BuildDB(dbDir, chunkDir string, threads int) error {
	configPath := filepath.Join(dbDir, compacthash.ConfigFileName)
	hc, err := compacthash.LoadHashConfig(configPath)
	if err != nil {
		return err
	}
	taxo, err := taxonomy.LoadFromFile(filepath.Join(dbDir, taxonomy.TaxoFileName))
	if err != nil {
		return err
	}
	size, err := BuildPagesFromChunks(chunkDir, dbDir, hc, taxo, threads)
	if err != nil {
		return err
	}
	hc.Size = size
	if err := hc.WriteToFile(configPath); err != nil {
		return err
	}
	fmt.Printf("[BuildDB] %d shards, %d/%d slots populated\n", hc.Partition, size, hc.Capacity)
	return nil
}
