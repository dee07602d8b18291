package classify

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"kunpeng/compacthash"
	"kunpeng/report"
	"kunpeng/taxonomy"
)

// DirectOptions configures the fused in-memory classify mode.
type DirectOptions struct {
	OutputDir        string
	Paired           bool
	Interleaved      bool
	MinQuality       int
	Confidence       float64
	MinimumHitGroups int
	ReportZeroCounts bool
	ReportKmerData   bool
	MpaStyle         bool
	Threads          int
	BatchSize        int
	InputFiles       []string
}

// directTable keeps every page resident, trading memory for the chunk-file
// round trip.
type directTable struct {
	idx   *Index
	pages []*compacthash.Page
}

func loadDirectTable(idx *Index) (*directTable, error) {
	dt := &directTable{idx: idx, pages: make([]*compacthash.Page, idx.Config.Partition)}
	for shard := 0; shard < idx.Config.Partition; shard++ {
		if _, err := os.Stat(idx.PagePath(shard)); err != nil {
			continue // sparse shard: every lookup in it misses
		}
		page, err := idx.LoadShard(shard)
		if err != nil {
			return nil, err
		}
		dt.pages[shard] = page
	}
	return dt, nil
}

func (dt *directTable) lookup(key uint64) (cell uint32) {
	shard, local := dt.idx.Config.ShardOf(key)
	page := dt.pages[shard]
	if page == nil {
		return 0
	}
	valueBits := dt.idx.Config.ValueBits
	compacted := compacthash.CompactedKey(key, valueBits)
	taxid := page.Find(local, compacted, valueBits, dt.idx.Config.ValueMask())
	if taxid == 0 {
		return 0
	}
	return compacted<<uint(valueBits) | taxid
}

// classifyDirect fuses split+annotate+resolve for one read.
func classifyDirect(rec ReadRecord, dt *directTable, taxo *taxonomy.Taxonomy,
	confidence float64, minHitGroups int, counters report.TaxonCounters, countersMu *sync.Mutex) (string, bool) {
	meros := dt.idx.Meros
	var out splitOutput
	if err := scanRead(rec, 0, meros, &out); err != nil {
		// over-long read: emit it unclassified rather than dropping it
		return fmt.Sprintf("U\t%s\t0\t%d\t0:0", rec.ID, len(rec.Seq1)), false
	}
	meta := readMeta{
		id:     rec.ID,
		lenStr: fmt.Sprintf("%d", len(rec.Seq1)),
		kmers1: meros.WindowCount(len(rec.Seq1)),
		paired: rec.Paired,
	}
	if rec.Paired {
		meta.lenStr = fmt.Sprintf("%d|%d", len(rec.Seq1), len(rec.Seq2))
		meta.kmers2 = meros.WindowCount(len(rec.Seq2))
	}
	// re-parse the sidecar line the scan produced for the ambiguous spans
	fields := splitMapLine(out.mapLines)
	if len(fields) >= 5 {
		meta.spans = parseSpans(fields[4])
	}

	var rows []hitRecord
	for _, sr := range out.records {
		if cell := dt.lookup(sr.Key); cell != 0 {
			rows = append(rows, hitRecord{Serial: sr.Serial, KmerIdx: sr.KmerIdx, Cell: cell})
		}
	}
	valueMask := dt.idx.Config.ValueMask()
	return classifyRead(meta, rows, taxo, valueMask, confidence, minHitGroups, counters, countersMu)
}

func splitMapLine(line []byte) []string {
	s := string(line)
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	var fields []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\t' {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	return append(fields, s[start:])
}

// Direct runs classify with every page loaded into memory up front and the three
// stages fused in memory, per input unit.
func Direct(idx *Index, taxo *taxonomy.Taxonomy, opt DirectOptions) error {
	dt, err := loadDirectTable(idx)
	if err != nil {
		return err
	}
	units, err := inputUnits(SplitOptions{
		Paired:      opt.Paired,
		Interleaved: opt.Interleaved,
		InputFiles:  opt.InputFiles,
	})
	if err != nil {
		return err
	}

	totalCounters := make(report.TaxonCounters)
	var totalSeqs, totalUnclassified uint64

	for unitIdx, unit := range units {
		counters := make(report.TaxonCounters)
		seqs, classified, err := directOneUnit(dt, taxo, opt, unitIdx+1, unit, counters)
		if err != nil {
			return err
		}
		totalSeqs += seqs
		totalUnclassified += seqs - classified
		counters.MergeInto(totalCounters)

		if opt.OutputDir != "" {
			ropt := ResolveOptions{
				OutputDir:        opt.OutputDir,
				ReportZeroCounts: opt.ReportZeroCounts,
				ReportKmerData:   opt.ReportKmerData,
				MpaStyle:         opt.MpaStyle,
			}
			if err := writeReports(ropt, taxo, counters, seqs, seqs-classified, unitIdx+1); err != nil {
				return err
			}
		}
	}
	fmt.Printf("[Direct] %d reads, %d classified\n", totalSeqs, totalSeqs-totalUnclassified)
	return nil
}

func directOneUnit(dt *directTable, taxo *taxonomy.Taxonomy, opt DirectOptions,
	fileIdx int, unit [2]string, counters report.TaxonCounters) (seqs, classified uint64, err error) {
	rs, err := openReadStream(unit[0], unit[1], opt.Interleaved, opt.MinQuality)
	if err != nil {
		return 0, 0, err
	}
	defer rs.Close()

	out, closer, err := openOutput(opt.OutputDir, fmt.Sprintf("output_%d.txt", fileIdx))
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if cerr := closer(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var countersMu sync.Mutex

	type numberedBatch struct {
		seq   int
		reads []ReadRecord
	}
	type batchResult struct {
		seq        int
		lines      []string
		classified uint64
	}
	batches := make(chan numberedBatch, opt.Threads)
	results := make(chan batchResult, opt.Threads)

	var wg sync.WaitGroup
	for w := 0; w < opt.Threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				res := batchResult{seq: batch.seq, lines: make([]string, len(batch.reads))}
				for i, rec := range batch.reads {
					line, ok := classifyDirect(rec, dt, taxo, opt.Confidence, opt.MinimumHitGroups, counters, &countersMu)
					res.lines[i] = line
					if ok {
						res.classified++
					}
				}
				results <- res
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var readErr error
	go func() {
		defer close(batches)
		seq := 0
		batch := make([]ReadRecord, 0, opt.BatchSize)
		for {
			rec, err := rs.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				break
			}
			batch = append(batch, rec)
			if len(batch) >= opt.BatchSize {
				batches <- numberedBatch{seq, batch}
				seq++
				batch = make([]ReadRecord, 0, opt.BatchSize)
			}
		}
		if len(batch) > 0 {
			batches <- numberedBatch{seq, batch}
		}
	}()

	// strict input order: results reassemble by batch sequence before any
	// line is written
	var all []batchResult
	for res := range results {
		all = append(all, res)
		seqs += uint64(len(res.lines))
		classified += res.classified
	}
	if readErr != nil {
		return seqs, classified, readErr
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	for _, res := range all {
		for _, line := range res.lines {
			if _, werr := fmt.Fprintln(out, line); werr != nil {
				return seqs, classified, werr
			}
		}
	}
	return seqs, classified, nil
}
