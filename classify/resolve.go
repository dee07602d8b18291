package classify

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"kunpeng/report"
	"kunpeng/taxonomy"
	"kunpeng/utils"
)

// ambiguousMarker fills taxa slots for windows overlapping an N or a
// quality-masked base.
const ambiguousMarker = ^uint32(0)

// ResolveOptions configures the resolve stage.
type ResolveOptions struct {
	ChunkDir         string
	OutputDir        string
	Confidence       float64
	MinimumHitGroups int
	ReportZeroCounts bool
	ReportKmerData   bool
	MpaStyle         bool
	Threads          int
}

type readMeta struct {
	id     string
	lenStr string
	kmers1 int
	kmers2 int
	paired bool
	spans  []ambigSpan
}

func (m readMeta) totalKmers() int { return m.kmers1 + m.kmers2 }

// loadIDMap parses one sidecar map written by the split stage.
func loadIDMap(path string) (map[uint32]readMeta, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	metas := make(map[uint32]readMeta)
	scanner := bufio.NewScanner(fp)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 5 {
			continue
		}
		serial, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		meta := readMeta{id: fields[1], lenStr: fields[2], spans: parseSpans(fields[4])}
		kmers := strings.Split(fields[3], "|")
		meta.kmers1, _ = strconv.Atoi(kmers[0])
		if len(kmers) > 1 {
			meta.kmers2, _ = strconv.Atoi(kmers[1])
			meta.paired = true
		}
		metas[uint32(serial)] = meta
	}
	return metas, scanner.Err()
}

// loadHits reads one per-file hit file into serial-keyed row lists.
func loadHits(path string) (map[uint32][]hitRecord, error) {
	hits := make(map[uint32][]hitRecord)
	fp, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hits, nil
		}
		return nil, err
	}
	defer fp.Close()
	reader := bufio.NewReaderSize(fp, 1<<20)
	var buf [hitRecordLen]byte
	for {
		if _, err := io.ReadFull(reader, buf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", utils.ErrShortRead, err)
		}
		hit := hitRecord{
			Serial:  binary.LittleEndian.Uint32(buf[0:]),
			KmerIdx: binary.LittleEndian.Uint16(buf[4:]),
			FileIdx: binary.LittleEndian.Uint16(buf[6:]),
			Cell:    binary.LittleEndian.Uint32(buf[8:]),
		}
		hits[hit.Serial] = append(hits[hit.Serial], hit)
	}
	return hits, nil
}

// resolveTree picks the call for one read: each candidate's score is the
// sum of hits on it and its ancestors, ties collapse to the LCA, then the
// confidence loop climbs toward the root until the clade score clears the
// required fraction of non-ambiguous k-mers.
func resolveTree(counts map[uint32]uint64, taxo *taxonomy.Taxonomy, totalMinimizers int, confidence float64) uint32 {
	required := uint64(math.Ceil(confidence * float64(totalMinimizers)))

	var maxTaxon uint32
	var maxScore uint64
	for taxon := range counts {
		var score uint64
		for taxon2, count2 := range counts {
			if taxo.IsAncestor(uint64(taxon2), uint64(taxon)) {
				score += count2
			}
		}
		if score > maxScore {
			maxScore = score
			maxTaxon = taxon
		} else if score == maxScore && maxTaxon != 0 {
			maxTaxon = uint32(taxo.LCA(uint64(maxTaxon), uint64(taxon)))
		}
	}

	maxScore = counts[maxTaxon]
	for maxTaxon != 0 && maxScore < required {
		maxScore = 0
		for taxon, count := range counts {
			if taxo.IsAncestor(uint64(maxTaxon), uint64(taxon)) {
				maxScore += count
			}
		}
		if maxScore >= required {
			break
		}
		maxTaxon = uint32(taxo.Nodes[maxTaxon].Parent)
	}
	return maxTaxon
}

// buildTaxaSequence lays the per-window taxid list out in window order:
// misses stay 0, ambiguous spans get the marker, hits land at their index.
func buildTaxaSequence(meta readMeta, rows []hitRecord, valueMask uint32) []uint32 {
	taxa := make([]uint32, meta.totalKmers())
	for _, span := range meta.spans {
		for i := 0; i < span.Len && span.Start+i < len(taxa); i++ {
			taxa[span.Start+i] = ambiguousMarker
		}
	}
	for _, row := range rows {
		if int(row.KmerIdx) < len(taxa) {
			taxa[row.KmerIdx] = row.Cell & valueMask
		}
	}
	return taxa
}

// hitGroups counts maximal runs of consecutive windows mapped to the same
// non-zero taxon.
func hitGroups(taxa []uint32) int {
	groups := 0
	var last uint32
	for _, t := range taxa {
		if t != 0 && t != ambiguousMarker && t != last {
			groups++
		}
		last = t
	}
	return groups
}

func rleToken(t uint32, taxo *taxonomy.Taxonomy) string {
	switch t {
	case ambiguousMarker:
		return "A"
	case 0:
		return "0"
	}
	return strconv.FormatUint(taxo.ExternalID(uint64(t)), 10)
}

// rleString renders one mate's window taxa as Kraken's taxid:count tokens.
func rleString(taxa []uint32, taxo *taxonomy.Taxonomy) string {
	if len(taxa) == 0 {
		return "0:0"
	}
	var sb strings.Builder
	runStart := 0
	for i := 1; i <= len(taxa); i++ {
		if i < len(taxa) && taxa[i] == taxa[runStart] {
			continue
		}
		if runStart > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(rleToken(taxa[runStart], taxo))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(i - runStart))
		runStart = i
	}
	return sb.String()
}

// classifyRead runs the per-read resolution and renders the output line.
func classifyRead(meta readMeta, rows []hitRecord, taxo *taxonomy.Taxonomy, valueMask uint32,
	confidence float64, minHitGroups int, counters report.TaxonCounters, countersMu *sync.Mutex) (line string, classified bool) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].KmerIdx < rows[j].KmerIdx })
	taxa := buildTaxaSequence(meta, rows, valueMask)

	counts := make(map[uint32]uint64)
	ambiguous := 0
	for _, t := range taxa {
		switch t {
		case 0:
		case ambiguousMarker:
			ambiguous++
		default:
			counts[t]++
		}
	}
	nonAmbiguous := len(taxa) - ambiguous

	call := resolveTree(counts, taxo, nonAmbiguous, confidence)
	if call > 0 && hitGroups(taxa) < minHitGroups {
		call = 0
	}

	hitStr := rleString(taxa[:meta.kmers1], taxo)
	if meta.paired {
		hitStr = hitStr + " |:| " + rleString(taxa[meta.kmers1:], taxo)
	}

	countersMu.Lock()
	if call > 0 {
		counters.Get(uint64(call)).AddRead()
	}
	for _, row := range rows {
		taxid := row.Cell & valueMask
		counters.Get(uint64(taxid)).AddKmer(uint64(row.Cell))
	}
	countersMu.Unlock()

	status := "U"
	if call > 0 {
		status = "C"
	}
	extCall := taxo.ExternalID(uint64(call))
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s", status, meta.id, extCall, meta.lenStr, hitStr), call > 0
}

// Resolve runs stage C8 over every split input file, emitting Kraken lines
// in strict input order plus the per-file kreport2.
func Resolve(idx *Index, taxo *taxonomy.Taxonomy, opt ResolveOptions) error {
	idMapFiles, err := utils.FindSortedFiles(opt.ChunkDir, IDMapPrefix, IDMapSuffix)
	if err != nil {
		return err
	}
	if len(idMapFiles) == 0 {
		return fmt.Errorf("[Resolve] no %s_*%s files under %v", IDMapPrefix, IDMapSuffix, opt.ChunkDir)
	}
	valueMask := idx.Config.ValueMask()
	totalCounters := make(report.TaxonCounters)
	var totalSeqs, totalUnclassified uint64

	for fileNum, idMapFile := range idMapFiles {
		fileIdx := fileNum + 1
		metas, err := loadIDMap(idMapFile)
		if err != nil {
			return err
		}
		hits, err := loadHits(filepath.Join(opt.ChunkDir, fmt.Sprintf("%s_%d%s", HitPrefix, fileIdx, HitSuffix)))
		if err != nil {
			return err
		}

		serials := make([]uint32, 0, len(metas))
		for serial := range metas {
			serials = append(serials, serial)
		}
		sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })

		lines := make([]string, len(serials))
		classifiedFlags := make([]bool, len(serials))
		counters := make(report.TaxonCounters)
		var countersMu sync.Mutex

		var wg sync.WaitGroup
		per := (len(serials) + opt.Threads - 1) / opt.Threads
		for w := 0; w < opt.Threads; w++ {
			lo := w * per
			hi := utils.MinInt(lo+per, len(serials))
			if lo >= hi {
				continue
			}
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				for i := lo; i < hi; i++ {
					serial := serials[i]
					lines[i], classifiedFlags[i] = classifyRead(metas[serial], hits[serial], taxo, valueMask,
						opt.Confidence, opt.MinimumHitGroups, counters, &countersMu)
				}
			}(lo, hi)
		}
		wg.Wait()

		out, closer, err := openOutput(opt.OutputDir, fmt.Sprintf("output_%d.txt", fileIdx))
		if err != nil {
			return err
		}
		classified := uint64(0)
		for i, line := range lines {
			if _, err := fmt.Fprintln(out, line); err != nil {
				closer()
				return err
			}
			if classifiedFlags[i] {
				classified++
			}
		}
		if err := closer(); err != nil {
			return err
		}

		seqs := uint64(len(serials))
		unclassified := seqs - classified
		totalSeqs += seqs
		totalUnclassified += unclassified
		counters.MergeInto(totalCounters)

		if opt.OutputDir != "" {
			if err := writeReports(opt, taxo, counters, seqs, unclassified, fileIdx); err != nil {
				return err
			}
		}
		fmt.Printf("[Resolve] file %d: %d reads, %d classified\n", fileIdx, seqs, classified)
	}

	if opt.OutputDir != "" && len(idMapFiles) > 1 {
		fp, err := os.Create(filepath.Join(opt.OutputDir, "output.kreport2"))
		if err != nil {
			return err
		}
		defer fp.Close()
		w := bufio.NewWriter(fp)
		if err := report.WriteKrakenStyle(w, taxo, totalCounters, totalSeqs, totalUnclassified,
			opt.ReportZeroCounts, opt.ReportKmerData); err != nil {
			return err
		}
		return w.Flush()
	}
	return nil
}

func writeReports(opt ResolveOptions, taxo *taxonomy.Taxonomy, counters report.TaxonCounters,
	seqs, unclassified uint64, fileIdx int) error {
	fp, err := os.Create(filepath.Join(opt.OutputDir, fmt.Sprintf("output_%d.kreport2", fileIdx)))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fp)
	if err := report.WriteKrakenStyle(w, taxo, counters, seqs, unclassified,
		opt.ReportZeroCounts, opt.ReportKmerData); err != nil {
		fp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		fp.Close()
		return err
	}
	if err := fp.Close(); err != nil {
		return err
	}
	if !opt.MpaStyle {
		return nil
	}
	mp, err := os.Create(filepath.Join(opt.OutputDir, fmt.Sprintf("output_%d.mpa", fileIdx)))
	if err != nil {
		return err
	}
	defer mp.Close()
	mw := bufio.NewWriter(mp)
	if err := report.WriteMpaStyle(mw, taxo, counters, opt.ReportZeroCounts); err != nil {
		return err
	}
	return mw.Flush()
}

func openOutput(outputDir, name string) (io.Writer, func() error, error) {
	if outputDir == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, nil, err
	}
	fp, err := os.Create(filepath.Join(outputDir, name))
	if err != nil {
		return nil, nil, err
	}
	w := bufio.NewWriterSize(fp, 1<<20)
	return w, func() error {
		if err := w.Flush(); err != nil {
			fp.Close()
			return err
		}
		return fp.Close()
	}, nil
}
