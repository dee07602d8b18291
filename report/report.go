// Package report aggregates per-taxon read counts and renders the
// Kraken-style kreport2 and mpa summaries.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"kunpeng/hllp"
	"kunpeng/taxonomy"
)

// ReadCounter tracks the reads and k-mers attributed to one taxon. The
// distinct-k-mer figure is sketched, not exact, matching the `-K` report
// column semantics.
type ReadCounter struct {
	Reads    uint64
	Kmers    uint64
	distinct *hllp.Sketch
}

func NewReadCounter() *ReadCounter {
	sketch, _ := hllp.New(10)
	return &ReadCounter{distinct: sketch}
}

func (rc *ReadCounter) AddRead() { rc.Reads++ }

func (rc *ReadCounter) AddKmer(key uint64) {
	rc.Kmers++
	rc.distinct.Insert(key)
}

func (rc *ReadCounter) DistinctKmers() uint64 {
	if rc.distinct == nil {
		return 0
	}
	return rc.distinct.Cardinality()
}

func (rc *ReadCounter) Merge(other *ReadCounter) {
	rc.Reads += other.Reads
	rc.Kmers += other.Kmers
	if rc.distinct != nil && other.distinct != nil {
		rc.distinct.Merge(other.distinct)
	}
}

// TaxonCounters maps internal taxid to its counter.
type TaxonCounters map[uint64]*ReadCounter

func (tc TaxonCounters) Get(taxid uint64) *ReadCounter {
	rc, ok := tc[taxid]
	if !ok {
		rc = NewReadCounter()
		tc[taxid] = rc
	}
	return rc
}

func (tc TaxonCounters) MergeInto(total TaxonCounters) {
	for taxid, rc := range tc {
		total.Get(taxid).Merge(rc)
	}
}

// CladeCounters rolls direct counters up the tree: every ancestor's clade
// counter absorbs each descendant's direct counter.
func CladeCounters(taxo *taxonomy.Taxonomy, direct TaxonCounters) TaxonCounters {
	clade := make(TaxonCounters, len(direct))
	for taxid, rc := range direct {
		cur := taxid
		for cur != 0 {
			clade.Get(cur).Merge(rc)
			cur = taxo.Nodes[cur].Parent
		}
	}
	return clade
}

func rankCode(rank string) (byte, bool) {
	switch rank {
	case "superkingdom":
		return 'D', true
	case "kingdom":
		return 'K', true
	case "phylum":
		return 'P', true
	case "class":
		return 'C', true
	case "order":
		return 'O', true
	case "family":
		return 'F', true
	case "genus":
		return 'G', true
	case "species":
		return 'S', true
	}
	return 0, false
}

func writeReportLine(w io.Writer, kmerData bool, totalSeqs uint64, clade, direct *ReadCounter,
	rankStr string, extID uint64, name string, depth int) error {
	pct := 0.0
	if totalSeqs > 0 {
		pct = 100.0 * float64(clade.Reads) / float64(totalSeqs)
	}
	if _, err := fmt.Fprintf(w, "%6.2f\t%d\t%d", pct, clade.Reads, direct.Reads); err != nil {
		return err
	}
	if kmerData {
		if _, err := fmt.Fprintf(w, "\t%d\t%d", clade.Kmers, clade.DistinctKmers()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\t%s\t%d\t%s%s\n", rankStr, extID, strings.Repeat("  ", depth), name)
	return err
}

func krakenReportDFS(w io.Writer, taxo *taxonomy.Taxonomy, taxid uint64,
	clade, direct TaxonCounters, totalSeqs uint64,
	reportZeros, kmerData bool, rankCodeCh byte, rankDepth, depth int) error {
	cladeRC, ok := clade[taxid]
	if !ok {
		if !reportZeros {
			return nil
		}
		cladeRC = NewReadCounter()
	}
	if !reportZeros && cladeRC.Reads == 0 {
		return nil
	}
	node := taxo.Nodes[taxid]

	if code, ok := rankCode(taxo.Rank(taxid)); ok {
		rankCodeCh, rankDepth = code, 0
	} else {
		rankDepth++
	}
	rankStr := string(rankCodeCh)
	if rankDepth > 0 {
		rankStr = fmt.Sprintf("%c%d", rankCodeCh, rankDepth)
	}

	directRC, ok := direct[taxid]
	if !ok {
		directRC = NewReadCounter()
	}
	if err := writeReportLine(w, kmerData, totalSeqs, cladeRC, directRC, rankStr, node.ExternalID, taxo.Name(taxid), depth); err != nil {
		return err
	}

	children := make([]uint64, node.ChildCount)
	for i := range children {
		children[i] = node.FirstChild + uint64(i)
	}
	sort.Slice(children, func(i, j int) bool {
		var a, b uint64
		if rc, ok := clade[children[i]]; ok {
			a = rc.Reads
		}
		if rc, ok := clade[children[j]]; ok {
			b = rc.Reads
		}
		return a > b
	})
	for _, child := range children {
		if err := krakenReportDFS(w, taxo, child, clade, direct, totalSeqs,
			reportZeros, kmerData, rankCodeCh, rankDepth, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// WriteKrakenStyle renders a kreport2. totalSeqs is classified plus
// unclassified; the unclassified pseudo-line comes first.
func WriteKrakenStyle(w io.Writer, taxo *taxonomy.Taxonomy, direct TaxonCounters,
	totalSeqs, totalUnclassified uint64, reportZeros, kmerData bool) error {
	clade := CladeCounters(taxo, direct)
	if totalUnclassified != 0 || reportZeros {
		rc := &ReadCounter{Reads: totalUnclassified}
		if err := writeReportLine(w, kmerData, totalSeqs, rc, rc, "U", 0, "unclassified", 0); err != nil {
			return err
		}
	}
	return krakenReportDFS(w, taxo, 1, clade, direct, totalSeqs, reportZeros, kmerData, 'R', -1, 0)
}

func mpaReportDFS(w io.Writer, taxo *taxonomy.Taxonomy, taxid uint64,
	clade TaxonCounters, reportZeros bool, lineage []string) error {
	cladeRC, ok := clade[taxid]
	if !ok && !reportZeros {
		return nil
	}
	var reads uint64
	if ok {
		reads = cladeRC.Reads
	}
	if !reportZeros && reads == 0 {
		return nil
	}
	node := taxo.Nodes[taxid]
	code, ranked := rankCode(taxo.Rank(taxid))
	if ranked {
		lower := code + 'a' - 'A'
		lineage = append(lineage, fmt.Sprintf("%c__%s", lower, taxo.Name(taxid)))
		if _, err := fmt.Fprintf(w, "%s\t%d\n", strings.Join(lineage, "|"), reads); err != nil {
			return err
		}
	}
	children := make([]uint64, node.ChildCount)
	for i := range children {
		children[i] = node.FirstChild + uint64(i)
	}
	sort.Slice(children, func(i, j int) bool {
		var a, b uint64
		if rc, ok := clade[children[i]]; ok {
			a = rc.Reads
		}
		if rc, ok := clade[children[j]]; ok {
			b = rc.Reads
		}
		return a > b
	})
	for _, child := range children {
		if err := mpaReportDFS(w, taxo, child, clade, reportZeros, lineage); err != nil {
			return err
		}
	}
	return nil
}

// WriteMpaStyle renders the pipe-separated lineage summary.
func WriteMpaStyle(w io.Writer, taxo *taxonomy.Taxonomy, direct TaxonCounters, reportZeros bool) error {
	clade := CladeCounters(taxo, direct)
	return mpaReportDFS(w, taxo, 1, clade, reportZeros, nil)
}
