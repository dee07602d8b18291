package classify

import (
	"strings"
	"sync"
	"testing"

	"kunpeng/report"
	"kunpeng/taxonomy"
)

// micro tree, internal ids in BFS order:
//
//	1 root (ext 1)
//	├── 2 genus A (ext 10)
//	│   ├── 4 species A1 (ext 100)
//	│   └── 5 species A2 (ext 200)
//	└── 3 genus B (ext 20)
func microTaxonomy() *taxonomy.Taxonomy {
	t := &taxonomy.Taxonomy{
		Nodes: []taxonomy.Node{
			{},
			{Parent: 0, FirstChild: 2, ChildCount: 2, ExternalID: 1},
			{Parent: 1, FirstChild: 4, ChildCount: 2, ExternalID: 10},
			{Parent: 1, FirstChild: 6, ChildCount: 0, ExternalID: 20},
			{Parent: 2, FirstChild: 6, ChildCount: 0, ExternalID: 100},
			{Parent: 2, FirstChild: 6, ChildCount: 0, ExternalID: 200},
		},
	}
	names := "root\x00A\x00B\x00A1\x00A2\x00"
	t.NameData = []byte(names)
	t.Nodes[1].NameOffset = 0
	t.Nodes[2].NameOffset = 5
	t.Nodes[3].NameOffset = 7
	t.Nodes[4].NameOffset = 9
	t.Nodes[5].NameOffset = 12
	ranks := "no rank\x00genus\x00species\x00"
	t.RankData = []byte(ranks)
	t.Nodes[2].RankOffset = 8
	t.Nodes[3].RankOffset = 8
	t.Nodes[4].RankOffset = 14
	t.Nodes[5].RankOffset = 14
	return t
}

func TestTrimPairInfo(t *testing.T) {
	if TrimPairInfo("read/1") != "read" || TrimPairInfo("read/2") != "read" {
		t.Fatal("mate suffix not trimmed")
	}
	if TrimPairInfo("r1") != "r1" || TrimPairInfo("read_1") != "read_1" {
		t.Fatal("over-trimming")
	}
}

func TestMaskLowQuality(t *testing.T) {
	seq := []byte("ACGT")
	qual := []byte{'!' + 30, '!' + 5, '!' + 30, '!' + 5}
	maskLowQuality(seq, qual, 10)
	if string(seq) != "AxGx" {
		t.Fatalf("masked = %s", seq)
	}
	seq2 := []byte("ACGT")
	maskLowQuality(seq2, qual, 0)
	if string(seq2) != "ACGT" {
		t.Fatal("minQuality 0 must not mask")
	}
}

func TestSpanRoundTrip(t *testing.T) {
	spans := []ambigSpan{{Start: 3, Len: 5}, {Start: 20, Len: 1}}
	got := parseSpans(formatSpans(spans))
	if len(got) != 2 || got[0] != spans[0] || got[1] != spans[1] {
		t.Fatalf("round trip = %v", got)
	}
	if parseSpans("-") != nil {
		t.Fatal("empty marker must parse to nil")
	}
	if formatSpans(nil) != "-" {
		t.Fatal("nil spans must format to the marker")
	}
}

func TestRleString(t *testing.T) {
	taxo := microTaxonomy()
	taxa := []uint32{4, 4, 0, 0, 0, ambiguousMarker, ambiguousMarker, 5}
	got := rleString(taxa, taxo)
	if got != "100:2 0:3 A:2 200:1" {
		t.Fatalf("rle = %q", got)
	}
	if rleString(nil, taxo) != "0:0" {
		t.Fatal("empty sequence must render 0:0")
	}
}

func TestHitGroups(t *testing.T) {
	cases := []struct {
		taxa []uint32
		want int
	}{
		{[]uint32{0, 0, 0}, 0},
		{[]uint32{4, 4, 4}, 1},
		{[]uint32{4, 0, 4}, 2},
		{[]uint32{4, 5, 5, 0, 4}, 3},
		{[]uint32{ambiguousMarker, 4, ambiguousMarker}, 1},
	}
	for i, tc := range cases {
		if got := hitGroups(tc.taxa); got != tc.want {
			t.Fatalf("case %d: hit groups = %d, want %d", i, got, tc.want)
		}
	}
}

func TestResolveTreeDominant(t *testing.T) {
	taxo := microTaxonomy()
	counts := map[uint32]uint64{4: 40, 5: 2}
	if got := resolveTree(counts, taxo, 50, 0.0); got != 4 {
		t.Fatalf("call = %d, want species A1 (4)", got)
	}
}

func TestResolveTreeTieLCA(t *testing.T) {
	taxo := microTaxonomy()
	// equal scores on sibling species collapse to their genus
	counts := map[uint32]uint64{4: 33, 5: 33}
	if got := resolveTree(counts, taxo, 66, 0.0); got != 2 {
		t.Fatalf("call = %d, want genus A (2)", got)
	}
	// ... and across genera to the root
	counts = map[uint32]uint64{4: 33, 3: 33}
	if got := resolveTree(counts, taxo, 66, 0.0); got != 1 {
		t.Fatalf("call = %d, want root", got)
	}
}

func TestResolveTreeAncestorSupport(t *testing.T) {
	taxo := microTaxonomy()
	// hits on the genus support the species beneath it
	counts := map[uint32]uint64{2: 10, 4: 5}
	if got := resolveTree(counts, taxo, 15, 0.0); got != 4 {
		t.Fatalf("call = %d, want species supported by its genus", got)
	}
}

func TestResolveTreeConfidenceClimb(t *testing.T) {
	taxo := microTaxonomy()
	// 40 of 50 k-mers hit species A1: confidence 0.8
	counts := map[uint32]uint64{4: 40}
	if got := resolveTree(counts, taxo, 50, 0.5); got != 4 {
		t.Fatalf("T=0.5: call = %d, want 4", got)
	}
	if got := resolveTree(counts, taxo, 50, 0.9); got != 0 {
		t.Fatalf("T=0.9: call = %d, want unclassified", got)
	}
	// split hits climb until the clade clears the bar
	counts = map[uint32]uint64{4: 20, 5: 20}
	if got := resolveTree(counts, taxo, 50, 0.7); got != 2 {
		t.Fatalf("climbing call = %d, want genus A", got)
	}
}

func TestResolveTreeEmpty(t *testing.T) {
	taxo := microTaxonomy()
	if got := resolveTree(map[uint32]uint64{}, taxo, 0, 0.0); got != 0 {
		t.Fatalf("no hits must stay unclassified, got %d", got)
	}
}

func classifyOne(t *testing.T, meta readMeta, rows []hitRecord, confidence float64, minHitGroups int) (string, bool) {
	t.Helper()
	taxo := microTaxonomy()
	counters := make(report.TaxonCounters)
	var mu sync.Mutex
	return classifyRead(meta, rows, taxo, 0xFFFF, confidence, minHitGroups, counters, &mu)
}

func hitRows(taxid uint32, idxs ...int) []hitRecord {
	rows := make([]hitRecord, len(idxs))
	for i, idx := range idxs {
		rows[i] = hitRecord{Serial: 1, KmerIdx: uint16(idx), Cell: taxid}
	}
	return rows
}

func TestClassifyReadSingleHitGroupGate(t *testing.T) {
	meta := readMeta{id: "r1", lenStr: "100", kmers1: 66}
	rows := hitRows(4, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	line, ok := classifyOne(t, meta, rows, 0.0, 2)
	if ok || !strings.HasPrefix(line, "U\tr1\t0\t100\t") {
		t.Fatalf("-g 2 with one hit group must be unclassified: %q", line)
	}
	line, ok = classifyOne(t, meta, rows, 0.0, 1)
	if !ok || !strings.HasPrefix(line, "C\tr1\t100\t100\t") {
		t.Fatalf("-g 1 must classify: %q", line)
	}
}

func TestClassifyReadIdenticalSequence(t *testing.T) {
	// a read identical to reference A1: every window hits
	meta := readMeta{id: "r1", lenStr: "100", kmers1: 66}
	idxs := make([]int, 66)
	for i := range idxs {
		idxs[i] = i
	}
	line, ok := classifyOne(t, meta, hitRows(4, idxs...), 0.0, 1)
	if !ok {
		t.Fatal("expected classified")
	}
	if line != "C\tr1\t100\t100\t100:66" {
		t.Fatalf("line = %q", line)
	}
}

func TestClassifyReadChimera(t *testing.T) {
	// half the windows hit species A1, half species A2: the call lands on
	// their genus with two hit groups
	meta := readMeta{id: "r2", lenStr: "100", kmers1: 66}
	var rows []hitRecord
	for i := 0; i < 33; i++ {
		rows = append(rows, hitRecord{Serial: 1, KmerIdx: uint16(i), Cell: 4})
	}
	for i := 33; i < 66; i++ {
		rows = append(rows, hitRecord{Serial: 1, KmerIdx: uint16(i), Cell: 5})
	}
	line, ok := classifyOne(t, meta, rows, 0.0, 2)
	if !ok {
		t.Fatal("chimera with two hit groups must classify")
	}
	if line != "C\tr2\t10\t100\t100:33 200:33" {
		t.Fatalf("line = %q", line)
	}
}

func TestClassifyReadPairedLayout(t *testing.T) {
	meta := readMeta{id: "p1", lenStr: "50|50", kmers1: 16, kmers2: 16, paired: true}
	rows := append(hitRows(4, 0, 1, 2), hitRecord{Serial: 1, KmerIdx: 20, Cell: 4})
	line, _ := classifyOne(t, meta, rows, 0.0, 1)
	if !strings.Contains(line, " |:| ") {
		t.Fatalf("paired line missing separator: %q", line)
	}
	parts := strings.Split(strings.Split(line, "\t")[4], " |:| ")
	if parts[0] != "100:3 0:13" {
		t.Fatalf("mate1 rle = %q", parts[0])
	}
	if parts[1] != "0:4 100:1 0:11" {
		t.Fatalf("mate2 rle = %q", parts[1])
	}
}

func TestClassifyReadAllAmbiguous(t *testing.T) {
	meta := readMeta{id: "rn", lenStr: "74", kmers1: 40, spans: []ambigSpan{{Start: 0, Len: 40}}}
	line, ok := classifyOne(t, meta, nil, 0.0, 1)
	if ok {
		t.Fatal("all-N read must be unclassified")
	}
	if !strings.HasSuffix(line, "\tA:40") {
		t.Fatalf("line = %q", line)
	}
}

func TestClassifyReadShorterThanK(t *testing.T) {
	meta := readMeta{id: "tiny", lenStr: "10", kmers1: 0}
	line, ok := classifyOne(t, meta, nil, 0.0, 1)
	if ok {
		t.Fatal("read shorter than k must be unclassified")
	}
	if line != "U\ttiny\t0\t10\t0:0" {
		t.Fatalf("line = %q", line)
	}
}

func TestClassifyReadConfidence(t *testing.T) {
	// 40 of 50 k-mers hit: confidence 0.8
	meta := readMeta{id: "rc", lenStr: "84", kmers1: 50}
	idxs := make([]int, 40)
	for i := range idxs {
		idxs[i] = i
	}
	rows := hitRows(4, idxs...)
	if _, ok := classifyOne(t, meta, rows, 0.9, 1); ok {
		t.Fatal("confidence 0.8 must fail a 0.9 threshold")
	}
	line, ok := classifyOne(t, meta, rows, 0.5, 1)
	if !ok || !strings.HasPrefix(line, "C\trc\t100\t") {
		t.Fatalf("confidence 0.8 must pass a 0.5 threshold: %q", line)
	}
}
