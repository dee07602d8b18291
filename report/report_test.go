package report

import (
	"bytes"
	"strings"
	"testing"

	"kunpeng/taxonomy"
)

// fixture tree in BFS layout:
//
//	1 root
//	├── 2 Bacteria (superkingdom, ext 10)
//	│   ├── 4 Escherichia (genus, ext 100)
//	│   └── 5 Salmonella (genus, ext 200)
//	└── 3 unranked clade (ext 20)
func fixtureTaxonomy() *taxonomy.Taxonomy {
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
	var names, ranks bytes.Buffer
	add := func(buf *bytes.Buffer, s string) uint64 {
		off := uint64(buf.Len())
		buf.WriteString(s)
		buf.WriteByte(0)
		return off
	}
	t.Nodes[1].NameOffset = add(&names, "root")
	t.Nodes[2].NameOffset = add(&names, "Bacteria")
	t.Nodes[3].NameOffset = add(&names, "environmental samples")
	t.Nodes[4].NameOffset = add(&names, "Escherichia")
	t.Nodes[5].NameOffset = add(&names, "Salmonella")
	noRank := add(&ranks, "no rank")
	superkingdom := add(&ranks, "superkingdom")
	genus := add(&ranks, "genus")
	t.Nodes[1].RankOffset = noRank
	t.Nodes[2].RankOffset = superkingdom
	t.Nodes[3].RankOffset = noRank
	t.Nodes[4].RankOffset = genus
	t.Nodes[5].RankOffset = genus
	t.NameData = names.Bytes()
	t.RankData = ranks.Bytes()
	return t
}

func TestCladeCounters(t *testing.T) {
	taxo := fixtureTaxonomy()
	direct := make(TaxonCounters)
	for i := 0; i < 6; i++ {
		direct.Get(4).AddRead()
	}
	for i := 0; i < 4; i++ {
		direct.Get(5).AddRead()
	}
	clade := CladeCounters(taxo, direct)
	if clade[4].Reads != 6 || clade[5].Reads != 4 {
		t.Fatalf("leaf clade counts: %d %d", clade[4].Reads, clade[5].Reads)
	}
	if clade[2].Reads != 10 || clade[1].Reads != 10 {
		t.Fatalf("rolled-up counts: genus-parent %d root %d", clade[2].Reads, clade[1].Reads)
	}
}

func TestKrakenStyleReport(t *testing.T) {
	taxo := fixtureTaxonomy()
	direct := make(TaxonCounters)
	for i := 0; i < 6; i++ {
		direct.Get(4).AddRead()
	}
	for i := 0; i < 3; i++ {
		direct.Get(5).AddRead()
	}
	var buf bytes.Buffer
	if err := WriteKrakenStyle(&buf, taxo, direct, 10, 1, false, false); err != nil {
		t.Fatal(err)
	}
	// unclassified, root, Bacteria, Escherichia, Salmonella; node 3 has no
	// reads and stays hidden without -z
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}

	// unclassified first
	f := strings.Split(lines[0], "\t")
	if f[3] != "U" || f[4] != "0" || strings.TrimSpace(f[0]) != "10.00" {
		t.Fatalf("unclassified line = %q", lines[0])
	}
	// root next, 90%
	f = strings.Split(lines[1], "\t")
	if f[3] != "R" || f[4] != "1" || strings.TrimSpace(f[0]) != "90.00" {
		t.Fatalf("root line = %q", lines[1])
	}
	// superkingdom with D code, indented one level
	f = strings.Split(lines[2], "\t")
	if f[3] != "D" || f[4] != "10" || !strings.HasPrefix(f[5], "  Bacteria") {
		t.Fatalf("superkingdom line = %q", lines[2])
	}
	// children ordered by clade count: Escherichia (6) before Salmonella (3)
	f = strings.Split(lines[3], "\t")
	if f[3] != "G" || f[4] != "100" || f[1] != "6" || !strings.HasPrefix(f[5], "    Escherichia") {
		t.Fatalf("genus line = %q", lines[3])
	}
	f = strings.Split(lines[4], "\t")
	if f[4] != "200" || f[1] != "3" {
		t.Fatalf("second genus line = %q", lines[4])
	}
}

func TestKrakenStyleIntermediateRankCode(t *testing.T) {
	taxo := fixtureTaxonomy()
	direct := make(TaxonCounters)
	direct.Get(3).AddRead()
	var buf bytes.Buffer
	if err := WriteKrakenStyle(&buf, taxo, direct, 1, 0, false, false); err != nil {
		t.Fatal(err)
	}
	// node 3 has no named rank below root: code R1
	if !strings.Contains(buf.String(), "\tR1\t20\t") {
		t.Fatalf("intermediate rank code missing:\n%s", buf.String())
	}
}

func TestKmerDataColumns(t *testing.T) {
	taxo := fixtureTaxonomy()
	direct := make(TaxonCounters)
	rc := direct.Get(4)
	rc.AddRead()
	rc.AddKmer(111)
	rc.AddKmer(111)
	rc.AddKmer(222)
	var buf bytes.Buffer
	if err := WriteKrakenStyle(&buf, taxo, direct, 1, 0, false, true); err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		f := strings.Split(line, "\t")
		if f[6] == "100" {
			if f[3] != "3" || f[4] != "2" {
				t.Fatalf("kmer columns = %v", f)
			}
			return
		}
	}
	t.Fatal("Escherichia line not found")
}

func TestMpaStyle(t *testing.T) {
	taxo := fixtureTaxonomy()
	direct := make(TaxonCounters)
	for i := 0; i < 5; i++ {
		direct.Get(4).AddRead()
	}
	var buf bytes.Buffer
	if err := WriteMpaStyle(&buf, taxo, direct, false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "d__Bacteria\t5") {
		t.Fatalf("domain line missing:\n%s", out)
	}
	if !strings.Contains(out, "d__Bacteria|g__Escherichia\t5") {
		t.Fatalf("lineage line missing:\n%s", out)
	}
	if strings.Contains(out, "Salmonella") {
		t.Fatal("zero-count taxon reported without -z")
	}
}
