package compacthash

import (
	"errors"
	"path/filepath"
	"testing"

	"kunpeng/utils"
)

const testValueBits = 12

func testLCA(a, b uint32) uint32 {
	if a == b {
		return a
	}
	return 1 // micro-tree: everything meets at the root
}

func TestCellCodecRoundTrip(t *testing.T) {
	mask := uint32(1)<<testValueBits - 1
	keys := []uint64{0x123456789abcdef0, 0xffffffffffffffff, 1 << 44, 42}
	for _, key := range keys {
		for _, taxid := range []uint32{1, 7, mask} {
			cell := CompactCell(key, testValueBits, taxid)
			if CellTaxid(cell, mask) != taxid {
				t.Fatalf("taxid lost: key %x taxid %d", key, taxid)
			}
			if CellFingerprint(cell, testValueBits) != CompactedKey(key, testValueBits) {
				t.Fatalf("fingerprint lost: key %x", key)
			}
		}
	}
}

func TestShardOfPartition(t *testing.T) {
	hc := NewHashConfig(1, 1000, testValueBits, 0, 4, 250)
	for key := uint64(0); key < 5000; key += 13 {
		shard, local := hc.ShardOf(key)
		if shard < 0 || shard >= hc.Partition {
			t.Fatalf("key %d: shard %d out of range", key, shard)
		}
		if local < 0 || local >= hc.HashCapacity {
			t.Fatalf("key %d: local idx %d out of range", key, local)
		}
		if shard*hc.HashCapacity+local != hc.Index(key) {
			t.Fatalf("key %d: shard/local do not recompose the global index", key)
		}
	}
}

func TestPageCapacityShortLastShard(t *testing.T) {
	hc := NewHashConfig(1, 1000, testValueBits, 0, 3, 400)
	if hc.PageCapacity(0) != 400 || hc.PageCapacity(1) != 400 || hc.PageCapacity(2) != 200 {
		t.Fatalf("page capacities = %d %d %d", hc.PageCapacity(0), hc.PageCapacity(1), hc.PageCapacity(2))
	}
}

func TestInsertLookup(t *testing.T) {
	b := NewPageBuilder(1, 64, testValueBits)
	mask := uint32(1)<<testValueBits - 1
	keys := map[uint64]uint32{
		0x00010000aaaa0000: 100,
		0x00020000bbbb0000: 200,
		0x00030000cccc0000: 300,
	}
	for key, taxid := range keys {
		if err := b.InsertOrMerge(int(key%64), CompactCell(key, testValueBits, taxid), testLCA); err != nil {
			t.Fatal(err)
		}
	}
	if b.Size != len(keys) {
		t.Fatalf("size = %d, want %d", b.Size, len(keys))
	}
	page := &Page{Index: 1, Capacity: 64, Data: b.Data, Wrap: true}
	for key, taxid := range keys {
		got := page.Find(int(key%64), CompactedKey(key, testValueBits), testValueBits, mask)
		if got != taxid {
			t.Fatalf("lookup key %x = %d, want %d", key, got, taxid)
		}
	}
	// a key never inserted misses
	if got := page.Find(11, CompactedKey(0x7777000000000000, testValueBits), testValueBits, mask); got != 0 {
		t.Fatalf("phantom hit %d", got)
	}
}

func TestInsertMergeLCA(t *testing.T) {
	b := NewPageBuilder(1, 16, testValueBits)
	mask := uint32(1)<<testValueBits - 1
	key := uint64(0x0005000012340000)
	if err := b.InsertOrMerge(3, CompactCell(key, testValueBits, 100), testLCA); err != nil {
		t.Fatal(err)
	}
	if err := b.InsertOrMerge(3, CompactCell(key, testValueBits, 200), testLCA); err != nil {
		t.Fatal(err)
	}
	if b.Size != 1 {
		t.Fatalf("merge must not grow the table, size = %d", b.Size)
	}
	page := &Page{Index: 1, Capacity: 16, Data: b.Data, Wrap: true}
	if got := page.Find(3, CompactedKey(key, testValueBits), testValueBits, mask); got != 1 {
		t.Fatalf("merged value = %d, want LCA 1", got)
	}
	// same taxid again is a no-op
	if err := b.InsertOrMerge(3, CompactCell(key, testValueBits, 1), testLCA); err != nil {
		t.Fatal(err)
	}
	if b.Size != 1 {
		t.Fatal("idempotent insert grew the table")
	}
}

func TestProbeCollisionChain(t *testing.T) {
	b := NewPageBuilder(1, 8, testValueBits)
	mask := uint32(1)<<testValueBits - 1
	// three distinct fingerprints all probing from slot 6: the chain must
	// wrap past the end of the page
	keys := []uint64{0x1111000000000000, 0x2222000000000000, 0x3333000000000000}
	for i, key := range keys {
		if err := b.InsertOrMerge(6, CompactCell(key, testValueBits, uint32(i+1)), testLCA); err != nil {
			t.Fatal(err)
		}
	}
	page := &Page{Index: 1, Capacity: 8, Data: b.Data, Wrap: true}
	for i, key := range keys {
		if got := page.Find(6, CompactedKey(key, testValueBits), testValueBits, mask); got != uint32(i+1) {
			t.Fatalf("chained key %d = %d, want %d", i, got, i+1)
		}
	}
	if b.Data[6] == 0 || b.Data[7] == 0 || b.Data[0] == 0 {
		t.Fatal("expected chain to occupy 6,7,0")
	}
}

func TestCapacityExhausted(t *testing.T) {
	b := NewPageBuilder(1, 4, testValueBits)
	for i := 0; i < 4; i++ {
		key := uint64(i+1) << 50
		if err := b.InsertOrMerge(0, CompactCell(key, testValueBits, uint32(i+1)), testLCA); err != nil {
			t.Fatal(err)
		}
	}
	key := uint64(99) << 50
	err := b.InsertOrMerge(0, CompactCell(key, testValueBits, 5), testLCA)
	if !errors.Is(err, utils.ErrCapacityExhausted) {
		t.Fatalf("err = %v, want ErrCapacityExhausted", err)
	}
}

func TestExactFillSucceeds(t *testing.T) {
	// load factor 1: filling every slot works as long as no probe wraps a
	// full circle
	b := NewPageBuilder(1, 4, testValueBits)
	mask := uint32(1)<<testValueBits - 1
	for i := 0; i < 4; i++ {
		key := uint64(i+1) << 50
		if err := b.InsertOrMerge(i, CompactCell(key, testValueBits, uint32(i+1)), testLCA); err != nil {
			t.Fatal(err)
		}
	}
	page := &Page{Index: 1, Capacity: 4, Data: b.Data, Wrap: true}
	for i := 0; i < 4; i++ {
		key := uint64(i+1) << 50
		if got := page.Find(i, CompactedKey(key, testValueBits), testValueBits, mask); got != uint32(i+1) {
			t.Fatalf("slot %d = %d", i, got)
		}
	}
}

func TestPageFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewPageBuilder(2, 32, testValueBits)
	mask := uint32(1)<<testValueBits - 1
	key := uint64(0xabcd00000000beef)
	if err := b.InsertOrMerge(5, CompactCell(key, testValueBits, 77), testLCA); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "hash_2.k2d")
	if err := b.WriteToFile(path); err != nil {
		t.Fatal(err)
	}
	page, err := LoadPage(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if page.Index != 2 || page.Capacity != 32 {
		t.Fatalf("header = %d/%d", page.Index, page.Capacity)
	}
	if got := page.Find(5, CompactedKey(key, testValueBits), testValueBits, mask); got != 77 {
		t.Fatalf("lookup after reload = %d", got)
	}
	if page.CountNonZero(mask) != b.Size {
		t.Fatalf("size invariant: %d vs %d", page.CountNonZero(mask), b.Size)
	}
}

func TestHashConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	hc := NewHashConfig(1, 1<<20, 17, 12345, 4, 1<<18)
	path := filepath.Join(dir, ConfigFileName)
	if err := hc.WriteToFile(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadHashConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != hc {
		t.Fatalf("round trip: %+v vs %+v", got, hc)
	}
}

func TestSpillPrefix(t *testing.T) {
	dir := t.TempDir()
	b := NewPageBuilder(3, 8, testValueBits)
	mask := uint32(1)<<testValueBits - 1
	// populate slots 0 and 1; slot 2 stays empty
	for i := 0; i < 2; i++ {
		key := uint64(i+1) << 50
		if err := b.InsertOrMerge(0, CompactCell(key, testValueBits, uint32(i+1)), testLCA); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "hash_3.k2d")
	if err := b.WriteToFile(path); err != nil {
		t.Fatal(err)
	}
	spill, err := LoadSpillPrefix(path, mask)
	if err != nil {
		t.Fatal(err)
	}
	if len(spill) != 3 {
		t.Fatalf("spill length = %d, want 3 (two cells plus the empty stop)", len(spill))
	}
	if CellTaxid(spill[2], mask) != 0 {
		t.Fatal("spill must end at the first empty cell")
	}
}
