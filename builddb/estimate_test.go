package builddb

import (
	"os"
	"path/filepath"
	"testing"

	"kunpeng/mmscanner"
)

func TestEstimateCapacityMicro(t *testing.T) {
	db := writeMicroDB(t)
	meros := microMeros(t)
	fnaFiles := []string{filepath.Join(db, "library", "lib1.fna")}

	// max-n at the full range keeps every key, so the estimate must land
	// on the true distinct count for a library this small
	distinct := map[uint64]bool{}
	for _, seq := range []string{refSeq1, refSeq2} {
		for _, key := range mmscanner.NewScanner([]byte(seq), meros).Keys() {
			distinct[key] = true
		}
	}
	got, err := EstimateCapacity(fnaFiles, meros, 1024, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(len(distinct))
	if got < want*8/10 || got > want*12/10 {
		t.Fatalf("estimate = %d, true distinct = %d", got, want)
	}
}

func TestEstimateCacheWritten(t *testing.T) {
	db := writeMicroDB(t)
	meros := microMeros(t)
	fnaFile := filepath.Join(db, "library", "lib1.fna")
	if _, err := EstimateCapacity([]string{fnaFile}, meros, 1024, 1, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fnaFile + ".hllp.json"); err != nil {
		t.Fatalf("cache sketch not written: %v", err)
	}
	// a second run must read the cache and agree
	first, err := EstimateCapacity([]string{fnaFile}, meros, 1024, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := EstimateCapacity([]string{fnaFile}, meros, 1024, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("cached estimates differ: %d vs %d", first, second)
	}
}

func TestEstimateMaxNValidation(t *testing.T) {
	if _, err := EstimateCapacity(nil, microMeros(t), 0, 1, false); err == nil {
		t.Fatal("max-n 0 must be rejected")
	}
	if _, err := EstimateCapacity(nil, microMeros(t), 2048, 1, false); err == nil {
		t.Fatal("max-n beyond the section count must be rejected")
	}
}
