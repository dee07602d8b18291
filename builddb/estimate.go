package builddb

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"

	"kunpeng/hllp"
	"kunpeng/mmscanner"
)

const (
	// rangeSections subsamples the key space during estimation: only keys
	// whose low bits fall under MaxN out of 1024 sections are sketched.
	rangeSections = 1024
	rangeMask     = rangeSections - 1
)

// sketchFile streams one FASTA file into a HyperLogLog sketch, honoring a
// JSON cache written next to the input.
func sketchFile(fnaFile string, meros mmscanner.Meros, maxN int, cache bool) (*hllp.Sketch, error) {
	cachePath := fnaFile + ".hllp.json"
	if cache {
		if sketch, err := hllp.LoadFromFile(cachePath); err == nil {
			return sketch, nil
		}
	}
	sketch, err := hllp.New(hllp.DefaultPrecision)
	if err != nil {
		return nil, err
	}
	infile, err := os.Open(fnaFile)
	if err != nil {
		return nil, err
	}
	defer infile.Close()
	fafp := fasta.NewReader(infile, linear.NewSeq("", nil, alphabet.DNA))
	seq := make([]byte, 0, 1<<20)
	for {
		s, err := fafp.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("[sketchFile] read %v: %v", fnaFile, err)
		}
		l := s.(*linear.Seq)
		seq = seq[:0]
		for _, v := range l.Seq {
			seq = append(seq, byte(v))
		}
		scanner := mmscanner.NewScanner(seq, meros)
		for {
			_, key, state, ok := scanner.Next()
			if !ok {
				break
			}
			if state != mmscanner.WindowMinimizer {
				continue
			}
			if key&rangeMask < uint64(maxN) {
				sketch.Insert(key)
			}
		}
	}
	if cache {
		if err := sketch.WriteToFile(cachePath); err != nil {
			return nil, err
		}
	}
	return sketch, nil
}

// EstimateCapacity sketches the distinct minimizer count of a library. The
// subsampled estimate is scaled back up by sections/maxN.
func EstimateCapacity(fnaFiles []string, meros mmscanner.Meros, maxN, threads int, cache bool) (uint64, error) {
	if maxN < 1 || maxN > rangeSections {
		return 0, fmt.Errorf("[EstimateCapacity] max-n %d out of range [1,%d]", maxN, rangeSections)
	}
	total, err := hllp.New(hllp.DefaultPrecision)
	if err != nil {
		return 0, err
	}

	fileCh := make(chan string, len(fnaFiles))
	for _, fn := range fnaFiles {
		fileCh <- fn
	}
	close(fileCh)

	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fn := range fileCh {
				sketch, err := sketchFile(fn, meros, maxN, cache)
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				} else if err == nil {
					total.Merge(sketch)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return 0, firstErr
	}
	distinct := total.Cardinality() * rangeSections / uint64(maxN)
	return distinct, nil
}
