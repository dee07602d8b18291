package classify

import (
	"fmt"
	"path/filepath"

	"kunpeng/compacthash"
	"kunpeng/mmscanner"
	"kunpeng/utils"
)

// Chunk-dir file naming shared by the three stages.
const (
	SplitPrefix    = "sample"      // sample_<shard>.k2, brotli-compressed
	SplitSuffix    = ".k2"
	HitPrefix      = "sample_hit"  // sample_hit_<fileIdx>.bin
	HitSuffix      = ".bin"
	IDMapPrefix    = "sample_id"   // sample_id_<fileIdx>.map
	IDMapSuffix    = ".map"
	FileMapName    = "sample_file.map"
	splitRecordLen = 16
	hitRecordLen   = 12
)

// Index bundles the read-only database state every stage shares.
type Index struct {
	DBDir  string
	Opts   mmscanner.IndexOptions
	Meros  mmscanner.Meros
	Config compacthash.HashConfig
}

// LoadIndex reads opts.k2d and hash_config.k2d and cross-checks them. The
// stored parameters always win over command line flags.
func LoadIndex(dbDir string) (*Index, error) {
	opts, err := mmscanner.LoadIndexOptions(filepath.Join(dbDir, mmscanner.OptsFileName))
	if err != nil {
		return nil, err
	}
	hc, err := compacthash.LoadHashConfig(filepath.Join(dbDir, compacthash.ConfigFileName))
	if err != nil {
		return nil, err
	}
	if opts.K < opts.L {
		return nil, fmt.Errorf("%w: k=%d < l=%d", utils.ErrIndexInconsistent, opts.K, opts.L)
	}
	if hc.Partition < 1 ||
		hc.Capacity > hc.Partition*hc.HashCapacity ||
		hc.Capacity <= (hc.Partition-1)*hc.HashCapacity {
		return nil, fmt.Errorf("%w: capacity %d does not fit %d pages of %d",
			utils.ErrIndexInconsistent, hc.Capacity, hc.Partition, hc.HashCapacity)
	}
	return &Index{
		DBDir:  dbDir,
		Opts:   opts,
		Meros:  opts.AsMeros(),
		Config: hc,
	}, nil
}

// PagePath is the shard file for 0-based shard i.
func (idx *Index) PagePath(shard int) string {
	return compacthash.PageFileName(idx.DBDir, shard+1)
}

// LoadShard loads one page, attaching the next page's spill prefix for
// Kraken2-converted indexes whose probe chains may cross the cut.
func (idx *Index) LoadShard(shard int) (*compacthash.Page, error) {
	wrap := idx.Config.Version >= 1
	page, err := compacthash.LoadPage(idx.PagePath(shard), wrap)
	if err != nil {
		return nil, err
	}
	if !wrap {
		next := (shard + 1) % idx.Config.Partition
		if next != shard {
			spill, err := compacthash.LoadSpillPrefix(idx.PagePath(next), idx.Config.ValueMask())
			if err == nil {
				page.AttachSpill(spill)
			}
		}
	}
	return page, nil
}
