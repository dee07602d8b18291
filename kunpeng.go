package main

import (
	"log"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jwaldrip/odin/cli"

	"kunpeng/builddb"
	"kunpeng/classify"
	"kunpeng/library"
	"kunpeng/mmscanner"
	"kunpeng/taxonomy"
	"kunpeng/utils"
)

const DefaultToggleMaskStr = "0xe37e28c4271b5a2d"

var app = cli.New("1.0.0", "Kraken2-compatible metagenomic classifier with a sharded compact-hash index", func(c cli.Command) {})

func init() {
	go func() {
		log.Println(http.ListenAndServe("localhost:6092", nil))
	}()

	est := app.DefineSubCommand("estimate", "estimate the distinct minimizer count of a library", runEstimate)
	{
		est.DefineStringFlag("db", "", "database directory holding library/*.fna")
		est.DefineIntFlag("k", mmscanner.DefaultKmerLength, "k-mer window length")
		est.DefineIntFlag("l", mmscanner.DefaultMinimizerLength, "minimizer length, 1..31")
		est.DefineIntFlag("minimizer-spaces", mmscanner.DefaultMinimizerSpaces, "spaced-seed don't-care pair count")
		est.DefineStringFlag("toggle-mask", DefaultToggleMaskStr, "minimizer ordering toggle mask")
		est.DefineStringFlag("min-clear-hash", "0", "drop minimizers hashing below this value")
		est.DefineIntFlag("max-n", 4, "maximum qualifying hash section out of 1024")
		est.DefineStringFlag("load-factor", "0.7", "proportion of the hash table to populate")
		est.DefineBoolFlag("cache", true, "reuse per-file sketches cached next to the inputs")
		est.DefineIntFlag("p", 4, "number of threads")
	}
	build := app.DefineSubCommand("build", "build the sharded index from a library", runBuild)
	{
		build.DefineStringFlag("db", "", "database directory")
		build.DefineStringFlag("chunk-dir", "", "directory for pass A chunk files [<db>/chunks]")
		build.DefineIntFlag("k", mmscanner.DefaultKmerLength, "k-mer window length")
		build.DefineIntFlag("l", mmscanner.DefaultMinimizerLength, "minimizer length, 1..31")
		build.DefineIntFlag("minimizer-spaces", mmscanner.DefaultMinimizerSpaces, "spaced-seed don't-care pair count")
		build.DefineStringFlag("toggle-mask", DefaultToggleMaskStr, "minimizer ordering toggle mask")
		build.DefineStringFlag("min-clear-hash", "0", "drop minimizers hashing below this value")
		build.DefineStringFlag("capacity", "0", "total slot count; 0 estimates from the library")
		build.DefineStringFlag("hash-capacity", "1G", "slots per shard; file size is 4x this")
		build.DefineStringFlag("load-factor", "0.7", "proportion of the hash table to populate")
		build.DefineIntFlag("max-n", 4, "maximum qualifying hash section out of 1024")
		build.DefineBoolFlag("cache", true, "reuse cached capacity sketches")
		build.DefineIntFlag("r", 0, "requested bit storage for taxid")
		build.DefineIntFlag("p", 4, "number of threads")
	}
	buildDB := app.DefineSubCommand("build-db", "resume pass B: construct pages from existing chunks", runBuildDB)
	{
		buildDB.DefineStringFlag("db", "", "database directory")
		buildDB.DefineStringFlag("chunk-dir", "", "chunk directory of the interrupted build [<db>/chunks]")
		buildDB.DefineIntFlag("p", 4, "number of threads")
	}
	addLib := app.DefineSubCommand("add-library", "add FASTA files to the database library", runAddLibrary)
	{
		addLib.DefineStringFlag("db", "", "database directory")
		addLib.DefineStringFlag("files", "", "comma-separated FASTA files, plain or .gz")
		addLib.DefineStringFlag("taxid", "0", "taxid for every sequence; 0 reads taxid|N| headers")
		addLib.DefineStringFlag("max-file-size", "2G", "library fragment size bound")
	}
	mergeFna := app.DefineSubCommand("merge-fna", "merge a download mirror into the library", runMergeFna)
	{
		mergeFna.DefineStringFlag("download-dir", "", "directory holding assembly_summary.txt mirrors")
		mergeFna.DefineStringFlag("db", "", "database directory")
		mergeFna.DefineStringFlag("max-file-size", "2G", "library fragment size bound")
	}
	hashshard := app.DefineSubCommand("hashshard", "split a Kraken2 hash.k2d into kun-peng pages", runHashshard)
	{
		hashshard.DefineStringFlag("db", "", "Kraken2 database directory (hash.k2d, opts.k2d, taxo.k2d)")
		hashshard.DefineStringFlag("hash-capacity", "1G", "slots per shard; file size is 4x this")
	}
	splitr := app.DefineSubCommand("splitr", "split reads into per-shard minimizer chunk files", runSplitr)
	{
		splitr.DefineStringFlag("db", "", "database directory")
		splitr.DefineStringFlag("chunk-dir", "", "directory for sample chunk files")
		splitr.DefineStringFlag("files", "", "comma-separated read files (fa/fq, optional .gz)")
		splitr.DefineBoolFlag("P", false, "paired-end: mates in consecutive files")
		splitr.DefineBoolFlag("S", false, "paired-end: mates interleaved in one file")
		splitr.DefineIntFlag("Q", 0, "minimum quality score for FASTQ bases")
		splitr.DefineIntFlag("p", 4, "number of threads")
		splitr.DefineIntFlag("batch-size", 1024, "reads per worker batch")
	}
	annotate := app.DefineSubCommand("annotate", "look chunk files up one shard page at a time", runAnnotate)
	{
		annotate.DefineStringFlag("db", "", "database directory")
		annotate.DefineStringFlag("chunk-dir", "", "directory holding sample chunk files")
		annotate.DefineIntFlag("p", 4, "number of threads")
		annotate.DefineIntFlag("batch-size", 8*1024*1024, "records per lookup batch")
	}
	resolve := app.DefineSubCommand("resolve", "resolve per-read hits into Kraken calls", runResolve)
	{
		resolve.DefineStringFlag("db", "", "database directory")
		resolve.DefineStringFlag("chunk-dir", "", "directory holding annotated sample files")
		resolve.DefineStringFlag("output-dir", "", "directory for output_<n>.txt and reports [stdout]")
		resolve.DefineStringFlag("T", "0.0", "confidence score threshold")
		resolve.DefineIntFlag("g", 2, "minimum number of hit groups for a call")
		resolve.DefineBoolFlag("z", false, "report taxa with zero counts")
		resolve.DefineBoolFlag("K", false, "report k-mer data columns")
		resolve.DefineBoolFlag("mpa", false, "also write mpa-style reports")
		resolve.DefineIntFlag("p", 4, "number of threads")
	}
	cls := app.DefineSubCommand("classify", "splitr + annotate + resolve in one run", runClassify)
	{
		cls.DefineStringFlag("db", "", "database directory")
		cls.DefineStringFlag("chunk-dir", "", "working directory for chunk files")
		cls.DefineStringFlag("output-dir", "", "directory for output_<n>.txt and reports [stdout]")
		cls.DefineStringFlag("files", "", "comma-separated read files (fa/fq, optional .gz)")
		cls.DefineBoolFlag("P", false, "paired-end: mates in consecutive files")
		cls.DefineBoolFlag("S", false, "paired-end: mates interleaved in one file")
		cls.DefineIntFlag("Q", 0, "minimum quality score for FASTQ bases")
		cls.DefineStringFlag("T", "0.0", "confidence score threshold")
		cls.DefineIntFlag("g", 2, "minimum number of hit groups for a call")
		cls.DefineBoolFlag("z", false, "report taxa with zero counts")
		cls.DefineBoolFlag("K", false, "report k-mer data columns")
		cls.DefineBoolFlag("mpa", false, "also write mpa-style reports")
		cls.DefineIntFlag("p", 4, "number of threads")
		cls.DefineIntFlag("batch-size", 1024, "reads per worker batch")
	}
	direct := app.DefineSubCommand("direct", "classify with every page loaded up front", runDirect)
	{
		direct.DefineStringFlag("db", "", "database directory")
		direct.DefineStringFlag("output-dir", "", "directory for output_<n>.txt and reports [stdout]")
		direct.DefineStringFlag("files", "", "comma-separated read files (fa/fq, optional .gz)")
		direct.DefineBoolFlag("P", false, "paired-end: mates in consecutive files")
		direct.DefineBoolFlag("S", false, "paired-end: mates interleaved in one file")
		direct.DefineIntFlag("Q", 0, "minimum quality score for FASTQ bases")
		direct.DefineStringFlag("T", "0.0", "confidence score threshold")
		direct.DefineIntFlag("g", 2, "minimum number of hit groups for a call")
		direct.DefineBoolFlag("z", false, "report taxa with zero counts")
		direct.DefineBoolFlag("K", false, "report k-mer data columns")
		direct.DefineBoolFlag("mpa", false, "also write mpa-style reports")
		direct.DefineIntFlag("p", 4, "number of threads")
		direct.DefineIntFlag("batch-size", 1024, "reads per worker batch")
	}
	inspect := app.DefineSubCommand("inspect", "summarize the taxonomy, optionally as graphviz DOT", runInspect)
	{
		inspect.DefineStringFlag("db", "", "database directory")
		inspect.DefineStringFlag("taxid", "1", "external taxid of the subtree root")
		inspect.DefineIntFlag("depth", 0, "DOT depth limit, 0 for unlimited")
		inspect.DefineBoolFlag("dot", false, "emit graphviz DOT instead of the flat summary")
		inspect.DefineStringFlag("output", "", "output file [stdout]")
	}
}

func dbFlag(c cli.Command, cmd string) string {
	db := c.Flag("db").String()
	if db == "" {
		log.Fatalf("[%s] flag 'db' not set\n", cmd)
	}
	return db
}

func chunkDirFlag(c cli.Command, db string) string {
	dir := c.Flag("chunk-dir").String()
	if dir == "" {
		dir = filepath.Join(db, "chunks")
	}
	return dir
}

func fileListFlag(c cli.Command, cmd string) []string {
	raw := c.Flag("files").String()
	if raw == "" {
		log.Fatalf("[%s] flag 'files' not set\n", cmd)
	}
	var files []string
	for _, fn := range strings.Split(raw, ",") {
		if fn = strings.TrimSpace(fn); fn != "" {
			files = append(files, fn)
		}
	}
	return files
}

func uintFlag(c cli.Command, cmd, name string) uint64 {
	v, err := strconv.ParseUint(c.Flag(name).String(), 0, 64)
	if err != nil {
		log.Fatalf("[%s] flag '%s': %v\n", cmd, name, err)
	}
	return v
}

func floatFlag(c cli.Command, cmd, name string) float64 {
	v, err := strconv.ParseFloat(c.Flag(name).String(), 64)
	if err != nil {
		log.Fatalf("[%s] flag '%s': %v\n", cmd, name, err)
	}
	return v
}

func sizeFlag(c cli.Command, cmd, name string) int {
	v, err := utils.ParseSize(c.Flag(name).String())
	if err != nil {
		log.Fatalf("[%s] flag '%s': %v\n", cmd, name, err)
	}
	return v
}

func sizeFlagAllowZero(c cli.Command, cmd, name string) int {
	raw := c.Flag(name).String()
	if raw == "0" || raw == "" {
		return 0
	}
	return sizeFlag(c, cmd, name)
}

func merosFlags(c cli.Command, cmd string) mmscanner.Meros {
	meros, err := mmscanner.NewMeros(
		c.Flag("k").Get().(int),
		c.Flag("l").Get().(int),
		c.Flag("minimizer-spaces").Get().(int),
		uintFlag(c, cmd, "toggle-mask"),
		uintFlag(c, cmd, "min-clear-hash"),
	)
	if err != nil {
		log.Fatalf("[%s] %v\n", cmd, err)
	}
	return meros
}

func runEstimate(c cli.Command) {
	db := dbFlag(c, "estimate")
	meros := merosFlags(c, "estimate")
	fnaFiles, err := utils.FindLibraryFnaFiles(filepath.Join(db, "library"))
	if err != nil || len(fnaFiles) == 0 {
		log.Fatalf("[estimate] no library *.fna under %v: %v\n", db, err)
	}
	distinct, err := builddb.EstimateCapacity(fnaFiles, meros, c.Flag("max-n").Get().(int),
		c.Flag("p").Get().(int), c.Flag("cache").Get().(bool))
	if err != nil {
		log.Fatalf("[estimate] %v\n", err)
	}
	loadFactor := floatFlag(c, "estimate", "load-factor")
	capacity := uint64(math.Ceil(float64(distinct) / loadFactor))
	log.Printf("[estimate] ~%d distinct minimizers; capacity %d at load factor %.2f (%s on disk)\n",
		distinct, capacity, loadFactor, utils.FormatBytes(float64(capacity*4)))
}

func runBuild(c cli.Command) {
	opt := builddb.Options{
		DBDir:            dbFlag(c, "build"),
		ChunkDir:         c.Flag("chunk-dir").String(),
		Meros:            merosFlags(c, "build"),
		RequiredCapacity: sizeFlagAllowZero(c, "build", "capacity"),
		HashCapacity:     sizeFlag(c, "build", "hash-capacity"),
		LoadFactor:       floatFlag(c, "build", "load-factor"),
		MaxN:             c.Flag("max-n").Get().(int),
		Cache:            c.Flag("cache").Get().(bool),
		RequestedBits:    c.Flag("r").Get().(int),
		Threads:          c.Flag("p").Get().(int),
	}
	if err := builddb.Build(opt); err != nil {
		log.Fatalf("[build] %v\n", err)
	}
}

func runBuildDB(c cli.Command) {
	db := dbFlag(c, "build-db")
	if err := builddb.BuildDB(db, chunkDirFlag(c, db), c.Flag("p").Get().(int)); err != nil {
		log.Fatalf("[build-db] %v\n", err)
	}
}

func runAddLibrary(c cli.Command) {
	db := dbFlag(c, "add-library")
	if err := library.AddLibrary(fileListFlag(c, "add-library"), db, uintFlag(c, "add-library", "taxid"),
		int64(sizeFlag(c, "add-library", "max-file-size"))); err != nil {
		log.Fatalf("[add-library] %v\n", err)
	}
}

func runMergeFna(c cli.Command) {
	downloadDir := c.Flag("download-dir").String()
	if downloadDir == "" {
		log.Fatalf("[merge-fna] flag 'download-dir' not set\n")
	}
	if err := library.MergeFna(downloadDir, dbFlag(c, "merge-fna"),
		int64(sizeFlag(c, "merge-fna", "max-file-size"))); err != nil {
		log.Fatalf("[merge-fna] %v\n", err)
	}
}

func runHashshard(c cli.Command) {
	if err := builddb.Hashshard(dbFlag(c, "hashshard"), sizeFlag(c, "hashshard", "hash-capacity")); err != nil {
		log.Fatalf("[hashshard] %v\n", err)
	}
}

func splitOptions(c cli.Command, cmd, db string) classify.SplitOptions {
	return classify.SplitOptions{
		DBDir:       db,
		ChunkDir:    chunkDirFlag(c, db),
		Paired:      c.Flag("P").Get().(bool),
		Interleaved: c.Flag("S").Get().(bool),
		MinQuality:  c.Flag("Q").Get().(int),
		Threads:     c.Flag("p").Get().(int),
		BatchSize:   c.Flag("batch-size").Get().(int),
		InputFiles:  fileListFlag(c, cmd),
	}
}

func resolveOptions(c cli.Command, cmd, db string) classify.ResolveOptions {
	return classify.ResolveOptions{
		ChunkDir:         chunkDirFlag(c, db),
		OutputDir:        c.Flag("output-dir").String(),
		Confidence:       floatFlag(c, cmd, "T"),
		MinimumHitGroups: c.Flag("g").Get().(int),
		ReportZeroCounts: c.Flag("z").Get().(bool),
		ReportKmerData:   c.Flag("K").Get().(bool),
		MpaStyle:         c.Flag("mpa").Get().(bool),
		Threads:          c.Flag("p").Get().(int),
	}
}

func mustLoadIndex(cmd, db string) *classify.Index {
	idx, err := classify.LoadIndex(db)
	if err != nil {
		log.Fatalf("[%s] %v\n", cmd, err)
	}
	return idx
}

func mustLoadTaxonomy(cmd, db string) *taxonomy.Taxonomy {
	taxo, err := taxonomy.LoadFromFile(filepath.Join(db, taxonomy.TaxoFileName))
	if err != nil {
		log.Fatalf("[%s] %v\n", cmd, err)
	}
	return taxo
}

func runSplitr(c cli.Command) {
	db := dbFlag(c, "splitr")
	idx := mustLoadIndex("splitr", db)
	opt := splitOptions(c, "splitr", db)
	if err := utils.CheckChunkDirClean(opt.ChunkDir); err != nil {
		log.Fatalf("[splitr] %v\n", err)
	}
	if err := classify.Split(idx, opt); err != nil {
		log.Fatalf("[splitr] %v\n", err)
	}
}

func runAnnotate(c cli.Command) {
	db := dbFlag(c, "annotate")
	idx := mustLoadIndex("annotate", db)
	opt := classify.AnnotateOptions{
		ChunkDir:  chunkDirFlag(c, db),
		Threads:   c.Flag("p").Get().(int),
		BatchSize: c.Flag("batch-size").Get().(int),
	}
	if err := classify.Annotate(idx, opt); err != nil {
		log.Fatalf("[annotate] %v\n", err)
	}
}

func runResolve(c cli.Command) {
	db := dbFlag(c, "resolve")
	idx := mustLoadIndex("resolve", db)
	taxo := mustLoadTaxonomy("resolve", db)
	if err := classify.Resolve(idx, taxo, resolveOptions(c, "resolve", db)); err != nil {
		log.Fatalf("[resolve] %v\n", err)
	}
}

func runClassify(c cli.Command) {
	db := dbFlag(c, "classify")
	idx := mustLoadIndex("classify", db)
	taxo := mustLoadTaxonomy("classify", db)
	sopt := splitOptions(c, "classify", db)
	if err := utils.CheckChunkDirClean(sopt.ChunkDir); err != nil {
		log.Fatalf("[classify] %v\n", err)
	}
	if err := classify.Split(idx, sopt); err != nil {
		log.Fatalf("[classify] split: %v\n", err)
	}
	aopt := classify.AnnotateOptions{ChunkDir: sopt.ChunkDir, Threads: sopt.Threads, BatchSize: 8 * 1024 * 1024}
	if err := classify.Annotate(idx, aopt); err != nil {
		log.Fatalf("[classify] annotate: %v\n", err)
	}
	if err := classify.Resolve(idx, taxo, resolveOptions(c, "classify", db)); err != nil {
		log.Fatalf("[classify] resolve: %v\n", err)
	}
}

func runDirect(c cli.Command) {
	db := dbFlag(c, "direct")
	idx := mustLoadIndex("direct", db)
	taxo := mustLoadTaxonomy("direct", db)
	opt := classify.DirectOptions{
		OutputDir:        c.Flag("output-dir").String(),
		Paired:           c.Flag("P").Get().(bool),
		Interleaved:      c.Flag("S").Get().(bool),
		MinQuality:       c.Flag("Q").Get().(int),
		Confidence:       floatFlag(c, "direct", "T"),
		MinimumHitGroups: c.Flag("g").Get().(int),
		ReportZeroCounts: c.Flag("z").Get().(bool),
		ReportKmerData:   c.Flag("K").Get().(bool),
		MpaStyle:         c.Flag("mpa").Get().(bool),
		Threads:          c.Flag("p").Get().(int),
		BatchSize:        c.Flag("batch-size").Get().(int),
		InputFiles:       fileListFlag(c, "direct"),
	}
	if err := classify.Direct(idx, taxo, opt); err != nil {
		log.Fatalf("[direct] %v\n", err)
	}
}

func runInspect(c cli.Command) {
	db := dbFlag(c, "inspect")
	taxo := mustLoadTaxonomy("inspect", db)
	root := taxo.InternalID(uintFlag(c, "inspect", "taxid"))
	if root == 0 {
		log.Fatalf("[inspect] taxid %v not in this taxonomy\n", c.Flag("taxid").String())
	}
	out := os.Stdout
	if path := c.Flag("output").String(); path != "" {
		fp, err := os.Create(path)
		if err != nil {
			log.Fatalf("[inspect] %v\n", err)
		}
		defer fp.Close()
		out = fp
	}
	var err error
	if c.Flag("dot").Get().(bool) {
		err = taxo.WriteDot(out, root, c.Flag("depth").Get().(int))
	} else {
		err = taxo.WriteSummary(out, root)
	}
	if err != nil {
		log.Fatalf("[inspect] %v\n", err)
	}
}

func main() {
	app.Start()
}
