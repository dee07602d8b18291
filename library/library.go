// Package library assembles the build input: bounded-size library_<n>.fna
// fragments plus the seqid2taxid.map accession table.
package library

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// headerTag is the rewritten FASTA header prefix carrying the taxid, the
// same convention the build's seqid2taxid.map records.
const headerTag = "kun:taxid"

// SizedWriter appends genomes to library_<n>.fna files, rotating to a new
// suffix at genome boundaries once the current file passes maxFileSize.
type SizedWriter struct {
	libraryDir   string
	suffix       int
	maxFileSize  int64
	bytesWritten int64
	fp           *os.File
	buffp        *bufio.Writer
}

func NewSizedWriter(libraryDir string, maxFileSize int64) (*SizedWriter, error) {
	if err := os.MkdirAll(libraryDir, 0o755); err != nil {
		return nil, err
	}
	sw := &SizedWriter{libraryDir: libraryDir, maxFileSize: maxFileSize}
	if err := sw.rotate(); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *SizedWriter) rotate() error {
	if sw.buffp != nil {
		if err := sw.buffp.Flush(); err != nil {
			return err
		}
		if err := sw.fp.Close(); err != nil {
			return err
		}
		sw.suffix++
	}
	path := filepath.Join(sw.libraryDir, fmt.Sprintf("library_%d.fna", sw.suffix))
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	sw.fp = fp
	sw.buffp = bufio.NewWriterSize(fp, 1<<20)
	sw.bytesWritten = 0
	return nil
}

// BeginGenome rotates if the current fragment is full. Called once per
// genome so a genome never straddles two fragments.
func (sw *SizedWriter) BeginGenome() error {
	if sw.bytesWritten > sw.maxFileSize {
		return sw.rotate()
	}
	return nil
}

func (sw *SizedWriter) Write(p []byte) (int, error) {
	n, err := sw.buffp.Write(p)
	sw.bytesWritten += int64(n)
	return n, err
}

func (sw *SizedWriter) Close() error {
	if err := sw.buffp.Flush(); err != nil {
		return err
	}
	return sw.fp.Close()
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return fp, nil
	}
	gz, err := gzip.NewReader(fp)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &gzipReadCloser{gz: gz, fp: fp}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	fp *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	g.gz.Close()
	return g.fp.Close()
}

// headerTaxid parses a taxid already embedded in a header like
// >taxid|123|ACC or >kun:taxid|123|ACC; 0 when absent.
func headerTaxid(header string) (uint64, string) {
	body := strings.TrimPrefix(header, ">")
	for _, prefix := range []string{headerTag + "|", "taxid|", "kraken:taxid|"} {
		if strings.HasPrefix(body, prefix) {
			rest := body[len(prefix):]
			sep := strings.IndexByte(rest, '|')
			if sep < 0 {
				return 0, ""
			}
			taxid, err := strconv.ParseUint(rest[:sep], 10, 64)
			if err != nil {
				return 0, ""
			}
			acc := rest[sep+1:]
			if f := strings.Fields(acc); len(f) > 0 {
				acc = f[0]
			}
			return taxid, acc
		}
	}
	return 0, ""
}

// appendGenomes copies one FASTA (optionally gzipped) into the library,
// rewriting each header to carry the taxid and recording the accession map.
// taxid 0 means every header must embed its own taxid.
func appendGenomes(srcPath string, taxid uint64, sw *SizedWriter, mapWriter io.Writer) (int, error) {
	src, err := openMaybeGzip(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	genomes := 0
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ">") {
			seqTaxid := taxid
			embedded, acc := headerTaxid(line)
			if embedded != 0 {
				seqTaxid = embedded
			}
			if acc == "" {
				fields := strings.Fields(line[1:])
				if len(fields) == 0 {
					return genomes, fmt.Errorf("[appendGenomes] %v: empty FASTA header", srcPath)
				}
				acc = fields[0]
			}
			if seqTaxid == 0 {
				return genomes, fmt.Errorf("[appendGenomes] %v: header %q carries no taxid and none was supplied", srcPath, line)
			}
			if err := sw.BeginGenome(); err != nil {
				return genomes, err
			}
			seqid := fmt.Sprintf("%s|%d|%s", headerTag, seqTaxid, acc)
			if _, err := fmt.Fprintf(sw, ">%s\n", seqid); err != nil {
				return genomes, err
			}
			if _, err := fmt.Fprintf(mapWriter, "%s\t%d\n", seqid, seqTaxid); err != nil {
				return genomes, err
			}
			genomes++
			continue
		}
		if _, err := fmt.Fprintln(sw, line); err != nil {
			return genomes, err
		}
	}
	return genomes, scanner.Err()
}

func openMapAppend(dbDir string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dbDir, "seqid2taxid.map"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// AddLibrary ingests user FASTA files under <db>/library with an explicit
// taxid (or per-header taxids when taxid is 0).
func AddLibrary(files []string, dbDir string, taxid uint64, maxFileSize int64) error {
	sw, err := NewSizedWriter(filepath.Join(dbDir, "library"), maxFileSize)
	if err != nil {
		return err
	}
	defer sw.Close()
	mapFp, err := openMapAppend(dbDir)
	if err != nil {
		return err
	}
	defer mapFp.Close()
	mapBuf := bufio.NewWriter(mapFp)

	total := 0
	for _, fn := range files {
		n, err := appendGenomes(fn, taxid, sw, mapBuf)
		if err != nil {
			return err
		}
		total += n
	}
	if err := mapBuf.Flush(); err != nil {
		return err
	}
	fmt.Printf("[AddLibrary] added %d sequences to %v\n", total, dbDir)
	return nil
}

// assemblyEntry is one usable row of an assembly_summary.txt.
type assemblyEntry struct {
	taxid   uint64
	fnaPath string
}

// parseAssemblySummary resolves each row's local *_genomic.fna.gz, laid out
// the way the NCBI download tooling mirrors the FTP tree.
func parseAssemblySummary(summaryPath string) ([]assemblyEntry, error) {
	fp, err := os.Open(summaryPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	baseDir := filepath.Dir(summaryPath)
	var entries []assemblyEntry
	scanner := bufio.NewScanner(fp)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 20 || fields[19] == "na" {
			continue
		}
		taxid, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			continue
		}
		ftpBase := filepath.Base(fields[19])
		local := filepath.Join(baseDir, ftpBase, ftpBase+"_genomic.fna.gz")
		if _, err := os.Stat(local); err != nil {
			// flat mirrors keep the file next to the summary
			local = filepath.Join(baseDir, ftpBase+"_genomic.fna.gz")
			if _, err := os.Stat(local); err != nil {
				continue
			}
		}
		entries = append(entries, assemblyEntry{taxid: taxid, fnaPath: local})
	}
	return entries, scanner.Err()
}

// MergeFna walks a download mirror for assembly summaries and merges every
// resolvable genome into the database library.
func MergeFna(downloadDir, dbDir string, maxFileSize int64) error {
	var summaries []string
	err := filepath.Walk(downloadDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Base(path) == "assembly_summary.txt" {
			summaries = append(summaries, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		return fmt.Errorf("[MergeFna] no assembly_summary.txt under %v", downloadDir)
	}

	sw, err := NewSizedWriter(filepath.Join(dbDir, "library"), maxFileSize)
	if err != nil {
		return err
	}
	defer sw.Close()
	mapFp, err := openMapAppend(dbDir)
	if err != nil {
		return err
	}
	defer mapFp.Close()
	mapBuf := bufio.NewWriter(mapFp)

	genomes := 0
	for _, summary := range summaries {
		entries, err := parseAssemblySummary(summary)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			n, err := appendGenomes(entry.fnaPath, entry.taxid, sw, mapBuf)
			if err != nil {
				log.Printf("[MergeFna] skip %v: %v\n", entry.fnaPath, err)
				continue
			}
			genomes += n
		}
	}
	if err := mapBuf.Flush(); err != nil {
		return err
	}
	fmt.Printf("[MergeFna] merged %d sequences from %d summaries\n", genomes, len(summaries))
	return nil
}
