// Package classify implements the three-stage streaming pipeline: splitr
// partitions read minimizers by shard, annotate looks them up one page at a
// time, resolve turns per-read hits into Kraken-style calls.
package classify

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"kunpeng/utils"
)

// ReadRecord is one read (or mate pair) with its per-file serial number.
// Serials start at 1 and follow input order; the final output is ordered by
// them, never by worker timing.
type ReadRecord struct {
	Serial uint32
	ID     string
	Seq1   []byte
	Seq2   []byte
	Paired bool
}

// TrimPairInfo drops a /1 or /2 mate suffix from a read id.
func TrimPairInfo(id string) string {
	if len(id) > 2 && (strings.HasSuffix(id, "/1") || strings.HasSuffix(id, "/2")) {
		return id[:len(id)-2]
	}
	return id
}

// maskLowQuality replaces bases under the phred floor with an ambiguous
// character so the scanner treats them like N.
func maskLowQuality(seq, qual []byte, minQuality int) {
	if minQuality <= 0 || len(qual) != len(seq) {
		return
	}
	for i, q := range qual {
		if int(q)-'!' < minQuality {
			seq[i] = 'x'
		}
	}
}

// seqFile wraps one open sequence file with transparent gzip.
type seqFile struct {
	fp     *os.File
	gz     *gzip.Reader
	buffp  *bufio.Reader
	format string
	// peeked header line for the fasta reader
	pending []byte
}

func openSeqFile(fn string) (*seqFile, error) {
	format, gzipped, err := utils.DetectFileFormat(fn)
	if err != nil {
		return nil, err
	}
	fp, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	sf := &seqFile{fp: fp, format: format}
	var r io.Reader = fp
	if gzipped {
		gz, err := gzip.NewReader(fp)
		if err != nil {
			fp.Close()
			return nil, err
		}
		sf.gz = gz
		r = gz
	}
	sf.buffp = bufio.NewReaderSize(r, 1<<20)
	return sf, nil
}

func (sf *seqFile) Close() error {
	if sf.gz != nil {
		sf.gz.Close()
	}
	return sf.fp.Close()
}

func chompLine(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}

// next returns the id and sequence of the next record (fastq bases under
// the quality floor already masked), io.EOF at the end.
func (sf *seqFile) next(minQuality int) (id string, seq []byte, err error) {
	if sf.format == "fq" {
		return sf.nextFastq(minQuality)
	}
	return sf.nextFasta()
}

func (sf *seqFile) nextFastq(minQuality int) (string, []byte, error) {
	head, err := sf.buffp.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(chompLine(head)) == 0 {
			return "", nil, io.EOF
		}
		return "", nil, err
	}
	head = chompLine(head)
	if len(head) == 0 || head[0] != '@' {
		return "", nil, fmt.Errorf("[nextFastq] bad header %q", head)
	}
	seqLine, err := sf.buffp.ReadBytes('\n')
	if err != nil {
		return "", nil, fmt.Errorf("%w: truncated fastq record", utils.ErrShortRead)
	}
	if _, err := sf.buffp.ReadBytes('\n'); err != nil { // '+' line
		return "", nil, fmt.Errorf("%w: truncated fastq record", utils.ErrShortRead)
	}
	qualLine, err := sf.buffp.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return "", nil, err
	}
	seq := append([]byte(nil), chompLine(seqLine)...)
	qual := chompLine(qualLine)
	maskLowQuality(seq, qual, minQuality)
	fields := bytes.Fields(head[1:])
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("[nextFastq] empty read id")
	}
	return string(fields[0]), seq, nil
}

func (sf *seqFile) nextFasta() (string, []byte, error) {
	var head []byte
	if sf.pending != nil {
		head = sf.pending
		sf.pending = nil
	} else {
		for {
			line, err := sf.buffp.ReadBytes('\n')
			line = chompLine(line)
			if len(line) > 0 {
				head = line
				break
			}
			if err != nil {
				return "", nil, io.EOF
			}
		}
	}
	if head[0] != '>' {
		return "", nil, fmt.Errorf("[nextFasta] bad header %q", head)
	}
	var seq []byte
	for {
		line, err := sf.buffp.ReadBytes('\n')
		line = chompLine(line)
		if len(line) > 0 && line[0] == '>' {
			sf.pending = line
			break
		}
		seq = append(seq, line...)
		if err != nil {
			break
		}
	}
	fields := bytes.Fields(head[1:])
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("[nextFasta] empty read id")
	}
	return string(fields[0]), seq, nil
}

// readStream yields ReadRecords from one input unit: a single file, an
// interleaved pair file, or two mate files.
type readStream struct {
	sf1, sf2    *seqFile
	interleaved bool
	minQuality  int
	serial      uint32
}

func openReadStream(file1, file2 string, interleaved bool, minQuality int) (*readStream, error) {
	sf1, err := openSeqFile(file1)
	if err != nil {
		return nil, err
	}
	rs := &readStream{sf1: sf1, interleaved: interleaved, minQuality: minQuality}
	if file2 != "" {
		sf2, err := openSeqFile(file2)
		if err != nil {
			sf1.Close()
			return nil, err
		}
		rs.sf2 = sf2
	}
	return rs, nil
}

func (rs *readStream) Close() {
	rs.sf1.Close()
	if rs.sf2 != nil {
		rs.sf2.Close()
	}
}

func (rs *readStream) Next() (ReadRecord, error) {
	id1, seq1, err := rs.sf1.next(rs.minQuality)
	if err != nil {
		return ReadRecord{}, err
	}
	rs.serial++
	rec := ReadRecord{Serial: rs.serial, ID: TrimPairInfo(id1), Seq1: seq1}
	switch {
	case rs.sf2 != nil:
		_, seq2, err := rs.sf2.next(rs.minQuality)
		if err != nil {
			return ReadRecord{}, fmt.Errorf("[readStream] mate file ended early: %v", err)
		}
		rec.Seq2 = seq2
		rec.Paired = true
	case rs.interleaved:
		_, seq2, err := rs.sf1.next(rs.minQuality)
		if err != nil {
			return ReadRecord{}, fmt.Errorf("[readStream] interleaved mate missing: %v", err)
		}
		rec.Seq2 = seq2
		rec.Paired = true
	}
	return rec, nil
}
