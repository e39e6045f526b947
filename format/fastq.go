// Package format implements the read-format front ends of spec.md §4.2:
// FASTQ and a position-recovery-only SAM text reader, both built on top
// of the ioreader batch contract. The line-scanning style follows
// elprep's sam.StringScanner (sam/string-scanner.go): a small cursor
// over a string with readUntil-style primitives, rather than
// bufio.Scanner's token model, so record boundaries inside a batch can
// be found without per-line allocation.
package format

import (
	"bufio"
	"fmt"
	"io"

	"github.com/biotools/seedalign/ioreader"
	"github.com/biotools/seedalign/reads"
)

// FASTQReader reads 4-line FASTQ records from an ioreader.Reader,
// tagging each produced Read with the ioreader batch it was cut from so
// the supplier queue's tracker can release buffers correctly.
type FASTQReader struct {
	fileID int
	src    ioreader.Reader
	br     *bufio.Reader
	path   string
}

// NewFASTQReader wraps src (already Init'd to the target file) as a
// FASTQ record source. fileID distinguishes this stream in paired,
// split-file mode.
func NewFASTQReader(fileID int, src ioreader.Reader) *FASTQReader {
	return &FASTQReader{fileID: fileID, src: src}
}

// Init opens path for reading.
func (fq *FASTQReader) Init(path string) error {
	fq.path = path
	if err := fq.src.Init(path); err != nil {
		return err
	}
	fq.br = bufio.NewReaderSize(&readerAdapter{fq.src}, 1<<16)
	return nil
}

// readerAdapter turns ioreader.Reader's batch-oriented GetData/Advance
// protocol into a plain io.Reader, which is all a line-oriented text
// format needs - the batching machinery still governs the reader's
// memory management underneath.
type readerAdapter struct {
	r ioreader.Reader
}

func (a *readerAdapter) Read(p []byte) (int, error) {
	data, valid, start, ok := a.r.GetData()
	if !ok {
		if a.r.IsEOF() {
			return 0, io.EOF
		}
		return 0, io.ErrNoProgress
	}
	avail := data[start:valid]
	if len(avail) == 0 {
		if err := a.r.NextBatch(false); err != nil {
			return 0, err
		}
		return 0, nil
	}
	n := copy(p, avail)
	a.r.Advance(n)
	if n == len(avail) {
		_ = a.r.NextBatch(false)
	}
	return n, nil
}

// Next reads the next 4-line record, producing a Read with
// front-of-quality clipping disabled and back-clipping applied at the
// first '#' quality character, matching the historical FASTQ
// convention SNAPLib honors for low-quality tails.
func (fq *FASTQReader) Next() (reads.Read, bool, error) {
	idLine, err := fq.readLine()
	if err == io.EOF {
		return reads.Read{}, false, nil
	}
	if err != nil {
		return reads.Read{}, false, err
	}
	if len(idLine) == 0 || idLine[0] != '@' {
		return reads.Read{}, false, fmt.Errorf("format: malformed FASTQ record header %q", idLine)
	}
	bases, err := fq.readLine()
	if err != nil {
		return reads.Read{}, false, fmt.Errorf("format: truncated FASTQ record after header %q", idLine)
	}
	plusLine, err := fq.readLine()
	if err != nil || len(plusLine) == 0 || plusLine[0] != '+' {
		return reads.Read{}, false, fmt.Errorf("format: malformed FASTQ separator for record %q", idLine)
	}
	quality, err := fq.readLine()
	if err != nil {
		return reads.Read{}, false, fmt.Errorf("format: truncated FASTQ record after sequence %q", idLine)
	}
	if len(bases) != len(quality) {
		return reads.Read{}, false, fmt.Errorf("format: FASTQ sequence/quality length mismatch for record %q", idLine)
	}

	r := reads.Read{
		ID:      string(idLine[1:]),
		Bases:   append([]byte(nil), bases...),
		Quality: append([]byte(nil), quality...),
		Batch:   reads.Batch{FileID: fq.fileID, BatchID: uint64(fq.src.GetBatch())},
	}
	r.ClipBack = clipAtLowQualityTail(r.Quality)
	return r, true, nil
}

// clipAtLowQualityTail returns the index of the first '#' (Phred+33
// quality 2, the historical "read segment quality is low" sentinel) in
// quality, or len(quality) if there is none -- the new ClipBack, so
// that [ClipFront:ClipBack) excludes everything from that point on.
func clipAtLowQualityTail(quality []byte) int {
	for i, q := range quality {
		if q == '#' {
			return i
		}
	}
	return len(quality)
}

func (fq *FASTQReader) readLine() ([]byte, error) {
	line, err := fq.br.ReadSlice('\n')
	if err != nil && err != io.EOF {
		if err == bufio.ErrBufferFull {
			full := append([]byte(nil), line...)
			for {
				more, err2 := fq.br.ReadSlice('\n')
				full = append(full, more...)
				if err2 != bufio.ErrBufferFull {
					err = err2
					line = full
					break
				}
			}
		}
	}
	if len(line) == 0 && err != nil {
		return nil, err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if err == io.EOF {
		if len(line) == 0 {
			return nil, io.EOF
		}
		return line, nil
	}
	return line, nil
}

// Close releases the underlying reader.
func (fq *FASTQReader) Close() error {
	return fq.src.Close()
}
