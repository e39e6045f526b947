package format

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/biotools/seedalign/ioreader"
)

// samScanner is a minimal cursor over one tab-separated SAM line,
// grounded on elprep's sam.StringScanner (sam/string-scanner.go) but
// trimmed to the handful of fields spec.md §6 needs recovered: this
// reader exists to let SAM-formatted input seed the paired-end engine
// with a previous orientation/position hint, not to round-trip a full
// alignment record.
type samScanner struct {
	data string
	pos  int
	err  error
}

func (sc *samScanner) field() string {
	if sc.err != nil {
		return ""
	}
	rest := sc.data[sc.pos:]
	i := strings.IndexByte(rest, '\t')
	if i < 0 {
		sc.pos = len(sc.data)
		return rest
	}
	sc.pos += i + 1
	return rest[:i]
}

// SamFlag bits relevant to the fields spec.md §6 recovers.
const (
	SamMultiple      = 0x1
	SamProperPair    = 0x2
	SamUnmapped      = 0x4
	SamMateUnmapped  = 0x8
	SamReverse       = 0x10
	SamMateReverse   = 0x20
	SamFirst         = 0x40
	SamLast          = 0x80
	SamSecondary     = 0x100
	SamDuplicate     = 0x400
	SamSupplementary = 0x800
)

// SamHint is the orientation/position recovery spec.md §6 scopes SAM
// text input down to: just enough of a previously-aligned record to
// seed a re-alignment search window, not a full Alignment model.
type SamHint struct {
	QNAME        string
	Flag         uint16
	RNAME        string
	POS          int32
	MAPQ         byte
	RNEXT        string
	PNEXT        int32
	TLEN         int32
}

func (h SamHint) Reversed() bool     { return h.Flag&SamReverse != 0 }
func (h SamHint) MateReversed() bool { return h.Flag&SamMateReverse != 0 }
func (h SamHint) Mapped() bool       { return h.Flag&SamUnmapped == 0 }

// SamTextReader reads a headerless or headered SAM text stream and
// recovers only orientation and position hints per record, discarding
// CIGAR/SEQ/QUAL/TAGS, which are out of scope for this reader per
// spec.md §6.
type SamTextReader struct {
	fileID int
	src    ioreader.Reader
	br     *bufio.Reader
}

// NewSamTextReader wraps src as a SAM text hint source.
func NewSamTextReader(fileID int, src ioreader.Reader) *SamTextReader {
	return &SamTextReader{fileID: fileID, src: src}
}

func (s *SamTextReader) Init(path string) error {
	if err := s.src.Init(path); err != nil {
		return err
	}
	s.br = bufio.NewReaderSize(&readerAdapter{s.src}, 1<<16)
	return s.skipHeader()
}

func (s *SamTextReader) skipHeader() error {
	for {
		peek, err := s.br.Peek(1)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if peek[0] != '@' {
			return nil
		}
		if _, err := s.br.ReadString('\n'); err != nil && err != io.EOF {
			return err
		}
	}
}

// Next reads the next alignment line's orientation/position hint.
func (s *SamTextReader) Next() (SamHint, bool, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			if line == "" {
				return SamHint{}, false, nil
			}
		} else {
			return SamHint{}, false, err
		}
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return SamHint{}, false, nil
	}

	sc := &samScanner{data: line}
	qname := sc.field()
	flagStr := sc.field()
	flag, ferr := strconv.ParseUint(flagStr, 10, 16)
	rname := sc.field()
	posStr := sc.field()
	pos, perr := strconv.ParseInt(posStr, 10, 32)
	mapqStr := sc.field()
	mapq, _ := strconv.ParseUint(mapqStr, 10, 8)
	_ = sc.field() // CIGAR, unused
	rnext := sc.field()
	pnextStr := sc.field()
	pnext, _ := strconv.ParseInt(pnextStr, 10, 32)
	tlenStr := sc.field()
	tlen, _ := strconv.ParseInt(tlenStr, 10, 32)

	if ferr != nil || perr != nil {
		return SamHint{}, false, fmt.Errorf("format: malformed SAM line %q", line)
	}

	return SamHint{
		QNAME: qname,
		Flag:  uint16(flag),
		RNAME: rname,
		POS:   int32(pos),
		MAPQ:  byte(mapq),
		RNEXT: rnext,
		PNEXT: int32(pnext),
		TLEN:  int32(tlen),
	}, true, nil
}

func (s *SamTextReader) Close() error {
	return s.src.Close()
}
