package format

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/biotools/seedalign/genome"
	"github.com/biotools/seedalign/internal"
	"github.com/biotools/seedalign/ioreader/bgzf"
	"github.com/biotools/seedalign/utils/nibbles"
)

// bamMagic is the BAM format's magic string. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

// nibbleCodes is the BAM 4-bit base encoding table, index by base
// letter; its inverse, baseLetters, is used on decode.
var nibbleCodes = map[byte]byte{
	'=': 0, 'A': 1, 'C': 2, 'M': 3, 'G': 4, 'R': 5, 'S': 6, 'V': 7,
	'T': 8, 'W': 9, 'Y': 10, 'H': 11, 'K': 12, 'D': 13, 'B': 14, 'N': 15,
}

var baseLetters = []byte("=ACMGRSVTWYHKDBN")

var cigarOps = []byte("MIDNSHP=X")
var cigarMap = func() map[byte]byte {
	m := make(map[byte]byte, len(cigarOps))
	for i, b := range cigarOps {
		m[b] = byte(i)
	}
	return m
}()

var cigarConsumesReference = map[byte]bool{'M': true, 'D': true, 'N': true, '=': true, 'X': true}

// CigarOp is one run of a CIGAR string.
type CigarOp struct {
	Length int32
	Op     byte
}

// BamTag is one optional-field entry attached to a record; Value holds
// a byte, int64, float32, string, or one of the []intN/[]uintN/[]float32
// slice types, mirroring BAM's typed tag encoding.
type BamTag struct {
	Tag   [2]byte
	Value interface{}
}

// Record is the BAM-facing view of one alignment result: the minimal
// set of fields spec.md's engines produce, shaped exactly like a BAM
// alignment block so format.WriteRecord needs no further translation.
type Record struct {
	QNAME string
	FLAG  uint16
	RefID int32 // -1 for unmapped / unknown reference
	POS   int32 // 0-based
	MAPQ  byte
	CIGAR []CigarOp

	NextRefID int32
	NextPOS   int32
	TLEN      int32

	Bases   []byte // upper-case IUPAC letters, forward-strand orientation as aligned
	Quality []byte // Phred+33

	Tags []BamTag
}

func (r *Record) referenceSpan() int32 {
	if r.FLAG&0x4 != 0 {
		return 0
	}
	var span int32
	for _, op := range r.CIGAR {
		if cigarConsumesReference[op.Op] {
			span += op.Length
		}
	}
	return span
}

// bin computes the BAI binning-index value for a record, per the BAM
// spec's reg2bin algorithm.
func (r *Record) bin() uint16 {
	beg := r.POS
	end := beg
	if span := r.referenceSpan(); span > 0 {
		end += span - 1
	}
	switch {
	case beg>>14 == end>>14:
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	case beg>>17 == end>>17:
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	case beg>>20 == end>>20:
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	case beg>>23 == end>>23:
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	case beg>>26 == end>>26:
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	default:
		return 0
	}
}

// SamHeaderText builds the minimal @HD/@SQ SAM header text for g,
// following elprep's Header.Format for the subset of header lines this
// engine needs (no @RG/@PG bookkeeping, since alignment here never
// merges multiple runs).
func SamHeaderText(g *genome.Genome) string {
	var b bytes.Buffer
	b.WriteString("@HD\tVN:1.6\tSO:unsorted\n")
	for _, p := range g.Pieces() {
		fmt.Fprintf(&b, "@SQ\tSN:%s\tLN:%d\n", p.Name, p.Length)
	}
	return b.String()
}

// WriteHeader writes the BAM magic, SAM-text header and reference
// dictionary derived from g, following elprep's Header.FormatBam.
func WriteHeader(out []byte, headerText string, g *genome.Genome) []byte {
	out = append(out, bamMagic...)
	lTextIdx := len(out)
	out = append(out, 0, 0, 0, 0)
	out = append(out, headerText...)
	binary.LittleEndian.PutUint32(out[lTextIdx:], uint32(len(out)-lTextIdx-4))

	pieces := g.Pieces()
	var idx int
	idx, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[idx:], uint32(len(pieces)))
	for _, p := range pieces {
		idx, out = enlarge(out, 4+len(p.Name)+1+4)
		binary.LittleEndian.PutUint32(out[idx:idx+4], uint32(len(p.Name)+1))
		idx += 4
		copy(out[idx:], p.Name)
		out[idx+len(p.Name)] = 0
		idx += len(p.Name) + 1
		binary.LittleEndian.PutUint32(out[idx:idx+4], uint32(p.Length))
	}
	return out
}

func enlarge(out []byte, by int) (int, []byte) {
	idx := len(out)
	length := idx + by
	for cap(out) < length {
		out = append(out[:cap(out)], 0)
	}
	return idx, out[:length]
}

// WriteRecord appends r's binary BAM alignment block to out, the way
// elprep's formatBamAlignment does, and returns the extended slice.
func WriteRecord(r *Record, out []byte) []byte {
	var idx int
	idx, out = enlarge(out, 4)
	blockSizeIdx := idx

	idx, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[idx:], uint32(r.RefID))

	idx, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[idx:], uint32(r.POS))

	out = append(out, byte(len(r.QNAME)+1))
	out = append(out, r.MAPQ)

	idx, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[idx:], r.bin())

	idx, out = enlarge(out, 2)
	nCigar := len(r.CIGAR)
	if nCigar > math.MaxUint16 {
		binary.LittleEndian.PutUint16(out[idx:], 2)
	} else {
		binary.LittleEndian.PutUint16(out[idx:], uint16(nCigar))
	}

	idx, out = enlarge(out, 2)
	binary.LittleEndian.PutUint16(out[idx:], r.FLAG)

	seqLen := len(r.Bases)
	idx, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[idx:], uint32(seqLen))

	idx, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[idx:], uint32(r.NextRefID))

	idx, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[idx:], uint32(r.NextPOS))

	idx, out = enlarge(out, 4)
	binary.LittleEndian.PutUint32(out[idx:], uint32(r.TLEN))

	idx, out = enlarge(out, len(r.QNAME)+1)
	copy(out[idx:], r.QNAME)
	out[idx+len(r.QNAME)] = 0

	if nCigar <= math.MaxUint16 {
		idx, out = enlarge(out, nCigar*4)
		for _, op := range r.CIGAR {
			binary.LittleEndian.PutUint32(out[idx:idx+4], (uint32(op.Length)<<4)|uint32(cigarMap[op.Op]))
			idx += 4
		}
	} else {
		idx, out = enlarge(out, 8)
		binary.LittleEndian.PutUint32(out[idx:idx+4], (uint32(seqLen)<<4)|uint32(cigarMap['S']))
		var m uint32
		for _, op := range r.CIGAR {
			if cigarConsumesReference[op.Op] {
				m += uint32(op.Length)
			}
		}
		binary.LittleEndian.PutUint32(out[idx+4:idx+8], (m<<4)|uint32(cigarMap['N']))
	}

	idx, out = enlarge(out, (seqLen+1)>>1)
	nib := nibbles.ReflectMake(seqLen, 0, out[idx:])
	for i, b := range r.Bases {
		nib.Set(i, nibbleCodes[b])
	}

	idx, out = enlarge(out, len(r.Quality))
	copy(out[idx:], r.Quality)

	for _, tag := range r.Tags {
		out = writeTag(out, tag)
	}

	if nCigar > math.MaxUint16 {
		idx, out = enlarge(out, 2+2+4+4*nCigar)
		copy(out[idx:], "CG")
		idx += 2
		out[idx] = 'B'
		out[idx+1] = 'I'
		idx += 2
		binary.LittleEndian.PutUint32(out[idx:idx+4], uint32(nCigar))
		idx += 4
		for _, op := range r.CIGAR {
			binary.LittleEndian.PutUint32(out[idx:idx+4], (uint32(op.Length)<<4)|uint32(cigarMap[op.Op]))
			idx += 4
		}
	}

	binary.LittleEndian.PutUint32(out[blockSizeIdx:blockSizeIdx+4], uint32(len(out)-blockSizeIdx-4))
	return out
}

func writeTag(out []byte, tag BamTag) []byte {
	idx, out := enlarge(out, 2)
	copy(out[idx:], tag.Tag[:])

	switch v := tag.Value.(type) {
	case byte:
		idx, out = enlarge(out, 2)
		out[idx] = 'A'
		out[idx+1] = v
	case int64:
		out = writeIntTag(out, v)
	case float32:
		idx, out = enlarge(out, 5)
		out[idx] = 'f'
		binary.LittleEndian.PutUint32(out[idx+1:idx+5], math.Float32bits(v))
	case string:
		idx, out = enlarge(out, 1+len(v)+1)
		out[idx] = 'Z'
		idx++
		copy(out[idx:], v)
		out[idx+len(v)] = 0
	default:
		log.Panicf("format: unsupported BAM tag value type %T", v)
	}
	return out
}

func writeIntTag(out []byte, v int64) []byte {
	idx, out := 0, out
	if v < 0 {
		switch {
		case v >= math.MinInt8:
			idx, out = enlarge(out, 2)
			out[idx] = 'c'
			out[idx+1] = byte(int8(v))
		case v >= math.MinInt16:
			idx, out = enlarge(out, 3)
			out[idx] = 's'
			binary.LittleEndian.PutUint16(out[idx+1:idx+3], uint16(int16(v)))
		default:
			idx, out = enlarge(out, 5)
			out[idx] = 'i'
			binary.LittleEndian.PutUint32(out[idx+1:idx+5], uint32(int32(v)))
		}
		return out
	}
	switch {
	case v <= math.MaxUint8:
		idx, out = enlarge(out, 2)
		out[idx] = 'C'
		out[idx+1] = byte(v)
	case v <= math.MaxUint16:
		idx, out = enlarge(out, 3)
		out[idx] = 'S'
		binary.LittleEndian.PutUint16(out[idx+1:idx+3], uint16(v))
	default:
		idx, out = enlarge(out, 5)
		out[idx] = 'I'
		binary.LittleEndian.PutUint32(out[idx+1:idx+5], uint32(v))
	}
	return out
}

// BamWriter wraps a BGZF writer with the shared-offset virtual-offset
// bookkeeping the async writer pipeline needs to emit BAI-compatible
// output, grounded on elprep's bamWriter (sam/bam-files.go).
type BamWriter struct {
	bgzf *bgzf.Writer
	w    io.WriteCloser
}

// NewBamWriter wraps w (already opened for writing) in a BGZF layer.
func NewBamWriter(w io.WriteCloser) *BamWriter {
	return &BamWriter{bgzf: bgzf.NewWriter(w), w: w}
}

// WriteHeader writes hdr and the derived reference dictionary.
func (bw *BamWriter) WriteHeader(headerText string, g *genome.Genome) error {
	buf := WriteHeader(nil, headerText, g)
	_, err := bw.bgzf.Write(buf)
	return err
}

// WriteRecord appends one alignment record.
func (bw *BamWriter) WriteRecord(r *Record) error {
	buf := WriteRecord(r, nil)
	_, err := bw.bgzf.Write(buf)
	return err
}

// VirtualOffset returns the BGZF virtual offset of the next byte to be
// written, for BAI-style random access indexes.
func (bw *BamWriter) VirtualOffset() bgzf.VirtualOffset {
	return bw.bgzf.VirtualOffsetHere()
}

// Close flushes and closes the underlying BGZF and file layers.
func (bw *BamWriter) Close() error {
	if err := bw.bgzf.Close(); err != nil {
		internal.Close(bw.w)
		return err
	}
	return bw.w.Close()
}

// BamReader reads BAM alignment records back, used by tests and by the
// SAM-hint re-alignment entry point for BAM-formatted input.
type BamReader struct {
	r          io.ReadCloser
	bgzf       *bgzf.Reader
	references []string
	buf        []byte
}

// NewBamReader opens a BAM stream for reading.
func NewBamReader(r io.ReadCloser) (*BamReader, error) {
	br := &BamReader{r: r}
	gz, err := bgzf.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	br.bgzf = gz
	return br, nil
}

// ReadHeader parses the BAM magic, header text and reference
// dictionary, returning the raw SAM header text.
func (br *BamReader) ReadHeader() (string, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(br.bgzf, magic); err != nil {
		return "", err
	}
	if string(magic) != bamMagic {
		return "", fmt.Errorf("format: not a BAM file")
	}
	var lText int32
	if err := binary.Read(br.bgzf, binary.LittleEndian, &lText); err != nil {
		return "", err
	}
	text := make([]byte, lText)
	if _, err := io.ReadFull(br.bgzf, text); err != nil {
		return "", err
	}
	var nRef int32
	if err := binary.Read(br.bgzf, binary.LittleEndian, &nRef); err != nil {
		return "", err
	}
	br.references = make([]string, nRef)
	for i := int32(0); i < nRef; i++ {
		var lName int32
		if err := binary.Read(br.bgzf, binary.LittleEndian, &lName); err != nil {
			return "", err
		}
		name := make([]byte, lName)
		if _, err := io.ReadFull(br.bgzf, name); err != nil {
			return "", err
		}
		var lRef int32
		if err := binary.Read(br.bgzf, binary.LittleEndian, &lRef); err != nil {
			return "", err
		}
		br.references[i] = string(bytes.TrimRight(name, "\x00"))
	}
	br.buf = make([]byte, 4)
	return string(text), nil
}

// ReadRecord parses the next alignment block, returning io.EOF when
// the stream is exhausted.
func (br *BamReader) ReadRecord() (*Record, error) {
	if _, err := io.ReadFull(br.bgzf, br.buf); err != nil {
		return nil, err
	}
	size := int(int32(binary.LittleEndian.Uint32(br.buf)))
	block := make([]byte, size)
	if _, err := io.ReadFull(br.bgzf, block); err != nil {
		return nil, err
	}
	return parseRecord(block, br.references)
}

func parseRecord(block []byte, references []string) (*Record, error) {
	if len(block) < 32 {
		return nil, fmt.Errorf("format: truncated BAM alignment record")
	}
	r := &Record{}
	r.RefID = int32(binary.LittleEndian.Uint32(block[0:4]))
	r.POS = int32(binary.LittleEndian.Uint32(block[4:8]))
	lReadName := int(block[8])
	r.MAPQ = block[9]
	nCigarOp := binary.LittleEndian.Uint16(block[12:14])
	r.FLAG = binary.LittleEndian.Uint16(block[14:16])
	lSeq := int32(binary.LittleEndian.Uint32(block[16:20]))
	r.NextRefID = int32(binary.LittleEndian.Uint32(block[20:24]))
	r.NextPOS = int32(binary.LittleEndian.Uint32(block[24:28]))
	r.TLEN = int32(binary.LittleEndian.Uint32(block[28:32]))

	idx := 32
	r.QNAME = string(block[idx : idx+lReadName-1])
	idx += lReadName

	r.CIGAR = make([]CigarOp, nCigarOp)
	for i := uint16(0); i < nCigarOp; i, idx = i+1, idx+4 {
		v := binary.LittleEndian.Uint32(block[idx : idx+4])
		r.CIGAR[i] = CigarOp{Length: int32(v >> 4), Op: cigarOps[v&0xF]}
	}

	seqBytesLen := (int(lSeq) + 1) >> 1
	nib := nibbles.ReflectMake(int(lSeq), 0, block[idx:idx+seqBytesLen])
	r.Bases = make([]byte, lSeq)
	for i := range r.Bases {
		r.Bases[i] = baseLetters[nib.Get(i)]
	}
	idx += seqBytesLen

	r.Quality = append([]byte(nil), block[idx:idx+int(lSeq)]...)
	idx += int(lSeq)

	_ = references
	return r, nil
}

// Close releases the underlying BGZF and file layers.
func (br *BamReader) Close() error {
	return br.r.Close()
}

// RecordView exposes the fields a writer-side filter needs to classify
// an already-serialized record, plus enough of its layout to patch the
// FLAG field without touching the rest of the block (tags included) --
// unlike parseRecord, it never allocates Bases/Quality copies.
type RecordView struct {
	block     []byte
	flagOff   int
	qualOff   int
	qualLen   int
	RefID     int32
	POS       int32
	NextRefID int32
	NextPOS   int32
	FLAG      uint16
	QNAME     string
}

// SetDuplicate sets the 0x400 duplicate bit directly in the underlying
// bytes, so the batch buffer it was scanned from reflects the change
// without any re-encoding pass.
func (v *RecordView) SetDuplicate() {
	v.FLAG |= 0x400
	binary.LittleEndian.PutUint16(v.block[v.flagOff:v.flagOff+2], v.FLAG)
}

// QualitySum adds up the Phred+33 quality byte values, used to rank
// duplicate candidates by base-quality mass.
func (v *RecordView) QualitySum() int32 {
	var sum int32
	for _, b := range v.block[v.qualOff : v.qualOff+v.qualLen] {
		sum += int32(b)
	}
	return sum
}

// ScanRecords walks a buffer of concatenated, block_size-prefixed BAM
// records (the layout AsyncWriter buffers hold before they are BGZF
// compressed) and invokes fn with a RecordView backed directly by data,
// so fn's SetDuplicate calls are visible to the caller's buffer.
func ScanRecords(data []byte, fn func(*RecordView)) error {
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			return fmt.Errorf("format: truncated BAM block_size prefix")
		}
		size := int(int32(binary.LittleEndian.Uint32(data[off : off+4])))
		start := off + 4
		if size < 32 || start+size > len(data) {
			return fmt.Errorf("format: truncated BAM alignment record")
		}
		block := data[start : start+size]

		lReadName := int(block[8])
		nCigarOp := int(binary.LittleEndian.Uint16(block[12:14]))
		lSeq := int(int32(binary.LittleEndian.Uint32(block[16:20])))

		idx := 32
		qname := string(block[idx : idx+lReadName-1])
		idx += lReadName
		idx += nCigarOp * 4
		idx += (lSeq + 1) >> 1
		qualOff := idx

		fn(&RecordView{
			block:     block,
			flagOff:   14,
			qualOff:   qualOff,
			qualLen:   lSeq,
			RefID:     int32(binary.LittleEndian.Uint32(block[0:4])),
			POS:       int32(binary.LittleEndian.Uint32(block[4:8])),
			NextRefID: int32(binary.LittleEndian.Uint32(block[20:24])),
			NextPOS:   int32(binary.LittleEndian.Uint32(block[24:28])),
			FLAG:      binary.LittleEndian.Uint16(block[14:16]),
			QNAME:     qname,
		})

		off = start + size
	}
	return nil
}
