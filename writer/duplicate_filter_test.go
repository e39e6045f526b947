package writer

import (
	"encoding/binary"
	"testing"

	"github.com/biotools/seedalign/format"
)

func reparseFlag(t *testing.T, buf []byte, off int) uint16 {
	t.Helper()
	size := int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	rec, err := blockRecordForTest(buf[off+4 : off+4+size])
	if err != nil {
		t.Fatalf("parsing record at %d: %v", off, err)
	}
	return rec.FLAG
}

// blockRecordForTest reuses format's own round trip (via ScanRecords,
// the same accessor the filter itself uses) rather than reaching into
// unexported parseRecord from another package.
func blockRecordForTest(block []byte) (*format.RecordView, error) {
	var got *format.RecordView
	// ScanRecords expects a block_size-prefixed stream; re-prefix it.
	prefixed := make([]byte, 4+len(block))
	binary.LittleEndian.PutUint32(prefixed, uint32(len(block)))
	copy(prefixed[4:], block)
	err := format.ScanRecords(prefixed, func(v *format.RecordView) { got = v })
	return got, err
}

func TestDuplicateFilterMarksLowerQualityFragmentDuplicate(t *testing.T) {
	hi := &format.Record{QNAME: "a", RefID: 0, POS: 100, FLAG: 0, Bases: []byte("ACGT"), Quality: []byte{40, 40, 40, 40}}
	lo := &format.Record{QNAME: "b", RefID: 0, POS: 100, FLAG: 0, Bases: []byte("ACGT"), Quality: []byte{10, 10, 10, 10}}

	var buf []byte
	loOff := len(buf)
	buf = format.WriteRecord(lo, buf)
	hiOff := len(buf)
	buf = format.WriteRecord(hi, buf)

	df := NewDuplicateFilter(4)
	b := &Buffer{Data: buf, Used: len(buf)}
	if err := df.Filter().Apply(b, &OffsetAllocator{}); err != nil {
		t.Fatalf("DuplicateFilter.Apply: %v", err)
	}

	loFlag := reparseFlag(t, b.Data, loOff)
	hiFlag := reparseFlag(t, b.Data, hiOff)

	if loFlag&0x400 == 0 {
		t.Fatalf("lower-quality fragment should be marked duplicate, FLAG=%#x", loFlag)
	}
	if hiFlag&0x400 != 0 {
		t.Fatalf("higher-quality fragment should not be marked duplicate, FLAG=%#x", hiFlag)
	}
}

func TestDuplicateFilterSkipsUnmappedRecords(t *testing.T) {
	rec := &format.Record{QNAME: "u", RefID: -1, FLAG: format.SamUnmapped, Bases: []byte("ACGT"), Quality: []byte{30, 30, 30, 30}}
	buf := format.WriteRecord(rec, nil)

	df := NewDuplicateFilter(4)
	b := &Buffer{Data: buf, Used: len(buf)}
	if err := df.Filter().Apply(b, &OffsetAllocator{}); err != nil {
		t.Fatalf("DuplicateFilter.Apply: %v", err)
	}

	flag := reparseFlag(t, b.Data, 0)
	if flag&0x400 != 0 {
		t.Fatalf("an unmapped record must never be marked duplicate, FLAG=%#x", flag)
	}
}

func TestDuplicateFilterKind(t *testing.T) {
	df := NewDuplicateFilter(4)
	if df.Filter().Kind != Modify {
		t.Fatalf("DuplicateFilter.Filter().Kind = %v, want Modify", df.Filter().Kind)
	}
}
