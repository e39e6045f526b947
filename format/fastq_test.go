package format

import (
	"testing"

	"github.com/biotools/seedalign/ioreader"
)

// fakeReader is a minimal single-file, single-batch ioreader.Reader
// backed by an in-memory string, enough to drive FASTQReader/
// SamTextReader in tests without touching the filesystem or the real
// overlapped/mmap implementations.
type fakeReader struct {
	data  []byte
	pos   int
	eof   bool
	batch ioreader.BatchID
}

func newFakeReader(content string) *fakeReader {
	return &fakeReader{data: []byte(content)}
}

func (f *fakeReader) Init(path string) error                 { return nil }
func (f *fakeReader) Reinit(start, length int64) error        { return nil }
func (f *fakeReader) ReadHeader(size int) ([]byte, error)     { return nil, nil }
func (f *fakeReader) Advance(n int)                           { f.pos += n }
func (f *fakeReader) IsEOF() bool                              { return f.eof }
func (f *fakeReader) GetBatch() ioreader.BatchID               { return f.batch }
func (f *fakeReader) ReleaseBefore(batch ioreader.BatchID)     {}
func (f *fakeReader) GetExtra() []byte                         { return nil }
func (f *fakeReader) FileOffset() int64                        { return int64(f.pos) }
func (f *fakeReader) Close() error                             { return nil }

func (f *fakeReader) GetData() (data []byte, valid int, startBytes int, ok bool) {
	if f.eof {
		return nil, 0, 0, false
	}
	remainder := f.data[f.pos:]
	return remainder, len(remainder), 0, true
}

func (f *fakeReader) NextBatch(keepOpen bool) error {
	if f.pos >= len(f.data) {
		f.eof = true
	}
	f.batch++
	return nil
}

func TestClipAtLowQualityTail(t *testing.T) {
	cases := []struct {
		quality string
		want    int
	}{
		{"IIIIIIII", 8},  // no '#' present: keep the full read
		{"III#IIII", 3},  // '#' at index 3: clip back to that index
		{"########", 0},  // '#' immediately: zero-length clip window
		{"", 0},
	}
	for _, c := range cases {
		if got := clipAtLowQualityTail([]byte(c.quality)); got != c.want {
			t.Errorf("clipAtLowQualityTail(%q) = %d, want %d", c.quality, got, c.want)
		}
	}
}

func TestFASTQReaderNextAppliesLowQualityClip(t *testing.T) {
	src := newFakeReader("@r1\nACGTACGT\n+\nIIII#III\n")
	fq := NewFASTQReader(0, src)
	if err := fq.Init(""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r, ok, err := fq.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = (_, %v, %v), want a record", ok, err)
	}
	if r.ID != "r1" {
		t.Fatalf("ID = %q, want r1", r.ID)
	}
	if r.ClipFront != 0 || r.ClipBack != 4 {
		t.Fatalf("clip window = [%d:%d), want [0:4)", r.ClipFront, r.ClipBack)
	}
	if got := string(r.ClippedBases()); got != "ACGT" {
		t.Fatalf("ClippedBases() = %q, want ACGT", got)
	}

	_, ok, err = fq.Next()
	if err != nil {
		t.Fatalf("Next() at EOF: %v", err)
	}
	if ok {
		t.Fatalf("Next() at EOF reported ok=true")
	}
}
