package ioreader

import "testing"

func TestOverlappedReaderReadsWholeSmallFile(t *testing.T) {
	content := "the quick brown fox jumps over the lazy dog\n"
	path := writeTempFile(t, content)

	r := NewOverlappedReader(16)
	if err := r.Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Close()

	data, valid, start, ok := r.GetData()
	if !ok {
		t.Fatalf("GetData() on a fresh reader should report ok=true")
	}
	if start != 0 {
		t.Fatalf("startBytes = %d, want 0 on the first batch", start)
	}
	if string(data[:valid]) != content {
		t.Fatalf("GetData() = %q, want %q", data[:valid], content)
	}

	r.Advance(valid)
	if err := r.NextBatch(false); err != nil {
		t.Fatalf("NextBatch: %v", err)
	}

	_, _, _, ok = r.GetData()
	if ok {
		t.Fatalf("GetData() past end of file should report ok=false")
	}
	if !r.IsEOF() {
		t.Fatalf("IsEOF() should be true once the producer has exhausted the file")
	}
}

func TestOverlappedReaderGetExtraIsStableSizedScratch(t *testing.T) {
	r := NewOverlappedReader(24)
	defer r.Close()
	if len(r.GetExtra()) != 24 {
		t.Fatalf("GetExtra() length = %d, want 24", len(r.GetExtra()))
	}
}

func TestOverlappedReaderReleaseBeforeDoesNotPanic(t *testing.T) {
	path := writeTempFile(t, "abc")
	r := NewOverlappedReader(8)
	if err := r.Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Close()
	r.ReleaseBefore(0)
}
