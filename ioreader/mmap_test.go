package ioreader

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestMmapReaderReadsWholeSmallFile(t *testing.T) {
	content := "the quick brown fox jumps over the lazy dog\n"
	path := writeTempFile(t, content)

	r := NewMmapReader(0, 16)
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
	if r.GetBatch() != 1 {
		t.Fatalf("GetBatch() = %d, want 1", r.GetBatch())
	}

	_, _, _, ok = r.GetData()
	if ok {
		t.Fatalf("GetData() past end of file should report ok=false")
	}
	if !r.IsEOF() {
		t.Fatalf("IsEOF() should be true after the cursor reaches end of file")
	}
	if r.FileOffset() != int64(len(content)) {
		t.Fatalf("FileOffset() = %d, want %d", r.FileOffset(), len(content))
	}
}

func TestMmapReaderGetExtraIsStableSizedScratch(t *testing.T) {
	r := NewMmapReader(0, 32)
	if len(r.GetExtra()) != 32 {
		t.Fatalf("GetExtra() length = %d, want 32", len(r.GetExtra()))
	}
}

func TestMmapReaderReleaseBeforeDoesNotPanicWithoutAGate(t *testing.T) {
	path := writeTempFile(t, "abc")
	r := NewMmapReader(0, 8)
	if err := r.Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Close()
	r.ReleaseBefore(5) // no producer ever waits when batchCount == 0
}
