package bgzf

import (
	"bytes"
	"io"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 1000)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped %d bytes, want %d bytes matching the original payload", len(got), len(payload))
	}
}

func TestWriterEndsWithEOFMarker(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data := out.Bytes()
	if len(data) < len(eofMarker) {
		t.Fatalf("output too short to contain an EOF marker: %d bytes", len(data))
	}
	if !bytes.Equal(data[len(data)-len(eofMarker):], eofMarker) {
		t.Fatalf("output does not end with the BGZF EOF marker")
	}
}

func TestNewVirtualOffsetPhysicalAndDelta(t *testing.T) {
	vo := NewVirtualOffset(123456, 789)
	if vo.Physical() != 123456 {
		t.Fatalf("Physical() = %d, want 123456", vo.Physical())
	}
	if vo.Delta() != 789 {
		t.Fatalf("Delta() = %d, want 789", vo.Delta())
	}
}

func TestNewVirtualOffsetPanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("NewVirtualOffset should panic when the physical offset does not fit in 48 bits")
		}
	}()
	NewVirtualOffset(1<<48, 0)
}

func TestIsGzipDetectsMagicByte(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	_, _ = w.Write([]byte("hi"))
	_ = w.Close()

	br := bytes.NewReader(out.Bytes())
	isGzip, err := IsGzip(br)
	if err != nil {
		t.Fatalf("IsGzip: %v", err)
	}
	if !isGzip {
		t.Fatalf("IsGzip() on a real BGZF stream should return true")
	}

	plain := bytes.NewReader([]byte("not gzip data"))
	isGzip, err = IsGzip(plain)
	if err != nil {
		t.Fatalf("IsGzip: %v", err)
	}
	if isGzip {
		t.Fatalf("IsGzip() on plain text should return false")
	}
}
