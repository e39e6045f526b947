package format

import "testing"

func TestSamTextReaderSkipsHeaderAndParsesHint(t *testing.T) {
	text := "@HD\tVN:1.6\tSO:unsorted\n" +
		"@SQ\tSN:chr1\tLN:1000\n" +
		"r1\t99\tchr1\t101\t60\t76M\t=\t201\t176\n" +
		"r2\t147\tchr1\t201\t60\t76M\t=\t101\t-176\n"

	src := newFakeReader(text)
	sr := NewSamTextReader(0, src)
	if err := sr.Init(""); err != nil {
		t.Fatalf("Init: %v", err)
	}

	hint, ok, err := sr.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = (_, %v, %v), want a record", ok, err)
	}
	if hint.QNAME != "r1" || hint.RNAME != "chr1" || hint.POS != 101 || hint.MAPQ != 60 {
		t.Fatalf("unexpected hint: %+v", hint)
	}
	if !hint.Mapped() || hint.Reversed() {
		t.Fatalf("r1 should be mapped, forward: %+v", hint)
	}
	if hint.TLEN != 176 {
		t.Fatalf("TLEN = %d, want 176", hint.TLEN)
	}

	hint2, ok, err := sr.Next()
	if err != nil || !ok {
		t.Fatalf("Next() (record 2) = (_, %v, %v)", ok, err)
	}
	if !hint2.Reversed() || hint2.MateReversed() {
		t.Fatalf("r2 should be reversed with a forward mate: %+v", hint2)
	}

	_, ok, err = sr.Next()
	if err != nil {
		t.Fatalf("Next() at EOF: %v", err)
	}
	if ok {
		t.Fatalf("Next() at EOF reported ok=true")
	}
}

func TestSamHintFlagAccessors(t *testing.T) {
	h := SamHint{Flag: SamUnmapped | SamReverse}
	if h.Mapped() {
		t.Fatalf("Mapped() should be false when SamUnmapped is set")
	}
	if !h.Reversed() {
		t.Fatalf("Reversed() should be true")
	}
}
