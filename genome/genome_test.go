package genome

import "testing"

func testPieces() []Piece {
	return []Piece{
		{Name: "chr1", Start: 0, Length: 10},
		{Name: "chr2", Start: 10, Length: 5},
	}
}

func TestPieceIndexOf(t *testing.T) {
	g := New(testPieces(), make([]byte, 15))

	cases := []struct {
		loc        int64
		wantIndex  int
		wantOffset int64
		wantOK     bool
	}{
		{0, 0, 0, true},
		{9, 0, 9, true},
		{10, 1, 0, true},
		{14, 1, 4, true},
		{15, 0, 0, false},
		{-1, 0, 0, false},
	}
	for _, c := range cases {
		idx, off, ok := g.PieceIndexOf(c.loc)
		if ok != c.wantOK || (ok && (idx != c.wantIndex || off != c.wantOffset)) {
			t.Errorf("PieceIndexOf(%d) = (%d, %d, %v), want (%d, %d, %v)",
				c.loc, idx, off, ok, c.wantIndex, c.wantOffset, c.wantOK)
		}
	}
}

func TestPieceOf(t *testing.T) {
	g := New(testPieces(), make([]byte, 15))
	p, off, ok := g.PieceOf(12)
	if !ok || p.Name != "chr2" || off != 2 {
		t.Fatalf("PieceOf(12) = (%+v, %d, %v), want chr2/2/true", p, off, ok)
	}
}

func TestOffsetOfPiece(t *testing.T) {
	g := New(testPieces(), make([]byte, 15))
	off, ok := g.OffsetOfPiece("chr2")
	if !ok || off != 10 {
		t.Fatalf("OffsetOfPiece(chr2) = (%d, %v), want (10, true)", off, ok)
	}
	if _, ok := g.OffsetOfPiece("chr3"); ok {
		t.Fatalf("OffsetOfPiece(chr3) should not be found")
	}
}

func TestLength(t *testing.T) {
	g := New(testPieces(), make([]byte, 15))
	if g.Length() != 15 {
		t.Fatalf("Length() = %d, want 15", g.Length())
	}
	empty := New(nil, nil)
	if empty.Length() != 0 {
		t.Fatalf("Length() of empty genome = %d, want 0", empty.Length())
	}
}

func TestSubstring(t *testing.T) {
	bases := []byte("ACGTACGTACGTACG")
	g := New(testPieces(), bases)

	s, err := g.Substring(4, 4)
	if err != nil || string(s) != "ACGT" {
		t.Fatalf("Substring(4,4) = (%q, %v), want (ACGT, nil)", s, err)
	}

	// truncated at the end of the buffer rather than erroring
	s, err = g.Substring(12, 10)
	if err != nil || string(s) != "ACG" {
		t.Fatalf("Substring(12,10) = (%q, %v), want (ACG, nil)", s, err)
	}

	_, err = g.Substring(100, 4)
	if err != PastEnd {
		t.Fatalf("Substring(100,4) err = %v, want PastEnd", err)
	}
}

func TestParseGenomeRoundTrip(t *testing.T) {
	g := New(testPieces(), []byte("ACGTACGTACGTACG"))
	data := encodeGenomeForTest(g)

	got, err := parseGenome(data)
	if err != nil {
		t.Fatalf("parseGenome: %v", err)
	}
	if len(got.Pieces()) != 2 || got.Pieces()[0].Name != "chr1" || got.Pieces()[1].Name != "chr2" {
		t.Fatalf("unexpected pieces: %+v", got.Pieces())
	}
	if got.Pieces()[1].Start != 10 {
		t.Fatalf("chr2 start = %d, want 10", got.Pieces()[1].Start)
	}
	s, err := got.Substring(0, 15)
	if err != nil || string(s) != "ACGTACGTACGTACG" {
		t.Fatalf("Substring after parse = (%q, %v)", s, err)
	}
}

// encodeGenomeForTest builds the packed-reference byte layout that
// parseGenome expects, mirroring the format LoadReference consumes.
func encodeGenomeForTest(g *Genome) []byte {
	buf := []byte(genomeMagic)
	buf = appendUint32(buf, uint32(len(g.Pieces())))
	for _, p := range g.Pieces() {
		buf = appendUint32(buf, uint32(len(p.Name)))
		buf = append(buf, p.Name...)
		buf = appendUint64(buf, uint64(p.Length))
	}
	buf = append(buf, g.bases...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
