package reads

import (
	"bytes"
	"testing"
)

func TestClippedAccessors(t *testing.T) {
	r := Read{
		Bases:     []byte("AACCGGTTN"),
		Quality:   []byte("IIIIIIIII"),
		ClipFront: 2,
		ClipBack:  7,
	}
	if got := r.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}
	if got := string(r.ClippedBases()); got != "CCGGT" {
		t.Fatalf("ClippedBases() = %q, want %q", got, "CCGGT")
	}
	if got := r.UnclippedLength(); got != 9 {
		t.Fatalf("UnclippedLength() = %d, want 9", got)
	}
}

func TestNCount(t *testing.T) {
	r := Read{Bases: []byte("ANnNCGT"), ClipFront: 0, ClipBack: 7}
	if got := r.NCount(); got != 3 {
		t.Fatalf("NCount() = %d, want 3", got)
	}
}

func TestComplement(t *testing.T) {
	cases := map[byte]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A', 'N': 'N'}
	for in, want := range cases {
		if got := Complement(in); got != want {
			t.Errorf("Complement(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReverseComplementInPlaceRoundTrip(t *testing.T) {
	original := Read{
		Bases:     []byte("ACGTACGTA"),
		Quality:   []byte("123456789"),
		ClipFront: 1,
		ClipBack:  8,
	}
	r := original
	r.Bases = append([]byte(nil), original.Bases...)
	r.Quality = append([]byte(nil), original.Quality...)

	r.ReverseComplementInPlace()
	if bytes.Equal(r.Bases, original.Bases) {
		t.Fatalf("expected bases to change after one reverse-complement")
	}

	r.ReverseComplementInPlace()
	if !bytes.Equal(r.Bases, original.Bases) {
		t.Fatalf("ReverseComplementInPlace() twice = %q, want original %q", r.Bases, original.Bases)
	}
	if !bytes.Equal(r.Quality, original.Quality) {
		t.Fatalf("quality not restored: got %q, want %q", r.Quality, original.Quality)
	}
	if r.ClipFront != original.ClipFront || r.ClipBack != original.ClipBack {
		t.Fatalf("clip window not restored: got [%d:%d), want [%d:%d)", r.ClipFront, r.ClipBack, original.ClipFront, original.ClipBack)
	}
}

func TestDirectionOpposite(t *testing.T) {
	if Forward.Opposite() != ReverseComplement {
		t.Fatalf("Forward.Opposite() should be ReverseComplement")
	}
	if ReverseComplement.Opposite() != Forward {
		t.Fatalf("ReverseComplement.Opposite() should be Forward")
	}
	if Forward.String() != "FWD" || ReverseComplement.String() != "RC" {
		t.Fatalf("unexpected Direction.String() values")
	}
}
