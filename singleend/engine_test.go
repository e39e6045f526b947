package singleend

import (
	"math/rand"
	"testing"

	"github.com/biotools/seedalign/config"
	"github.com/biotools/seedalign/genome"
	"github.com/biotools/seedalign/reads"
)

// buildTestGenome builds a reference from a fixed PRNG seed, giving a
// reproducible sequence with no internal repeats at the scale these
// tests use (unlike a short cycled pattern, which would make a single
// 40-base read match at many positions and turn every exact-match test
// into a spurious MultipleHits).
func buildTestGenome(length int) *genome.Genome {
	letters := []byte("ACGT")
	rng := rand.New(rand.NewSource(42))
	bases := make([]byte, length)
	for i := range bases {
		bases[i] = letters[rng.Intn(4)]
	}
	return genome.New([]genome.Piece{{Name: "chr1", Start: 0, Length: int64(length)}}, bases)
}

func testEngine(t *testing.T, g *genome.Genome) *Engine {
	t.Helper()
	idx := genome.Build(g, 20)
	cfg := config.DefaultConfig()
	tables := config.DefaultTables()
	return NewEngine(&cfg, tables, g, idx)
}

func TestAlignExactMatchIsSingleHit(t *testing.T) {
	g := buildTestGenome(500)
	e := testEngine(t, g)

	bases, _ := g.Substring(100, 40)
	quality := make([]byte, 40)
	for i := range quality {
		quality[i] = 'I'
	}
	r := &reads.Read{ID: "r1", Bases: append([]byte(nil), bases...), Quality: quality, ClipFront: 0, ClipBack: 40}

	res := e.Align(r)
	if res.Outcome != SingleHit {
		t.Fatalf("Outcome = %v, want SingleHit (result: %+v)", res.Outcome, res)
	}
	if res.Location != 100 {
		t.Fatalf("Location = %d, want 100", res.Location)
	}
	if res.Score != 0 {
		t.Fatalf("Score = %d, want 0 for an exact match", res.Score)
	}
	if res.Direction != Forward {
		t.Fatalf("Direction = %v, want Forward", res.Direction)
	}
	if res.Cigar != "40=" {
		t.Fatalf("Cigar = %q, want 40= for an exact match", res.Cigar)
	}
	if res.MAPQ != 70 {
		t.Fatalf("MAPQ = %d, want 70 for a unique exact match", res.MAPQ)
	}
}

func TestAlignOneMismatchProducesSplitCigar(t *testing.T) {
	g := buildTestGenome(500)
	e := testEngine(t, g)

	bases, _ := g.Substring(100, 40)
	read := append([]byte(nil), bases...)
	mismatchBase := byte('A')
	if read[10] == 'A' {
		mismatchBase = 'C'
	}
	read[10] = mismatchBase
	quality := make([]byte, 40)
	for i := range quality {
		quality[i] = 'I'
	}
	r := &reads.Read{ID: "mm", Bases: read, Quality: quality, ClipFront: 0, ClipBack: 40}

	res := e.Align(r)
	if res.Outcome != SingleHit {
		t.Fatalf("Outcome = %v, want SingleHit (result: %+v)", res.Outcome, res)
	}
	if res.Cigar != "10=1X29=" {
		t.Fatalf("Cigar = %q, want 10=1X29=", res.Cigar)
	}
	if res.MAPQ < 60 {
		t.Fatalf("MAPQ = %d, want >= 60 for a unique single-mismatch match", res.MAPQ)
	}
}

func TestAlignReverseComplementMatch(t *testing.T) {
	g := buildTestGenome(500)
	e := testEngine(t, g)

	bases, _ := g.Substring(200, 40)
	rc := make([]byte, 40)
	for i, b := range bases {
		rc[len(bases)-1-i] = reads.Complement(b)
	}
	quality := make([]byte, 40)
	for i := range quality {
		quality[i] = 'I'
	}
	r := &reads.Read{ID: "r2", Bases: rc, Quality: quality, ClipFront: 0, ClipBack: 40}

	res := e.Align(r)
	if res.Outcome != SingleHit {
		t.Fatalf("Outcome = %v, want SingleHit (result: %+v)", res.Outcome, res)
	}
	if res.Direction != ReverseComplement {
		t.Fatalf("Direction = %v, want ReverseComplement", res.Direction)
	}
	if res.Location != 200 {
		t.Fatalf("Location = %d, want 200", res.Location)
	}
}

func TestAlignShortReadIsNotFound(t *testing.T) {
	g := buildTestGenome(500)
	e := testEngine(t, g)

	r := &reads.Read{ID: "short", Bases: []byte("ACGT"), Quality: []byte("IIII"), ClipFront: 0, ClipBack: 4}
	res := e.Align(r)
	if res.Outcome != NotFound {
		t.Fatalf("Outcome = %v, want NotFound for a read shorter than SeedLen", res.Outcome)
	}
}

func TestAlignUnrelatedSequenceIsNotFound(t *testing.T) {
	g := buildTestGenome(500)
	e := testEngine(t, g)

	bases := []byte("TTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTTT")
	quality := make([]byte, len(bases))
	for i := range quality {
		quality[i] = 'I'
	}
	r := &reads.Read{ID: "none", Bases: bases, Quality: quality, ClipFront: 0, ClipBack: len(bases)}
	res := e.Align(r)
	if res.Outcome != NotFound {
		t.Fatalf("Outcome = %v, want NotFound for a sequence absent from the reference", res.Outcome)
	}
}
