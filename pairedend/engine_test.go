package pairedend

import (
	"math/rand"
	"testing"

	"github.com/biotools/seedalign/config"
	"github.com/biotools/seedalign/genome"
	"github.com/biotools/seedalign/reads"
	"github.com/biotools/seedalign/singleend"
	"github.com/biotools/seedalign/stats"
)

func buildEngineTestGenome(length int, seed int64) *genome.Genome {
	letters := []byte("ACGT")
	rng := rand.New(rand.NewSource(seed))
	bases := make([]byte, length)
	for i := range bases {
		bases[i] = letters[rng.Intn(4)]
	}
	return genome.New([]genome.Piece{{Name: "chr1", Start: 0, Length: int64(length)}}, bases)
}

func revcomp(bases []byte) []byte {
	out := make([]byte, len(bases))
	for i, b := range bases {
		out[len(bases)-1-i] = reads.Complement(b)
	}
	return out
}

func testPairedEngine(g *genome.Genome) *Engine {
	idx := genome.Build(g, 20)
	cfg := config.DefaultConfig()
	tables := config.DefaultTables()
	return NewEngine(&cfg, tables, g, idx, nil)
}

func flatQuality(n int) []byte {
	q := make([]byte, n)
	for i := range q {
		q[i] = 'I'
	}
	return q
}

func TestAlignProperPairForwardRC(t *testing.T) {
	g := buildEngineTestGenome(3000, 99)
	e := testPairedEngine(g)

	const readLen = 76
	const locA, locB = 100, 600

	fwdBases, _ := g.Substring(locA, readLen)
	refB, _ := g.Substring(locB, readLen)
	r0 := &reads.Read{ID: "m0", Bases: append([]byte(nil), fwdBases...), Quality: flatQuality(readLen), ClipFront: 0, ClipBack: readLen}
	r1 := &reads.Read{ID: "m1", Bases: revcomp(refB), Quality: flatQuality(readLen), ClipFront: 0, ClipBack: readLen}

	res := e.Align(r0, r1)
	if res.Outcome == NotFound {
		t.Fatalf("expected a proper pair to be found, got NotFound: %+v", res)
	}
	if res.Mate0.Location != locA {
		t.Fatalf("Mate0.Location = %d, want %d", res.Mate0.Location, locA)
	}
	if res.Mate1.Location != locB {
		t.Fatalf("Mate1.Location = %d, want %d", res.Mate1.Location, locB)
	}
	if res.Mate0.Direction != singleend.Forward {
		t.Fatalf("Mate0.Direction = %v, want Forward", res.Mate0.Direction)
	}
	if res.Mate1.Direction != singleend.ReverseComplement {
		t.Fatalf("Mate1.Direction = %v, want ReverseComplement", res.Mate1.Direction)
	}
	// TLEN is the outer-coordinate template length: rightmost mapped
	// base (locB+readLen) minus leftmost mapped base (locA), signed
	// negative here since the leftmost mate is read0.
	wantTLEN := -int32((locB + readLen) - locA)
	if res.TLEN != wantTLEN {
		t.Fatalf("TLEN = %d, want %d", res.TLEN, wantTLEN)
	}
}

func TestAlignFallbackOnShortReads(t *testing.T) {
	g := buildEngineTestGenome(1000, 55)
	e := testPairedEngine(g)

	shortLen := 30 // below MinPairedReadLength (50)
	bases, _ := g.Substring(50, shortLen)
	r0 := &reads.Read{ID: "s0", Bases: append([]byte(nil), bases...), Quality: flatQuality(shortLen), ClipFront: 0, ClipBack: shortLen}
	r1 := &reads.Read{ID: "s1", Bases: append([]byte(nil), bases...), Quality: flatQuality(shortLen), ClipFront: 0, ClipBack: shortLen}

	res := e.Align(r0, r1)
	// the fallback path dispatches each mate independently to the
	// single-end engine; MAPQ must never exceed the paired-fallback cap.
	if res.MAPQ > 70 {
		t.Fatalf("MAPQ = %d, want <= 70 on the fallback path", res.MAPQ)
	}
}

func TestAlignFeedsInsertSizeModel(t *testing.T) {
	g := buildEngineTestGenome(3000, 99)
	idx := genome.Build(g, 20)
	cfg := config.DefaultConfig()
	tables := config.DefaultTables()
	insertSizes := stats.NewInsertSizeModel()
	e := NewEngine(&cfg, tables, g, idx, insertSizes)

	const readLen = 76
	const locA, locB = 100, 600

	fwdBases, _ := g.Substring(locA, readLen)
	refB, _ := g.Substring(locB, readLen)
	r0 := &reads.Read{ID: "m0", Bases: append([]byte(nil), fwdBases...), Quality: flatQuality(readLen), ClipFront: 0, ClipBack: readLen}
	r1 := &reads.Read{ID: "m1", Bases: revcomp(refB), Quality: flatQuality(readLen), ClipFront: 0, ClipBack: readLen}

	res := e.Align(r0, r1)
	if res.Outcome == NotFound {
		t.Fatalf("expected a proper pair to be found, got NotFound: %+v", res)
	}
	if got := insertSizes.Count(); got != 1 {
		t.Fatalf("insertSizes.Count() = %d, want 1 after one resolved pair", got)
	}
	mean, _ := insertSizes.MeanStdDev()
	wantAbsTLEN := float64((locB + readLen) - locA)
	if mean != wantAbsTLEN {
		t.Fatalf("insertSizes mean = %v, want %v", mean, wantAbsTLEN)
	}
}

func TestAlignUnrelatedPairIsNotFound(t *testing.T) {
	g := buildEngineTestGenome(3000, 12)
	e := testPairedEngine(g)

	const readLen = 76
	bases0 := make([]byte, readLen)
	bases1 := make([]byte, readLen)
	for i := range bases0 {
		bases0[i] = 'A'
		bases1[i] = 'T'
	}
	r0 := &reads.Read{ID: "u0", Bases: bases0, Quality: flatQuality(readLen), ClipFront: 0, ClipBack: readLen}
	r1 := &reads.Read{ID: "u1", Bases: bases1, Quality: flatQuality(readLen), ClipFront: 0, ClipBack: readLen}

	res := e.Align(r0, r1)
	if res.Outcome != NotFound {
		t.Fatalf("Outcome = %v, want NotFound for a pair absent from the reference", res.Outcome)
	}
}
