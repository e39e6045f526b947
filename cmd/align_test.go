package cmd

import (
	"math/rand"
	"testing"

	"github.com/biotools/seedalign/format"
	"github.com/biotools/seedalign/genome"
	"github.com/biotools/seedalign/pairedend"
	"github.com/biotools/seedalign/reads"
	"github.com/biotools/seedalign/singleend"
)

func buildCmdTestGenome(length int, seed int64) *genome.Genome {
	letters := []byte("ACGT")
	rng := rand.New(rand.NewSource(seed))
	bases := make([]byte, length)
	for i := range bases {
		bases[i] = letters[rng.Intn(4)]
	}
	return genome.New([]genome.Piece{{Name: "chr1", Start: 0, Length: int64(length)}}, bases)
}

func TestParseCigarEmpty(t *testing.T) {
	if ops := parseCigar(""); ops != nil {
		t.Fatalf("parseCigar(\"\") = %v, want nil", ops)
	}
}

func TestParseCigarSingleRun(t *testing.T) {
	ops := parseCigar("76=")
	if len(ops) != 1 || ops[0].Length != 76 || ops[0].Op != '=' {
		t.Fatalf("parseCigar(\"76=\") = %+v, want [{76 '='}]", ops)
	}
}

func TestParseCigarMultipleRuns(t *testing.T) {
	ops := parseCigar("35=1X40=")
	want := []format.CigarOp{{Length: 35, Op: '='}, {Length: 1, Op: 'X'}, {Length: 40, Op: '='}}
	if len(ops) != len(want) {
		t.Fatalf("parseCigar(%q) = %+v, want %+v", "35=1X40=", ops, want)
	}
	for i, w := range want {
		if ops[i] != w {
			t.Fatalf("parseCigar(%q)[%d] = %+v, want %+v", "35=1X40=", i, ops[i], w)
		}
	}
}

func TestOutputBasesForwardIsUnchanged(t *testing.T) {
	r := &reads.Read{Bases: []byte("ACGT"), Quality: []byte("IIII"), ClipFront: 0, ClipBack: 4}
	bases, quality := outputBases(r, singleend.Forward)
	if string(bases) != "ACGT" || string(quality) != "IIII" {
		t.Fatalf("outputBases(Forward) = (%q, %q), want (\"ACGT\", \"IIII\")", bases, quality)
	}
}

func TestOutputBasesReverseComplementReversesBoth(t *testing.T) {
	r := &reads.Read{Bases: []byte("AAGG"), Quality: []byte("1234"), ClipFront: 0, ClipBack: 4}
	bases, quality := outputBases(r, singleend.ReverseComplement)
	if string(bases) != "CCTT" {
		t.Fatalf("outputBases(ReverseComplement) bases = %q, want CCTT", bases)
	}
	if string(quality) != "4321" {
		t.Fatalf("outputBases(ReverseComplement) quality = %q, want 4321", quality)
	}
}

func TestSingleEndRecordNotFoundIsUnmapped(t *testing.T) {
	g := buildCmdTestGenome(200, 3)
	r := &reads.Read{ID: "x", Bases: []byte("ACGTACGTACGT"), Quality: []byte("IIIIIIIIIIII"), ClipFront: 0, ClipBack: 12}
	rec := singleEndRecord(g, r, singleend.Result{Outcome: singleend.NotFound})
	if rec.FLAG&format.SamUnmapped == 0 {
		t.Fatalf("NotFound result should set SamUnmapped")
	}
	if rec.RefID != -1 {
		t.Fatalf("RefID = %d, want -1 for unmapped", rec.RefID)
	}
}

func TestSingleEndRecordSingleHitIsMapped(t *testing.T) {
	g := buildCmdTestGenome(200, 3)
	bases, _ := g.Substring(50, 20)
	r := &reads.Read{ID: "x", Bases: append([]byte(nil), bases...), Quality: []byte("IIIIIIIIIIIIIIIIIIII"), ClipFront: 0, ClipBack: 20}
	res := singleend.Result{Outcome: singleend.SingleHit, Location: 50, Direction: singleend.Forward, MAPQ: 70, Cigar: "20="}
	rec := singleEndRecord(g, r, res)
	if rec.FLAG&format.SamUnmapped != 0 {
		t.Fatalf("SingleHit result should not set SamUnmapped")
	}
	if rec.RefID != 0 || rec.POS != 50 {
		t.Fatalf("RefID/POS = %d/%d, want 0/50", rec.RefID, rec.POS)
	}
	if len(rec.CIGAR) != 1 || rec.CIGAR[0].Op != '=' {
		t.Fatalf("CIGAR = %+v, want a single '=' run", rec.CIGAR)
	}
}

func TestLinkMatesPropagatesUnmappedAndReverseFlags(t *testing.T) {
	mate := &format.Record{RefID: 3, POS: 500, FLAG: format.SamReverse}
	rec := &format.Record{}
	linkMates(rec, mate)
	if rec.NextRefID != 3 || rec.NextPOS != 500 {
		t.Fatalf("NextRefID/NextPOS = %d/%d, want 3/500", rec.NextRefID, rec.NextPOS)
	}
	if rec.FLAG&format.SamMateReverse == 0 {
		t.Fatalf("linkMates should propagate SamMateReverse from the mate")
	}
	if rec.FLAG&format.SamMateUnmapped != 0 {
		t.Fatalf("mate is mapped; SamMateUnmapped should not be set")
	}
}

func TestLinkMatesBorrowsMatePositionWhenSelfUnmapped(t *testing.T) {
	mate := &format.Record{RefID: 7, POS: 900}
	rec := &format.Record{FLAG: format.SamUnmapped, RefID: -1, POS: 0}
	linkMates(rec, mate)
	if rec.RefID != 7 || rec.POS != 900 {
		t.Fatalf("unmapped record should borrow mate's RefID/POS, got %d/%d", rec.RefID, rec.POS)
	}
}

func TestPairedEndRecordsSetsProperPairAndTLEN(t *testing.T) {
	g := buildCmdTestGenome(1000, 9)
	r0 := &reads.Read{ID: "p", Bases: []byte("ACGTACGTACGTACGTACGT"), Quality: []byte("IIIIIIIIIIIIIIIIIIII"), ClipFront: 0, ClipBack: 20}
	r1 := &reads.Read{ID: "p", Bases: []byte("ACGTACGTACGTACGTACGT"), Quality: []byte("IIIIIIIIIIIIIIIIIIII"), ClipFront: 0, ClipBack: 20}
	res := pairedend.PairResult{
		Outcome: pairedend.SingleHit,
		Mate0:   pairedend.MateResult{Location: 100, Direction: singleend.Forward, Cigar: "20="},
		Mate1:   pairedend.MateResult{Location: 300, Direction: singleend.ReverseComplement, Cigar: "20="},
		TLEN:    -200,
		MAPQ:    60,
	}
	rec0, rec1 := pairedEndRecords(g, r0, r1, res)
	if rec0.FLAG&format.SamProperPair == 0 || rec1.FLAG&format.SamProperPair == 0 {
		t.Fatalf("both mates of a found pair should carry SamProperPair")
	}
	if rec0.FLAG&format.SamFirst == 0 || rec1.FLAG&format.SamLast == 0 {
		t.Fatalf("mate-order flags not set correctly: rec0.FLAG=%x rec1.FLAG=%x", rec0.FLAG, rec1.FLAG)
	}
	if rec0.TLEN != -200 || rec1.TLEN != 200 {
		t.Fatalf("TLEN = %d/%d, want -200/200", rec0.TLEN, rec1.TLEN)
	}
	if rec1.FLAG&format.SamReverse == 0 {
		t.Fatalf("mate1 aligned ReverseComplement should carry SamReverse")
	}
}
