package pairedend

import (
	"math/rand"
	"testing"

	"github.com/biotools/seedalign/genome"
)

func TestHashTableHitSetFinalizeSortsDescending(t *testing.T) {
	s := NewHashTableHitSet()
	s.Add(150, 10) // anchor 140
	s.Add(500, 0)  // anchor 500
	s.Add(320, 20) // anchor 300
	s.Finalize()

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	want := []int64{500, 300, 140}
	for i, w := range want {
		if got := s.At(i).AnchorLocation; got != w {
			t.Fatalf("At(%d) = %d, want %d", i, got, w)
		}
	}
}

func buildPairedTestGenome(length int) *genome.Genome {
	letters := []byte("ACGT")
	rng := rand.New(rand.NewSource(7))
	bases := make([]byte, length)
	for i := range bases {
		bases[i] = letters[rng.Intn(4)]
	}
	return genome.New([]genome.Piece{{Name: "chr1", Start: 0, Length: int64(length)}}, bases)
}

func TestBuildHitSetFindsForwardMatch(t *testing.T) {
	g := buildPairedTestGenome(500)
	idx := genome.Build(g, 20)

	bases, _ := g.Substring(120, 40)
	set := BuildHitSet(idx, bases, 20, 25, 300, true)
	if set.Len() == 0 {
		t.Fatalf("BuildHitSet found no forward hits for a sequence taken directly from the reference")
	}
	found := false
	for i := 0; i < set.Len(); i++ {
		if set.At(i).AnchorLocation == 120 {
			found = true
		}
	}
	if !found {
		t.Fatalf("BuildHitSet did not report the true anchor location 120")
	}
}

func TestBuildHitSetEmptyForUnrelatedSequence(t *testing.T) {
	g := buildPairedTestGenome(500)
	idx := genome.Build(g, 20)

	bases := make([]byte, 40)
	for i := range bases {
		bases[i] = 'N'
	}
	set := BuildHitSet(idx, bases, 20, 25, 300, true)
	if set.Len() != 0 {
		t.Fatalf("BuildHitSet on an all-N sequence should find no hits, got %d", set.Len())
	}
}
