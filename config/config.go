// Package config defines the read-only configuration record and shared
// immutable lookup tables every worker's aligner is constructed from
// (spec.md "Design Notes: global state -> configuration struct +
// per-thread context"), following elprep's pattern of a process-wide
// constants/tables block (sam/mark-duplicates.go's phredScoreTable)
// generalized into a reusable, explicitly-constructed value instead of
// package-level mutable globals.
package config

import "math"

// Config holds the knobs spec.md names for the seed-and-extend engines.
// It is built once at startup and shared read-only across every worker.
type Config struct {
	SeedLen    int // k-mer length, typically 20-22
	MaxK       int // edit-distance cap
	MaxHits    int // popular-seed threshold ("maxBigHits")
	MaxSeeds   int

	ConfDiff                  int // confidence-difference threshold for SingleHit vs MultipleHits
	AdaptiveConfDiffThreshold int // popular-seed skips before bumping conf diff by 1
	ExtraSearchDepth          int // post-best-score search radius
	ExploreUnpopularSeeds     bool
	ExplorePopularSeeds       bool
	StopOnFirstHit            bool

	MergeDistance int // candidate-merge window, 31 bases

	MinPairedReadLength int     // fallback-to-single-end threshold, 50 bases
	MinSpacing          int32   // paired-end minimum fragment spacing
	MaxSpacing          int32   // paired-end maximum fragment spacing

	CigarUseEqualsX bool // emit =/X CIGAR ops instead of M when true

	NofThreads int
	PinThreads bool
}

// DefaultConfig returns the configuration SNAP-derived defaults use,
// serving as a starting point a CLI would override from flags.
func DefaultConfig() Config {
	return Config{
		SeedLen:                   20,
		MaxK:                      14,
		MaxHits:                   300,
		MaxSeeds:                  25,
		ConfDiff:                  2,
		AdaptiveConfDiffThreshold: 15,
		ExtraSearchDepth:          2,
		ExploreUnpopularSeeds:     true,
		MergeDistance:             31,
		MinPairedReadLength:       50,
		MinSpacing:                50,
		MaxSpacing:                2000,
		CigarUseEqualsX:           true,
		NofThreads:                1,
	}
}

// Tables holds shared immutable probability/lookup tables computed once
// at startup, exactly the way elprep precomputes phredScoreTable in an
// init-style constructor rather than recomputing per read.
type Tables struct {
	// QualityErrorProbability[q] is P(sequencing error) for a Phred+33
	// quality byte q (index by the raw byte, as elprep's
	// phredScoreTable does).
	QualityErrorProbability [256]float64

	SNPProbability       float64
	GapOpenProbability   float64
	GapExtendProbability float64
}

// NewTables builds the shared probability tables from the given
// per-event priors.
func NewTables(snpProb, gapOpenProb, gapExtendProb float64) *Tables {
	t := &Tables{
		SNPProbability:       snpProb,
		GapOpenProbability:   gapOpenProb,
		GapExtendProbability: gapExtendProb,
	}
	for q := 0; q < 256; q++ {
		if q < '!' || q > '~' {
			t.QualityErrorProbability[q] = 1
			continue
		}
		phred := q - '!'
		t.QualityErrorProbability[q] = math.Pow(10, -float64(phred)/10)
	}
	return t
}

// DefaultTables returns the SNAP-derived default priors.
func DefaultTables() *Tables {
	return NewTables(0.001, 1e-5, 0.5)
}
