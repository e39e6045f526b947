// Package mapq computes the Phred-scaled mapping quality spec.md §4.7
// defines, shared by both the single-end and paired-end engines. It is
// a small, pure function deliberately kept free of either engine's
// scoring-loop state, the way elprep keeps formula-only helpers (e.g.
// the bin() computation in sam/bam-files.go) out of the loop that
// drives them.
package mapq

import "math"

// Input bundles the probability-mass quantities MAPQ is computed from.
type Input struct {
	ProbabilityBest float64 // match probability mass of the best-scoring candidate
	ProbabilityAll  float64 // summed match probability mass of every candidate considered

	PopularSeedsSkipped int  // number of over-represented seeds skipped during seeding
	Score               int  // best candidate's edit-distance score
	UsedHamming         bool // true if the best candidate was resolved via the Hamming-only fast path

	// SimilarityMapClusterSize is the size of the largest cluster of
	// near-identical candidate locations the caller identified (the
	// "similarity map" hook of spec.md §3's supplemented features),
	// expressed as a plain count rather than a full similarity-map
	// type so callers that don't build one can just pass 0 or 1.
	SimilarityMapClusterSize int
}

// Compute returns the MAPQ value (0-70) for in.
func Compute(in Input) int {
	probAll := in.ProbabilityAll
	if probAll <= 0 {
		return 0
	}

	if probAll == in.ProbabilityBest &&
		in.PopularSeedsSkipped == 0 &&
		in.Score < 5 &&
		!in.UsedHamming {
		return 70
	}

	ratio := in.ProbabilityBest / probAll
	var mapq int
	if ratio >= 1 {
		mapq = 69
	} else {
		// the small epsilon keeps exact decades (ratio 0.99 -> 20) from
		// flooring one point low through rounding error.
		mapq = int(math.Floor(-10*math.Log10(1-ratio) + 1e-9))
		if mapq > 69 {
			mapq = 69
		}
	}

	// arbitrary penalty for using the Hamming-only fast path, which can
	// occasionally cause the engine to miss a better-scoring alignment.
	if in.UsedHamming {
		if mapq > 26 {
			mapq = 26
		} else if mapq > 10 {
			mapq--
		}
	}

	if in.SimilarityMapClusterSize > 1 {
		mapq -= int(math.Log10(float64(in.SimilarityMapClusterSize)) * 3)
	}

	mapq -= max(0, in.PopularSeedsSkipped-10) / 2

	if mapq < 0 {
		mapq = 0
	}
	return mapq
}

// Clamp bounds a paired-end MAPQ to the cap the fallback-to-single-end
// path imposes (spec.md §4.6).
func Clamp(value, max int) int {
	if value > max {
		return max
	}
	return value
}
