package pairedend

import (
	"github.com/biotools/seedalign/config"
	"github.com/biotools/seedalign/genome"
	"github.com/biotools/seedalign/lv"
	"github.com/biotools/seedalign/mapq"
	"github.com/biotools/seedalign/reads"
	"github.com/biotools/seedalign/singleend"
	"github.com/biotools/seedalign/stats"
)

// minInsertSizeObservations is how many resolved pairs the running
// insert-size model needs before its mean/stddev are trusted over the
// configured fallback spacing (spec.md §4.6's fixed MinSpacing/MaxSpacing).
const minInsertSizeObservations = 100

// insertSizeSigmas bounds the adaptive spacing window at this many
// standard deviations past the running mean fragment length.
const insertSizeSigmas = 4.0

// Outcome mirrors singleend.Outcome for a mate pair.
type Outcome int

const (
	NotFound Outcome = iota
	SingleHit
	MultipleHits
)

// MateResult is one mate's half of a PairResult.
type MateResult struct {
	Location         int64
	Direction        singleend.Direction
	Score            int
	MatchProbability float64
	Cigar            string
}

// PairResult is what Engine.Align reports for a read pair.
type PairResult struct {
	Outcome Outcome
	Mate0   MateResult
	Mate1   MateResult
	TLEN    int32
	MAPQ    int
}

// setPairOrientation names the two orientation combinations spec.md
// §4.6 allows: read0 forward paired with read1 reverse-complement, or
// the reverse.
type setPairOrientation int

const (
	read0FwdRead1RC setPairOrientation = iota
	read0RCRead1Fwd
)

// Engine is a per-thread paired-end aligner; like singleend.Engine it
// is never shared across goroutines (spec.md §5). insertSizes is the
// one exception: it is a shared, mutex-guarded model fed by every
// worker's resolved pairs, the way elprep's per-worker filters share a
// single pargo/sync.Map for cross-worker state.
type Engine struct {
	cfg         *config.Config
	tables      *config.Tables
	genome      *genome.Genome
	index       *genome.Index
	extender    *lv.Extender
	fallback    *singleend.Engine
	insertSizes *stats.InsertSizeModel
}

// NewEngine constructs a paired-end engine, sharing the genome/index
// with a private fallback single-end engine for the short-read and
// excess-N escape hatch of spec.md §4.6. insertSizes may be nil, in
// which case the engine always falls back to the configured fixed
// spacing window.
func NewEngine(cfg *config.Config, tables *config.Tables, g *genome.Genome, idx *genome.Index, insertSizes *stats.InsertSizeModel) *Engine {
	return &Engine{
		cfg:         cfg,
		tables:      tables,
		genome:      g,
		index:       idx,
		extender:    lv.NewExtender(tables),
		fallback:    singleend.NewEngine(cfg, tables, g, idx),
		insertSizes: insertSizes,
	}
}

// Align aligns a read pair jointly, falling back to independent
// single-end alignment when either mate is too short or too degenerate
// (spec.md §4.6's "Fallback" clause).
func (e *Engine) Align(r0, r1 *reads.Read) PairResult {
	if r0.Len() < e.cfg.MinPairedReadLength || r1.Len() < e.cfg.MinPairedReadLength ||
		r0.NCount() > e.cfg.MaxK || r1.NCount() > e.cfg.MaxK {
		return e.alignFallback(r0, r1)
	}

	bestScore := singleend.UnusedScoreValue
	var best PairResult
	var probAllPairs float64

	scoreLimit := e.cfg.MaxK

	for _, orient := range []setPairOrientation{read0FwdRead1RC, read0RCRead1Fwd} {
		pairScore, pr, prob, newLimit := e.scanSetPair(r0, r1, orient, scoreLimit)
		probAllPairs += prob
		if newLimit < scoreLimit {
			scoreLimit = newLimit
		}
		if pairScore != singleend.UnusedScoreValue && (bestScore == singleend.UnusedScoreValue || pairScore < bestScore) {
			bestScore = pairScore
			best = pr
		}
		if probAllPairs >= 4.9 {
			break
		}
	}

	if bestScore == singleend.UnusedScoreValue {
		return PairResult{Outcome: NotFound}
	}

	best.MAPQ = mapq.Compute(mapq.Input{
		ProbabilityBest: best.Mate0.MatchProbability * best.Mate1.MatchProbability,
		ProbabilityAll:  probAllPairs,
		Score:           bestScore,
	})
	best.Outcome = SingleHit
	if probAllPairs > best.Mate0.MatchProbability*best.Mate1.MatchProbability*1.5 {
		best.Outcome = MultipleHits
	}
	if e.insertSizes != nil && best.Outcome == SingleHit {
		e.insertSizes.Observe(best.TLEN)
	}
	return best
}

// maxSpacing returns the fragment-spacing bound scanSetPair searches
// within: the running insert-size model's adaptive bound once enough
// pairs have been observed, else the configured fixed MaxSpacing.
func (e *Engine) maxSpacing() int64 {
	if e.insertSizes == nil {
		return int64(e.cfg.MaxSpacing)
	}
	return int64(e.insertSizes.AdaptiveMaxSpacing(minInsertSizeObservations, e.cfg.MaxSpacing, insertSizeSigmas))
}

// scanSetPair runs the intersection protocol of spec.md §4.6 for one
// orientation combination: the mate with fewer total hits drives the
// scan, admitting the other mate's hits into a spacing-windowed ring
// buffer.
func (e *Engine) scanSetPair(r0, r1 *reads.Read, orient setPairOrientation, scoreLimit int) (int, PairResult, float64, int) {
	var bases0, bases1 []byte
	var dir0, dir1 singleend.Direction

	if orient == read0FwdRead1RC {
		bases0, dir0 = r0.ClippedBases(), singleend.Forward
		bases1, dir1 = reverseComplementOf(r1), singleend.ReverseComplement
	} else {
		bases0, dir0 = reverseComplementOf(r0), singleend.ReverseComplement
		bases1, dir1 = r1.ClippedBases(), singleend.Forward
	}

	// bases0 and bases1 are already in reference orientation, so both
	// are looked up in the forward hit lists.
	set0 := BuildHitSet(e.index, bases0, e.cfg.SeedLen, e.cfg.MaxSeeds, e.cfg.MaxHits, true)
	set1 := BuildHitSet(e.index, bases1, e.cfg.SeedLen, e.cfg.MaxSeeds, e.cfg.MaxHits, true)

	small, large := set0, set1
	smallBases, largeBases := bases0, bases1
	smallIsRead0 := true
	if set1.Len() < set0.Len() {
		small, large = set1, set0
		smallBases, largeBases = bases1, bases0
		smallIsRead0 = false
	}

	ring := NewRingBuffer(64)
	maxSpacing := e.maxSpacing()
	minSpacing := int64(e.cfg.MinSpacing)

	bestScore := singleend.UnusedScoreValue
	var best PairResult
	var probAll float64
	cursor := 0

	for si := 0; si < small.Len(); si++ {
		sHit := small.At(si)
		gs := sHit.AnchorLocation

		for cursor < large.Len() && large.At(cursor).AnchorLocation > gs+maxSpacing {
			cursor++
		}
		j := cursor
		ring.Reset()
		for j < large.Len() && large.At(j).AnchorLocation >= gs-maxSpacing {
			lHit := large.At(j)
			ring.Admit(HitLocation{GenomeLocation: lHit.AnchorLocation, SeedOffset: lHit.SeedOffset, MaxK: scoreLimit})
			j++
		}
		if ring.Len() == 0 {
			continue
		}

		sRes := e.score(smallBases, gs, scoreLimit)
		if sRes.EditDistance == singleend.UnusedScoreValue {
			continue
		}

		for i := 0; i < ring.Len(); i++ {
			entry := ring.At(i)
			remaining := scoreLimit - sRes.EditDistance
			if remaining < 0 {
				continue
			}
			lRes := e.score(largeBases, entry.GenomeLocation, remaining)
			if lRes.EditDistance == singleend.UnusedScoreValue {
				continue
			}
			spacing := gs - entry.GenomeLocation
			if spacing < 0 {
				spacing = -spacing
			}
			if spacing < minSpacing || spacing > maxSpacing {
				continue
			}

			pairScore := sRes.EditDistance + lRes.EditDistance
			pairProb := sRes.MatchProbability * lRes.MatchProbability
			probAll += pairProb

			if pairScore <= e.cfg.MaxK && (bestScore == singleend.UnusedScoreValue || pairScore < bestScore) {
				bestScore = pairScore
				tlen := outerTemplateLength(gs, len(smallBases), entry.GenomeLocation, len(largeBases))
				small0, small1 := MateResult{Location: gs, Direction: dir0, Score: sRes.EditDistance, MatchProbability: sRes.MatchProbability, Cigar: sRes.Cigar},
					MateResult{Location: entry.GenomeLocation, Direction: dir1, Score: lRes.EditDistance, MatchProbability: lRes.MatchProbability, Cigar: lRes.Cigar}
				if smallIsRead0 {
					best = PairResult{Mate0: small0, Mate1: small1, TLEN: tlen}
				} else {
					best = PairResult{Mate0: small1, Mate1: small0, TLEN: -tlen}
				}
				newLimit := pairScore + e.cfg.ExtraSearchDepth
				if newLimit < scoreLimit {
					scoreLimit = newLimit
				}
			}
		}
		if probAll >= 4.9 {
			break
		}
	}

	return bestScore, best, probAll, scoreLimit
}

// outerTemplateLength computes the SAM TLEN convention: the span from
// the leftmost mapped base of either mate to the rightmost mapped
// base of either mate (spec.md §6, §8 scenario 5), not the distance
// between the two mates' anchor locations. Its sign follows
// locA-locB, matching the gs-entry.GenomeLocation convention the
// caller's smallIsRead0 flip already assumes.
func outerTemplateLength(locA int64, lenA int, locB int64, lenB int) int32 {
	minStart := locA
	if locB < minStart {
		minStart = locB
	}
	maxEnd := locA + int64(lenA)
	if end := locB + int64(lenB); end > maxEnd {
		maxEnd = end
	}
	span := int32(maxEnd - minStart)
	if locA < locB {
		return -span
	}
	return span
}

func (e *Engine) score(pattern []byte, genomeLoc int64, k int) lv.Result {
	if k < 0 {
		return lv.Result{EditDistance: singleend.UnusedScoreValue}
	}
	text, _ := e.genome.Substring(genomeLoc, len(pattern)+k)
	form := lv.CigarEqualsX
	if !e.cfg.CigarUseEqualsX {
		form = lv.CigarMOnly
	}
	return e.extender.ComputeEditDistance(int(genomeLoc), true, pattern, nil, text, k, form)
}

func reverseComplementOf(r *reads.Read) []byte {
	bases := r.ClippedBases()
	out := make([]byte, len(bases))
	for i, b := range bases {
		out[len(bases)-1-i] = reads.Complement(b)
	}
	return out
}

// alignFallback dispatches both mates independently to the single-end
// engine, capping MAPQ at 70 per spec.md §4.6.
func (e *Engine) alignFallback(r0, r1 *reads.Read) PairResult {
	res0 := e.fallback.Align(r0)
	res1 := e.fallback.Align(r1)

	outcome := NotFound
	if res0.Outcome != singleend.NotFound && res1.Outcome != singleend.NotFound {
		outcome = SingleHit
		if res0.Outcome == singleend.MultipleHits || res1.Outcome == singleend.MultipleHits {
			outcome = MultipleHits
		}
	}

	mapqValue := res0.MAPQ
	if res1.MAPQ < mapqValue {
		mapqValue = res1.MAPQ
	}

	return PairResult{
		Outcome: outcome,
		Mate0:   MateResult{Location: res0.Location, Direction: res0.Direction, Score: res0.Score, MatchProbability: res0.MatchProbability, Cigar: res0.Cigar},
		Mate1:   MateResult{Location: res1.Location, Direction: res1.Direction, Score: res1.Score, MatchProbability: res1.MatchProbability, Cigar: res1.Cigar},
		MAPQ:    mapq.Clamp(mapqValue, 70),
	}
}
