package singleend

import (
	"github.com/biotools/seedalign/config"
	"github.com/biotools/seedalign/genome"
	"github.com/biotools/seedalign/lv"
	"github.com/biotools/seedalign/mapq"
	"github.com/biotools/seedalign/reads"
)

// Outcome classifies the result of aligning one read.
type Outcome int

const (
	NotFound Outcome = iota
	SingleHit
	MultipleHits
)

// Result is what Engine.Align reports for one read.
type Result struct {
	Outcome       Outcome
	Location      int64
	Direction     Direction
	Score         int
	MatchProbability float64
	MAPQ          int
	Cigar         string

	PopularSeedsSkipped int
	UsedHamming         bool
}

// Engine is a per-thread, non-shared single-end aligner, matching
// spec.md §5's "each worker owns its own aligner instance" concurrency
// model: the hash table, Landau-Vishkin cache, and scratch buffers
// below are never touched by more than one goroutine.
type Engine struct {
	cfg    *config.Config
	tables *config.Tables
	index  *genome.Index
	genome *genome.Genome

	table    *Table
	extender *lv.Extender

	rcBuf []byte
}

// NewEngine constructs a single-end engine bound to g/idx and the
// shared configuration/tables.
func NewEngine(cfg *config.Config, tables *config.Tables, g *genome.Genome, idx *genome.Index) *Engine {
	return &Engine{
		cfg:      cfg,
		tables:   tables,
		index:    idx,
		genome:   g,
		table:    NewTable(4096, cfg.MaxSeeds+8),
		extender: lv.NewExtender(tables),
	}
}

// Align finds the best edit-distance alignment for r, considering both
// orientations, per spec.md §4.5.
func (e *Engine) Align(r *reads.Read) Result {
	e.table.Clear()

	bases := r.ClippedBases()
	if len(bases) < e.cfg.SeedLen || r.NCount() > e.cfg.MaxK {
		return Result{Outcome: NotFound, Location: -1}
	}

	popularSkips := 0
	confDiff := e.cfg.ConfDiff
	seedsUsed := 0

	for offset, wrap := 0, 0; seedsUsed < e.cfg.MaxSeeds && wrap < e.cfg.SeedLen; {
		if offset+e.cfg.SeedLen > len(bases) {
			wrap++
			offset = wrap
			if offset+e.cfg.SeedLen > len(bases) {
				break
			}
			continue
		}
		seed := bases[offset : offset+e.cfg.SeedLen]
		if containsN(seed) {
			offset += e.cfg.SeedLen
			continue
		}

		fwdHits, rcHits := e.index.Lookup(seed)
		seedsUsed++

		if len(fwdHits) > e.cfg.MaxHits && !e.cfg.ExplorePopularSeeds {
			popularSkips++
		} else {
			for _, hit := range fwdHits {
				e.table.AddCandidate(hit-int64(offset), Forward, offset)
			}
		}

		if len(rcHits) > e.cfg.MaxHits && !e.cfg.ExplorePopularSeeds {
			popularSkips++
		} else {
			// an RC hit is where the seed's reverse complement starts;
			// the read's reverse complement then starts len-offset-seedLen
			// bases earlier.
			for _, hit := range rcHits {
				e.table.AddCandidate(hit-int64(len(bases)-offset-e.cfg.SeedLen), ReverseComplement, offset)
			}
		}

		offset += e.cfg.SeedLen
	}

	if popularSkips >= e.cfg.AdaptiveConfDiffThreshold {
		confDiff++
	}

	return e.scoreLoop(r, bases, popularSkips, confDiff)
}

func containsN(s []byte) bool {
	for _, b := range s {
		if b == 'N' {
			return true
		}
	}
	return false
}

func (e *Engine) scoreLoop(r *reads.Read, bases []byte, popularSkips, confDiff int) Result {
	scoreLimit := e.cfg.MaxK
	if e.cfg.ExtraSearchDepth < scoreLimit {
		scoreLimit = e.cfg.ExtraSearchDepth + confDiff
	}

	bestScore, secondBestScore := UnusedScoreValue, UnusedScoreValue
	var bestLocation int64 = -1
	var bestDirection Direction
	var bestProb float64
	var bestCigar string
	var probAll, probBest float64

	rc := e.rcBuffer(bases)
	quality := r.ClippedQuality()

	for w := e.table.maxWeight; w >= 1; w-- {
		if bestScore != UnusedScoreValue && w < e.lowestPossibleWeight(scoreLimit) {
			break
		}
		for h := e.table.WeightHead(w); h != noHandle; h = e.table.Next(h) {
			el := e.table.Element(h)
			if el.epoch != e.table.epoch {
				continue
			}
			for offset := 0; offset < elementSpan; offset++ {
				if !el.candidateBits.Test(uint(offset)) || el.scoredBits.Test(uint(offset)) {
					continue
				}
				el.scoredBits.Set(uint(offset))

				cand := &el.candidates[offset]
				genomeLoc := el.base + int64(offset)

				var pattern, qual []byte
				if el.direction == Forward {
					pattern, qual = bases, quality
				} else {
					pattern, qual = rc, reverseBytes(quality)
				}

				form := lv.CigarEqualsX
				if !e.cfg.CigarUseEqualsX {
					form = lv.CigarMOnly
				}

				// QuickHammingScore only succeeds within scoreLimit, which
				// is always far smaller than a read's length; a real indel
				// anywhere in the window would push every base downstream
				// of it out of register and blow past scoreLimit almost
				// immediately, forcing the fallback below. A successful
				// Hamming score is therefore already the true edit
				// distance at this anchor, not an approximation of it, so
				// it doesn't carry SNAP's usedHamming MAPQ penalty (that
				// penalty is for a categorically riskier whole-read
				// Hamming-only scoring mode this engine doesn't have).
				refWin := e.refWindow(genomeLoc, len(pattern))
				if ham := lv.QuickHammingScore(pattern, refWin, scoreLimit); ham != UnusedScoreValue {
					cand.score = ham
					cand.matchProb = 1.0
					cand.cigar = lv.HammingCigar(pattern, refWin, form)
				} else {
					text := e.refWindow(genomeLoc, len(pattern)+scoreLimit)
					res := e.extender.ComputeEditDistance(int(genomeLoc), el.direction == Forward, pattern, qual, text, scoreLimit, form)
					cand.score = res.EditDistance
					cand.matchProb = res.MatchProbability
					cand.cigar = res.Cigar
				}

				if cand.score == UnusedScoreValue {
					continue
				}

				probAll += cand.matchProb

				switch {
				case bestScore == UnusedScoreValue || cand.score < bestScore:
					secondBestScore = bestScore
					bestScore, bestLocation, bestDirection, bestProb = cand.score, genomeLoc, el.direction, cand.matchProb
					bestCigar = cand.cigar
					probBest = cand.matchProb
				case cand.score == bestScore:
					probBest += cand.matchProb
				case secondBestScore == UnusedScoreValue || cand.score < secondBestScore:
					secondBestScore = cand.score
				}

				if bestScore != UnusedScoreValue {
					newLimit := bestScore + e.cfg.ExtraSearchDepth
					if newLimit < scoreLimit {
						scoreLimit = newLimit
					}
				}
				if e.cfg.StopOnFirstHit && bestScore != UnusedScoreValue && bestScore <= e.cfg.MaxK {
					return e.resolve(bestScore, secondBestScore, bestLocation, bestDirection, bestProb, bestCigar, probBest, probAll, confDiff, popularSkips, scoreLimit)
				}
				if probAll >= 4.9 {
					return e.resolve(bestScore, secondBestScore, bestLocation, bestDirection, bestProb, bestCigar, probBest, probAll, confDiff, popularSkips, scoreLimit)
				}
			}
		}
	}

	return e.resolve(bestScore, secondBestScore, bestLocation, bestDirection, bestProb, bestCigar, probBest, probAll, confDiff, popularSkips, scoreLimit)
}

func (e *Engine) lowestPossibleWeight(scoreLimit int) int {
	if scoreLimit < 0 {
		return e.table.maxWeight + 1
	}
	return 1
}

func (e *Engine) refWindow(location int64, length int) []byte {
	if location < 0 {
		length += int(location)
		location = 0
		if length <= 0 {
			return nil
		}
	}
	sub, _ := e.genome.Substring(location, length)
	return sub
}

func (e *Engine) rcBuffer(bases []byte) []byte {
	if cap(e.rcBuf) < len(bases) {
		e.rcBuf = make([]byte, len(bases))
	}
	e.rcBuf = e.rcBuf[:len(bases)]
	n := len(bases)
	for i, b := range bases {
		e.rcBuf[n-1-i] = reads.Complement(b)
	}
	return e.rcBuf
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// resolve turns the winning candidate (if any) into a Result. This
// engine's Hamming fast path never sets UsedHamming: see the comment
// at its call site in scoreLoop for why a successful Hamming score is
// already the true edit distance, not SNAP's lossy whole-read
// Hamming-only mode. UsedHamming is kept on Result/mapq.Input for
// that interface contract, always false here.
func (e *Engine) resolve(bestScore, secondBestScore int, bestLocation int64, bestDirection Direction, bestProb float64, bestCigar string, probBest, probAll float64, confDiff, popularSkips int, scoreLimit int) Result {
	if bestScore == UnusedScoreValue {
		return Result{Outcome: NotFound, Location: -1, PopularSeedsSkipped: popularSkips}
	}

	outcome := MultipleHits
	if secondBestScore == UnusedScoreValue || bestScore < secondBestScore-confDiff {
		outcome = SingleHit
	}

	q := mapq.Compute(mapq.Input{
		ProbabilityBest:     probBest,
		ProbabilityAll:      probAll,
		PopularSeedsSkipped: popularSkips,
		Score:               bestScore,
	})

	return Result{
		Outcome:             outcome,
		Location:            bestLocation,
		Direction:            bestDirection,
		Score:               bestScore,
		MatchProbability:    bestProb,
		Cigar:               bestCigar,
		MAPQ:                q,
		PopularSeedsSkipped: popularSkips,
	}
}
