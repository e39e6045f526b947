// Package lv implements the banded edit-distance extender used by both
// alignment engines: given a read (with per-base quality) and a
// reference substring, it computes the edit distance up to a caller
// supplied limit k, an optional CIGAR string, and a match-probability
// estimate derived from the quality values at the positions the
// traced alignment calls mismatches or indels.
//
// The core recurrence is the classic Landau-Vishkin/Ukkonen
// "furthest-reaching point per diagonal" dynamic program: L[d][e] is
// the length of the longest pattern prefix alignable to text using
// exactly d edits and ending on diagonal e (the signed offset between
// consumed pattern and consumed text). This keeps the DP's cost
// proportional to k^2 rather than to the full pattern/text product,
// the same complexity trade SNAPLib's LandauVishkin class makes.
package lv

import (
	"math"
	"strconv"

	"github.com/biotools/seedalign/config"
)

// Result is the outcome of one extension.
type Result struct {
	EditDistance    int // -1 if no alignment within k
	Cigar           string
	MatchProbability float64
	GenomeOffset    int // bases of text actually consumed (for clipped ends)
}

const notFound = -1

// cigarOp is one traced CIGAR event before run-length coalescing.
type cigarOp struct {
	kind byte // '=','X','I','D'
	run  int
}

// maxBand bounds the supported edit-distance limit; SNAP uses a
// similarly small static bound so the diagonal arrays can live on the
// stack-equivalent (a per-Extender reused buffer here).
const maxBand = 64

// Extender holds scratch state reused across calls, following
// spec.md's "manual scoped buffers" design note: the diagonal arrays
// and a small cache keyed by (text_offset, direction) so repeated
// scoring of the same candidate at the same limit returns instantly.
type Extender struct {
	tables *config.Tables

	l        [maxBand + 1][2*maxBand + 1]int32
	cigarBuf []byte

	cache map[cacheKey]Result
}

type cacheKey struct {
	textOffset int
	forward    bool
	patternLen int
	k          int
}

// NewExtender constructs an Extender backed by the shared probability
// tables.
func NewExtender(tables *config.Tables) *Extender {
	return &Extender{tables: tables, cigarBuf: make([]byte, 0, 512), cache: make(map[cacheKey]Result, 64)}
}

// QuickHammingScore computes the number of mismatches between pattern
// and text (same length, no indels) and aborts early once it would
// exceed k, a fast path tried before the full banded DP per spec.md's
// supplemented "Hamming-only fast path" feature.
func QuickHammingScore(pattern, text []byte, k int) int {
	if len(pattern) != len(text) {
		return notFound
	}
	mismatches := 0
	for i := range pattern {
		if pattern[i] != text[i] && pattern[i] != 'N' && text[i] != 'N' {
			mismatches++
			if mismatches > k {
				return notFound
			}
		}
	}
	return mismatches
}

// HammingCigar builds a substitution-only CIGAR for two equal-length
// sequences, for callers that already know via QuickHammingScore that
// no indel is needed to align pattern against text.
func HammingCigar(pattern, text []byte, form CigarForm) string {
	var ops []cigarOp
	i := 0
	for i < len(pattern) {
		j := i
		for j < len(pattern) && (pattern[j] == text[j] || pattern[j] == 'N' || text[j] == 'N') {
			j++
		}
		if j > i {
			ops = append(ops, cigarOp{'=', j - i})
		}
		if j < len(pattern) {
			ops = append(ops, cigarOp{'X', 1})
			j++
		}
		i = j
	}
	return coalesceCigar(ops, form)
}

// ComputeEditDistance runs the banded Landau-Vishkin DP between
// pattern (the read, already oriented) and text (a reference
// substring at least len(pattern)+k long), forward from offset 0,
// capped at edit distance k. textOffset identifies the candidate's
// genome anchor for caching purposes only.
func (e *Extender) ComputeEditDistance(textOffset int, forward bool, pattern, quality, text []byte, k int, cigarForm CigarForm) Result {
	key := cacheKey{textOffset: textOffset, forward: forward, patternLen: len(pattern), k: k}
	if r, ok := e.cache[key]; ok {
		return r
	}
	r := e.computeEditDistance(pattern, quality, text, k, cigarForm)
	e.cache[key] = r
	return r
}

// CigarForm selects between the =/X/I/D/N/S and M/I/D/N/S CIGAR
// alphabets, per spec.md §4.4.
type CigarForm int

const (
	CigarEqualsX CigarForm = iota
	CigarMOnly
)

func (e *Extender) computeEditDistance(pattern, quality, text []byte, k int, form CigarForm) Result {
	if k > maxBand {
		k = maxBand
	}
	patLen := len(pattern)

	// diagonal e ranges over [-k, k]; store with offset k so index >= 0.
	for d := 0; d <= k; d++ {
		for ei := 0; ei <= 2*k; ei++ {
			e.l[d][ei] = notFound
		}
	}

	matchLen := commonPrefixLen(pattern, text)
	e.l[0][k] = int32(matchLen)

	if matchLen >= patLen {
		return Result{EditDistance: 0, Cigar: allMatchCigar(patLen, form), MatchProbability: 1.0, GenomeOffset: patLen}
	}

	for d := 1; d <= k; d++ {
		for diag := -d; diag <= d; diag++ {
			ei := diag + k
			var best int32 = notFound
			if ei-1 >= 0 && e.l[d-1][ei-1] != notFound {
				if v := e.l[d-1][ei-1] + 1; v > best { // insertion in pattern
					best = v
				}
			}
			if e.l[d-1][ei] != notFound {
				if v := e.l[d-1][ei] + 1; v > best { // substitution
					best = v
				}
			}
			if ei+1 <= 2*k && e.l[d-1][ei+1] != notFound {
				if v := e.l[d-1][ei+1]; v > best { // deletion from pattern
					best = v
				}
			}
			if best == notFound {
				continue
			}
			textPos := int(best) - diag
			if textPos < 0 || textPos > len(text) || int(best) > patLen {
				e.l[d][ei] = best
				continue
			}
			best += int32(commonPrefixLen(pattern[best:], text[textPos:]))
			if int(best) > patLen {
				best = int32(patLen)
			}
			e.l[d][ei] = best
		}
		// check for completion on any diagonal
		for diag := -d; diag <= d; diag++ {
			ei := diag + k
			if e.l[d][ei] >= int32(patLen) {
				consumed := patLen - diag
				cigar, prob := e.traceback(pattern, quality, text, d, diag, k, form)
				return Result{EditDistance: d, Cigar: cigar, MatchProbability: prob, GenomeOffset: consumed}
			}
		}
	}
	return Result{EditDistance: notFound}
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && (a[i] == b[i] || a[i] == 'N' || b[i] == 'N') {
		i++
	}
	return i
}

func allMatchCigar(length int, form CigarForm) string {
	if length == 0 {
		return "*"
	}
	op := byte('=')
	if form == CigarMOnly {
		op = 'M'
	}
	return strconv.Itoa(length) + string(op)
}

// traceback walks the diagonal array backward from (d, diag) to
// reconstruct a CIGAR string and accumulate the match probability as
// the product of per-event probabilities drawn from the shared quality
// tables.
func (e *Extender) traceback(pattern, quality, text []byte, d, diag, k int, form CigarForm) (string, float64) {
	var ops []cigarOp
	curD, curDiag := d, diag
	prob := 1.0

	for curD > 0 {
		ei := curDiag + k
		here := int(e.l[curD][ei])

		subFrom := notFound
		if e.l[curD-1][ei] != notFound {
			subFrom = int(e.l[curD-1][ei]) + 1
		}
		insFrom := notFound
		if ei-1 >= 0 && e.l[curD-1][ei-1] != notFound {
			insFrom = int(e.l[curD-1][ei-1]) + 1
		}
		delFrom := notFound
		if ei+1 <= 2*k && e.l[curD-1][ei+1] != notFound {
			delFrom = int(e.l[curD-1][ei+1])
		}

		matchRun := 0
		switch {
		case subFrom != notFound && stepMatches(here, subFrom, &matchRun):
			ops = append(ops, cigarOp{'=', matchRun})
			ops = append(ops, cigarOp{'X', 1})
			q := byte('!' + 30)
			if qi := subFrom - 1; qi >= 0 && qi < len(quality) {
				q = quality[qi]
			}
			prob *= e.tables.QualityErrorProbability[q]
			curD--
		case insFrom != notFound && stepMatches(here, insFrom, &matchRun):
			ops = append(ops, cigarOp{'=', matchRun})
			ops = append(ops, cigarOp{'I', 1})
			prob *= e.tables.GapOpenProbability
			curD--
			curDiag--
		case delFrom != notFound && stepMatches(here, delFrom, &matchRun):
			ops = append(ops, cigarOp{'=', matchRun})
			ops = append(ops, cigarOp{'D', 1})
			prob *= e.tables.GapOpenProbability
			curD--
			curDiag++
		default:
			curD = 0
		}
	}
	if curEnd := int(e.l[0][curDiag+k]); curEnd > 0 {
		ops = append(ops, cigarOp{'=', curEnd})
	}

	// reverse and coalesce
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	cigar := coalesceCigar(ops, form)
	return cigar, prob
}

func stepMatches(here, from int, matchRun *int) bool {
	if from < 0 || from > here {
		return false
	}
	*matchRun = here - from
	return true
}

func coalesceCigar(ops []cigarOp, form CigarForm) string {
	if len(ops) == 0 {
		return "*"
	}
	var b []byte
	i := 0
	for i < len(ops) {
		kind, run := ops[i].kind, ops[i].run
		j := i + 1
		for j < len(ops) && ops[j].kind == kind {
			run += ops[j].run
			j++
		}
		if run > 0 {
			out := kind
			if form == CigarMOnly && (kind == '=' || kind == 'X') {
				out = 'M'
			}
			b = append(b, []byte(strconv.Itoa(run))...)
			b = append(b, out)
		}
		i = j
	}
	if len(b) == 0 {
		return "*"
	}
	return string(b)
}

// MatchProbabilityBound reports whether prob is at least floor; a NaN
// prob never is.
func MatchProbabilityBound(prob, floor float64) bool {
	return prob >= floor && !math.IsNaN(prob)
}
