// Package singleend implements the seed-and-extend single-end
// candidate engine of spec.md §4.5: seeding, a candidate hash table
// with weighted best-candidates-first bucketing and epoch-based
// reset, and the scoring loop that resolves a SingleHit, MultipleHits,
// or NotFound result with a MAPQ estimate.
//
// The hash table follows spec.md §9's "cyclic graphs -> arena + index"
// design note: elements and weight-list links live in one pool slice,
// addressed by dense uint32 handles instead of pointers, with a
// sentinel noHandle standing in for nil. This mirrors the arena/handle
// style elprep's sync.Map shards use internally for their chained
// buckets, generalized here to a table the aligner owns exclusively
// (single-threaded, reset by epoch bump rather than any locking).
package singleend

import (
	"github.com/willf/bitset"
)

const noHandle = ^uint32(0)

// mergeDistance windows per spec.md §4.5; candidates whose genome
// location falls within this many bases of each other collapse into
// one hash-table element.
const mergeDistance = 31

// elementSpan is the inline per-element candidate array width: twice
// the merge distance. A candidate's offset from the element's base
// location is always below mergeDistance, so only the first half of
// the array is ever filled.
const elementSpan = 2 * mergeDistance

// UnusedScoreValue marks a candidate or bucket that has not been
// scored, or a result slot that was never populated.
const UnusedScoreValue = -1

// Direction is the read orientation a candidate was generated under.
type Direction int

const (
	Forward Direction = iota
	ReverseComplement
)

// candidateSlot is one per-base-offset candidate within an element.
type candidateSlot struct {
	seedOffset int
	score      int
	matchProb  float64
	cigar      string
}

// element is one hash-table bucket, anchored at baseLocation (rounded
// down to a mergeDistance window) for a given direction.
type element struct {
	inUse     bool
	epoch     uint64
	direction Direction
	base      int64 // genome_location rounded down to mergeDistance

	candidateBits *bitset.BitSet // which offsets in [0,elementSpan) have a candidate
	scoredBits    *bitset.BitSet // which of those have been scored

	candidates [elementSpan]candidateSlot

	weight               int
	lowestPossibleScore  int
	bestScoreInBucket    int
	bestMatchProbability float64

	// hash chain within the bucket array
	hashNext uint32

	// weight-list doubly linked list
	weightNext, weightPrev uint32
}

// Table is the per-thread candidate hash table. It is never shared
// across goroutines; each worker's Engine owns exactly one.
type Table struct {
	buckets []uint32 // hash slot -> first element handle (chained via hashNext)
	pool    []element
	epoch   uint64

	weightHeads []uint32 // weightHeads[w] = first element handle at weight w
	maxWeight   int

	numSlots uint32
}

// NewTable constructs a table with numSlots hash buckets (a power of
// two is recommended) and room for maxWeight distinct weight values.
func NewTable(numSlots int, maxWeight int) *Table {
	t := &Table{
		buckets:     make([]uint32, numSlots),
		weightHeads: make([]uint32, maxWeight+1),
		maxWeight:   maxWeight,
		numSlots:    uint32(numSlots),
	}
	for i := range t.buckets {
		t.buckets[i] = noHandle
	}
	for i := range t.weightHeads {
		t.weightHeads[i] = noHandle
	}
	return t
}

// Clear resets the table by bumping the epoch and emptying the bucket
// and weight-list heads, a pass over numSlots+maxWeight+1 entries; the
// element pool itself is not touched, and stale elements are reused
// lazily by the next allocation.
func (t *Table) Clear() {
	t.epoch++
	for i := range t.buckets {
		t.buckets[i] = noHandle
	}
	for i := range t.weightHeads {
		t.weightHeads[i] = noHandle
	}
}

func (t *Table) hashSlot(base int64, dir Direction) uint32 {
	h := uint64(base)*0x9E3779B97F4A7C15 + uint64(dir)*0xC2B2AE3D27D4EB4F
	h ^= h >> 29
	return uint32(h % uint64(t.numSlots))
}

// AddCandidate records a hit at genomeLocation (already seed-offset
// adjusted to the candidate's implied read start) for the given
// direction and seed offset, allocating a new element if none exists
// within the merge-distance window. It returns the element handle and
// whether this call increased the bucket's weight (a previously
// untouched offset).
func (t *Table) AddCandidate(genomeLocation int64, dir Direction, seedOffset int) (handle uint32, newOffset bool) {
	base := (genomeLocation / mergeDistance) * mergeDistance
	slot := t.hashSlot(base, dir)

	for h := t.buckets[slot]; h != noHandle; h = t.pool[h].hashNext {
		el := &t.pool[h]
		if el.epoch == t.epoch && el.inUse && el.direction == dir && el.base == base {
			return t.touch(h, genomeLocation, seedOffset)
		}
	}

	h := t.allocate()
	el := &t.pool[h]
	el.inUse = true
	el.epoch = t.epoch
	el.direction = dir
	el.base = base
	el.weight = 0
	el.lowestPossibleScore = 0
	el.bestScoreInBucket = UnusedScoreValue
	el.bestMatchProbability = 0
	if el.candidateBits == nil {
		el.candidateBits = bitset.New(elementSpan)
		el.scoredBits = bitset.New(elementSpan)
	} else {
		el.candidateBits.ClearAll()
		el.scoredBits.ClearAll()
	}
	el.hashNext = t.buckets[slot]
	t.buckets[slot] = h

	return t.touch(h, genomeLocation, seedOffset)
}

func (t *Table) allocate() uint32 {
	for i := range t.pool {
		if !t.pool[i].inUse || t.pool[i].epoch != t.epoch {
			return uint32(i)
		}
	}
	t.pool = append(t.pool, element{})
	return uint32(len(t.pool) - 1)
}

func (t *Table) touch(h uint32, genomeLocation int64, seedOffset int) (uint32, bool) {
	el := &t.pool[h]
	offset := uint(genomeLocation - el.base)
	if offset >= elementSpan {
		return h, false
	}
	if el.candidateBits.Test(offset) {
		return h, false
	}
	el.candidateBits.Set(offset)
	el.candidates[offset] = candidateSlot{seedOffset: seedOffset, score: UnusedScoreValue}

	oldWeight := el.weight
	el.weight++
	t.moveWeightList(h, oldWeight, el.weight)
	return h, true
}

func (t *Table) moveWeightList(h uint32, oldWeight, newWeight int) {
	if oldWeight > 0 {
		t.unlinkWeight(h, oldWeight)
	}
	if newWeight > t.maxWeight {
		newWeight = t.maxWeight
	}
	el := &t.pool[h]
	el.weightNext = t.weightHeads[newWeight]
	el.weightPrev = noHandle
	if t.weightHeads[newWeight] != noHandle {
		t.pool[t.weightHeads[newWeight]].weightPrev = h
	}
	t.weightHeads[newWeight] = h
}

func (t *Table) unlinkWeight(h uint32, weight int) {
	if weight > t.maxWeight {
		weight = t.maxWeight
	}
	el := &t.pool[h]
	if el.weightPrev != noHandle {
		t.pool[el.weightPrev].weightNext = el.weightNext
	} else {
		t.weightHeads[weight] = el.weightNext
	}
	if el.weightNext != noHandle {
		t.pool[el.weightNext].weightPrev = el.weightPrev
	}
}

// Element returns a pointer to the element for h. Valid only until the
// next Clear.
func (t *Table) Element(h uint32) *element {
	return &t.pool[h]
}

// WeightHead returns the first element handle at the given weight, or
// noHandle if none.
func (t *Table) WeightHead(weight int) uint32 {
	if weight > t.maxWeight {
		weight = t.maxWeight
	}
	if weight < 0 {
		return noHandle
	}
	return t.weightHeads[weight]
}

// Next returns the next element handle in h's weight list.
func (t *Table) Next(h uint32) uint32 {
	return t.pool[h].weightNext
}
