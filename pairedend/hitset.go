package pairedend

import (
	"sort"

	psort "github.com/exascience/pargo/sort"

	"github.com/biotools/seedalign/genome"
)

// Hit is one seed lookup result, adjusted so sorting by AnchorLocation
// orders candidates the way the intersection scan expects: by
// (hit_location - seed_offset) descending.
type Hit struct {
	AnchorLocation int64
	SeedOffset     int
}

// HashTableHitSet accumulates every seed hit for one mate of a
// set-pair and exposes them as an ordered array, per spec.md §4.6:
// "ordered hit arrays sorted descending by (hit - seed_offset)".
type HashTableHitSet struct {
	hits []Hit
}

// NewHashTableHitSet returns an empty hit set.
func NewHashTableHitSet() *HashTableHitSet {
	return &HashTableHitSet{}
}

// Add records one seed hit.
func (s *HashTableHitSet) Add(genomeLocation int64, seedOffset int) {
	s.hits = append(s.hits, Hit{AnchorLocation: genomeLocation - int64(seedOffset), SeedOffset: seedOffset})
}

// Finalize sorts the accumulated hits descending by AnchorLocation,
// using pargo's parallel stable sort (elprep's intervals.go and
// sam/sam-types.go both drive bulk sorts this way) instead of the
// stdlib sort package directly. Hits from different seeds that share
// an anchor are then collapsed, keeping the first one added.
func (s *HashTableHitSet) Finalize() {
	psort.StableSort(hitSlice(s.hits))
	distinct := s.hits[:0]
	for _, h := range s.hits {
		if len(distinct) > 0 && distinct[len(distinct)-1].AnchorLocation == h.AnchorLocation {
			continue
		}
		distinct = append(distinct, h)
	}
	s.hits = distinct
}

// Len returns the number of distinct hits.
func (s *HashTableHitSet) Len() int { return len(s.hits) }

// At returns the i-th hit in descending order.
func (s *HashTableHitSet) At(i int) Hit { return s.hits[i] }

type hitSlice []Hit

func (h hitSlice) SequentialSort(i, j int) {
	sort.SliceStable(h[i:j], func(a, b int) bool { return h[i:j][a].AnchorLocation > h[i:j][b].AnchorLocation })
}

func (h hitSlice) NewTemp() psort.StableSorter {
	return make(hitSlice, len(h))
}

func (h hitSlice) Len() int { return len(h) }

func (h hitSlice) Less(i, j int) bool { return h[i].AnchorLocation > h[j].AnchorLocation }

func (h hitSlice) Assign(source psort.StableSorter) func(i, j, ln int) {
	dst, src := h, source.(hitSlice)
	return func(i, j, ln int) {
		copy(dst[i:i+ln], src[j:j+ln])
	}
}

// BuildHitSet seeds a HashTableHitSet from every non-popular seed hit
// the genome index returns for bases, mirroring the single-end
// engine's seeding loop but without hash-table bucketing, since the
// paired-end path intersects raw sorted arrays instead.
func BuildHitSet(idx *genome.Index, bases []byte, seedLen, maxSeeds, maxHits int, forward bool) *HashTableHitSet {
	set := NewHashTableHitSet()
	seedsUsed := 0
	for offset, wrap := 0, 0; seedsUsed < maxSeeds && wrap < seedLen; {
		if offset+seedLen > len(bases) {
			wrap++
			offset = wrap
			if offset+seedLen > len(bases) {
				break
			}
			continue
		}
		seed := bases[offset : offset+seedLen]
		if hasN(seed) {
			offset += seedLen
			continue
		}
		fwdHits, rcHits := idx.Lookup(seed)
		seedsUsed++
		hits := fwdHits
		if !forward {
			hits = rcHits
		}
		if len(hits) <= maxHits {
			for _, h := range hits {
				set.Add(h, offset)
			}
		}
		offset += seedLen
	}
	set.Finalize()
	return set
}

func hasN(s []byte) bool {
	for _, b := range s {
		if b == 'N' {
			return true
		}
	}
	return false
}
