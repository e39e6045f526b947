package writer

import (
	"sync/atomic"
	"unsafe"

	pargosync "github.com/exascience/pargo/sync"

	"github.com/biotools/seedalign/format"
	"github.com/biotools/seedalign/internal"
)

// candidateHandle is a CAS-able slot holding the current best record
// view for one duplicate partition, adapted from elprep's mark-
// duplicates handle: an unsafe.Pointer swapped with
// atomic.CompareAndSwapPointer rather than funneled through
// pargo/sync.Map, since the map only needs to hand out one slot per key
// and the racing "is mine still best" comparison happens many times per
// slot.
type candidateHandle struct {
	object unsafe.Pointer
}

func newCandidateHandle(rec *format.RecordView) *candidateHandle {
	return &candidateHandle{object: unsafe.Pointer(rec)}
}

func (h *candidateHandle) record() *format.RecordView {
	return (*format.RecordView)(h.object)
}

func (h *candidateHandle) compareAndSwap(old, new *format.RecordView) bool {
	return atomic.CompareAndSwapPointer(&h.object, unsafe.Pointer(old), unsafe.Pointer(new))
}

// partitionKey groups records by (position, refID, orientation flags),
// per spec.md §4.8's "Duplicate-marking filter".
type partitionKey struct {
	refID    int32
	pos      int32
	reversed bool
}

// Hash implements the Hashable interface pargo/sync.Map keys require,
// the same contract elprep's fragment/pairFragment key types satisfy.
func (k partitionKey) Hash() uint64 {
	return uint64(uint32(k.refID)) ^ uint64(uint32(k.pos))<<32 ^ internal.BoolHash(k.reversed)
}

// qnameKey wraps a QNAME string for the cross-batch mate lookup table.
type qnameKey string

func (k qnameKey) Hash() uint64 {
	return internal.StringHash(string(k))
}

func partitionOf(v *format.RecordView) (partitionKey, bool) {
	if v.FLAG&format.SamUnmapped != 0 {
		return partitionKey{}, false
	}
	return partitionKey{refID: v.RefID, pos: v.POS, reversed: v.FLAG&format.SamReverse != 0}, true
}

// DuplicateFilter marks duplicate reads within a batch, and does a
// best-effort cross-batch second-mate flag for pairs whose mates
// already passed through an earlier batch. It is a Modify filter: it
// patches the FLAG field of already-serialized records in place and
// never changes record count or length.
//
// The tables are shared across every buffer a writer's sibling
// AsyncWriters flush, the same way elprep's MarkDuplicates shares one
// *sync.Map across the whole filter pipeline rather than per-batch.
type DuplicateFilter struct {
	fragments *pargosync.Map
	mates     *pargosync.Map
	pairs     *pargosync.Map
}

// NewDuplicateFilter constructs a filter with splits shards per table,
// matching elprep's "16 * GOMAXPROCS" sharding rule of thumb scaled
// down for a single filter instance.
func NewDuplicateFilter(splits int) *DuplicateFilter {
	if splits < 1 {
		splits = 16
	}
	return &DuplicateFilter{
		fragments: pargosync.NewMap(splits),
		mates:     pargosync.NewMap(splits),
		pairs:     pargosync.NewMap(splits),
	}
}

// Filter returns the composable Filter value for this duplicate table.
func (d *DuplicateFilter) Filter() Filter {
	return Filter{
		Kind: Modify,
		Apply: func(buf *Buffer, _ *OffsetAllocator) error {
			return format.ScanRecords(buf.Data[:buf.Used], d.classify)
		},
	}
}

func (d *DuplicateFilter) classify(rec *format.RecordView) {
	key, ok := partitionOf(rec)
	if !ok {
		return
	}
	isPair := rec.FLAG&format.SamMultiple != 0 && rec.FLAG&format.SamMateUnmapped == 0

	if isPair {
		d.classifyAsPairMember(rec)
	} else {
		d.classifyAsFragment(rec, key)
	}
}

func (d *DuplicateFilter) classifyAsFragment(rec *format.RecordView, key partitionKey) {
	entry, found := d.fragments.LoadOrStore(key, newCandidateHandle(rec))
	if !found {
		return
	}
	best := entry.(*candidateHandle)
	score := rec.QualitySum()
	for {
		bestRec := best.record()
		if bestRec.QualitySum() >= score {
			rec.SetDuplicate()
			return
		}
		if best.compareAndSwap(bestRec, rec) {
			bestRec.SetDuplicate()
			return
		}
	}
}

// classifyAsPairMember looks up the other mate by QNAME; when found,
// the pair's joint quality sum decides the winner and the loser is
// flagged. If the mate hasn't been seen yet, rec is parked until it
// shows up -- possibly in a later batch, which is why only the *second*
// mate's flag can be backpatched (spec.md §4.8: "falls back to a
// best-effort flag on the second mate's partition").
func (d *DuplicateFilter) classifyAsPairMember(rec *format.RecordView) {
	entry, deleted := d.mates.DeleteOrStore(qnameKey(rec.QNAME), rec)
	if !deleted {
		return
	}
	mate := entry.(*format.RecordView)

	rec1, rec2 := rec, mate
	if rec1.POS > rec2.POS {
		rec1, rec2 = rec2, rec1
	}
	pairScore := rec1.QualitySum() + rec2.QualitySum()

	pairKey := partitionKey{refID: rec1.RefID, pos: rec1.POS, reversed: rec1.FLAG&format.SamReverse != 0}
	entry2, found := d.pairs.LoadOrStore(pairKey, newPairHandle(pairScore, rec1, rec2))
	if !found {
		return
	}
	best := entry2.(*pairHandle)
	for {
		bestPair := best.pair()
		if bestPair.score >= pairScore {
			rec1.SetDuplicate()
			rec2.SetDuplicate()
			return
		}
		replacement := &scoredPair{score: pairScore, a: rec1, b: rec2}
		if best.compareAndSwap(bestPair, replacement) {
			bestPair.a.SetDuplicate()
			bestPair.b.SetDuplicate()
			return
		}
	}
}

type scoredPair struct {
	score int32
	a, b  *format.RecordView
}

// pairHandle is the scoredPair analogue of candidateHandle.
type pairHandle struct {
	object unsafe.Pointer
}

func newPairHandle(score int32, a, b *format.RecordView) *pairHandle {
	return &pairHandle{object: unsafe.Pointer(&scoredPair{score: score, a: a, b: b})}
}

func (h *pairHandle) pair() *scoredPair {
	return (*scoredPair)(h.object)
}

func (h *pairHandle) compareAndSwap(old, new *scoredPair) bool {
	return atomic.CompareAndSwapPointer(&h.object, unsafe.Pointer(old), unsafe.Pointer(new))
}
