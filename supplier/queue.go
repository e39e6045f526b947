// Package supplier implements the read supplier queue of spec.md §4.3:
// a bounded, batch-oriented handoff between one or two file-reading
// producers and a pool of worker goroutines that consume batches of
// reads. It is grounded on SNAPLib's ReadSupplierQueue (balance-gated
// producer/consumer queue with per-batch reference counting so a
// reader's buffers can be released back to ioreader as soon as the
// last consumer is done with them), expressed here with one mutex and
// two sync.Cond condition variables for the queue and balance gate,
// and a mutex-guarded map for the reference tracker.
package supplier

import (
	"sync"

	"github.com/biotools/seedalign/ioreader"
	"github.com/biotools/seedalign/reads"
)

// MaxImbalance bounds how many more batches one stream of a paired
// queue may have delivered than the other before its reader is made to
// wait, preventing one mate file's reads from running unboundedly
// ahead of the other's.
const MaxImbalance = 2

// Releaser is satisfied by an ioreader.Reader (or anything else that
// can free buffers once every read referencing a batch has been
// consumed).
type Releaser interface {
	ReleaseBefore(batch ioreader.BatchID)
}

// Batch is one unit of work handed to a consumer: a slice of reads (or
// read pairs) all drawn from the same underlying ioreader batch.
type Batch struct {
	Reads  []reads.Read
	Mates  []reads.Read // nil for single-end queues
	ID     uint64
}

// tracker counts, per underlying-file BatchID, how many reads drawn
// from it are still live in some consumer's hands. When the count
// drops to zero the batch may be released back to its reader. A plain
// mutex-guarded map is enough here: adds and removes are infrequent
// compared to the per-read work happening elsewhere, unlike the
// per-alignment fragment table mark-duplicates.go shards with
// pargo/sync.Map.
type tracker struct {
	mu     sync.Mutex
	counts map[[2]int64]int
}

func newTracker() *tracker {
	return &tracker{counts: make(map[[2]int64]int)}
}

func (t *tracker) add(batch reads.Batch, n int) {
	key := batchKey(batch)
	t.mu.Lock()
	t.counts[key] += n
	t.mu.Unlock()
}

// remove decrements the live count for batch by n and reports whether
// it reached zero, in which case the caller should release the
// underlying reader batch.
func (t *tracker) remove(batch reads.Batch, n int) bool {
	key := batchKey(batch)
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.counts[key] - n
	if remaining <= 0 {
		delete(t.counts, key)
		return true
	}
	t.counts[key] = remaining
	return false
}

func batchKey(b reads.Batch) [2]int64 {
	return [2]int64{int64(b.FileID), int64(b.BatchID)}
}

// Queue is a single- or paired-end read supplier queue. Producers call
// Publish as they read batches from disk; consumers call Next to pull
// work and Done once they have finished with everything in a Batch.
type Queue struct {
	paired bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Batch
	closed  bool

	track      *tracker
	releasers  []Releaser

	// per-stream delivered-batch counters, for the balance gate in
	// paired, two-file mode.
	delivered [2]int64
	imbalance *sync.Cond
}

// NewQueue constructs a queue backed by the given releasers (one for
// single-end or one-file paired-end, two for split-file paired-end).
func NewQueue(paired bool, releasers ...Releaser) *Queue {
	q := &Queue{paired: paired, track: newTracker(), releasers: releasers}
	q.cond = sync.NewCond(&q.mu)
	q.imbalance = sync.NewCond(&q.mu)
	return q
}

// Publish hands a freshly-read batch to the queue, blocking if the
// stream it belongs to (streamIndex 0 or 1) has run more than
// MaxImbalance batches ahead of the other.
func (q *Queue) Publish(b Batch, streamIndex int) {
	q.mu.Lock()
	for q.paired && len(q.releasers) == 2 {
		other := 1 - streamIndex
		if q.delivered[streamIndex]-q.delivered[other] <= MaxImbalance {
			break
		}
		q.imbalance.Wait()
	}
	n := len(b.Reads)
	q.delivered[streamIndex]++
	q.pending = append(q.pending, b)
	q.cond.Broadcast()
	q.mu.Unlock()

	if n > 0 {
		q.track.add(b.Reads[0].Batch, n)
	}
}

// CloseInput tells the queue that no further batches will be
// published; pending consumers waiting on Next that find the queue
// empty will receive ok == false.
func (q *Queue) CloseInput() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Next pulls the next available batch, blocking until one is
// published or the queue is closed and drained.
func (q *Queue) Next() (Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 {
		if q.closed {
			return Batch{}, false
		}
		q.cond.Wait()
	}
	b := q.pending[0]
	q.pending = q.pending[1:]
	return b, true
}

// Done releases a consumed batch's reference on its underlying file
// batch(es), releasing the reader's buffer once no consumer still
// holds a read from it.
func (q *Queue) Done(b Batch) {
	if len(b.Reads) == 0 {
		return
	}
	fileBatch := b.Reads[0].Batch
	if q.track.remove(fileBatch, len(b.Reads)) {
		q.releaseTo(fileBatch)
	}
	if b.Mates != nil && len(b.Mates) > 0 {
		mateBatch := b.Mates[0].Batch
		if mateBatch != fileBatch && q.track.remove(mateBatch, len(b.Mates)) {
			q.releaseTo(mateBatch)
		}
	}
	q.mu.Lock()
	q.imbalance.Broadcast()
	q.mu.Unlock()
}

// releaseTo notifies the single releaser a batch's file maps to. In
// one-file mode there is exactly one releaser regardless of FileID; in
// split-file paired mode each releaser is addressed by its stream's
// FileID.
func (q *Queue) releaseTo(batch reads.Batch) {
	if len(q.releasers) == 1 {
		q.releasers[0].ReleaseBefore(ioreader.BatchID(batch.BatchID))
		return
	}
	if batch.FileID >= 0 && batch.FileID < len(q.releasers) {
		q.releasers[batch.FileID].ReleaseBefore(ioreader.BatchID(batch.BatchID))
	}
}
