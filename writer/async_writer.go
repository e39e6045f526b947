package writer

import (
	"io"
	"sync"

	"github.com/biotools/seedalign/format"
	"github.com/biotools/seedalign/internal"
	"github.com/biotools/seedalign/ioreader/bgzf"
)

// Anchor records a logical->physical translation point produced by the
// gzip Transform filter, letting a virtual offset (spec.md's "BAM
// virtual offsets") be reconstructed from a logical record position.
type Anchor struct {
	LogicalOffset  int64
	PhysicalOffset int64
}

// Buffer is one rotating slot a worker fills with formatted records
// before handing it off to the filter chain and disk. file_offset,
// used, logical_offset, and logical_used mirror spec.md §4.8's buffer
// field list exactly.
type Buffer struct {
	Data          []byte
	Used          int
	FileOffset    int64
	LogicalOffset int64
	LogicalUsed   int64

	Records int
	Anchors []Anchor
}

func newBuffer(capacity int) *Buffer {
	return &Buffer{Data: make([]byte, capacity)}
}

func (b *Buffer) reset() {
	b.Used = 0
	b.Records = 0
	b.Anchors = b.Anchors[:0]
}

func (b *Buffer) append(record []byte) bool {
	if b.Used+len(record) > len(b.Data) {
		return false
	}
	copy(b.Data[b.Used:], record)
	b.Used += len(record)
	b.Records++
	return true
}

// OffsetAllocator is the single mutex-protected (shared_physical,
// shared_logical) pair of spec.md §4.8: it atomically reserves both
// file space and logical space at buffer-handoff time, so compressed
// and uncompressed coordinates stay consistent across threads writing
// in parallel.
type OffsetAllocator struct {
	mu       sync.Mutex
	physical int64
	logical  int64
}

// Reserve grows both counters by physicalLen/logicalLen and returns the
// offsets that were valid before the reservation.
func (o *OffsetAllocator) Reserve(physicalLen, logicalLen int64) (physicalBase, logicalBase int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	physicalBase, logicalBase = o.physical, o.logical
	o.physical += physicalLen
	o.logical += logicalLen
	return
}

// AsyncWriter owns N rotating buffers for one worker thread, a filter
// chain applied at handoff, and a pending write that must complete
// before the next buffer can be reused -- spec.md §4.8's "waiting for
// its previous write to complete" suspension point.
type AsyncWriter struct {
	out     io.Writer
	filters Filter
	offsets *OffsetAllocator

	buffers []*Buffer
	active  int

	pending    chan error
	pendingBuf []byte
}

const defaultBufferBytes = 1 << 20

// NewAsyncWriter constructs a writer with nbuffers rotating slots (>=2,
// per spec.md §4.8), sharing offsets with its sibling writers via
// offsets.
func NewAsyncWriter(out io.Writer, nbuffers int, filters Filter, offsets *OffsetAllocator) *AsyncWriter {
	if nbuffers < 2 {
		nbuffers = 2
	}
	buffers := make([]*Buffer, nbuffers)
	for i := range buffers {
		buffers[i] = newBuffer(defaultBufferBytes)
	}
	return &AsyncWriter{
		out:     out,
		filters: filters,
		offsets: offsets,
		buffers: buffers,
		pending: make(chan error, 1),
	}
}

// WriteRecord appends a pre-formatted BAM record to the active buffer,
// rotating to the next buffer (and flushing the full one asynchronously)
// if it doesn't fit.
func (w *AsyncWriter) WriteRecord(record []byte) error {
	cur := w.buffers[w.active]
	if cur.append(record) {
		return nil
	}
	if err := w.rotate(); err != nil {
		return err
	}
	cur = w.buffers[w.active]
	if !cur.append(record) {
		// record is larger than a fresh buffer: grow it once rather
		// than failing a legitimate long read.
		cur.Data = append(cur.Data, make([]byte, len(record))...)
		cur.append(record)
	}
	return nil
}

// rotate waits for the previous async write to finish, then hands the
// active buffer off to the filter chain and disk, and advances to the
// next slot.
func (w *AsyncWriter) rotate() error {
	if err := w.awaitPending(); err != nil {
		return err
	}
	full := w.buffers[w.active]
	if full.Used > 0 {
		if err := w.flush(full); err != nil {
			return err
		}
	}
	full.reset()
	w.active = (w.active + 1) % len(w.buffers)
	return nil
}

// awaitPending blocks until the previous flush's write has completed,
// so that at most one write is ever in flight for this writer's output
// stream and buffers cannot be reused before their bytes are safely on
// disk -- spec.md §4.8's "waiting for its previous write to complete".
// It is a no-op the first time it is called, before any flush has run.
func (w *AsyncWriter) awaitPending() error {
	if w.pendingBuf == nil {
		return nil
	}
	err := <-w.pending
	internal.ReleaseByteBuffer(w.pendingBuf)
	w.pendingBuf = nil
	return err
}

// flush applies the filter chain to buf (gzip compression, duplicate
// marking, ...) then writes it to disk, asynchronously: the call
// returns once the write has been scheduled, and the next rotate()
// collects its result.
func (w *AsyncWriter) flush(buf *Buffer) error {
	physicalBase, logicalBase := w.offsets.Reserve(int64(len(buf.Data)), int64(buf.Used))
	buf.FileOffset = physicalBase
	buf.LogicalOffset = logicalBase
	buf.LogicalUsed = int64(buf.Used)

	if w.filters.Apply != nil {
		if err := w.filters.Apply(buf, w.offsets); err != nil {
			return err
		}
	}

	data := append(internal.ReserveByteBuffer(), buf.Data[:buf.Used]...)
	w.pendingBuf = data
	go func() {
		_, err := w.out.Write(data)
		w.pending <- err
	}()
	return nil
}

// Close flushes any remaining buffered records and waits for the last
// pending write.
func (w *AsyncWriter) Close() error {
	if err := w.awaitPending(); err != nil {
		return err
	}
	cur := w.buffers[w.active]
	if cur.Used > 0 {
		if err := w.flush(cur); err != nil {
			return err
		}
		cur.reset()
	}
	if err := w.awaitPending(); err != nil {
		return err
	}
	if closer, ok := w.out.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// VirtualOffset reconstructs a spec.md "BAM virtual offset" for a
// logical position, given the anchors the gzip filter recorded.
func VirtualOffset(anchors []Anchor, logicalPos int64) bgzf.VirtualOffset {
	var best Anchor
	for _, a := range anchors {
		if a.LogicalOffset <= logicalPos {
			best = a
		}
	}
	delta := logicalPos - best.LogicalOffset
	return bgzf.NewVirtualOffset(best.PhysicalOffset, uint16(delta))
}

// FormatRecord is a convenience wrapper used by workers to turn an
// aligned Record into wire bytes before handing it to WriteRecord.
func FormatRecord(r *format.Record) []byte {
	return format.WriteRecord(r, nil)
}
