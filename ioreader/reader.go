// Package ioreader implements the batched I/O reader contract of
// spec.md §4.1: in-order byte batches delivered from a file region,
// with asynchronous read-ahead, monotonic batch IDs, and overflow bytes
// so that a record straddling a buffer boundary is transparent to
// parsers built on top.
//
// Two concrete strategies are provided: OverlappedReader (async,
// double/triple-buffered) and MmapReader (memory-mapped with a
// flow-control gate). Both implement Reader.
package ioreader

import "io"

// BatchID is a per-file, monotonically increasing identifier for a
// delivered buffer. Consecutive GetBatch calls on one reader never
// decrease (spec.md §8: "Monotone batch IDs").
type BatchID uint64

// Reader is the contract every concrete I/O strategy implements. It is
// deliberately stateful and single-consumer: one goroutine drives
// GetData/Advance/NextBatch per Reader instance, matching the teacher's
// per-thread-owned aligner/reader pattern (spec.md §5).
type Reader interface {
	// Init opens path and positions the reader at its start.
	Init(path string) error

	// Reinit repositions the reader to [startOffset, startOffset+length)
	// of the already-open file. length == 0 means "to end of file".
	Reinit(startOffset, length int64) error

	// ReadHeader reads exactly size bytes from the current position,
	// without going through the batch machinery, and returns them.
	ReadHeader(size int) ([]byte, error)

	// GetData returns the current batch's bytes, how many of them are
	// valid record data (as opposed to trailing overflow), and how many
	// leading bytes carried over from the previous batch's overflow. ok
	// is false if the consumer must wait for NextBatch/EOF.
	GetData() (data []byte, valid int, startBytes int, ok bool)

	// Advance marks n bytes of the current batch as consumed.
	Advance(n int)

	// NextBatch releases the current batch (closing it if keepOpen is
	// false) and makes the following batch the current one, carrying
	// its overflow tail forward.
	NextBatch(keepOpen bool) error

	// IsEOF reports whether the reader has delivered its last batch.
	// Sticky: once true, it remains true.
	IsEOF() bool

	// GetBatch returns the BatchID of the current batch.
	GetBatch() BatchID

	// ReleaseBefore tells the reader that every batch strictly before
	// batch is no longer referenced anywhere downstream, so its buffer
	// may be reused / its read-ahead window may advance.
	ReleaseBefore(batch BatchID)

	// GetExtra returns a scratch buffer of reader-configured size, for
	// downstream record parsers' own use (never touched by the reader
	// itself).
	GetExtra() []byte

	// FileOffset is the physical file offset of the start of the
	// current batch.
	FileOffset() int64

	io.Closer
}

// nBytesThatMayBeginARead is the tail window, measured from the end of
// a buffer, whose bytes might be the start of a record that continues
// into the next buffer. Implementations carry at least this many
// trailing bytes forward as "overflow" on every NextBatch.
const nBytesThatMayBeginARead = 1 << 16
