package ioreader

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const mmapBatchSize = 4 * 1024 * 1024

// MmapReader is the memory-mapped reader strategy of spec.md §4.1: the
// active file range is mapped once (page-aligned, plus an overflow
// tail) and sliced into logical batches. Because GetData just returns a
// slice into the mapping, there is no copy and no separate read-ahead
// thread; instead a single-waiter flow-control gate blocks the producer
// side (here, the batch cursor advancing via NextBatch) if the consumer
// has fallen more than batchCount batches behind whoever last called
// ReleaseBefore - modeling a downstream consumer that might lag.
type MmapReader struct {
	file    *os.File
	data    []byte
	extra   []byte
	start   int64 // file offset data[0] corresponds to
	size    int64

	mu           sync.Mutex
	cond         *sync.Cond
	batch        BatchID
	cursor       int64 // offset into data of current batch start
	minLiveBatch BatchID
	batchCount   int64 // how far ahead of minLiveBatch the cursor may run
	eof          bool
	gateWaiting  bool
}

var _ Reader = (*MmapReader)(nil)

// NewMmapReader constructs a reader whose producer (NextBatch) may run
// at most batchCount batches ahead of the last ReleaseBefore call,
// and whose scratch buffer is extraSize bytes.
func NewMmapReader(batchCount int64, extraSize int) *MmapReader {
	r := &MmapReader{extra: make([]byte, extraSize), batchCount: batchCount}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *MmapReader) Init(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	r.file = f
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	return r.mapRange(0, stat.Size())
}

func (r *MmapReader) Reinit(startOffset, length int64) error {
	if r.data != nil {
		_ = unix.Munmap(r.data)
		r.data = nil
	}
	end := startOffset + length
	if length == 0 {
		stat, err := r.file.Stat()
		if err != nil {
			return err
		}
		end = stat.Size()
	}
	return r.mapRange(startOffset, end)
}

const pageSize = 4096

func (r *MmapReader) mapRange(start, end int64) error {
	aligned := start - (start % pageSize)
	size := end - aligned
	data, err := unix.Mmap(int(r.file.Fd()), aligned, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	r.data = data
	r.start = aligned
	r.size = size
	r.cursor = start - aligned
	r.batch = 0
	r.minLiveBatch = 0
	r.eof = false
	return nil
}

func (r *MmapReader) ReadHeader(size int) ([]byte, error) {
	end := r.cursor + int64(size)
	if end > r.size {
		end = r.size
	}
	buf := r.data[r.cursor:end]
	r.cursor = end
	return buf, nil
}

func (r *MmapReader) GetData() (data []byte, valid int, startBytes int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= r.size {
		r.eof = true
		return nil, 0, 0, false
	}
	end := r.cursor + mmapBatchSize
	if end > r.size {
		end = r.size
	}
	return r.data[r.cursor:end], int(end - r.cursor), 0, true
}

func (r *MmapReader) Advance(n int) {
	r.mu.Lock()
	r.cursor += int64(n)
	r.mu.Unlock()
}

func (r *MmapReader) NextBatch(keepOpen bool) error {
	r.mu.Lock()
	end := r.cursor + mmapBatchSize
	if end > r.size {
		end = r.size
	}
	r.cursor = end
	r.batch++
	for r.batchCount > 0 && int64(r.batch)-int64(r.minLiveBatch) > r.batchCount {
		r.gateWaiting = true
		r.cond.Wait()
	}
	r.gateWaiting = false
	r.mu.Unlock()
	_ = keepOpen
	return nil
}

func (r *MmapReader) IsEOF() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof
}

func (r *MmapReader) GetBatch() BatchID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch
}

// ReleaseBefore advances the low-water mark and wakes the flow-control
// gate if the producer (NextBatch) was blocked on it.
func (r *MmapReader) ReleaseBefore(batch BatchID) {
	r.mu.Lock()
	if batch > r.minLiveBatch {
		r.minLiveBatch = batch
	}
	if r.gateWaiting {
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

func (r *MmapReader) GetExtra() []byte {
	return r.extra
}

func (r *MmapReader) FileOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start + r.cursor
}

func (r *MmapReader) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
