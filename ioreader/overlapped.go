package ioreader

import (
	"io"
	"os"
	"sync"
)

// overlappedBufSize is 32 MiB minus a page, per spec.md §4.1.
const overlappedBufSize = 32*1024*1024 - 4096

type bufState int

const (
	bufEmpty bufState = iota
	bufReading
	bufFull
)

// obuffer is one of OverlappedReader's rotating buffers.
type obuffer struct {
	state      bufState
	data       []byte // len == valid+overflow capacity used
	valid      int    // bytes that are genuine record data (excludes trailing overflow not yet consumed)
	startBytes int    // leading bytes carried over from the previous buffer's overflow
	batch      BatchID
	fileOffset int64
	err        error
}

// OverlappedReader is the async, triple-buffered reader strategy of
// spec.md §4.1: a single producer goroutine keeps launching reads into
// Empty buffers while the consumer drains Full ones, carrying overflow
// bytes (past nBytesThatMayBeginARead) into the next buffer so records
// that straddle a buffer boundary remain contiguous in memory.
type OverlappedReader struct {
	file   *os.File
	extra  []byte
	extraN int

	mu   sync.Mutex
	cond *sync.Cond

	bufs [3]*obuffer

	producerPos   int64 // next file offset the producer will read from
	producerEnd   int64 // exclusive end of the configured region (0 = unbounded -> stat size)
	producerBatch BatchID
	producerDone  bool

	consumer        int // index into bufs of the buffer the consumer is draining
	consumerIndex   int // read offset within bufs[consumer].data
	consumerBatch   BatchID
	eof             bool
	closed          bool
	minLiveBatch    BatchID
	wakeProducer    chan struct{}
	producerStopped chan struct{}
}

var _ Reader = (*OverlappedReader)(nil)

// NewOverlappedReader constructs a reader with a scratch "extra" buffer
// of extraSize bytes, per the GetExtra contract.
func NewOverlappedReader(extraSize int) *OverlappedReader {
	r := &OverlappedReader{extra: make([]byte, extraSize)}
	r.cond = sync.NewCond(&r.mu)
	for i := range r.bufs {
		r.bufs[i] = &obuffer{data: make([]byte, 0, overlappedBufSize+nBytesThatMayBeginARead)}
	}
	return r
}

func (r *OverlappedReader) Init(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	r.file = f
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	return r.startProducer(0, stat.Size())
}

func (r *OverlappedReader) Reinit(startOffset, length int64) error {
	if r.producerStopped != nil {
		<-r.producerStopped
	}
	end := startOffset + length
	if length == 0 {
		stat, err := r.file.Stat()
		if err != nil {
			return err
		}
		end = stat.Size()
	}
	for i := range r.bufs {
		r.bufs[i].state = bufEmpty
		r.bufs[i].valid = 0
		r.bufs[i].startBytes = 0
	}
	r.consumer = 0
	r.consumerIndex = 0
	r.consumerBatch = 0
	r.producerBatch = 0
	r.eof = false
	r.producerDone = false
	return r.startProducer(startOffset, end)
}

func (r *OverlappedReader) startProducer(start, end int64) error {
	r.producerPos = start
	r.producerEnd = end
	r.wakeProducer = make(chan struct{}, len(r.bufs))
	r.producerStopped = make(chan struct{})
	go r.producerLoop()
	return nil
}

func (r *OverlappedReader) producerLoop() {
	defer close(r.producerStopped)
	for {
		r.mu.Lock()
		if r.producerPos >= r.producerEnd {
			r.producerDone = true
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
		var target *obuffer
		var idx int
		for {
			for i, b := range r.bufs {
				if b.state == bufEmpty {
					target, idx = b, i
					break
				}
			}
			if target != nil {
				break
			}
			r.cond.Wait()
			if r.closed {
				r.mu.Unlock()
				return
			}
		}
		target.state = bufReading
		offset := r.producerPos
		want := overlappedBufSize
		if remaining := r.producerEnd - offset; remaining < int64(want) {
			want = int(remaining)
		}
		batch := r.producerBatch
		r.producerBatch++
		r.mu.Unlock()

		overflow := r.carryOverflow(idx)
		buf := target.data[:cap(target.data)]
		n, err := r.file.ReadAt(buf[len(overflow):len(overflow)+want], offset)
		total := len(overflow) + n
		r.mu.Lock()
		target.data = append(target.data[:0], overflow...)
		target.data = append(target.data, buf[len(overflow):len(overflow)+n]...)
		target.valid = total
		target.startBytes = len(overflow)
		target.batch = batch
		target.fileOffset = offset
		if err != nil && err != io.EOF {
			target.err = err
		}
		target.state = bufFull
		r.producerPos = offset + int64(n)
		r.cond.Broadcast()
		r.mu.Unlock()

		_ = idx
	}
}

// carryOverflow returns the trailing bytes of the most recently
// produced buffer that lie past nBytesThatMayBeginARead, so a record
// beginning there remains contiguous once copied in front of the next
// buffer's fresh data.
func (r *OverlappedReader) carryOverflow(nextIdx int) []byte {
	prevIdx := (nextIdx + len(r.bufs) - 1) % len(r.bufs)
	prev := r.bufs[prevIdx]
	if prev.valid <= nBytesThatMayBeginARead || prev.state != bufFull {
		return nil
	}
	tail := prev.data[prev.valid-nBytesThatMayBeginARead : prev.valid]
	return append([]byte(nil), tail...)
}

func (r *OverlappedReader) ReadHeader(size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r.file, buf)
	r.producerPos += int64(n)
	return buf[:n], err
}

func (r *OverlappedReader) GetData() (data []byte, valid int, startBytes int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bufs[r.consumer]
	for b.state != bufFull {
		if r.producerDone {
			r.eof = true
			return nil, 0, 0, false
		}
		r.cond.Wait()
	}
	return b.data[r.consumerIndex:b.valid], b.valid - r.consumerIndex, b.startBytes, true
}

func (r *OverlappedReader) Advance(n int) {
	r.mu.Lock()
	r.consumerIndex += n
	r.mu.Unlock()
}

func (r *OverlappedReader) NextBatch(keepOpen bool) error {
	r.mu.Lock()
	b := r.bufs[r.consumer]
	if !keepOpen {
		b.state = bufEmpty
		r.cond.Broadcast()
	}
	r.consumer = (r.consumer + 1) % len(r.bufs)
	r.consumerIndex = 0
	r.consumerBatch++
	r.mu.Unlock()
	return nil
}

func (r *OverlappedReader) IsEOF() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof
}

func (r *OverlappedReader) GetBatch() BatchID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufs[r.consumer].batch
}

// ReleaseBefore marks every buffer whose batch predates `batch` Empty,
// letting the producer resume filling them.
func (r *OverlappedReader) ReleaseBefore(batch BatchID) {
	r.mu.Lock()
	r.minLiveBatch = batch
	for _, b := range r.bufs {
		if b.state == bufFull && b.batch < batch {
			b.state = bufEmpty
		}
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *OverlappedReader) GetExtra() []byte {
	return r.extra
}

func (r *OverlappedReader) FileOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufs[r.consumer].fileOffset
}

func (r *OverlappedReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	if r.producerStopped != nil {
		<-r.producerStopped
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
