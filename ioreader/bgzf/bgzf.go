// Package bgzf implements the gzip decoding layer of spec.md §4.2: a
// parallel block decompressor that preserves the compressed-to-logical
// offset translation BGZF virtual offsets need, adapted from elprep's
// BGZF reader/writer (sam/bgzf-files.go) onto the pargo pipeline
// library.
package bgzf

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
)

// maxBlockSize is the maximum compressed block size in a BGZF file.
const maxBlockSize = 65536

var eofMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// VirtualOffset is a BGZF virtual file offset: the physical byte
// offset of a block's start combined with the offset of a position
// inside that block's decompressed data. Per spec.md §4.2 and §6,
// physical must fit in 48 bits and delta in 16 bits.
type VirtualOffset uint64

// NewVirtualOffset packs a (physical block start, delta within block)
// pair. It panics if either component overflows its field, the same
// fatal-on-malformed-data policy the rest of the I/O layer uses.
func NewVirtualOffset(physicalBlockStart int64, deltaWithinBlock uint16) VirtualOffset {
	if physicalBlockStart < 0 || physicalBlockStart>>48 != 0 {
		panic(fmt.Sprintf("bgzf: physical offset %d does not fit in 48 bits", physicalBlockStart))
	}
	return VirtualOffset((uint64(physicalBlockStart) << 16) | uint64(deltaWithinBlock))
}

// Physical returns the physical block-start component.
func (v VirtualOffset) Physical() int64 { return int64(v >> 16) }

// Delta returns the within-block component.
func (v VirtualOffset) Delta() uint16 { return uint16(v & 0xffff) }

type block struct {
	Data  []byte
	Crc32 uint32
	Size  uint32

	// PhysicalStart is the file offset where this block's gzip member
	// begins, recorded so the reader can translate logical offsets it
	// hands out back to physical/virtual offsets.
	PhysicalStart int64
}

var blockPool = sync.Pool{New: func() interface{} {
	return &block{Data: make([]byte, 0, maxBlockSize)}
}}

// Reader decompresses a BGZF stream in parallel, one goroutine stage
// per pargo pipeline.LimitedPar fan-out, while preserving block order
// on output (pipeline.StrictOrd) so downstream parsers never see
// reordered bytes.
type Reader struct {
	err     error
	r       io.Reader
	gz      *gzip.Reader
	p       pipeline.Pipeline
	wg      sync.WaitGroup
	channel chan *block
	ctx     context.Context
	cancel  func()

	data  interface{}
	index int
	block *block

	physicalPos int64 // tracks the file offset of the next block to be read
	anchors     []anchor
}

// anchor records where a logical offset range maps back to a physical
// block start, built incrementally as blocks are produced; used by
// logicalPos.
type anchor struct {
	logicalStart  int64
	physicalStart int64
}

type internalReader Reader

func (bgzf *internalReader) readBlock() (blk *block, err error) {
	var slen int
	for i := 0; i < len(bgzf.gz.Extra); i += 4 + slen {
		if bgzf.gz.Extra[i] == 66 && bgzf.gz.Extra[i+1] == 67 {
			if slen = int(binary.LittleEndian.Uint16(bgzf.gz.Extra[i+2 : i+4])); slen == 2 {
				bsize := int(binary.LittleEndian.Uint16(bgzf.gz.Extra[i+4 : i+6]))
				blk = blockPool.Get().(*block)
				blk.PhysicalStart = bgzf.physicalPos
				blk.Data = blk.Data[:bsize-len(bgzf.gz.Extra)-19]
				if _, err = io.ReadFull(bgzf.r, blk.Data); err != nil {
					return
				}
				var tail [8]byte
				if _, err = io.ReadFull(bgzf.r, tail[:]); err != nil {
					return
				}
				blk.Crc32 = binary.LittleEndian.Uint32(tail[0:4])
				blk.Size = binary.LittleEndian.Uint32(tail[4:8])
				bgzf.physicalPos += int64(bsize) + 1
				err = bgzf.gz.Reset(bgzf.r)
				if err == io.EOF {
					if len(blk.Data) != 2 || blk.Data[0] != 3 || blk.Data[1] != 0 || blk.Crc32 != 0 || blk.Size != 0 {
						err = errors.New("invalid BGZF file: does not end in proper EOF marker")
					}
				}
				return
			}
		}
	}
	err = errors.New("missing BC extra subfield in BGZF header")
	return
}

func (bgzf *internalReader) Err() error {
	if bgzf.err != io.EOF {
		return bgzf.err
	}
	return nil
}

func (*internalReader) Prepare(_ context.Context) (size int) { return -1 }

func (bgzf *internalReader) Fetch(size int) (fetched int) {
	if bgzf.err != nil {
		return 0
	}
	blk, err := bgzf.readBlock()
	if err != nil {
		bgzf.err = err
		bgzf.data = nil
		return 0
	}
	bgzf.data = blk
	return 1
}

func (bgzf *internalReader) Data() interface{} { return bgzf.data }

var flateReaderPool sync.Pool

// NewReader returns a Reader for the given flate.Reader-compatible
// stream. r must also support a single leading-byte peek so that
// callers can route plain (non-BGZF) input around this decoder first;
// see IsGzip.
func NewReader(r flate.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		r:       r,
		gz:      gz,
		channel: make(chan *block, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	bgzf.p.Source((*internalReader)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		blk := data.(*block)
		blockReader := bytes.NewReader(blk.Data)
		var flateReader io.ReadCloser
		if pooled := flateReaderPool.Get(); pooled == nil {
			flateReader = flate.NewReader(blockReader)
		} else {
			flateReader = pooled.(io.ReadCloser)
			if err := flateReader.(flate.Resetter).Reset(blockReader, nil); err != nil {
				flateReader = flate.NewReader(blockReader)
			}
		}
		uncompressed := blockPool.Get().(*block)
		uncompressed.Data = uncompressed.Data[:int(blk.Size)]
		uncompressed.PhysicalStart = blk.PhysicalStart
		if _, err := io.ReadFull(flateReader, uncompressed.Data); err == io.EOF {
			bgzf.p.SetErr(io.ErrUnexpectedEOF)
		} else if err != nil {
			bgzf.p.SetErr(err)
		} else if crc32.ChecksumIEEE(uncompressed.Data) != blk.Crc32 {
			bgzf.p.SetErr(errors.New("invalid CRC-32 value for a data block in a BGZF file"))
		}
		if err := flateReader.Close(); err != nil {
			bgzf.p.SetErr(err)
		}
		flateReaderPool.Put(flateReader)
		blockPool.Put(blk)
		return uncompressed
	})), pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
		select {
		case <-bgzf.ctx.Done():
		case bgzf.channel <- data.(*block):
		}
		return nil
	}, func() {
		close(bgzf.channel)
	})))
	bgzf.wg.Add(1)
	go func() {
		defer bgzf.wg.Done()
		bgzf.p.Run()
	}()
	return bgzf, nil
}

func (bgzf *Reader) Close() error {
	bgzf.cancel()
	bgzf.wg.Wait()
	if err := bgzf.gz.Close(); err != nil {
		return err
	}
	return bgzf.p.Err()
}

func (bgzf *Reader) fetchBlock() (err error) {
	select {
	case <-bgzf.ctx.Done():
		if bgzf.err != nil {
			return bgzf.err
		}
		return bgzf.ctx.Err()
	case b, ok := <-bgzf.channel:
		if !ok {
			return bgzf.err
		}
		bgzf.anchors = append(bgzf.anchors, anchor{
			logicalStart:  bgzf.logicalPos(),
			physicalStart: b.PhysicalStart,
		})
		bgzf.index = 0
		bgzf.block = b
		return nil
	}
}

func (bgzf *Reader) logicalPos() int64 {
	if len(bgzf.anchors) == 0 {
		return 0
	}
	last := bgzf.anchors[len(bgzf.anchors)-1]
	return last.logicalStart + int64(bgzf.index)
}

func (bgzf *Reader) Read(p []byte) (n int, err error) {
	if bgzf.block == nil {
		if err = bgzf.fetchBlock(); err != nil {
			return
		}
	} else if bgzf.index == len(bgzf.block.Data) {
		blockPool.Put(bgzf.block)
		bgzf.block = nil
		if err = bgzf.fetchBlock(); err != nil {
			return
		}
	}
	n = copy(p, bgzf.block.Data[bgzf.index:])
	bgzf.index += n
	return
}

// VirtualOffsetHere returns the virtual offset of the read cursor's
// current position: the physical start of the block currently being
// read, combined with the in-block delta.
func (bgzf *Reader) VirtualOffsetHere() VirtualOffset {
	if bgzf.block == nil {
		return NewVirtualOffset(bgzf.physicalPos, 0)
	}
	return NewVirtualOffset(bgzf.block.PhysicalStart, uint16(bgzf.index))
}

// IsGzip peeks the first byte of scanner to decide whether it produces
// a gzip (and thus possibly BGZF) stream.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

type bytesBlock struct {
	bytes []byte
}

// Writer compresses data into BGZF blocks in parallel (again via a
// pargo pipeline, compress stage fanned out, write stage strictly
// ordered) and reports the virtual offset of each write so callers can
// build a coordinate-sorted index sidecar.
type Writer struct {
	w       io.Writer
	p       pipeline.Pipeline
	wait    sync.WaitGroup
	block   *bytesBlock
	channel chan *bytesBlock

	physicalPos int64 // bytes written to w so far
	logicalPos  int64 // uncompressed bytes submitted so far
	data        interface{}
}

var (
	bytesPool = sync.Pool{New: func() interface{} {
		return &bytesBlock{bytes: make([]byte, 0, maxBlockSize)}
	}}
	flateWriterPool sync.Pool
)

func (*Writer) Err() error { return nil }

func (w *Writer) Prepare(_ context.Context) (size int) { return -1 }

func (w *Writer) Fetch(size int) (fetched int) {
	if block, ok := <-w.channel; ok {
		w.data = block
		return 1
	}
	w.data = nil
	return 0
}

func (w *Writer) Data() interface{} { return w.data }

// NewWriter returns a Writer that writes BGZF blocks to w.
func NewWriter(w io.Writer) *Writer {
	bgzf := &Writer{
		w:       w,
		block:   bytesPool.Get().(*bytesBlock),
		channel: make(chan *bytesBlock, 1),
	}
	bgzf.p.Source(bgzf)
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(n int, data interface{}) interface{} {
		block := data.(*bytesBlock)
		gzBytes := bytesPool.Get().(*bytesBlock)
		gzBuf := bytes.NewBuffer(gzBytes.bytes)

		gzBuf.Write([]byte{
			0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
			0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
			0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
		})

		var flateWriter *flate.Writer
		if pooled := flateWriterPool.Get(); pooled != nil {
			flateWriter = pooled.(*flate.Writer)
			flateWriter.Reset(gzBuf)
		} else {
			var err error
			flateWriter, err = flate.NewWriter(gzBuf, -1)
			if err != nil {
				bgzf.p.SetErr(err)
			}
		}
		if _, err := flateWriter.Write(block.bytes); err != nil {
			bgzf.p.SetErr(err)
		} else if err := flateWriter.Close(); err != nil {
			bgzf.p.SetErr(err)
		}
		gzBytes.bytes = gzBuf.Bytes()
		index := len(gzBytes.bytes)
		gzBytes.bytes = gzBytes.bytes[:index+8]
		binary.LittleEndian.PutUint32(gzBytes.bytes[index:index+4], crc32.ChecksumIEEE(block.bytes))
		binary.LittleEndian.PutUint32(gzBytes.bytes[index+4:index+8], uint32(len(block.bytes)))
		binary.LittleEndian.PutUint16(gzBytes.bytes[16:18], uint16(len(gzBytes.bytes)-1))
		block.bytes = block.bytes[:0]
		bytesPool.Put(block)
		flateWriterPool.Put(flateWriter)
		return gzBytes
	})), pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		gzBytes := data.(*bytesBlock)
		if _, err := w.Write(gzBytes.bytes); err != nil {
			bgzf.p.SetErr(err)
		}
		bgzf.physicalPos += int64(len(gzBytes.bytes))
		gzBytes.bytes = gzBytes.bytes[:0]
		bytesPool.Put(gzBytes)
		return nil
	})))
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		bgzf.p.Run()
	}()
	return bgzf
}

type internalWriter Writer

func (w *internalWriter) sendBlock() (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("%v", x)
		}
	}()
	w.channel <- w.block
	return nil
}

// Close flushes any partial block and writes the BGZF EOF marker.
func (bgzf *Writer) Close() error {
	if bgzf.block != nil && len(bgzf.block.bytes) > 0 {
		if err := (*internalWriter)(bgzf).sendBlock(); err != nil {
			return err
		}
	}
	close(bgzf.channel)
	bgzf.wait.Wait()
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	_, err := bgzf.w.Write(eofMarker)
	return err
}

// VirtualOffsetHere returns the virtual offset a record starting right
// now would be addressable at: the physical position the writer has
// flushed so far (the next block boundary) combined with how many
// uncompressed bytes are already buffered in the open block.
func (bgzf *Writer) VirtualOffsetHere() VirtualOffset {
	return NewVirtualOffset(bgzf.physicalPos, uint16(len(bgzf.block.bytes)))
}

// Write implements io.Writer, batching into BGZF blocks of at most
// maxBlockSize uncompressed bytes each.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	n = len(p)
	bgzf.logicalPos += int64(len(p))
	for {
		blockIndex := len(bgzf.block.bytes)
		newBlockLength := blockIndex + len(p)
		if newBlockLength >= maxBlockSize {
			bgzf.block.bytes = bgzf.block.bytes[:maxBlockSize]
			k := copy(bgzf.block.bytes[blockIndex:], p)
			p = p[k:]
			if err := (*internalWriter)(bgzf).sendBlock(); err != nil {
				return n - len(p), err
			}
			bgzf.block = bytesPool.Get().(*bytesBlock)
		} else {
			bgzf.block.bytes = bgzf.block.bytes[:newBlockLength]
			copy(bgzf.block.bytes[blockIndex:], p)
			return
		}
	}
}
