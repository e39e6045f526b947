package writer

import (
	"bytes"

	"github.com/biotools/seedalign/ioreader/bgzf"
)

// GzipFilter compresses each buffer into a BGZF block and records a
// logical->physical anchor so VirtualOffset can later translate a
// logical record position, per spec.md §4.8's "Gzip filter".
var GzipFilter = Filter{
	Kind: Transform,
	Apply: func(buf *Buffer, offsets *OffsetAllocator) error {
		var out bytes.Buffer
		bw := bgzf.NewWriter(&out)
		if _, err := bw.Write(buf.Data[:buf.Used]); err != nil {
			return err
		}
		if err := bw.Close(); err != nil {
			return err
		}

		compressed := out.Bytes()
		if cap(buf.Data) < len(compressed) {
			buf.Data = make([]byte, len(compressed))
		} else {
			buf.Data = buf.Data[:len(compressed)]
		}
		copy(buf.Data, compressed)
		buf.Used = len(compressed)

		buf.Anchors = append(buf.Anchors, Anchor{
			LogicalOffset:  buf.LogicalOffset,
			PhysicalOffset: buf.FileOffset,
		})
		return nil
	},
}
