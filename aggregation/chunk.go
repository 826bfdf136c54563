package aggregation

import (
	"iter"

	"golang.org/x/exp/constraints"
)

// ChunkByEmbeddedSize cuts buf into chunks whose lengths are embedded in
// the data itself. Each chunk starts where the previous one ended, reads
// its size from the element at sizeOffset and spans sizeOffset+1+size
// elements, so the embedded fields stay part of the chunk. A trailing chunk
// whose embedded size points past the buffer is clamped at the buffer end.
func ChunkByEmbeddedSize[B constraints.Integer](buf []B, sizeOffset int) iter.Seq[[]B] {
	return func(yield func([]B) bool) {
		for cur := 0; cur < len(buf); {
			if cur+sizeOffset >= len(buf) {
				yield(buf[cur:])
				return
			}
			end := cur + sizeOffset + 1 + int(buf[cur+sizeOffset])
			if end > len(buf) {
				end = len(buf)
			}
			if !yield(buf[cur:end]) {
				return
			}
			cur = end
		}
	}
}
