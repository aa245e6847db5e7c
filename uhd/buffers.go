package uhd

import (
	"fmt"
	"unsafe"
)

// bufferTable converts a [][]T buffer set into the pointer array the driver
// expects without allocating per call.
//
// Invariant: once ready, len(ptrs) equals the streamer's channel count and
// never changes.
type bufferTable struct {
	ptrs []unsafe.Pointer
}

func (b *bufferTable) ready() bool { return b.ptrs != nil }

func (b *bufferTable) init(channels int) {
	b.ptrs = make([]unsafe.Pointer, channels)
}

func (b *bufferTable) size() int { return len(b.ptrs) }

// load validates buffers and writes every slot. It panics when the buffer
// count does not match the table or when lengths differ, since either means
// the caller wired its channels wrong. It returns the per-channel length.
func load[T Sample](b *bufferTable, buffers [][]T) int {
	if len(buffers) != len(b.ptrs) {
		panic(fmt.Sprintf("uhd: got %d buffers for a %d-channel streamer", len(buffers), len(b.ptrs)))
	}
	n := checkEqualBufferLengths(buffers)
	for i := range buffers {
		b.ptrs[i] = unsafe.Pointer(unsafe.SliceData(buffers[i]))
	}
	return n
}

// clear drops the caller's addresses so they are not retained past the call.
func (b *bufferTable) clear() {
	for i := range b.ptrs {
		b.ptrs[i] = nil
	}
}

// checkEqualBufferLengths returns the common, non-zero length of buffers
// and panics otherwise.
func checkEqualBufferLengths[T Sample](buffers [][]T) int {
	if len(buffers) == 0 {
		panic("uhd: no buffers supplied")
	}
	n := len(buffers[0])
	for i, buf := range buffers[1:] {
		if len(buf) != n {
			panic(fmt.Sprintf("uhd: unequal buffer sizes: buffer 0 has %d samples, buffer %d has %d", n, i+1, len(buf)))
		}
	}
	if n == 0 {
		panic("uhd: buffers must not be empty")
	}
	return n
}
