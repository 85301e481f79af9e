package heap

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
)

// Simple free-list block layout. Every block starts with a 16-byte header:
// word 0 holds the total block size (header included), word 1 links free
// blocks in address order. Used blocks carry an extra back-reference word
// immediately before the payload so Free can locate the header regardless of
// the alignment padding between the two.
const (
	simpleHeaderSize = uintptr(16)
	simpleBackRef    = uintptr(8)

	// simpleMinBlock is the smallest remainder worth splitting off as a
	// standalone free block.
	simpleMinBlock = uintptr(48)
)

// SimpleHeap is an address-ordered first-fit free-list allocator with
// immediate coalescing. It is the variant used for task heaps at or below
// HashThreshold.
type SimpleHeap struct {
	start, end uintptr

	// freeHead points to the lowest-addressed free block, 0 if none.
	freeHead uintptr
}

// NewSimple initializes a SimpleHeap over the pre-mapped range [start, end).
func NewSimple(start, end uintptr) *SimpleHeap {
	h := &SimpleHeap{start: alignUp(start, minAlign), end: end &^ uintptr(minAlign-1)}

	if h.end > h.start && h.end-h.start >= simpleHeaderSize+simpleBackRef {
		h.freeHead = h.start
		poke8(h.start, uint64(h.end-h.start))
		poke8(h.start+8, 0)
	}

	return h
}

// Malloc hands out a zeroed block of at least size bytes aligned to align.
func (h *SimpleHeap) Malloc(size, align mem.Size) (uintptr, *kernel.Error) {
	size, align, err := normalize(size, align)
	if err != nil {
		return 0, err
	}

	var prev uintptr
	for block := h.freeHead; block != 0; block = uintptr(peek8(block + 8)) {
		blockSize := uintptr(peek8(block))
		payload := alignUp(block+simpleHeaderSize+simpleBackRef, align)

		if payload+uintptr(size) > block+blockSize {
			prev = block
			continue
		}

		next := uintptr(peek8(block + 8))

		// Split off the tail if it is big enough to stand alone.
		usedEnd := payload + uintptr(size)
		if block+blockSize-usedEnd >= simpleMinBlock {
			tail := usedEnd
			poke8(tail, uint64(block+blockSize-tail))
			poke8(tail+8, uint64(next))
			next = tail
			blockSize = tail - block
			poke8(block, uint64(blockSize))
		}

		if prev == 0 {
			h.freeHead = next
		} else {
			poke8(prev+8, uint64(next))
		}

		poke8(payload-simpleBackRef, uint64(block))
		zeroRange(payload, size)
		return payload, nil
	}

	return 0, errHeapExhausted
}

// Free returns a block to the free list, coalescing it with any directly
// adjacent free neighbours.
func (h *SimpleHeap) Free(ptr uintptr) *kernel.Error {
	if ptr <= h.start || ptr >= h.end {
		return errHeapBadFree
	}

	block := uintptr(peek8(ptr - simpleBackRef))
	if block < h.start || block >= ptr {
		return errHeapBadFree
	}

	blockSize := uintptr(peek8(block))
	if blockSize < simpleHeaderSize+simpleBackRef || block+blockSize > h.end {
		return errHeapBadFree
	}

	// Locate the insertion point, keeping the list address ordered.
	var prev uintptr
	next := h.freeHead
	for next != 0 && next < block {
		prev, next = next, uintptr(peek8(next+8))
	}

	if next == block {
		// Already on the free list.
		return errHeapBadFree
	}

	poke8(block+8, uint64(next))
	if prev == 0 {
		h.freeHead = block
	} else {
		poke8(prev+8, uint64(block))
	}

	// Coalesce with the following block.
	if next != 0 && block+blockSize == next {
		poke8(block, uint64(blockSize+uintptr(peek8(next))))
		poke8(block+8, peek8(next+8))
		blockSize = uintptr(peek8(block))
	}

	// Coalesce with the preceding block.
	if prev != 0 && prev+uintptr(peek8(prev)) == block {
		poke8(prev, peek8(prev)+uint64(blockSize))
		poke8(prev+8, peek8(block+8))
	}

	return nil
}
