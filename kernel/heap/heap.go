// Package heap implements the allocators that back per-task private heaps.
// Two variants are provided: a simple address-ordered free-list allocator for
// small heaps and a hash-indexed allocator that keeps allocation metadata out
// of band, used for heaps large enough that header walks become expensive.
//
// Both variants operate on a caller-supplied virtual address range that must
// already be mapped. They never call into the frame allocator themselves.
package heap

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
)

// Heap hands out blocks from a fixed, pre-mapped virtual address range.
type Heap interface {
	// Malloc returns the address of a zeroed block of at least size bytes
	// aligned to align (which must be a power of two, minimum 16).
	Malloc(size, align mem.Size) (uintptr, *kernel.Error)

	// Free returns a block previously handed out by Malloc. Freeing an
	// address the heap does not track is an error.
	Free(ptr uintptr) *kernel.Error
}

// HashThreshold is the heap size above which callers should prefer the
// hash-indexed variant over the simple free-list one.
const HashThreshold = 16 * mem.Mb

var (
	errHeapExhausted = &kernel.Error{Module: "heap", Message: "not enough free heap space to satisfy allocation", Kind: kernel.KindAllocFailure}
	errHeapBadAlign  = &kernel.Error{Module: "heap", Message: "alignment must be a power of two", Kind: kernel.KindInvalidArgument}
	errHeapBadFree   = &kernel.Error{Module: "heap", Message: "pointer was not allocated by this heap", Kind: kernel.KindNotFound}
)

// minAlign is the smallest alignment either allocator hands out; requests
// below it are rounded up.
const minAlign = mem.Size(16)

// New returns the heap variant appropriate for a range of the given size:
// hash-indexed above HashThreshold, simple free-list otherwise.
func New(start, end uintptr) Heap {
	if mem.Size(end-start) > HashThreshold {
		return NewHash(start, end)
	}
	return NewSimple(start, end)
}

// alignUp rounds addr up to the next multiple of align.
func alignUp(addr uintptr, align mem.Size) uintptr {
	mask := uintptr(align - 1)
	return (addr + mask) &^ mask
}

// normalize applies the allocator-wide minimums to a (size, align) request.
func normalize(size, align mem.Size) (mem.Size, mem.Size, *kernel.Error) {
	if align == 0 {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return 0, 0, errHeapBadAlign
	}
	if align < minAlign {
		align = minAlign
	}
	size = (size + minAlign - 1) &^ (minAlign - 1)
	return size, align, nil
}

// poke8 writes val at addr.
func poke8(addr uintptr, val uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = val
}

// peek8 reads the word stored at addr.
func peek8(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// zeroRange clears size bytes starting at addr.
func zeroRange(addr uintptr, size mem.Size) {
	mem.Memset(addr, 0, size)
}
