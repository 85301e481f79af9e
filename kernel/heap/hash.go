package heap

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
)

const (
	// hashSlotSize is the byte size of one allocation-table slot: the
	// block address and its size.
	hashSlotSize = uintptr(16)

	// hashTableDivisor controls how much of the managed range is spent on
	// the allocation table: one slot per this many bytes of heap.
	hashTableDivisor = uintptr(256)

	// hashBinCount is the number of power-of-two size-class bins used to
	// index freed blocks for reuse.
	hashBinCount = 48
)

// HashHeap keeps allocation metadata in an open-addressing hash table at the
// bottom of the managed range instead of in headers next to the payload.
// Freed blocks are indexed by power-of-two size class for reuse; fresh
// allocations past the reuse bins are served by a bump cursor. It is the
// variant used for task heaps larger than HashThreshold, where the metadata
// locality of header walks becomes a liability.
type HashHeap struct {
	start, end uintptr

	// table spans [tableStart, dataStart) and holds slotCount slots.
	tableStart uintptr
	slotCount  uintptr

	// cursor is the bump pointer for never-before-used space.
	dataStart uintptr
	cursor    uintptr

	// bins[i] heads a chain of freed blocks of size >= 1<<i. The chain
	// link occupies the first word of each freed block.
	bins [hashBinCount]uintptr
}

// NewHash initializes a HashHeap over the pre-mapped range [start, end).
func NewHash(start, end uintptr) *HashHeap {
	h := &HashHeap{start: alignUp(start, minAlign), end: end &^ uintptr(minAlign-1)}

	slots := (h.end - h.start) / hashTableDivisor
	if slots < 64 {
		slots = 64
	}

	h.tableStart = h.start
	h.slotCount = slots
	h.dataStart = alignUp(h.tableStart+slots*hashSlotSize, minAlign)
	h.cursor = h.dataStart

	zeroRange(h.tableStart, mem.Size(slots*hashSlotSize))
	return h
}

// hashSlot returns the first probe index for a block address.
func (h *HashHeap) hashSlot(ptr uintptr) uintptr {
	// Fibonacci hashing over the block offset; blocks are at least
	// 16-byte aligned so the low bits carry no information.
	return (((ptr - h.dataStart) >> 4) * 0x9e3779b97f4a7c15 >> 17) % h.slotCount
}

// recordAlloc inserts a (ptr, size) pair into the allocation table.
func (h *HashHeap) recordAlloc(ptr uintptr, size mem.Size) *kernel.Error {
	slot := h.hashSlot(ptr)
	for i := uintptr(0); i < h.slotCount; i++ {
		addr := h.tableStart + slot*hashSlotSize
		if peek8(addr) == 0 {
			poke8(addr, uint64(ptr))
			poke8(addr+8, uint64(size))
			return nil
		}
		slot = (slot + 1) % h.slotCount
	}
	return errHeapExhausted
}

// lookupAlloc finds and clears the table entry for ptr, returning the block
// size that was recorded for it.
func (h *HashHeap) lookupAlloc(ptr uintptr) (mem.Size, *kernel.Error) {
	slot := h.hashSlot(ptr)
	for i := uintptr(0); i < h.slotCount; i++ {
		addr := h.tableStart + slot*hashSlotSize
		if uintptr(peek8(addr)) == ptr {
			size := mem.Size(peek8(addr + 8))
			poke8(addr, 0)
			poke8(addr+8, 0)
			return size, nil
		}
		slot = (slot + 1) % h.slotCount
	}
	return 0, errHeapBadFree
}

// binFor returns the bin index whose chain holds blocks big enough for size.
func binFor(size mem.Size) int {
	bin := 4 // 1<<4 == minAlign
	for mem.Size(1)<<bin < size {
		bin++
	}
	if bin >= hashBinCount {
		bin = hashBinCount - 1
	}
	return bin
}

// Malloc hands out a zeroed block of at least size bytes aligned to align.
func (h *HashHeap) Malloc(size, align mem.Size) (uintptr, *kernel.Error) {
	size, align, err := normalize(size, align)
	if err != nil {
		return 0, err
	}

	// First look for a freed block of the right class whose address
	// satisfies the alignment. Chains are searched first-fit; blocks that
	// fail the alignment test stay in place.
	for bin := binFor(size); bin < hashBinCount; bin++ {
		var prev uintptr
		for block := h.bins[bin]; block != 0; block = uintptr(peek8(block)) {
			blockSize := mem.Size(uintptr(1) << bin)
			if block%uintptr(align) != 0 {
				prev = block
				continue
			}

			if prev == 0 {
				h.bins[bin] = uintptr(peek8(block))
			} else {
				poke8(prev, peek8(block))
			}

			if err := h.recordAlloc(block, blockSize); err != nil {
				return 0, err
			}
			zeroRange(block, blockSize)
			return block, nil
		}
	}

	// Nothing to reuse; bump allocate. The block is rounded up to its
	// size class so that a later free/reuse cycle preserves capacity.
	blockSize := mem.Size(uintptr(1) << binFor(size))
	block := alignUp(h.cursor, align)
	if block+uintptr(blockSize) > h.end {
		return 0, errHeapExhausted
	}
	h.cursor = block + uintptr(blockSize)

	if err := h.recordAlloc(block, blockSize); err != nil {
		return 0, err
	}
	zeroRange(block, blockSize)
	return block, nil
}

// Free returns a block to its size-class bin for reuse.
func (h *HashHeap) Free(ptr uintptr) *kernel.Error {
	if ptr < h.dataStart || ptr >= h.end {
		return errHeapBadFree
	}

	size, err := h.lookupAlloc(ptr)
	if err != nil {
		return err
	}

	bin := binFor(size)
	poke8(ptr, uint64(h.bins[bin]))
	h.bins[bin] = ptr
	return nil
}
