package vmm

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

// internalFrameBlockSize is the number of frames requested from the frame
// allocator every time the internal cache needs a refill. The arena never
// hands out fewer frames than this in one shot, since each refill also has
// to identity-map the whole block before it can be used.
const internalFrameBlockSize = 64

var (
	errInternalCacheExhausted = &kernel.Error{Module: "vmm", Message: "internal page-table frame cache could not be refilled", Kind: kernel.KindAllocFailure}

	// allocateByCountFn is used by tests and is automatically inlined by
	// the compiler.
	allocateByCountFn = defaultAllocateByCount
)

// defaultAllocateByCount is wired to the registered frame allocator the same
// way frameAllocator (a single-frame allocator) is; it is used for the
// multi-frame requests that refill the internal cache.
func defaultAllocateByCount(count uint32) (pmm.Frame, *kernel.Error) {
	if blockAllocator == nil {
		return pmm.InvalidFrame, errInternalCacheExhausted
	}
	return blockAllocator(count)
}

// BlockAllocatorFn allocates count contiguous physical frames, returning the
// first frame in the range.
type BlockAllocatorFn func(count uint32) (pmm.Frame, *kernel.Error)

var blockAllocator BlockAllocatorFn

// SetBlockFrameAllocator registers the allocator used to satisfy multi-frame
// requests made by the internal frame cache when it refills itself.
func SetBlockFrameAllocator(allocFn BlockAllocatorFn) {
	blockAllocator = allocFn
}

// internalFrameCache is the self-bootstrapping pool of frames reserved
// exclusively for page-table hierarchy nodes (never handed out for regular
// mappings). It holds two slots: slot1 is drawn down first; once exhausted,
// slot2 (if populated) is promoted to slot1. Before slot1 runs completely
// dry the cache proactively refills slot2 from the general frame allocator,
// identity-mapping the new block so the hierarchy nodes it contains are
// writable at their own physical address as soon as they are handed out.
type internalFrameCache struct {
	slot1Start pmm.Frame
	slot1Count uint32

	slot2Start pmm.Frame
	slot2Count uint32
}

var arena internalFrameCache

// allocInternalFrame returns a frame reserved for building a page-table
// node. It transparently refills the cache from the general frame allocator
// when running low.
func (c *internalFrameCache) allocInternalFrame() (pmm.Frame, *kernel.Error) {
	if c.slot1Count == 0 {
		c.slot1Start, c.slot1Count = c.slot2Start, c.slot2Count
		c.slot2Start, c.slot2Count = pmm.InvalidFrame, 0
	}

	if c.slot1Count < internalFrameBlockSize>>1 {
		if err := c.refillSlot2(); err != nil && c.slot1Count == 0 {
			return pmm.InvalidFrame, err
		}
	}

	if c.slot1Count == 0 {
		return pmm.InvalidFrame, errInternalCacheExhausted
	}

	frame := c.slot1Start
	c.slot1Start++
	c.slot1Count--
	return frame, nil
}

// refillSlot2 requests a fresh block of frames from the general allocator,
// stores it as slot2 and identity-maps every frame in it before returning.
func (c *internalFrameCache) refillSlot2() *kernel.Error {
	if c.slot2Count != 0 {
		return nil
	}

	base, err := allocateByCountFn(internalFrameBlockSize)
	if err != nil {
		return err
	}

	// slot2 is populated before the block is mapped: the mappings below may
	// need new table nodes, and a non-empty slot2 keeps those nested
	// allocations from starting another refill.
	c.slot2Start, c.slot2Count = base, internalFrameBlockSize
	for i := uint32(0); i < internalFrameBlockSize; i++ {
		frame := base + pmm.Frame(i)
		if err := identityMapInternalFrame(frame); err != nil {
			c.slot2Start, c.slot2Count = pmm.InvalidFrame, 0
			return err
		}
	}

	return nil
}

// identityMapInternalFrame installs a present+writable, non-executable
// mapping for frame at a virtual address numerically equal to its physical
// address. Page-table nodes are always accessed through this identity
// window, which is what lets the paging manager write to a brand-new
// intermediate table before any "real" mapping for it exists.
func identityMapInternalFrame(frame pmm.Frame) *kernel.Error {
	addr := frame.Address()
	if addr == activeRootFn().Address() {
		// The active root is already mapped as part of its own hierarchy.
		return nil
	}

	return addMapping(activeRootFn(), addr, frame, FlagRW|FlagNoExecute, mem.PageOrder(0))
}

// bootstrapArena seeds the internal cache the very first time a hierarchy is
// built, before any general mapping exists to identity-map through. It
// allocates one block of internalFrameBlockSize frames: the first frame
// becomes the zeroed root and the remaining frames seed slot1. The root is
// never returned to the cache.
func bootstrapArena() (pmm.Frame, *kernel.Error) {
	base, err := allocateByCountFn(internalFrameBlockSize)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	root := base
	arena.slot1Start, arena.slot1Count = base+1, internalFrameBlockSize-1

	mem.Memset(root.Address(), 0, mem.PageSize)
	return root, nil
}
