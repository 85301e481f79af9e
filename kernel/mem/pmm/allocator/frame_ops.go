package allocator

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

// FrameFlag classifies a FrameRange returned by AllocateByCount.
type FrameFlag uint8

const (
	// FrameFlagBlock marks a range handed out for use as a contiguous
	// block of internal frame-cache storage rather than general-purpose
	// leaf data.
	FrameFlagBlock FrameFlag = 1 << iota

	// FrameFlagReserved marks a range held by a long-lived owner, such as
	// the vmm internal frame cache blocks and the NVMe queue, identify and
	// PRP-list memory.
	FrameFlagReserved

	// FrameFlagUsed marks a range currently on loan to a caller.
	FrameFlagUsed

	// FrameFlagOldReserved marks frames reserved by the early boot
	// allocator before the bitmap allocator took over bookkeeping.
	FrameFlagOldReserved
)

// FrameRange describes a contiguous run of physical frames handed out by a
// single allocation call.
type FrameRange struct {
	Base  pmm.Frame
	Count uint32
	Flags FrameFlag
}

var (
	errAllocOutOfMemory  = &kernel.Error{Module: "bitmap_alloc", Message: "not enough contiguous free frames to satisfy request", Kind: kernel.KindAllocFailure}
	errAllocBadCount     = &kernel.Error{Module: "bitmap_alloc", Message: "allocation count must be greater than zero", Kind: kernel.KindInvalidArgument}
	errReleaseNotTracked = &kernel.Error{Module: "bitmap_alloc", Message: "frame range was not allocated by this allocator", Kind: kernel.KindNotFound}
)

// AllocFrame allocates 2^order contiguous frames and returns the first one.
// It is the single-frame-oriented entry point used by callers (the vmm leaf
// allocator, the Go runtime bootstrap) that don't need a FrameRange back.
func (alloc *BitmapAllocator) AllocFrame(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	fr, err := alloc.AllocateByCount(uint32(1)<<order, FrameFlagUsed)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return fr.Base, nil
}

// AllocateByCount reserves n contiguous physical frames and returns them as
// a FrameRange. The allocator records the range so that a later call to
// Release or GetReservedFramesOfAddress can find it again.
func (alloc *BitmapAllocator) AllocateByCount(n uint32, flags FrameFlag) (FrameRange, *kernel.Error) {
	if n == 0 {
		return FrameRange{}, errAllocBadCount
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n {
			continue
		}

		if base, ok := pool.findContiguousFree(n); ok {
			for frame := base; frame < base+pmm.Frame(n); frame++ {
				alloc.markFrame(poolIndex, frame, markReserved)
			}

			fr := FrameRange{Base: base, Count: n, Flags: flags}
			alloc.blocks = append(alloc.blocks, fr)
			return fr, nil
		}
	}

	return FrameRange{}, errAllocOutOfMemory
}

// findContiguousFree scans the pool's free bitmap for a run of n
// consecutive free frames and returns the first frame of the run.
func (pool *framePool) findContiguousFree(n uint32) (pmm.Frame, bool) {
	total := uint32(pool.endFrame - pool.startFrame + 1)

	var run uint32
	for i := uint32(0); i < total; i++ {
		frame := pool.startFrame + pmm.Frame(i)
		if pool.frameIsFree(frame) {
			run++
			if run == n {
				return frame - pmm.Frame(n-1), true
			}
		} else {
			run = 0
		}
	}

	return pmm.InvalidFrame, false
}

// frameIsFree reports whether frame's bit is currently clear in the pool's
// free bitmap.
func (pool *framePool) frameIsFree(frame pmm.Frame) bool {
	relFrame := frame - pool.startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return pool.freeBitmap[block]&mask == 0
}

// Release returns every frame in fr to general circulation and forgets the
// allocator's record of the range.
func (alloc *BitmapAllocator) Release(fr FrameRange) *kernel.Error {
	poolIndex := alloc.poolForFrame(fr.Base)
	if poolIndex < 0 {
		return errReleaseNotTracked
	}

	for frame := fr.Base; frame < fr.Base+pmm.Frame(fr.Count); frame++ {
		alloc.markFrame(poolIndex, frame, markFree)
	}

	for i, tracked := range alloc.blocks {
		if tracked.Base == fr.Base && tracked.Count == fr.Count {
			alloc.blocks = append(alloc.blocks[:i], alloc.blocks[i+1:]...)
			break
		}
	}

	return nil
}

// GetReservedFramesOfAddress returns the FrameRange that was allocated
// starting at the frame containing pa, if any such block is still tracked.
func (alloc *BitmapAllocator) GetReservedFramesOfAddress(pa uintptr) (FrameRange, bool) {
	frame := pmm.Frame(pa >> mem.PageShift)
	for _, tracked := range alloc.blocks {
		if frame >= tracked.Base && frame < tracked.Base+pmm.Frame(tracked.Count) {
			return tracked, true
		}
	}

	return FrameRange{}, false
}
