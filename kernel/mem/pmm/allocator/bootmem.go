package allocator

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/hal/multiboot"
	"github.com/XSSpark/turnstone/kernel/kfmt/early"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

var (
	// earlyAllocator is a static instance of the boot memory allocator
	// which is used to bootstrap the kernel before the bitmap allocator
	// can take over frame bookkeeping.
	earlyAllocator bootMemAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.KindAllocFailure}
)

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame. Frames that overlap the loaded kernel image are skipped.
//
// Allocations are tracked via an internal counter and the last allocated
// frame. Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks will be handed over to the bitmap allocator which does support
// freeing.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame pmm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame pmm.Frame
}

// init sets up the boot memory allocator internal state and records the
// physical extents of the loaded kernel image so its frames are never handed
// out.
func (alloc *bootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = pmm.Frame(kernelStart >> mem.PageShift)
	alloc.kernelEndFrame = pmm.Frame(((kernelEnd+uintptr(mem.PageSize)-1)& ^(uintptr(mem.PageSize)-1))>>mem.PageShift) - 1
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	var (
		foundFrame     = pmm.InvalidFrame
		pageSizeMinus1 = uint64(mem.PageSize - 1)
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress + region.Length - pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)

		// Ignore regions already fully consumed by previous allocations
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		// The last allocated frame is either pointing to a previous
		// region or inside this region. In the first case we select
		// the region's first frame; in the latter the next one.
		var nextFrame pmm.Frame
		if alloc.allocCount == 0 || alloc.lastAllocFrame < regionStartFrame {
			nextFrame = regionStartFrame
		} else {
			nextFrame = alloc.lastAllocFrame + 1
		}

		// Skip over the frames reserved for the kernel image.
		if nextFrame >= alloc.kernelStartFrame && nextFrame <= alloc.kernelEndFrame {
			nextFrame = alloc.kernelEndFrame + 1
		}

		if nextFrame > regionEndFrame {
			return true
		}

		foundFrame = nextFrame
		return false
	})

	if !foundFrame.Valid() {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocFrame = foundFrame

	return foundFrame, nil
}

// printMemoryMap prints the system memory map reported by the bootloader
// together with the kernel image location and the number of frames it
// reserves.
func (alloc *bootMemAllocator) printMemoryMap() {
	early.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	early.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))
	early.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	early.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
