package vmm

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

// SectionName identifies one of the well-known sections of the loaded
// kernel image.
type SectionName uint8

const (
	SectionText SectionName = iota
	SectionRodata
	SectionData
	SectionBSS
	SectionHeap
)

// KernelSection describes one section of the loaded kernel image: its
// virtual and physical extents and the attributes it must be mapped with.
type KernelSection struct {
	Name     SectionName
	VirtAddr uintptr
	PhysAddr uintptr
	Size     mem.Size
}

// KernelImage describes everything the paging manager needs to know in
// order to map the running kernel's own image and framebuffer during the
// very first hierarchy build.
type KernelImage struct {
	Sections []KernelSection

	// FramebufferPhysAddr and FramebufferSize describe the linear
	// framebuffer handed over by the bootloader, if any. A zero
	// FramebufferPhysAddr means no framebuffer should be mapped.
	FramebufferPhysAddr uintptr
	FramebufferSize     mem.Size
}

// framebufferVirtBase is the fixed high virtual window (64 TiB) the
// framebuffer is mapped into, independently of its physical location.
const framebufferVirtBase = uintptr(64) << 40

// sectionFlags returns the page table attributes a section must be mapped
// with, per its well-known purpose.
func sectionFlags(name SectionName) PageTableEntryFlag {
	switch name {
	case SectionText:
		return 0 // executable, read-only: no RW, no NX.
	case SectionRodata:
		return FlagNoExecute
	case SectionData, SectionBSS, SectionHeap:
		return FlagRW | FlagNoExecute
	default:
		return FlagNoExecute
	}
}

// mapKernelSections walks img.Sections and installs a 4 KiB mapping for
// every page each section spans, using the attributes sectionFlags
// prescribes. The HEAP section's extent is expected to already have been
// computed by the caller (from a linker symbol marking the end of the
// loaded image to the end of the reserved heap window).
func mapKernelSections(root pmm.Frame, img KernelImage) *kernel.Error {
	for _, section := range img.Sections {
		flags := sectionFlags(section.Name)
		pages := section.Size.Pages()

		for i := uint32(0); i < pages; i++ {
			offset := uintptr(i) * uintptr(mem.PageSize)
			va := section.VirtAddr + offset
			pa := pmm.Frame((section.PhysAddr + offset) >> mem.PageShift)

			if err := addMapping(root, va, pa, flags, mem.PageOrder(0)); err != nil {
				return err
			}
		}
	}

	return nil
}

// mapFramebuffer installs a mapping for the linear framebuffer at the fixed
// high virtual window, preferring 2 MiB pages and falling back to 4 KiB for
// any remainder that doesn't fill a whole hugepage.
func mapFramebuffer(root pmm.Frame, physAddr uintptr, size mem.Size) *kernel.Error {
	const hugePageSize = mem.Size(1) << 21

	var offset mem.Size
	for ; offset+hugePageSize <= size; offset += hugePageSize {
		va := framebufferVirtBase + uintptr(offset)
		pa := pmm.Frame((physAddr + uintptr(offset)) >> mem.PageShift)

		if err := addMapping(root, va, pa, FlagRW|FlagNoExecute, orderMegabyte2); err != nil {
			return err
		}
	}

	for ; offset < size; offset += mem.PageSize {
		va := framebufferVirtBase + uintptr(offset)
		pa := pmm.Frame((physAddr + uintptr(offset)) >> mem.PageShift)

		if err := addMapping(root, va, pa, FlagRW|FlagNoExecute, mem.PageOrder(0)); err != nil {
			return err
		}
	}

	return nil
}
