package vmm

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

var (
	errOutOfRange = &kernel.Error{Module: "vmm", Message: "page-table index out of range", Kind: kernel.KindOutOfRange}
)

// leafLevel returns the hierarchy depth (0-indexed) at which order terminates.
func leafLevel(order mem.PageOrder) uint8 {
	return hugePageLevel(order)
}

// addMapping is the internal workhorse behind AddMapping and the identity
// mapping performed by the internal frame cache. Intermediate tables are
// always drawn from the internal frame cache, never from the general
// allocator, since they must already be mapped before their contents can be
// initialized.
func addMapping(root pmm.Frame, virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, order mem.PageOrder) *kernel.Error {
	target := leafLevel(order)
	var err *kernel.Error

	walk(root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == target {
			// Idempotent: a present entry keeps its existing attributes.
			if pte.HasFlags(FlagPresent) {
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			if target < pageLevels-1 {
				pte.SetFlags(FlagHugePage)
			}
			flushTLBEntryFn(virtAddr)
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := arena.allocInternalFrame()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			mem.Memset(newTableFrame.Address(), 0, mem.PageSize)
		}

		return true
	})

	return err
}

var errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "requested page order is not supported as a hugepage leaf", Kind: kernel.KindInvalidArgument}

// AddMapping establishes a mapping between virtAddr and frame in the
// hierarchy rooted at root. order selects the leaf granularity: order 0 for
// a 4 KiB page, orderMegabyte2 for a 2 MiB hugepage at P2, orderGigabyte for
// a 1 GiB hugepage at P3. Re-adding an already-present mapping is a no-op
// that leaves the existing attributes untouched.
func AddMapping(root pmm.Frame, virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, order mem.PageOrder) *kernel.Error {
	return addMapping(root, virtAddr, frame, flags, order)
}

// Map establishes a 4 KiB mapping in the currently active hierarchy using
// the flags supplied by the caller. It is the entry point used by packages
// that only ever operate on the active address space (e.g. the physical
// frame allocator bootstrapping its own bookkeeping pages).
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return addMapping(activeRootFn(), page.Address(), frame, flags, mem.PageOrder(0))
}

// MapTemporary establishes a temporary RW, non-executable mapping of frame
// at a fixed virtual address, overwriting any mapping that was previously
// installed there. It is used to gain access to the contents of a frame
// that is not part of any hierarchy's regular address range.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagRW|FlagNoExecute); err != nil {
		return 0, err
	}
	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a 4 KiB mapping previously installed via Map or MapTemporary
// in the currently active hierarchy.
func Unmap(page Page) *kernel.Error {
	// note: the returned frame is intentionally discarded; callers that
	// need it should use DeleteMapping directly.
	_, err := deleteMapping(activeRootFn(), page.Address())
	return err
}

// deleteMapping removes the leaf entry for virtAddr and returns the
// physical frame it pointed to, freeing any intermediate table that becomes
// completely empty as a result.
func deleteMapping(root pmm.Frame, virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	var (
		err      *kernel.Error
		freed    pmm.Frame = pmm.InvalidFrame
		path     [pageLevels]*pageTableEntry
		tableOf  [pageLevels]pmm.Frame
		lastStep uint8
	)

	tableOf[0] = root

	walk(root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		path[level] = pte
		lastStep = level

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			freed = pte.Frame()
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(virtAddr)
			lastStep = level
			return false
		}

		tableOf[level+1] = pte.Frame()
		return true
	})

	if err != nil {
		return pmm.InvalidFrame, err
	}

	// Walk back up from the freed leaf's parent, releasing any
	// intermediate table whose entries are now all non-present.
	for level := int(lastStep) - 1; level >= 0; level-- {
		if !tableIsEmpty(tableOf[level+1]) {
			break
		}

		releaseInternalFrame(tableOf[level+1])
		path[level].ClearFlags(FlagPresent)
	}

	return freed, nil
}

// DeleteMapping removes the mapping for virtAddr from the hierarchy rooted
// at root and returns the physical frame the leaf pointed to.
func DeleteMapping(root pmm.Frame, virtAddr uintptr) (pmm.Frame, *kernel.Error) {
	return deleteMapping(root, virtAddr)
}

// attributeMask is the set of flags ToggleAttributes is allowed to flip.
const attributeMask = FlagRW | FlagNoExecute | FlagUser

// ToggleAttributes flips the writable/no-execute/user-accessible bits at the
// resolved leaf for virtAddr (4 KiB or hugepage), leaving the mapping itself
// untouched.
func ToggleAttributes(root pmm.Frame, virtAddr uintptr, mask PageTableEntryFlag) *kernel.Error {
	mask &= attributeMask

	var err *kernel.Error
	walk(root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			*pte = (pageTableEntry)(uintptr(*pte) ^ uintptr(mask))
			return false
		}

		return true
	})

	return err
}

// translate walks root and returns the byte-accurate physical address for
// virtAddr, including the in-page offset for hugepage leaves.
func translate(root pmm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		err     *kernel.Error
		physAddr uintptr
	)

	walk(root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			offsetBits := pageLevelShifts[level]
			offsetMask := uintptr(1)<<offsetBits - 1
			physAddr = pte.Frame().Address() + (virtAddr & offsetMask)
			return false
		}

		return true
	})

	return physAddr, err
}

// Translate returns the physical address that corresponds to virtAddr in
// the currently active hierarchy.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return translate(activeRootFn(), virtAddr)
}

// TranslateIn returns the physical address that corresponds to virtAddr in
// the hierarchy rooted at root.
func TranslateIn(root pmm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	return translate(root, virtAddr)
}

// tableIsEmpty reports whether every entry of the table stored in
// tableFrame is non-present.
func tableIsEmpty(tableFrame pmm.Frame) bool {
	for i := uintptr(0); i < entriesPerTable; i++ {
		if tableEntry(tableFrame, i).HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}

// releaseInternalFrame returns an interior table frame to general
// circulation via the registered single-frame allocator's release path.
// Interior tables are allocated from the internal cache but freed through
// the general allocator, matching the frame allocator's role as the single
// source of truth for frame ownership.
func releaseInternalFrame(frame pmm.Frame) {
	if releaseFrameFn != nil {
		releaseFrameFn(frame)
	}
}

// releaseFrameFn is registered via SetFrameReleaser and is automatically
// inlined by the compiler in the kernel build.
var releaseFrameFn func(pmm.Frame)

// SetFrameReleaser registers the function used to return freed interior
// page-table frames to the general frame allocator.
func SetFrameReleaser(fn func(pmm.Frame)) {
	releaseFrameFn = fn
}
