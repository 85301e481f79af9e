package vmm

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

var (
	errDestroyActiveTable = &kernel.Error{Module: "vmm", Message: "refusing to destroy the currently active page table", Kind: kernel.KindInvalidArgument}

	// allowDestroyActive lets tests exercise the destroy path against a
	// root that also happens to be the (mocked) active one.
	allowDestroyActive = false
)

// SwitchTable atomically replaces the hardware-active root with newRoot and
// returns the previously active one. Passing pmm.InvalidFrame just reads the
// active root without replacing it.
func SwitchTable(newRoot pmm.Frame) pmm.Frame {
	old := activeRootFn()
	if newRoot == pmm.InvalidFrame {
		return old
	}

	switchRootFn(newRoot.Address())
	return old
}

// Destroy frees every interior table of the hierarchy rooted at root. Leaf
// data frames are never touched: only nodes that were allocated from the
// internal frame cache while building this hierarchy are released. Destroy
// refuses to tear down the currently active hierarchy.
func Destroy(root pmm.Frame) *kernel.Error {
	if !allowDestroyActive && root == activeRootFn() {
		return errDestroyActiveTable
	}

	destroyLevel(root, 0)
	releaseInternalFrame(root)
	return nil
}

// destroyLevel recursively frees every present, non-leaf entry of the table
// stored in tableFrame. level identifies the depth of tableFrame itself so
// the recursion knows when it has reached the last level of interior tables
// (P1 entries point at leaf data frames and are never freed here).
func destroyLevel(tableFrame pmm.Frame, level uint8) {
	if level >= pageLevels-1 {
		return
	}

	for i := uintptr(0); i < entriesPerTable; i++ {
		pte := tableEntry(tableFrame, i)
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			continue
		}

		childFrame := pte.Frame()
		destroyLevel(childFrame, level+1)
		releaseInternalFrame(childFrame)
	}
}

// Clone deep-copies the entire hierarchy rooted at srcRoot. Every interior
// table is allocated fresh from the internal frame cache; leaf entries are
// copied by value (the underlying data frames end up shared between the two
// hierarchies, not copy-on-write). If an allocation fails at any depth, the
// partially built clone is destroyed and the failure is returned.
func Clone(srcRoot pmm.Frame) (pmm.Frame, *kernel.Error) {
	newRoot, err := arena.allocInternalFrame()
	if err != nil {
		return pmm.InvalidFrame, err
	}
	mem.Memset(newRoot.Address(), 0, mem.PageSize)

	if err := cloneLevel(srcRoot, newRoot, 0); err != nil {
		destroyLevel(newRoot, 0)
		releaseInternalFrame(newRoot)
		return pmm.InvalidFrame, err
	}

	return newRoot, nil
}

// CloneIntoFrames behaves like Clone but draws interior-table storage from
// the caller-supplied contiguous physical frame region rather than the
// internal cache. It is used when the cloned hierarchy must live inside a
// specific physical window, such as an AP bring-up trampoline or a
// hypervisor guest's initial address space.
func CloneIntoFrames(srcRoot pmm.Frame, frames []pmm.Frame) (pmm.Frame, *kernel.Error) {
	if len(frames) == 0 {
		return pmm.InvalidFrame, errOutOfRange
	}

	cursor := 0
	nextFrame := func() (pmm.Frame, *kernel.Error) {
		if cursor >= len(frames) {
			return pmm.InvalidFrame, errInternalCacheExhausted
		}
		f := frames[cursor]
		cursor++
		return f, nil
	}

	newRoot, err := nextFrame()
	if err != nil {
		return pmm.InvalidFrame, err
	}
	mem.Memset(newRoot.Address(), 0, mem.PageSize)

	if err := cloneLevelWith(srcRoot, newRoot, 0, nextFrame); err != nil {
		return pmm.InvalidFrame, err
	}

	return newRoot, nil
}

// cloneLevel copies every entry of the table at srcFrame into dstFrame,
// allocating fresh interior tables from the internal cache as needed.
func cloneLevel(srcFrame, dstFrame pmm.Frame, level uint8) *kernel.Error {
	return cloneLevelWith(srcFrame, dstFrame, level, arena.allocInternalFrame)
}

// cloneLevelWith is the shared implementation behind cloneLevel and
// CloneIntoFrames, parameterized over the source of fresh interior-table
// frames.
func cloneLevelWith(srcFrame, dstFrame pmm.Frame, level uint8, allocFn func() (pmm.Frame, *kernel.Error)) *kernel.Error {
	for i := uintptr(0); i < entriesPerTable; i++ {
		srcPte := tableEntry(srcFrame, i)
		if !srcPte.HasFlags(FlagPresent) {
			continue
		}

		dstPte := tableEntry(dstFrame, i)

		if level == pageLevels-1 || srcPte.HasFlags(FlagHugePage) {
			*dstPte = *srcPte
			continue
		}

		childDst, err := allocFn()
		if err != nil {
			return err
		}
		mem.Memset(childDst.Address(), 0, mem.PageSize)

		*dstPte = 0
		dstPte.SetFrame(childDst)
		dstPte.SetFlags(FlagPresent | FlagRW)

		if err := cloneLevelWith(srcPte.Frame(), childDst, level+1, allocFn); err != nil {
			return err
		}
	}

	return nil
}
