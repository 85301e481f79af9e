package vmm

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// overridden by tests so that walk() can be exercised against a plain
	// byte slice instead of real physical memory. When compiling the
	// kernel this function is automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is invoked by walk once for each level of the hierarchy
// with the entry that corresponds to the supplied virtual address at that
// level. Returning false aborts the walk.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk performs a page-table walk for virtAddr starting at root, invoking
// walkFn with the entry found at each level. Tables are located through
// their physical address directly: every hierarchy node lives in a frame
// that was identity-mapped when it was allocated from the internal frame
// cache, so no recursive self-mapping trick is required to dereference it.
func walk(root pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := root
	for level := uint8(0); level < pageLevels; level++ {
		index := entryIndex(virtAddr, level)
		pte := tableEntry(tableFrame, index)

		if !walkFn(level, pte) {
			return
		}

		if level < pageLevels-1 {
			tableFrame = pte.Frame()
		}
	}
}
