package vmm

import (
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

// tempMappingAddr is the fixed virtual address used by MapTemporary.
const tempMappingAddr = uintptr(0xffffffff00000000)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry,
	// which would fault if executed outside of ring 0.
	flushTLBEntryFn = flushTLBEntry

	// activeRootFn is used by tests to override calls to activeRoot.
	activeRootFn = activeRoot

	// switchRootFn is used by tests to override calls to switchRoot.
	switchRootFn = switchRoot
)

// flushTLBEntry flushes a TLB entry for a particular virtual address.
func flushTLBEntry(virtAddr uintptr)

// switchRoot sets CR3 to the supplied physical address and flushes the TLB.
func switchRoot(rootPhysAddr uintptr)

// activeRootAddr returns the physical address currently loaded in CR3.
func activeRootAddr() uintptr

// activeRoot returns the frame currently loaded as the root of the paging
// hierarchy (the value of CR3).
func activeRoot() pmm.Frame {
	return pmm.Frame(activeRootAddr() >> mem.PageShift)
}
