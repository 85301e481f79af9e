package vmm

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/cpu"
	"github.com/XSSpark/turnstone/kernel/gate"
	"github.com/XSSpark/turnstone/kernel/kfmt/early"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
)

var (
	// frameAllocator allocates a single physical frame for a leaf mapping.
	// It is registered by the frame-allocator package once it has bootstrapped
	// itself, closing the dependency loop: the frame allocator needs the vmm
	// to map its own bookkeeping pages, and the vmm needs a frame allocator
	// to do so.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn   = kernel.Panic
	handleFn  = gate.HandleInterrupt
	readCR2Fn = cpu.ReadCR2

	// earlyReserveLastUsed tracks the last reserved virtual address handed
	// out by EarlyReserveRegion; it is decreased after each call. It starts
	// at tempMappingAddr, the start of the reserved high window.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request", Kind: kernel.KindAllocFailure}

	// ReservedZeroedFrame is a single physical frame, zeroed once at boot,
	// that the Go runtime's sysMap maps read-only with FlagCopyOnWrite into
	// every freshly reserved heap region. Writing to such a page faults;
	// the fault handler below gives the faulting task (here, always the
	// kernel's own runtime) a private writable copy.
	ReservedZeroedFrame pmm.Frame

	// protectReservedZeroedPage is flipped once ReservedZeroedFrame has
	// been handed out for copy-on-write use; from that point on it must
	// never be mapped RW directly.
	protectReservedZeroedPage bool
)

// FrameAllocatorFn is a function that can allocate a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a single-frame allocator function used by the
// vmm code for leaf mappings that are not backed by caller-supplied frames.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region of the requested size at the top of the kernel address space and
// returns its starting virtual address. It is only meant to be used during
// the early stages of kernel initialization, before a general-purpose
// virtual address space allocator exists.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())
	errorCode := regs.Info

	if recoverCopyOnWriteFault(faultAddress) {
		return
	}

	early.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case 0:
		early.Printf("read from non-present page")
	case 1:
		early.Printf("page protection violation (read)")
	case 2:
		early.Printf("write to non-present page")
	case 3:
		early.Printf("page protection violation (write)")
	case 4:
		early.Printf("page-fault in user-mode")
	case 8:
		early.Printf("page table has reserved bit set")
	case 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()

	// The faulting instruction is only readable if the fault was not an
	// instruction fetch.
	if errorCode != 16 {
		if text, ok := gate.DisasmAt(uintptr(regs.RIP)); ok {
			early.Printf("\nFaulting instruction: %s\n", text)
		}
	}

	panicFn(nil)
}

// recoverCopyOnWriteFault handles the one copy-on-write scenario this kernel
// ever creates: a write fault against a page still pointing at
// ReservedZeroedFrame. It allocates a private frame, copies the zeroed
// contents into it, and re-points the leaf entry at it with the CoW flag
// cleared. It returns false (and leaves the fault to the caller to report)
// for every other kind of fault.
func recoverCopyOnWriteFault(faultAddress uintptr) bool {
	var leaf *pageTableEntry

	walk(activeRootFn(), faultAddress, func(level uint8, pte *pageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)
		if level == pageLevels-1 && present {
			leaf = pte
		}
		return present
	})

	if leaf == nil || leaf.HasFlags(FlagRW) || !leaf.HasFlags(FlagCopyOnWrite) {
		return false
	}

	if frameAllocator == nil {
		return false
	}

	newFrame, err := frameAllocator()
	if err != nil {
		return false
	}

	tmpPage, err := MapTemporary(newFrame)
	if err != nil {
		return false
	}

	faultPage := PageFromAddress(faultAddress)
	mem.Memcopy(tmpPage.Address(), faultPage.Address(), mem.PageSize)
	Unmap(tmpPage)

	leaf.ClearFlags(FlagCopyOnWrite)
	leaf.SetFlags(FlagPresent | FlagRW)
	leaf.SetFrame(newFrame)
	flushTLBEntryFn(faultAddress)

	return true
}

// reserveZeroedFrame allocates and zeroes the frame used for copy-on-write
// lazy allocation requests from the Go runtime bootstrap code.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = MapTemporary(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	Unmap(tempPage)

	protectReservedZeroedPage = true
	return nil
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()

	if text, ok := gate.DisasmAt(uintptr(regs.RIP)); ok {
		early.Printf("\nFaulting instruction: %s\n", text)
	}

	panicFn(nil)
}

// Init bootstraps the kernel's page table hierarchy: it builds a fresh root
// via the internal frame cache, maps the kernel image sections and
// framebuffer window described by img, switches to the new hierarchy, and
// installs the page-fault and general-protection-fault handlers.
func Init(img KernelImage) (pmm.Frame, *kernel.Error) {
	root, err := bootstrapArena()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	if err := mapKernelSections(root, img); err != nil {
		return pmm.InvalidFrame, err
	}

	if img.FramebufferPhysAddr != 0 {
		if err := mapFramebuffer(root, img.FramebufferPhysAddr, img.FramebufferSize); err != nil {
			return pmm.InvalidFrame, err
		}
	}

	SwitchTable(root)

	if frameAllocator != nil {
		if err := reserveZeroedFrame(); err != nil {
			return pmm.InvalidFrame, err
		}
	}

	handleFn(gate.PageFaultException, 0, pageFaultHandler)
	handleFn(gate.GPFException, 0, generalProtectionFaultHandler)

	return root, nil
}
