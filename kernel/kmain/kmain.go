package kmain

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/driver/nvme"
	"github.com/XSSpark/turnstone/kernel/gate"
	"github.com/XSSpark/turnstone/kernel/goruntime"
	"github.com/XSSpark/turnstone/kernel/hal"
	"github.com/XSSpark/turnstone/kernel/hal/multiboot"
	"github.com/XSSpark/turnstone/kernel/kfmt/early"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm/allocator"
	"github.com/XSSpark/turnstone/kernel/mem/vmm"
	"github.com/XSSpark/turnstone/kernel/sched"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// kernelHeapWindow is the extent of the heap section mapped past the loaded
// image for early fixed allocations; the Go runtime heap proper is grown on
// demand through the frame allocator.
const kernelHeapWindow = 64 * mem.Mb

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	gate.Init()

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	} else if _, err = vmm.Init(kernelImage(kernelStart, kernelEnd)); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	} else if err = sched.Init(); err != nil {
		panic(err)
	}

	if count := nvme.Detect(); count != 0 {
		early.Printf("[kmain] %d nvme disk(s) online\n", uint64(count))
	}

	// The boot flow is done; drain the kernel task from the ready set and
	// hand the CPU over to whatever has been queued.
	sched.KmainCompleted()
	sched.Yield()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// kernelImage builds the program-header descriptor the paging manager maps
// on its first hierarchy build: the loaded image, a heap window past it and
// the bootloader framebuffer. The kernel is loaded identity-mapped, so
// physical and virtual extents coincide.
func kernelImage(kernelStart, kernelEnd uintptr) vmm.KernelImage {
	imgStart := kernelStart &^ uintptr(mem.PageSize-1)
	imgEnd := (kernelEnd + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)

	img := vmm.KernelImage{
		Sections: []vmm.KernelSection{
			{Name: vmm.SectionText, VirtAddr: imgStart, PhysAddr: imgStart, Size: mem.Size(imgEnd - imgStart)},
			{Name: vmm.SectionHeap, VirtAddr: imgEnd, PhysAddr: imgEnd, Size: kernelHeapWindow},
		},
	}

	if fbInfo := multiboot.GetFramebufferInfo(); fbInfo != nil && fbInfo.PhysAddr != 0 {
		img.FramebufferPhysAddr = uintptr(fbInfo.PhysAddr)
		img.FramebufferSize = mem.Size(fbInfo.Pitch) * mem.Size(fbInfo.Height)
	}

	return img
}
