package sched

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/heap"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
	"github.com/XSSpark/turnstone/kernel/mem/pmm/allocator"
	"github.com/XSSpark/turnstone/kernel/mem/vmm"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocByCountFn = func(n uint32, flags allocator.FrameFlag) (allocator.FrameRange, *kernel.Error) {
		return allocator.FrameAllocator.AllocateByCount(n, flags)
	}
	releaseRangeFn = func(fr allocator.FrameRange) {
		_ = allocator.FrameAllocator.Release(fr)
	}
	addMappingFn    = vmm.AddMapping
	deleteMappingFn = vmm.DeleteMapping
	newHeapFn       = heap.New
	pokeFn          = poke
	panicFn         = kernel.Panic

	errInvalidTaskParams = &kernel.Error{Module: "sched", Message: "task creation requires an entry point and non-zero stack and heap sizes", Kind: kernel.KindInvalidArgument}
	errTaskDoubleClean   = &kernel.Error{Module: "sched", Message: "task resources were already released", Kind: kernel.KindInvalidArgument}
)

const (
	// taskVirtBase is the bottom of the virtual window task stacks and
	// heaps are carved from.
	taskVirtBase = uintptr(16) << 40

	// ioBufferSize is the capacity of each of the three per-task I/O
	// buffers.
	ioBufferSize = 4 * mem.Kb

	// Dimensions used for the dedicated idle tasks.
	idleStackSize = 16 * mem.Kb
	idleHeapSize  = 64 * mem.Kb
)

// nextTaskVA is the bump cursor for task virtual regions. Regions are padded
// with an unmapped guard page so stack overruns fault instead of corrupting
// a neighbouring task.
var nextTaskVA = taskVirtBase

// reserveTaskRegion hands out a page-aligned virtual region for a task stack
// or heap.
func reserveTaskRegion(size mem.Size) uintptr {
	size = (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
	va := nextTaskVA
	nextTaskVA += uintptr(size) + uintptr(mem.PageSize)
	return va
}

// CreateTask allocates and queues a new task. The entry point starts running
// once the selection rule picks the task for the first time; when it
// returns, the task ends as if it had called EndTask.
func CreateTask(heapSize, stackSize mem.Size, entry func(), name string) (ID, *kernel.Error) {
	if entry == nil || stackSize == 0 || heapSize == 0 {
		return 0, errInvalidTaskParams
	}

	root := activeRootFn()
	stackPages := stackSize.Pages()
	heapPages := heapSize.Pages()

	stackFrames, err := allocByCountFn(stackPages, allocator.FrameFlagUsed|allocator.FrameFlagBlock)
	if err != nil {
		return 0, err
	}

	heapFrames, err := allocByCountFn(heapPages, allocator.FrameFlagUsed|allocator.FrameFlagBlock)
	if err != nil {
		releaseRangeFn(stackFrames)
		return 0, err
	}

	stackVA := reserveTaskRegion(stackSize)
	heapVA := reserveTaskRegion(heapSize)

	var stackMapped, heapMapped uint32
	unwind := func() {
		unmapRange(root, stackVA, stackMapped)
		unmapRange(root, heapVA, heapMapped)
		releaseRangeFn(stackFrames)
		releaseRangeFn(heapFrames)
	}

	if stackMapped, err = mapRange(root, stackVA, stackFrames.Base, stackPages); err != nil {
		unwind()
		return 0, err
	}
	if heapMapped, err = mapRange(root, heapVA, heapFrames.Base, heapPages); err != nil {
		unwind()
		return 0, err
	}

	t := &Task{
		Name:        name,
		State:       StateCreated,
		StackVA:     stackVA,
		StackSize:   stackSize,
		stackFrames: stackFrames,
		HeapVA:      heapVA,
		HeapSize:    heapSize,
		heapFrames:  heapFrames,
		PageTable:   root,
		heap:        newHeapFn(heapVA, heapVA+uintptr(heapSize)),
	}

	if t.FXArea, err = t.heap.Malloc(512, 16); err != nil {
		unwind()
		return 0, err
	}
	primeFXArea(t.FXArea)

	if t.Input, err = newIOBuffer(t.heap, ioBufferSize); err == nil {
		if t.Output, err = newIOBuffer(t.heap, ioBufferSize); err == nil {
			t.Error, err = newIOBuffer(t.heap, ioBufferSize)
		}
	}
	if err != nil {
		unwind()
		return 0, err
	}

	// Build the startup trampoline. The first selection of this task loads
	// rsp below four return addresses, so the final retq of the context
	// load walks: apic_eoi -> cpu_sti -> entry point -> EndTask.
	top := stackVA + uintptr(stackSize)
	rbp := top - 16
	pokeFn(rbp-8, uint64(funcAddr(EndTask)))
	pokeFn(rbp-16, uint64(funcAddr(entry)))
	pokeFn(rbp-24, uint64(funcAddr(stiFn)))
	pokeFn(rbp-32, uint64(funcAddr(eoiFn)))

	t.Registers.RBP = uint64(rbp)
	t.Registers.RSP = uint64(rbp - 32)
	t.Registers.RFlags = 0x202

	cliFn()
	t.ID = nextID
	nextID++
	tasks[t.ID] = t
	readyQueue.pushBack(t)
	stiFn()

	return t.ID, nil
}

// mapRange installs RW, non-executable 4 KiB mappings for pages consecutive
// frames starting at base. It returns the number of pages actually mapped so
// a failed creation can unwind precisely.
func mapRange(root pmm.Frame, va uintptr, base pmm.Frame, pages uint32) (uint32, *kernel.Error) {
	for i := uint32(0); i < pages; i++ {
		offset := uintptr(i) * uintptr(mem.PageSize)
		if err := addMappingFn(root, va+offset, base+pmm.Frame(i), vmm.FlagRW|vmm.FlagNoExecute, mem.PageOrder(0)); err != nil {
			return i, err
		}
	}
	return pages, nil
}

// unmapRange removes pages 4 KiB mappings starting at va.
func unmapRange(root pmm.Frame, va uintptr, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		offset := uintptr(i) * uintptr(mem.PageSize)
		_, _ = deleteMappingFn(root, va+offset)
	}
}

// primeFXArea initializes a fresh FX save area with the FPU control word and
// MXCSR defaults a new task starts from.
func primeFXArea(area uintptr) {
	mem.Memset(area, 0, 512)
	poke16(area, 0x37F)
	poke32(area+24, 0x1F80&mxcsrMask)
}

// EndTask marks the calling task as ended and gives up the CPU. The cleaner
// reclaims its resources on a later pass through the kernel task. It is also
// the return address planted under every task entry point.
func EndTask() {
	t := CurrentTask()
	if t == nil {
		return
	}

	cliFn()
	t.Wait = Wait{}
	t.Interruptible = false
	t.InterruptReceived = false
	t.State = StateEnded

	// The selection rule never picks an ended task again, so this switch
	// does not come back.
	reschedule()
}

// KillTask marks the task registered under id as ended. With force set, a
// task that has already ended is cleaned immediately instead of waiting for
// the next cleaner pass.
func KillTask(id ID, force bool) *kernel.Error {
	cliFn()
	t, ok := tasks[id]
	if !ok {
		stiFn()
		return errTaskNotFound
	}

	if t.State != StateEnded {
		t.Wait = Wait{}
		t.Interruptible = false
		t.InterruptReceived = false
		t.State = StateEnded
	} else if force {
		if t.inQueue != nil {
			t.inQueue.remove(t)
		}
		cleanTask(t)
	}

	stiFn()
	return nil
}

// drainCleaner reclaims every task parked on the cleaner queue. It only runs
// while switching away from the kernel task.
func drainCleaner() {
	for t := cleanerQueue.popHead(); t != nil; t = cleanerQueue.popHead() {
		cleanTask(t)
	}
}

// cleanTask releases a task's stack and heap frames, unmaps its virtual
// regions and drops it from the task map. Each task passes through here
// exactly once; a second pass means the scheduler's bookkeeping is corrupt
// and the CPU is halted.
func cleanTask(t *Task) {
	if t.cleaned {
		panicFn(errTaskDoubleClean)
	}
	t.cleaned = true

	root := activeRootFn()
	unmapRange(root, t.StackVA, t.StackSize.Pages())
	unmapRange(root, t.HeapVA, t.HeapSize.Pages())

	if t.stackFrames.Count != 0 {
		releaseRangeFn(t.stackFrames)
		t.stackFrames = allocator.FrameRange{}
	}
	if t.heapFrames.Count != 0 {
		releaseRangeFn(t.heapFrames)
		t.heapFrames = allocator.FrameRange{}
	}

	delete(tasks, t.ID)
}

// CreateIdleTasks replaces the per-CPU idle placeholders (which point at the
// kernel task after Init) with dedicated HLT-loop tasks. Idle tasks are
// taken off the ready queue: they only ever run through the idle slot when
// nothing else is selectable.
func CreateIdleTasks() *kernel.Error {
	for i := range idle {
		id, err := CreateTask(idleHeapSize, idleStackSize, idleLoop, "idle")
		if err != nil {
			return err
		}

		cliFn()
		t := tasks[id]
		readyQueue.remove(t)
		idle[i] = t
		stiFn()
	}
	return nil
}

// idleLoop halts until the next interrupt, forever.
func idleLoop() {
	for {
		haltFn()
	}
}
