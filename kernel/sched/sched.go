package sched

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/cpu"
	"github.com/XSSpark/turnstone/kernel/gate"
	"github.com/XSSpark/turnstone/kernel/kfmt/early"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
	"github.com/XSSpark/turnstone/kernel/mem/vmm"
	"github.com/XSSpark/turnstone/kernel/sync"
)

// MaxTickCount is the number of timer ticks a task may run before a timer
// IRQ forces it off the CPU.
const MaxTickCount = 10

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	timerTickFn   = cpu.TimerTick
	tickAdvanceFn = cpu.TimerTickAdvance
	apicIDFn      = cpu.LocalAPICID
	apCountFn     = cpu.APCount
	eoiFn         = cpu.SendEOI
	stiFn         = cpu.EnableInterrupts
	cliFn         = cpu.DisableInterrupts
	haltFn        = cpu.Halt
	saveContextFn = saveContext
	loadContextFn = loadContext
	fxSaveFn      = fxSave
	fxRestoreFn   = fxRestore
	vmclearFn     = vmclear
	vmptrldFn     = vmptrld
	handleFn      = gate.HandleInterrupt

	activeRootFn = func() pmm.Frame {
		return vmm.SwitchTable(pmm.InvalidFrame)
	}

	errTaskNotFound = &kernel.Error{Module: "sched", Message: "no task registered under the requested id", Kind: kernel.KindNotFound}
)

// Per-CPU scheduler state, indexed by local APIC id. APIC ids are assumed to
// be dense, as assigned by the SMP bring-up code.
var (
	current []*Task
	idle    []*Task
	needEOI []bool
	needSTI []bool
)

// Shared scheduler state. Every mutation is bracketed by an
// interrupt-disable section; no other lock is required because a CPU never
// reschedules while mutating.
var (
	readyQueue   taskQueue
	cleanerQueue taskQueue
	tasks        map[ID]*Task
	nextID       ID

	// kmainCompleted drains the kernel task from the ready set: once set,
	// the kernel task is no longer re-enqueued on suspension.
	kmainCompleted bool

	// mxcsrMask is read from a kernel FXSAVE during Init and masks the
	// MXCSR default loaded into new tasks' FX areas.
	mxcsrMask uint32

	kernelTask *Task

	// kernelFXStorage backs the kernel task's FX save area; Init aligns
	// into it, since a package variable carries no alignment guarantee
	// beyond the pointer size.
	kernelFXStorage [512 + 16]byte
)

// Init sets up the scheduler for apCount+1 CPUs: it registers the boot flow
// as the kernel task (id 0), points every per-CPU current and idle slot at
// it, and installs the task switch IRQ handler.
func Init() *kernel.Error {
	cpus := int(apCountFn()) + 1

	current = make([]*Task, cpus)
	idle = make([]*Task, cpus)
	needEOI = make([]bool, cpus)
	needSTI = make([]bool, cpus)

	kernelTask = &Task{
		ID:        KernelTaskID,
		Name:      "kernel",
		State:     StateRunning,
		PageTable: activeRootFn(),
		FXArea:    fxAlign(uintptr(unsafe.Pointer(&kernelFXStorage[0]))),
	}

	fxSaveFn(kernelTask.FXArea)
	mxcsrMask = peek32(kernelTask.FXArea + 28)
	if mxcsrMask == 0 {
		mxcsrMask = 0xFFBF
	}

	tasks = map[ID]*Task{KernelTaskID: kernelTask}
	nextID = 1
	readyQueue = taskQueue{}
	cleanerQueue = taskQueue{}
	kmainCompleted = false

	for i := range current {
		current[i] = kernelTask
		idle[i] = kernelTask
	}

	handleFn(gate.TaskSwitchIRQ, 0, timerSwitchHandler)
	sync.SetYielder(Yield)

	early.Printf("[sched] tasking initialized for %d cpu(s)\n", uint64(cpus))
	return nil
}

// fxAlign rounds addr up to the 16-byte boundary FXSAVE requires.
func fxAlign(addr uintptr) uintptr {
	return (addr + 15) &^ uintptr(15)
}

// CurrentTask returns the task running on the calling CPU, or nil before
// the scheduler has been initialized.
func CurrentTask() *Task {
	apic := apicIDFn()
	if int(apic) >= len(current) {
		return nil
	}
	return current[apic]
}

// TaskByID returns the task registered under id.
func TaskByID(id ID) (*Task, *kernel.Error) {
	t, ok := tasks[id]
	if !ok {
		return nil, errTaskNotFound
	}
	return t, nil
}

// TaskCount returns the number of tasks in the task map, the kernel task
// included.
func TaskCount() int {
	return len(tasks)
}

// KmainCompleted marks the boot flow as finished. From this point on the
// kernel task is no longer re-enqueued when it suspends, draining it from
// the ready set.
func KmainCompleted() {
	kmainCompleted = true
}

// timerSwitchHandler runs on every task switch IRQ. It owns the system tick
// counter: one tick per timer interrupt.
func timerSwitchHandler(_ *gate.Registers) {
	tickAdvanceFn()
	apic := apicIDFn()
	needEOI[apic] = true
	needSTI[apic] = true
	switchTask()
	exitPrep(apic)
}

// Yield voluntarily gives up the remainder of the current timeslice. It is a
// no-op while the ready queue is empty, avoiding a pointless switch.
func Yield() {
	if readyQueue.size == 0 {
		return
	}
	reschedule()
}

// reschedule forces a switch attempt regardless of ready-queue occupancy.
// Wait helpers use it to loop until their wake condition clears.
func reschedule() {
	cliFn()
	apic := apicIDFn()
	needSTI[apic] = true
	needEOI[apic] = false
	switchTask()
	exitPrep(apic)
}

// exitPrep sends the pending APIC EOI and re-enables interrupts as flagged
// for the calling CPU. It runs after every switch attempt, on the stack of
// whichever task came out of it.
func exitPrep(apic uint32) {
	if needEOI[apic] {
		needEOI[apic] = false
		eoiFn()
	}
	if needSTI[apic] {
		needSTI[apic] = false
		stiFn()
	}
}

// findNextTask implements the ready-queue selection rule: a head-to-tail
// scan where ended tasks are diverted to the cleaner queue and waiting tasks
// are skipped unless their wake condition holds. When nothing is selectable
// the CPU's idle task runs.
func findNextTask(apic uint32) *Task {
	now := timerTickFn()

	for t := readyQueue.head; t != nil; {
		next := t.next

		if t.State == StateEnded {
			readyQueue.remove(t)
			cleanerQueue.pushBack(t)
			t = next
			continue
		}

		switch t.Wait.Kind {
		case WaitFuture:
			if t.Wait.future != nil && t.Wait.future.IsResolved() {
				t.Wait = Wait{}
				readyQueue.remove(t)
				return t
			}

		case WaitSleep:
			if t.Wait.Until < now {
				t.Wait = Wait{}
				readyQueue.remove(t)
				return t
			}

		case WaitMessages:
			if t.Interruptible && t.InterruptReceived {
				t.InterruptReceived = false
				t.Wait = Wait{}
				readyQueue.remove(t)
				return t
			}
			if t.hasPendingMessage() {
				t.Wait = Wait{}
				readyQueue.remove(t)
				return t
			}

		default:
			readyQueue.remove(t)
			return t
		}

		t = next
	}

	return idle[apic]
}

// switchTask is the heart of the scheduler. It runs with interrupts
// disabled; the caller performs exit-prep once it returns, which happens on
// the stack of the task selected to run next (or immediately, on the fast
// path that keeps the current task).
func switchTask() {
	apic := apicIDFn()
	cur := current[apic]
	if cur == nil {
		return
	}

	// Fast path: a healthy task keeps the CPU until it exhausts its
	// timeslice. A switch on the same tick it was scheduled on (a
	// voluntary yield, typically) always goes through.
	if now := timerTickFn(); cur.State != StateEnded &&
		now-cur.LastTickCount < MaxTickCount && now > cur.LastTickCount &&
		cur.Wait.Kind == WaitNone {
		return
	}

	if cur.VMCSPhysAddr != 0 && !vmclearFn(cur.VMCSPhysAddr) {
		early.Printf("[sched] vmclear failed for task %d\n", uint64(cur.ID))
	}

	fxSaveFn(cur.FXArea)
	if !saveContextFn(cur) {
		// A later loadContext resumed us; we are back on cur's stack.
		return
	}

	if cur.State != StateEnded {
		cur.State = StateSuspended
	}

	// An ended task is re-enqueued too: the selection rule is the single
	// place that diverts ended tasks to the cleaner queue.
	if cur.ID != KernelTaskID || !kmainCompleted {
		readyQueue.pushBack(cur)
	}

	if cur.ID == KernelTaskID && cleanerQueue.size != 0 {
		drainCleaner()
	}

	next := findNextTask(apic)
	next.LastTickCount = timerTickFn()
	next.TaskSwitchCount++
	current[apic] = next
	next.State = StateRunning

	if next.VMCSPhysAddr != 0 && !vmptrldFn(next.VMCSPhysAddr) {
		early.Printf("[sched] vmptrld failed for task %d\n", uint64(next.ID))
	}

	fxRestoreFn(next.FXArea)
	loadContextFn(next)
}
