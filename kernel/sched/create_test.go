package sched

import (
	"testing"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/gate"
	"github.com/XSSpark/turnstone/kernel/sync"
)

func TestCreateTaskResources(t *testing.T) {
	m := installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	id, err := CreateTask(0x10000, 0x4000, func() {}, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("expected the first created task to receive id 1; got %d", id)
	}

	tk, err := TaskByID(id)
	if err != nil {
		t.Fatal(err)
	}

	// 4 stack pages plus 16 heap pages.
	if m.mapped != 20 {
		t.Fatalf("expected 20 page mappings; got %d", m.mapped)
	}
	if tk.State != StateCreated {
		t.Fatalf("expected a fresh task in the created state; got %d", tk.State)
	}
	if tk.Name != "t1" {
		t.Fatalf("unexpected task name %q", tk.Name)
	}

	if tk.FXArea%16 != 0 {
		t.Fatalf("expected a 16-byte aligned FX area; got 0x%x", tk.FXArea)
	}
	if got := peek16(tk.FXArea); got != 0x37F {
		t.Fatalf("expected FPU control word 0x37F; got 0x%x", got)
	}
	if got := peek32(tk.FXArea + 24); got != 0x1F80&mxcsrMask {
		t.Fatalf("expected MXCSR 0x%x; got 0x%x", 0x1F80&mxcsrMask, got)
	}

	if tk.Input == nil || tk.Output == nil || tk.Error == nil {
		t.Fatal("expected all three I/O buffers to be allocated")
	}

	// Startup trampoline: rsp sits under four return addresses so the
	// context load walks apic_eoi -> cpu_sti -> entry -> EndTask.
	top := tk.StackVA + uintptr(tk.StackSize)
	rbp := top - 16
	if tk.Registers.RBP != uint64(rbp) {
		t.Fatalf("expected rbp 0x%x; got 0x%x", rbp, tk.Registers.RBP)
	}
	if tk.Registers.RSP != uint64(rbp-32) {
		t.Fatalf("expected rsp 0x%x; got 0x%x", rbp-32, tk.Registers.RSP)
	}
	if tk.Registers.RFlags != 0x202 {
		t.Fatalf("expected initial rflags 0x202; got 0x%x", tk.Registers.RFlags)
	}

	if m.stackWrites[rbp-8] != uint64(funcAddr(EndTask)) {
		t.Fatal("expected EndTask at the bottom of the startup trampoline")
	}
	if m.stackWrites[rbp-24] != uint64(funcAddr(stiFn)) {
		t.Fatal("expected the sti thunk above the entry point")
	}
	if m.stackWrites[rbp-32] != uint64(funcAddr(eoiFn)) {
		t.Fatal("expected the eoi thunk at the initial rsp")
	}
}

func TestCreateTaskRejectsBadParams(t *testing.T) {
	installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if _, err := CreateTask(0x10000, 0x4000, nil, "no-entry"); err != errInvalidTaskParams {
		t.Fatalf("expected errInvalidTaskParams; got %v", err)
	}
	if _, err := CreateTask(0, 0x4000, func() {}, "no-heap"); err != errInvalidTaskParams {
		t.Fatalf("expected errInvalidTaskParams; got %v", err)
	}
	if TaskCount() != 1 {
		t.Fatal("expected no task to be registered after rejected creations")
	}
}

func TestCreateTaskUnwindsOnAllocFailure(t *testing.T) {
	m := installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	expErr := &kernel.Error{Module: "test", Message: "out of frames", Kind: kernel.KindAllocFailure}
	m.allocErr = expErr

	if _, err := CreateTask(0x10000, 0x4000, func() {}, "t1"); err != expErr {
		t.Fatalf("expected the allocator error to surface; got %v", err)
	}
	if TaskCount() != 1 {
		t.Fatal("expected no task to be registered after a failed creation")
	}
	if len(m.released) != 0 {
		t.Fatal("expected nothing to unwind when the first allocation fails")
	}
}

func TestCreateTaskUnwindsOnMapFailure(t *testing.T) {
	m := installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	// Fail while mapping the heap, after the 4 stack pages went in.
	expErr := &kernel.Error{Module: "test", Message: "mapping failed", Kind: kernel.KindAllocFailure}
	m.mapErr = expErr
	m.mapErrAt = 4

	if _, err := CreateTask(0x10000, 0x4000, func() {}, "t1"); err != expErr {
		t.Fatalf("expected the mapping error to surface; got %v", err)
	}

	if len(m.released) != 2 {
		t.Fatalf("expected both frame ranges to be released on unwind; got %d", len(m.released))
	}
	if m.unmapped != 4 {
		t.Fatalf("expected the 4 mapped stack pages to be unmapped on unwind; got %d", m.unmapped)
	}
	if TaskCount() != 1 {
		t.Fatal("expected no task to be registered after a failed creation")
	}
}

func TestKillTaskDeferredCleanup(t *testing.T) {
	m := installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	id, err := CreateTask(0x10000, 0x4000, func() {}, "victim")
	if err != nil {
		t.Fatal(err)
	}
	victim, _ := TaskByID(id)

	if err := KillTask(id, false); err != nil {
		t.Fatal(err)
	}
	if victim.State != StateEnded {
		t.Fatalf("expected the killed task to be ended; got state %d", victim.State)
	}
	if TaskCount() != 2 {
		t.Fatal("expected cleanup to be deferred, not immediate")
	}

	// First kernel pass diverts the ended task to the cleaner queue, the
	// second drains it.
	m.handlers[gate.TaskSwitchIRQ](nil)
	m.handlers[gate.TaskSwitchIRQ](nil)

	if TaskCount() != 1 {
		t.Fatalf("expected the victim to be cleaned after a kernel pass; task map has %d entries", TaskCount())
	}

	var stackReleased, heapReleased bool
	for _, fr := range m.released {
		if fr.Count == 4 {
			stackReleased = true
		}
		if fr.Count == 16 {
			heapReleased = true
		}
	}
	if !stackReleased || !heapReleased {
		t.Fatalf("expected both the stack and heap frame ranges to be released; got %+v", m.released)
	}
	if m.unmapped != 20 {
		t.Fatalf("expected all 20 task pages to be unmapped; got %d", m.unmapped)
	}
}

func TestKillTaskForceImmediate(t *testing.T) {
	m := installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	id, err := CreateTask(0x10000, 0x4000, func() {}, "victim")
	if err != nil {
		t.Fatal(err)
	}

	if err := KillTask(id, false); err != nil {
		t.Fatal(err)
	}
	if err := KillTask(id, true); err != nil {
		t.Fatal(err)
	}

	if TaskCount() != 1 {
		t.Fatal("expected a forced kill of an ended task to clean it immediately")
	}
	if len(m.released) != 2 {
		t.Fatalf("expected both frame ranges to be released; got %d", len(m.released))
	}
	if readyQueue.size != 0 {
		t.Fatalf("expected the victim to leave the ready queue; size is %d", readyQueue.size)
	}
}

func TestKillTaskUnknownID(t *testing.T) {
	installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if err := KillTask(ID(999), false); err != errTaskNotFound {
		t.Fatalf("expected errTaskNotFound; got %v", err)
	}
}

func TestEndTask(t *testing.T) {
	m := installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	id, err := CreateTask(0x10000, 0x4000, func() {}, "short-lived")
	if err != nil {
		t.Fatal(err)
	}

	// Run the task, then end it from its own context.
	m.handlers[gate.TaskSwitchIRQ](nil)
	if current[0].ID != id {
		t.Fatalf("expected the new task to be current; got task %d", current[0].ID)
	}

	EndTask()

	ended, _ := TaskByID(id)
	if ended.State != StateEnded {
		t.Fatalf("expected the task to be ended; got state %d", ended.State)
	}
	if current[0] == ended {
		t.Fatal("expected the scheduler to move off the ended task")
	}
}

func TestCreateIdleTasks(t *testing.T) {
	installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if err := CreateIdleTasks(); err != nil {
		t.Fatal(err)
	}

	if idle[0] == kernelTask {
		t.Fatal("expected the idle placeholder to be replaced")
	}
	if idle[0].Name != "idle" {
		t.Fatalf("expected a dedicated idle task; got %q", idle[0].Name)
	}
	if idle[0].inQueue != nil {
		t.Fatal("expected the idle task to stay off the ready queue")
	}
}

func TestSleepUntil(t *testing.T) {
	m := installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	// Advance the clock on every context load so the sleep eventually
	// expires; the kernel task is both the sleeper and the idle fallback.
	loadCount := 0
	loadContextFn = func(next *Task) {
		loadCount++
		m.tick += 20
	}

	SleepUntil(50)

	if kernelTask.Wait.Kind != WaitNone {
		t.Fatal("expected the wait state to be reset on wakeup")
	}
	if m.tick <= 50 {
		t.Fatalf("expected the clock to have advanced past the wake tick; at %d", m.tick)
	}
	if loadCount == 0 {
		t.Fatal("expected the sleeper to be switched out at least once")
	}
}

func TestAwaitFuture(t *testing.T) {
	installMocks(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	f := sync.NewFuture()

	// Resolve the future after a couple of idle spins, as an ISR would.
	loadCount := 0
	loadContextFn = func(next *Task) {
		loadCount++
		if loadCount == 3 {
			f.Resolve(uint64(0xCAFE))
		}
	}

	if got := AwaitFuture(f); got != uint64(0xCAFE) {
		t.Fatalf("expected the resolved value; got %v", got)
	}
	if kernelTask.Wait.Kind != WaitNone {
		t.Fatal("expected the wait state to be reset after resolution")
	}
	if loadCount < 3 {
		t.Fatalf("expected the waiter to spin through the scheduler until resolution; %d loads", loadCount)
	}
}
