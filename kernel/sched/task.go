// Package sched implements the per-CPU preemptive task scheduler: a global
// ready queue with a skip-based selection rule, a cleaner queue for ended
// tasks, and the context switch protocol driven by the timer IRQ or a
// voluntary yield.
package sched

import (
	"github.com/XSSpark/turnstone/kernel/heap"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
	"github.com/XSSpark/turnstone/kernel/mem/pmm/allocator"
	"github.com/XSSpark/turnstone/kernel/sync"
)

// ID identifies a task. IDs are monotonically increasing and unique across
// the lifetime of the kernel; 0 is reserved for the kernel task.
type ID uint64

// KernelTaskID is the well-known id of the task representing the boot flow.
const KernelTaskID = ID(0)

// State describes the execution state of a task.
type State uint8

// WaitKind tags what, if anything, a task is currently waiting on.
type WaitKind uint8

const (
	// WaitNone marks a runnable task.
	WaitNone WaitKind = iota

	// WaitSleep parks a task until the tick counter passes Wait.Until.
	WaitSleep

	// WaitMessages parks a task until one of its message queues has a
	// pending message (or an interrupt arrives, if it is interruptible).
	WaitMessages

	// WaitFuture parks a task until its future resolves.
	WaitFuture
)

// Wait is the tagged wait state of a task.
type Wait struct {
	Kind WaitKind

	// Until is the wake tick, meaningful for WaitSleep.
	Until uint64

	// future is the one-shot resolver, meaningful for WaitFuture.
	future *sync.Future
}

const (
	// StateCreated marks a task that has been queued but never run.
	StateCreated State = iota

	// StateRunning marks the task currently loaded on a CPU.
	StateRunning

	// StateSuspended marks a task that is parked on the ready queue.
	StateSuspended

	// StateEnded marks a task whose resources are pending reclamation by
	// the cleaner. An ended task is never selected to run again.
	StateEnded
)

// Context holds the general purpose register snapshot captured at the last
// suspension point of a task. RSP and RFlags complete the picture; the
// 512-byte FX save area lives separately (see Task.FXArea).
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RSP    uint64
	RFlags uint64
}

// Task is the unit of execution. All tasks run in supervisor mode and share
// the kernel address space; the page table pointer only differs for tasks
// hosting a hypervisor guest.
type Task struct {
	ID   ID
	Name string

	State State

	// Wait is the tagged wait state inspected by the ready-queue selection
	// rule. A task waits on at most one thing at a time.
	Wait Wait

	// Interruptible and InterruptReceived are orthogonal to Wait: an
	// interruptible message-waiter is woken by SendInterrupt even with no
	// message pending.
	Interruptible     bool
	InterruptReceived bool

	// Registers and FXArea hold the register snapshot restored on resume.
	// FXArea is a 16-byte aligned 512-byte FXSAVE region on the task's
	// private heap.
	Registers Context
	FXArea    uintptr

	// Owned resources, reclaimed on the cleaner path.
	StackVA     uintptr
	StackSize   mem.Size
	stackFrames allocator.FrameRange
	HeapVA      uintptr
	HeapSize    mem.Size
	heapFrames  allocator.FrameRange

	// PageTable is the hierarchy root loaded while the task runs. It is
	// shared with the kernel for every task that does not host a guest.
	PageTable pmm.Frame

	// VMCSPhysAddr points at the VMCS bound to this task when it hosts a
	// VT-x guest; zero otherwise. The switch path issues vmclear/vmptrld
	// around it but this package never creates one itself.
	VMCSPhysAddr uintptr

	// MessageQueues are registered by tasks that consume messages; queue
	// presence feeds the message-wait selection rule.
	MessageQueues []*MessageQueue

	// Input, Output and Error are the task-local I/O buffers, allocated
	// on the task's private heap.
	Input, Output, Error *IOBuffer

	// Accounting.
	LastTickCount   uint64
	TaskSwitchCount uint64

	heap heap.Heap

	// Intrusive links for the ready and cleaner queues.
	prev, next *Task
	inQueue    *taskQueue

	// cleaned guards the resource release path: releasing a task's frames
	// twice is a bookkeeping corruption the cleaner treats as fatal.
	cleaned bool
}

// Heap returns the task's private heap.
func (t *Task) Heap() heap.Heap {
	return t.heap
}

// AddMessageQueue registers a message queue with the task and returns its
// queue number.
func (t *Task) AddMessageQueue(q *MessageQueue) int {
	t.MessageQueues = append(t.MessageQueues, q)
	return len(t.MessageQueues) - 1
}

// MessageQueue returns the queue registered under number idx, or nil.
func (t *Task) MessageQueue(idx int) *MessageQueue {
	if idx < 0 || idx >= len(t.MessageQueues) {
		return nil
	}
	return t.MessageQueues[idx]
}

// hasPendingMessage reports whether any of the task's registered queues has
// at least one undelivered message.
func (t *Task) hasPendingMessage() bool {
	for _, q := range t.MessageQueues {
		if q.Len() > 0 {
			return true
		}
	}
	return false
}

// MessageQueue is an unbounded FIFO of opaque messages. Presence of a
// message makes a message-waiting task eligible for selection.
type MessageQueue struct {
	items []interface{}
}

// Push appends a message to the queue.
func (q *MessageQueue) Push(msg interface{}) {
	q.items = append(q.items, msg)
}

// Pop removes and returns the oldest message.
func (q *MessageQueue) Pop() (interface{}, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Len returns the number of undelivered messages.
func (q *MessageQueue) Len() int {
	return len(q.items)
}

// taskQueue is an intrusive FIFO of tasks. Both the ready queue and the
// cleaner queue are taskQueues; a task is on at most one of them at a time.
type taskQueue struct {
	head, tail *Task
	size       int
}

// pushBack appends t to the queue tail. Pushing a task that is already on a
// queue is a no-op; a task is a member of at most one queue.
func (q *taskQueue) pushBack(t *Task) {
	if t.inQueue != nil {
		return
	}

	t.prev, t.next = q.tail, nil
	if q.tail == nil {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	t.inQueue = q
	q.size++
}

// remove unlinks t from the queue.
func (q *taskQueue) remove(t *Task) {
	if t.inQueue != q {
		return
	}

	if t.prev == nil {
		q.head = t.next
	} else {
		t.prev.next = t.next
	}
	if t.next == nil {
		q.tail = t.prev
	} else {
		t.next.prev = t.prev
	}
	t.prev, t.next = nil, nil
	t.inQueue = nil
	q.size--
}

// popHead removes and returns the queue head, nil if empty.
func (q *taskQueue) popHead() *Task {
	t := q.head
	if t != nil {
		q.remove(t)
	}
	return t
}
