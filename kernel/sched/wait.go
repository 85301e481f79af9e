package sched

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/sync"
)

// Sleep parks the calling task for at least ticks timer ticks. The task
// becomes eligible again on the first switch after the wake tick has passed.
func Sleep(ticks uint64) {
	SleepUntil(timerTickFn() + ticks)
}

// SleepUntil parks the calling task until the timer tick counter exceeds
// tick.
func SleepUntil(tick uint64) {
	t := CurrentTask()
	if t == nil {
		return
	}

	cliFn()
	t.Wait = Wait{Kind: WaitSleep, Until: tick}

	for t.Wait.Kind == WaitSleep {
		reschedule()
	}
}

// AwaitFuture parks the calling task until f resolves and returns the
// resolved value. Before the scheduler is initialized it degrades to the
// future's own busy-wait.
func AwaitFuture(f *sync.Future) interface{} {
	if f == nil {
		return nil
	}

	t := CurrentTask()
	if t == nil {
		return f.Await()
	}

	cliFn()
	t.Wait = Wait{Kind: WaitFuture, future: f}

	// The selection rule is the single consumer of the future's resolved
	// state: it resets the wait once it observes the resolution.
	for t.Wait.Kind == WaitFuture {
		reschedule()
	}

	return f.Value()
}

// WaitForMessage parks the calling task until one of its registered message
// queues has a pending message, or, for an interruptible task, until an
// interrupt is delivered via SendInterrupt.
func WaitForMessage() {
	t := CurrentTask()
	if t == nil {
		return
	}

	cliFn()
	t.Wait = Wait{Kind: WaitMessages}

	for t.Wait.Kind == WaitMessages {
		reschedule()
	}
}

// SetInterruptible marks the calling task as wakeable by SendInterrupt while
// it waits for messages.
func SetInterruptible(interruptible bool) {
	if t := CurrentTask(); t != nil {
		t.Interruptible = interruptible
	}
}

// SendInterrupt delivers a wakeup to an interruptible task parked in
// WaitForMessage.
func SendInterrupt(id ID) *kernel.Error {
	cliFn()
	t, ok := tasks[id]
	if !ok {
		stiFn()
		return errTaskNotFound
	}

	if t.Interruptible {
		t.InterruptReceived = true
	}
	stiFn()
	return nil
}
