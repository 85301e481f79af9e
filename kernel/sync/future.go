package sync

// Lock is a one-shot binary primitive: it starts out either free or locked,
// and Release transitions it to free exactly once. It underlies Future and is
// also used directly by the NVMe driver to track the completion of a single
// outstanding command.
type Lock struct {
	Spinlock
}

// NewLockedLock returns a Lock that starts in the locked state. Callers block
// in Acquire until the matching Release call, which may come from another CPU
// (e.g. an interrupt handler).
func NewLockedLock() *Lock {
	l := &Lock{}
	l.state = 1
	return l
}

// Release unlocks the lock, waking up any Acquire callers. Calling Release on
// an already-free lock has no effect.
func (l *Lock) Release() {
	l.Spinlock.Release()
}

// Future wraps a Lock created in the locked state so that a producer (an
// interrupt handler, typically) can resolve it exactly once and a consumer
// can block until that happens. It requires no backing goroutine runtime.
type Future struct {
	lock  *Lock
	value interface{}
}

// NewFuture creates a Future backed by a freshly locked Lock. The returned
// Future is not yet resolved.
func NewFuture() *Future {
	return &Future{lock: NewLockedLock()}
}

// Resolve stores value and releases the underlying lock, unblocking any
// pending or future calls to Await. Resolve must be called exactly once per
// Future; calling it again has no additional effect.
func (f *Future) Resolve(value interface{}) {
	f.value = value
	f.lock.Release()
}

// Await blocks the calling task until Resolve has been invoked and returns
// the resolved value. It busy-waits and is only appropriate for callers that
// have no scheduler to yield to (e.g. admin commands issued during device
// bring-up). Task-context callers should prefer IsResolved together with the
// scheduler's wait-for-future suspension.
func (f *Future) Await() interface{} {
	f.lock.Acquire()
	return f.value
}

// IsResolved reports, without blocking, whether Resolve has been called since
// the last true result. A true result takes the underlying lock again, so
// later IsResolved calls return false and Await blocks. The scheduler polls
// this from its selection rule for tasks parked on a future.
func (f *Future) IsResolved() bool {
	return f.lock.TryToAcquire()
}

// Value returns the value passed to Resolve. It is only meaningful once
// IsResolved or Await has returned true/unblocked.
func (f *Future) Value() interface{} {
	return f.value
}
