package cpu

import "sync/atomic"

var (
	// tickCount is advanced by the periodic timer interrupt.
	tickCount uint64

	// tscTicksPerMicro converts TSC deltas to microseconds for SpinSleep.
	// The boot code calibrates it against the PIT; until then the default
	// assumes a 1 GHz invariant TSC, which only makes early spin sleeps
	// conservative.
	tscTicksPerMicro uint64 = 1000
)

// TimerTick returns the current value of the system tick counter, as
// maintained by the periodic timer interrupt. Sleep and scheduling deadlines
// are expressed in this unit.
func TimerTick() uint64 {
	return atomic.LoadUint64(&tickCount)
}

// TimerTickAdvance bumps the system tick counter. It is invoked by the
// periodic timer interrupt handler and by nothing else.
func TimerTickAdvance() {
	atomic.AddUint64(&tickCount, 1)
}

// CalibrateTSC records the measured TSC frequency used by SpinSleep.
func CalibrateTSC(ticksPerMicro uint64) {
	if ticksPerMicro != 0 {
		tscTicksPerMicro = ticksPerMicro
	}
}

// SpinSleep busy-waits for approximately the given number of microseconds. It
// is only used during device initialization, before the scheduler is able to
// put the calling task to sleep.
func SpinSleep(microseconds uint64) {
	deadline := readTSC() + microseconds*tscTicksPerMicro
	for readTSC() < deadline {
	}
}
