package cpu

import "unsafe"

const (
	// lapicBase is the identity-mapped local APIC register window.
	lapicBase = uintptr(0xFEE00000)

	// lapicEOI is the end-of-interrupt register offset.
	lapicEOI = uintptr(0xB0)
)

// apCount holds the number of application processors that responded during
// SMP bring-up. The bootstrap processor records it before starting the APs.
var apCount uint32

// LocalAPICID returns the local APIC id of the CPU executing this code. It is
// used to index all per-CPU scheduler state.
func LocalAPICID() uint32 {
	_, ebx, _, _ := cpuidFn(1)
	return ebx >> 24
}

// SendEOI signals the local APIC that the current interrupt has been
// serviced, allowing further interrupts of the same priority to be delivered.
func SendEOI() {
	*(*uint32)(unsafe.Pointer(lapicBase + lapicEOI)) = 0
}

// SetAPCount records the number of application processors that responded
// during SMP bring-up.
func SetAPCount(count uint32) {
	apCount = count
}

// APCount returns the number of application processors that responded during
// SMP bring-up, not including the bootstrap processor.
func APCount() uint32 {
	return apCount
}
