package sched

import "unsafe"

// saveContext captures the calling CPU's register state into t.Registers. It
// behaves like setjmp: it returns true when the snapshot has just been taken
// and false when execution is resumed through a matching loadContext call,
// at which point the CPU is running on t's stack again.
func saveContext(t *Task) bool {
	return contextSave(&t.Registers)
}

// loadContext restores t.Registers and transfers control to the restored
// context with a final retq that pops the freshly loaded rsp. It never
// returns to its caller.
func loadContext(t *Task) {
	contextLoad(&t.Registers)
}

// contextSave stores the callee's register state into ctx and returns true.
// A later contextLoad of the same ctx resumes execution at contextSave's
// return with a false result.
func contextSave(ctx *Context) bool

// contextLoad restores ctx and never returns.
func contextLoad(ctx *Context)

// fxSave stores the FPU/SSE state into the 512-byte, 16-byte aligned region
// at area using FXSAVE.
func fxSave(area uintptr)

// fxRestore loads the FPU/SSE state from the region at area using FXRSTOR.
func fxRestore(area uintptr)

// vmclear flushes and deactivates the VMCS at the given physical address,
// returning false if the instruction reported a failure.
func vmclear(vmcsPhysAddr uintptr) bool

// vmptrld makes the VMCS at the given physical address current on this CPU,
// returning false if the instruction reported a failure.
func vmptrld(vmcsPhysAddr uintptr) bool

// funcAddr returns the entry address of fn's machine code. It is used to
// seed the return-address trampoline on a freshly created task stack.
func funcAddr(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// poke stores a word at addr. Stack trampoline writes go through this so
// tests can intercept them.
func poke(addr uintptr, val uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = val
}

// peek16 reads a 16-bit word at addr.
func peek16(addr uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(addr))
}

// peek32 reads a 32-bit word at addr.
func peek32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

// poke32 stores a 32-bit word at addr.
func poke32(addr uintptr, val uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = val
}

// poke16 stores a 16-bit word at addr.
func poke16(addr uintptr, val uint16) {
	*(*uint16)(unsafe.Pointer(addr)) = val
}
