package gate

import (
	"reflect"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest legal x86-64 instruction encoding.
const maxInstLen = 15

// DisasmAt decodes the instruction at addr and returns its Intel-syntax
// rendering. Fault handlers use it to print the faulting instruction before
// halting, which beats staring at a bare RIP when the kernel dies. The
// address must be mapped; callers pass a RIP the CPU was just executing.
func DisasmAt(addr uintptr) (string, bool) {
	code := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  maxInstLen,
		Cap:  maxInstLen,
	}))

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", false
	}

	return x86asm.IntelSyntax(inst, uint64(addr), nil), true
}
