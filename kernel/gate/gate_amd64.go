// Package gate installs and dispatches through the IDT: CPU exceptions, the
// per-CPU timer tick that drives task switching, and the dynamically assigned
// MSI-X vectors used by device drivers such as the NVMe controller.
package gate

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/kfmt/early"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt vector this snapshot was taken for.
	Vector uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or zero for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print outputs the register contents to the active console.
func (r *Registers) Print() {
	early.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	early.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	early.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	early.Printf("RBP = %16x\n", r.RBP)
	early.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	early.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	early.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	early.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
	early.Printf("\n")
	early.Printf("RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	early.Printf("RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	early.Printf("RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// irqBase is the first vector used for redirected hardware IRQs.
	irqBase = InterruptNumber(7)

	// TaskSwitchIRQ is the timer vector that drives preemptive task
	// switching on every CPU.
	TaskSwitchIRQ = InterruptNumber(0x60)

	// msixBase is the first vector handed out by AllocMSIXVector.
	msixBase = InterruptNumber(0x61)

	// msixLimit is one past the last vector AllocMSIXVector may hand out;
	// it matches the thunks provided by the gate entry code.
	msixLimit = InterruptNumber(0x69)
)

var (
	errNoFreeMSIXVector = &kernel.Error{Module: "gate", Message: "no free MSI-X vector available", Kind: kernel.KindAllocFailure}

	nextMSIXVector = msixBase

	// handlers routes dispatched vectors to their registered handler.
	handlers [256]func(*Registers)
)

// idtEntry is one 16-byte interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	flags      uint16
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var (
	idt [256]idtEntry

	idtDescriptor struct {
		limit uint16
		base  uintptr
	}
)

// kernelCS is the code segment selector installed by the rt0 GDT setup.
const kernelCS = uint16(0x08)

// Init runs the appropriate CPU-specific initialization code for enabling
// support for interrupt handling.
func Init() {
	installIDT()
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	handlers[intNumber] = handler
	enableGate(intNumber, istOffset)
}

// AllocMSIXVector reserves and returns the next unused MSI-X vector. Devices
// bind the returned vector to a completion queue during controller setup.
func AllocMSIXVector() (InterruptNumber, *kernel.Error) {
	if nextMSIXVector >= msixLimit {
		return 0, errNoFreeMSIXVector
	}

	v := nextMSIXVector
	nextMSIXVector++
	return v, nil
}

// installIDT populates idtDescriptor with the address of IDT and loads it to
// the CPU. All gate entries are initially marked as non-present and must be
// explicitly enabled via a call to HandleInterrupt.
func installIDT() {
	idtDescriptor.limit = uint16(unsafe.Sizeof(idt) - 1)
	idtDescriptor.base = uintptr(unsafe.Pointer(&idt[0]))
	loadIDT(uintptr(unsafe.Pointer(&idtDescriptor)))
}

// enableGate fills in the IDT descriptor for intNumber, pointing it at the
// matching asm entry thunk.
func enableGate(intNumber InterruptNumber, istOffset uint8) {
	thunk, ok := gateThunks[intNumber]
	if !ok {
		return
	}

	addr := thunkAddr(thunk)
	idt[intNumber] = idtEntry{
		offsetLow:  uint16(addr),
		selector:   kernelCS,
		flags:      0x8E00 | uint16(istOffset&0x7),
		offsetMid:  uint16(addr >> 16),
		offsetHigh: uint32(addr >> 32),
	}
}

// thunkAddr returns the entry address of an asm thunk.
func thunkAddr(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// dispatchInterrupt is invoked by the common interrupt entry code with a
// pointer to the register snapshot built on the interrupted stack.
func dispatchInterrupt(regs *Registers) {
	if handler := handlers[regs.Vector&0xFF]; handler != nil {
		handler(regs)
		return
	}

	early.Printf("\n[gate] unhandled interrupt 0x%x\n", regs.Vector)
	regs.Print()
	kernel.Panic(nil)
}

// loadIDT loads the IDT descriptor at descAddr into the CPU.
func loadIDT(descAddr uintptr)

// gateThunks maps each vector the kernel services to its asm entry thunk.
// Exceptions 0-19 cover the CPU-defined traps, 0x60 is the task switch IRQ
// and 0x61-0x68 are the MSI-X completion vectors.
var gateThunks = map[InterruptNumber]func(){
	0: vector0, 1: vector1, 2: vector2, 3: vector3, 4: vector4,
	5: vector5, 6: vector6, 7: vector7, 8: vector8, 9: vector9,
	10: vector10, 11: vector11, 12: vector12, 13: vector13, 14: vector14,
	15: vector15, 16: vector16, 17: vector17, 18: vector18, 19: vector19,
	0x60: vector96,
	0x61: vector97, 0x62: vector98, 0x63: vector99, 0x64: vector100,
	0x65: vector101, 0x66: vector102, 0x67: vector103, 0x68: vector104,
}

// Per-vector entry thunks, implemented in gate_amd64.s. Each pushes its
// vector number (and a zero Info word when the CPU did not supply an error
// code) and falls into the common register-save path.
func vector0()
func vector1()
func vector2()
func vector3()
func vector4()
func vector5()
func vector6()
func vector7()
func vector8()
func vector9()
func vector10()
func vector11()
func vector12()
func vector13()
func vector14()
func vector15()
func vector16()
func vector17()
func vector18()
func vector19()
func vector96()
func vector97()
func vector98()
func vector99()
func vector100()
func vector101()
func vector102()
func vector103()
func vector104()
