package cpu

// PortRead32 reads a 32-bit value from the given x86 I/O port.
func PortRead32(port uint16) uint32

// PortWrite32 writes a 32-bit value to the given x86 I/O port.
func PortWrite32(port uint16, val uint32)
