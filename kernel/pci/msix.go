package pci

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
)

const (
	// capIDMSIX identifies the MSI-X capability in a function's
	// capability list.
	capIDMSIX = uint8(0x11)

	// msixEntrySize is the byte size of one MSI-X table entry: message
	// address (64 bits), message data and vector control.
	msixEntrySize = uintptr(16)

	// msixMsgAddrBase is the amd64 interrupt message address window; the
	// destination APIC id lives in bits 12-19.
	msixMsgAddrBase = uint32(0xFEE00000)
)

var (
	errNoMSIX = &kernel.Error{Module: "pci", Message: "device has no MSI-X capability", Kind: kernel.KindNotFound}

	// mmioWrite32Fn/mmioRead32Fn are mocked by tests and are automatically
	// inlined by the compiler.
	mmioWrite32Fn = func(addr uintptr, val uint32) {
		*(*uint32)(unsafe.Pointer(addr)) = val
	}
	mmioRead32Fn = func(addr uintptr) uint32 {
		return *(*uint32)(unsafe.Pointer(addr))
	}
)

// MSIXCapability describes a function's MSI-X capability: where the vector
// table and pending-bit array live relative to the function's BARs.
type MSIXCapability struct {
	// Offset of the capability structure in configuration space.
	Offset uint8

	// TableSize is the number of table entries (one-based).
	TableSize uint16

	TableBIR    uint8
	TableOffset uint32

	PBABIR    uint8
	PBAOffset uint32
}

// FindMSIXCapability walks the function's capability list looking for MSI-X.
func FindMSIXCapability(dev *Device) (MSIXCapability, *kernel.Error) {
	status := uint16(ReadConfig32(dev.Addr, regCommand) >> 16)
	if status&statusHasCapList == 0 {
		return MSIXCapability{}, errNoMSIX
	}

	capOffset := uint8(ReadConfig32(dev.Addr, regCapPtr)) &^ 0x3
	for capOffset != 0 {
		header := ReadConfig32(dev.Addr, capOffset)
		if uint8(header) == capIDMSIX {
			table := ReadConfig32(dev.Addr, capOffset+4)
			pba := ReadConfig32(dev.Addr, capOffset+8)

			return MSIXCapability{
				Offset:      capOffset,
				TableSize:   uint16(header>>16)&0x7FF + 1,
				TableBIR:    uint8(table & 0x7),
				TableOffset: table &^ 0x7,
				PBABIR:      uint8(pba & 0x7),
				PBAOffset:   pba &^ 0x7,
			}, nil
		}

		capOffset = uint8(header>>8) &^ 0x3
	}

	return MSIXCapability{}, errNoMSIX
}

// EnableMSIX sets the capability's enable bit and clears the function mask,
// activating every configured table entry.
func EnableMSIX(dev *Device, cap MSIXCapability) {
	control := ReadConfig16(dev.Addr, cap.Offset+2)
	control |= 1 << 15  // MSI-X enable
	control &^= 1 << 14 // function mask
	WriteConfig16(dev.Addr, cap.Offset+2, control)
}

// ConfigureMSIXVector programs one entry of a function's MSI-X table (mapped
// at tableVA) to deliver the given IDT vector to the given local APIC.
func ConfigureMSIXVector(tableVA uintptr, entry uint16, vector uint8, apicID uint32) {
	entryVA := tableVA + uintptr(entry)*msixEntrySize

	mmioWrite32Fn(entryVA+0, msixMsgAddrBase|apicID<<12)
	mmioWrite32Fn(entryVA+4, 0)
	mmioWrite32Fn(entryVA+8, uint32(vector))
	mmioWrite32Fn(entryVA+12, 0) // unmasked
}

// ClearPendingBit clears an entry's bit in the pending-bit array mapped at
// pbaVA. The controller sets it while the vector is masked or being
// serviced.
func ClearPendingBit(pbaVA uintptr, entry uint16) {
	wordVA := pbaVA + uintptr(entry/32)*4
	mmioWrite32Fn(wordVA, mmioRead32Fn(wordVA)&^(1<<(entry%32)))
}
