// Package pci provides access to the PCI configuration space: device
// enumeration, BAR probing and the MSI-X capability used by drivers to bind
// device interrupts to IDT vectors.
package pci

import (
	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/cpu"
	"github.com/XSSpark/turnstone/kernel/mem"
)

const (
	configAddressPort = uint16(0xCF8)
	configDataPort    = uint16(0xCFC)

	// configEnable is bit 31 of the configuration address register.
	configEnable = uint32(1) << 31

	// Configuration space register offsets.
	regVendorDevice = uint8(0x00)
	regCommand      = uint8(0x04)
	regClass        = uint8(0x08)
	regHeaderType   = uint8(0x0C)
	regBAR0         = uint8(0x10)
	regCapPtr       = uint8(0x34)

	// Status register bit signalling a capability list.
	statusHasCapList = uint16(1 << 4)

	// Well-known class/subclass pairs.
	ClassMassStorage = uint8(0x01)
	SubclassNVMe     = uint8(0x08)
)

var (
	// portReadFn/portWriteFn are mocked by tests and are automatically
	// inlined by the compiler.
	portReadFn  = cpu.PortRead32
	portWriteFn = cpu.PortWrite32

	errBadBAR = &kernel.Error{Module: "pci", Message: "BAR index out of range or not a memory BAR", Kind: kernel.KindInvalidArgument}
)

// Addr identifies a function on the PCI bus.
type Addr struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// Device describes one discovered PCI function.
type Device struct {
	Addr Addr

	VendorID uint16
	DeviceID uint16

	ClassCode uint8
	Subclass  uint8
	ProgIF    uint8

	HeaderType uint8
}

// configAddress builds the CONFIG_ADDRESS register value for a dword of a
// function's configuration space.
func configAddress(addr Addr, offset uint8) uint32 {
	return configEnable |
		uint32(addr.Bus)<<16 |
		uint32(addr.Device&0x1F)<<11 |
		uint32(addr.Function&0x7)<<8 |
		uint32(offset&0xFC)
}

// ReadConfig32 reads a dword from a function's configuration space.
func ReadConfig32(addr Addr, offset uint8) uint32 {
	portWriteFn(configAddressPort, configAddress(addr, offset))
	return portReadFn(configDataPort)
}

// WriteConfig32 writes a dword to a function's configuration space.
func WriteConfig32(addr Addr, offset uint8, val uint32) {
	portWriteFn(configAddressPort, configAddress(addr, offset))
	portWriteFn(configDataPort, val)
}

// ReadConfig16 reads a word from a function's configuration space.
func ReadConfig16(addr Addr, offset uint8) uint16 {
	return uint16(ReadConfig32(addr, offset) >> ((offset & 2) * 8))
}

// WriteConfig16 writes a word to a function's configuration space,
// preserving the other half of the containing dword.
func WriteConfig16(addr Addr, offset uint8, val uint16) {
	shift := (offset & 2) * 8
	dword := ReadConfig32(addr, offset)
	dword = dword&^(0xFFFF<<shift) | uint32(val)<<shift
	WriteConfig32(addr, offset, dword)
}

// DeviceVisitor is invoked by VisitDevices for every discovered function.
// Returning false stops the scan.
type DeviceVisitor func(dev *Device) bool

// VisitDevices walks every bus/device/function combination and invokes
// visitor for each function that responds. Functions 1-7 are only probed on
// devices whose header reports multiple functions.
func VisitDevices(visitor DeviceVisitor) {
	for bus := 0; bus < 256; bus++ {
		for device := 0; device < 32; device++ {
			addr := Addr{Bus: uint8(bus), Device: uint8(device)}

			vendorDevice := ReadConfig32(addr, regVendorDevice)
			if vendorDevice&0xFFFF == 0xFFFF {
				continue
			}

			headerType := uint8(ReadConfig32(addr, regHeaderType) >> 16)
			lastFunction := uint8(0)
			if headerType&0x80 != 0 {
				lastFunction = 7
			}

			for function := uint8(0); function <= lastFunction; function++ {
				addr.Function = function

				vendorDevice = ReadConfig32(addr, regVendorDevice)
				if vendorDevice&0xFFFF == 0xFFFF {
					continue
				}

				classReg := ReadConfig32(addr, regClass)
				dev := &Device{
					Addr:       addr,
					VendorID:   uint16(vendorDevice),
					DeviceID:   uint16(vendorDevice >> 16),
					ClassCode:  uint8(classReg >> 24),
					Subclass:   uint8(classReg >> 16),
					ProgIF:     uint8(classReg >> 8),
					HeaderType: uint8(ReadConfig32(addr, regHeaderType)>>16) & 0x7F,
				}

				if !visitor(dev) {
					return
				}
			}
		}
	}
}

// BARAddress returns the physical base address and probed size of a memory
// BAR. 64-bit BARs consume two registers; the caller addresses them by the
// index of the lower half.
func BARAddress(dev *Device, barIndex uint8) (uintptr, mem.Size, *kernel.Error) {
	if barIndex > 5 {
		return 0, 0, errBadBAR
	}

	offset := regBAR0 + barIndex*4
	low := ReadConfig32(dev.Addr, offset)

	// I/O space BARs are not memory mappable.
	if low&0x1 != 0 {
		return 0, 0, errBadBAR
	}

	is64 := low&0x6 == 0x4
	base := uintptr(low &^ 0xF)

	// Size probe: write all ones, read back the decode mask, restore.
	portWriteFnGuard := func(off uint8, restore uint32) uint32 {
		WriteConfig32(dev.Addr, off, 0xFFFFFFFF)
		mask := ReadConfig32(dev.Addr, off)
		WriteConfig32(dev.Addr, off, restore)
		return mask
	}

	lowMask := portWriteFnGuard(offset, low)
	sizeMask := uint64(lowMask &^ 0xF)

	if is64 {
		high := ReadConfig32(dev.Addr, offset+4)
		base |= uintptr(high) << 32

		highMask := portWriteFnGuard(offset+4, high)
		sizeMask |= uint64(highMask) << 32
	} else {
		sizeMask |= 0xFFFFFFFF << 32
	}

	if sizeMask == 0 {
		return 0, 0, errBadBAR
	}

	size := mem.Size(^sizeMask + 1)
	return base, size, nil
}

// EnableBusMaster sets the bus-master and memory-space bits of the command
// register so the device can issue DMA and respond to MMIO.
func EnableBusMaster(dev *Device) {
	cmd := ReadConfig16(dev.Addr, regCommand)
	WriteConfig16(dev.Addr, regCommand, cmd|0x6)
}
