// Package nvme implements the NVMe block device driver: controller
// initialization over PCIe, admin and I/O queue pair management, MSI-X
// completion handling and asynchronous read/write/flush commands resolved
// through one-shot futures.
package nvme

import "unsafe"

// Controller register offsets within bar0.
const (
	regCAP   = uintptr(0x00)
	regVS    = uintptr(0x08)
	regINTMS = uintptr(0x0C)
	regINTMC = uintptr(0x10)
	regCC    = uintptr(0x14)
	regCSTS  = uintptr(0x1C)
	regAQA   = uintptr(0x24)
	regASQ   = uintptr(0x28)
	regACQ   = uintptr(0x30)

	// doorbellBase is the offset of queue doorbell 0 within bar0.
	doorbellBase = uintptr(0x1000)
)

// CC register bits.
const (
	ccEnable = uint32(1) << 0

	// I/O submission/completion queue entry sizes as powers of two:
	// 64-byte SQ entries, 16-byte CQ entries.
	ccIOSQES = uint32(6) << 16
	ccIOCQES = uint32(4) << 20
)

// CSTS register bits.
const (
	cstsReady = uint32(1) << 0
	cstsFatal = uint32(1) << 1
)

var (
	// mmio accessors are mocked by tests (which have no device behind
	// the register window) and are automatically inlined by the compiler.
	mmioRead32Fn = func(addr uintptr) uint32 {
		return *(*uint32)(unsafe.Pointer(addr))
	}
	mmioWrite32Fn = func(addr uintptr, val uint32) {
		*(*uint32)(unsafe.Pointer(addr)) = val
	}
	mmioRead64Fn = func(addr uintptr) uint64 {
		return *(*uint64)(unsafe.Pointer(addr))
	}
	mmioWrite64Fn = func(addr uintptr, val uint64) {
		*(*uint64)(unsafe.Pointer(addr)) = val
	}
)

// controllerRegs wraps the MMIO register window mapped at bar0.
type controllerRegs struct {
	base uintptr
}

func (r controllerRegs) read32(off uintptr) uint32        { return mmioRead32Fn(r.base + off) }
func (r controllerRegs) write32(off uintptr, val uint32)  { mmioWrite32Fn(r.base+off, val) }
func (r controllerRegs) read64(off uintptr) uint64        { return mmioRead64Fn(r.base + off) }
func (r controllerRegs) write64(off uintptr, val uint64)  { mmioWrite64Fn(r.base+off, val) }

// capabilities decodes the fields of CAP this driver consumes.
type capabilities struct {
	// maxQueueEntries is MQES, one-based.
	maxQueueEntries uint16

	// timeout is TO: the worst-case time for CSTS.RDY to flip, in 500 ms
	// units. The reset poll budget derives from it.
	timeout uint8

	// doorbellStride is DSTRD: doorbell registers are 4<<DSTRD bytes
	// apart.
	doorbellStride uint8
}

func (r controllerRegs) capabilities() capabilities {
	cap := r.read64(regCAP)
	return capabilities{
		maxQueueEntries: uint16(cap&0xFFFF) + 1,
		timeout:         uint8(cap >> 24),
		doorbellStride:  uint8(cap>>32) & 0xF,
	}
}

// submissionDoorbell returns the VA of queue qid's submission tail doorbell.
func (r controllerRegs) submissionDoorbell(qid uint16, stride uint8) uintptr {
	return r.base + doorbellBase + uintptr(2*qid)*uintptr(4<<stride)
}

// completionDoorbell returns the VA of queue qid's completion head doorbell.
func (r controllerRegs) completionDoorbell(qid uint16, stride uint8) uintptr {
	return r.base + doorbellBase + uintptr(2*qid+1)*uintptr(4<<stride)
}
