package nvme

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/cpu"
	"github.com/XSSpark/turnstone/kernel/gate"
	"github.com/XSSpark/turnstone/kernel/mem/pmm/allocator"
	"github.com/XSSpark/turnstone/kernel/pci"
	"github.com/XSSpark/turnstone/kernel/sync"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	spinSleepFn   = cpu.SpinSleep
	apicIDFn      = cpu.LocalAPICID
	eoiFn         = cpu.SendEOI
	allocVectorFn = gate.AllocMSIXVector
	handleFn      = gate.HandleInterrupt

	errDeviceTimeout = &kernel.Error{Module: "nvme", Message: "controller did not become ready within its CAP.TO budget", Kind: kernel.KindDeviceTimeout}
	errDeviceFault   = &kernel.Error{Module: "nvme", Message: "controller reported a fatal status during reset", Kind: kernel.KindDeviceFault}
	errCommandFault  = &kernel.Error{Module: "nvme", Message: "command completed with a non-zero status", Kind: kernel.KindDeviceFault}
	errDiskNotFound  = &kernel.Error{Module: "nvme", Message: "no disk registered under the requested id", Kind: kernel.KindNotFound}
	errNoNamespace   = &kernel.Error{Module: "nvme", Message: "controller reports no active namespace", Kind: kernel.KindDeviceFault}
)

// adminPollBudget bounds the number of completion polls an admin command may
// take before the driver declares the controller dead.
const adminPollBudget = 10000

// Disk represents one NVMe controller with its single active namespace and
// one I/O queue pair.
type Disk struct {
	ID  uint64
	dev *pci.Device

	regs   controllerRegs
	caps   capabilities
	stride uint8

	adminSQ submissionQueue
	adminCQ completionQueue
	ioSQ    submissionQueue
	ioCQ    completionQueue

	// Frame ranges owned by the disk; disks are never destroyed, so these
	// are held for bookkeeping only.
	queueFrames    allocator.FrameRange
	identifyFrames allocator.FrameRange
	prpFrames      allocator.FrameRange

	// prpListBase is the identity-mapped base of the per-SQ-slot PRP list
	// pages: one 4 KiB page per I/O submission slot.
	prpListBase uintptr

	// Per-command state. The submitter registers the future before the
	// doorbell write; the completion ISR resolves and removes it.
	adminNextCID uint16
	ioNextCID    uint16
	commands     map[uint16]*sync.Future

	// Namespace geometry discovered through identify.
	NSID           uint32
	LBASize        uint32
	LBACount       uint64
	FlushSupported bool

	// Granted I/O queue counts from the number-of-queues feature,
	// zero-based as reported by the controller.
	grantedSQs, grantedCQs uint16

	vector gate.InterruptNumber
}

var (
	// disks indexes every initialized controller by disk id.
	disks map[uint64]*Disk

	// vectorDisks routes MSI-X completion vectors back to their disk.
	vectorDisks map[gate.InterruptNumber]*Disk

	nextDiskID uint64
)

// DiskByID returns the initialized disk registered under id.
func DiskByID(id uint64) (*Disk, *kernel.Error) {
	d, ok := disks[id]
	if !ok {
		return nil, errDiskNotFound
	}
	return d, nil
}

// DiskCount returns the number of initialized controllers.
func DiskCount() int {
	return len(disks)
}

// adminSubmit pushes a command onto the admin submission queue, rings the
// doorbell and spin-polls the admin completion queue head until the matching
// completion appears, per the admin command contract. It returns the
// completion's CDW0.
func (d *Disk) adminSubmit(e *sqEntry) (uint32, *kernel.Error) {
	e.CID = d.adminNextCID
	d.adminNextCID++

	d.adminSQ.push(e)
	d.adminSQ.ring()

	for tries := 0; tries < adminPollBudget; tries++ {
		cqe := d.adminCQ.headEntry()
		if cqe.phase() != d.adminCQ.phase || cqe.CID != e.CID {
			spinSleepFn(uint64(500) * (uint64(d.caps.timeout) + 1))
			continue
		}

		cdw0 := cqe.CDW0
		status := cqe.statusField()
		d.adminCQ.advance()

		if status != 0 {
			return cdw0, errCommandFault
		}
		return cdw0, nil
	}

	return 0, errDeviceTimeout
}

// identify issues an IDENTIFY admin command for the given CNS into the
// identity-mapped buffer at dataPhys.
func (d *Disk) identify(cns, nsid uint32, dataPhys uintptr) *kernel.Error {
	e := &sqEntry{
		OPC:   adminOpIdentify,
		NSID:  nsid,
		PRP1:  uint64(dataPhys),
		CDW10: cns,
	}

	_, err := d.adminSubmit(e)
	return err
}

// setFeatures issues a SET_FEATURES admin command and returns the
// completion's CDW0, which carries the granted values for the
// number-of-queues feature.
func (d *Disk) setFeatures(feature, value uint32) (uint32, *kernel.Error) {
	e := &sqEntry{
		OPC:   adminOpSetFeatures,
		CDW10: feature,
		CDW11: value,
	}

	return d.adminSubmit(e)
}

// Identify data layout offsets.
const (
	// identifyCtrlVWC is the volatile-write-cache byte of the controller
	// identify page; bit 0 set means FLUSH is meaningful.
	identifyCtrlVWC = uintptr(525)

	// identifyNSSize is the NSZE field: namespace size in logical blocks.
	identifyNSSize = uintptr(0)

	// identifyNSFLBAS selects the active LBA format.
	identifyNSFLBAS = uintptr(26)

	// identifyNSLBAFBase is the first LBA format descriptor; each is one
	// dword with LBADS in bits 16-23.
	identifyNSLBAFBase = uintptr(128)
)

// parseNamespace extracts the namespace geometry from an identify namespace
// page at the identity-mapped address data.
func (d *Disk) parseNamespace(nsid uint32, data uintptr) {
	d.NSID = nsid
	d.LBACount = *(*uint64)(unsafe.Pointer(data + identifyNSSize))

	flbas := *(*uint8)(unsafe.Pointer(data + identifyNSFLBAS)) & 0xF
	lbaf := *(*uint32)(unsafe.Pointer(data + identifyNSLBAFBase + uintptr(flbas)*4))
	lbads := uint8(lbaf >> 16)
	d.LBASize = uint32(1) << lbads
}
