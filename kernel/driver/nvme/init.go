package nvme

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/gate"
	"github.com/XSSpark/turnstone/kernel/kfmt/early"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
	"github.com/XSSpark/turnstone/kernel/mem/pmm/allocator"
	"github.com/XSSpark/turnstone/kernel/mem/vmm"
	"github.com/XSSpark/turnstone/kernel/pci"
	"github.com/XSSpark/turnstone/kernel/sync"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocByCountFn = func(n uint32, flags allocator.FrameFlag) (allocator.FrameRange, *kernel.Error) {
		return allocator.FrameAllocator.AllocateByCount(n, flags)
	}
	addMappingFn = vmm.AddMapping
	translateFn  = vmm.Translate

	barAddressFn      = pci.BARAddress
	findMSIXFn        = pci.FindMSIXCapability
	enableMSIXFn      = pci.EnableMSIX
	enableBusMasterFn = pci.EnableBusMaster
	configureMSIXFn   = pci.ConfigureMSIXVector
	clearPendingFn    = pci.ClearPendingBit
	visitDevicesFn    = pci.VisitDevices

	activeRootFn = func() pmm.Frame {
		return vmm.SwitchTable(pmm.InvalidFrame)
	}

	errNoMSIX = &kernel.Error{Module: "nvme", Message: "controller lacks the MSI-X capability", Kind: kernel.KindDeviceFault}
)

const (
	// resetPollTries bounds each CSTS.RDY poll loop; every failed try
	// sleeps 500*(CAP.TO+1) microseconds.
	resetPollTries = 100

	// prpFrameCount is the size of the reserved PRP list pool: one 4 KiB
	// list page per I/O submission queue slot.
	prpFrameCount = 64
)

// Detect enumerates the PCI bus, initializes every NVMe controller found and
// registers the resulting disks. A controller that fails initialization is
// skipped, not fatal.
func Detect() int {
	if disks == nil {
		disks = make(map[uint64]*Disk)
		vectorDisks = make(map[gate.InterruptNumber]*Disk)
	}

	visitDevicesFn(func(dev *pci.Device) bool {
		if dev.ClassCode != pci.ClassMassStorage || dev.Subclass != pci.SubclassNVMe {
			return true
		}

		disk, err := initController(dev)
		if err != nil {
			early.Printf("[nvme] skipping controller at bus %d dev %d: %s\n",
				uint64(dev.Addr.Bus), uint64(dev.Addr.Device), err.Message)
			return true
		}

		disk.ID = nextDiskID
		nextDiskID++
		disks[disk.ID] = disk

		early.Printf("[nvme] disk %d: ns %d, %d blocks of %d bytes\n",
			disk.ID, uint64(disk.NSID), disk.LBACount, uint64(disk.LBASize))
		return true
	})

	return len(disks)
}

// identityMapRange installs identity RW+NX mappings for every frame of fr.
func identityMapRange(fr allocator.FrameRange) *kernel.Error {
	root := activeRootFn()
	for i := uint32(0); i < fr.Count; i++ {
		frame := fr.Base + pmm.Frame(i)
		if err := addMappingFn(root, frame.Address(), frame, vmm.FlagRW|vmm.FlagNoExecute, mem.PageOrder(0)); err != nil {
			return err
		}
	}
	return nil
}

// initController runs the bring-up sequence for one controller and returns
// the ready-to-use disk.
func initController(dev *pci.Device) (*Disk, *kernel.Error) {
	// Map bar0 (identity, uncached) so the register window is reachable.
	barPhys, barSize, err := barAddressFn(dev, 0)
	if err != nil {
		return nil, err
	}

	root := activeRootFn()
	for off := mem.Size(0); off < barSize; off += mem.PageSize {
		frame := pmm.Frame((barPhys + uintptr(off)) >> mem.PageShift)
		if err := addMappingFn(root, frame.Address(), frame, vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagCacheDisable, mem.PageOrder(0)); err != nil {
			return nil, err
		}
	}

	// MSI-X is mandatory for this driver.
	msixCap, msixErr := findMSIXFn(dev)
	if msixErr != nil {
		return nil, errNoMSIX
	}

	enableBusMasterFn(dev)

	d := &Disk{
		dev:      dev,
		regs:     controllerRegs{base: barPhys},
		commands: make(map[uint16]*sync.Future),
	}
	d.caps = d.regs.capabilities()
	d.stride = d.caps.doorbellStride

	// Queue memory: one frame each for admin SQ, admin CQ, I/O SQ and
	// I/O CQ, identity-mapped and zeroed.
	if d.queueFrames, err = allocByCountFn(4, allocator.FrameFlagBlock|allocator.FrameFlagReserved); err != nil {
		return nil, err
	}
	if err = identityMapRange(d.queueFrames); err != nil {
		return nil, err
	}

	queueBase := d.queueFrames.Base.Address()
	mem.Memset(queueBase, 0, 4*mem.PageSize)

	adminSQPhys := queueBase
	adminCQPhys := queueBase + 1*uintptr(mem.PageSize)
	ioSQPhys := queueBase + 2*uintptr(mem.PageSize)
	ioCQPhys := queueBase + 3*uintptr(mem.PageSize)

	// Disable the controller and wait for it to quiesce.
	d.regs.write32(regCC, d.regs.read32(regCC)&^ccEnable)
	if err = d.waitReady(false); err != nil {
		return nil, err
	}

	// Program the admin queue attributes and addresses, then re-enable.
	d.regs.write32(regAQA, uint32(queueDepth-1)<<16|uint32(queueDepth-1))
	d.regs.write64(regASQ, uint64(adminSQPhys))
	d.regs.write64(regACQ, uint64(adminCQPhys))
	d.regs.write32(regCC, ccIOSQES|ccIOCQES)
	d.regs.write32(regCC, d.regs.read32(regCC)|ccEnable)
	if err = d.waitReady(true); err != nil {
		return nil, err
	}

	d.adminSQ = submissionQueue{
		entries:  adminSQPhys,
		depth:    queueDepth,
		doorbell: d.regs.submissionDoorbell(0, d.stride),
	}
	d.adminCQ = completionQueue{
		entries:  adminCQPhys,
		depth:    queueDepth,
		phase:    1,
		doorbell: d.regs.completionDoorbell(0, d.stride),
	}
	d.ioSQ = submissionQueue{
		entries:  ioSQPhys,
		depth:    queueDepth,
		doorbell: d.regs.submissionDoorbell(1, d.stride),
	}
	d.ioCQ = completionQueue{
		entries:  ioCQPhys,
		depth:    queueDepth,
		phase:    1,
		doorbell: d.regs.completionDoorbell(1, d.stride),
	}

	// Identify buffers: controller page, namespace page, active ns list.
	if d.identifyFrames, err = allocByCountFn(3, allocator.FrameFlagBlock|allocator.FrameFlagReserved); err != nil {
		return nil, err
	}
	if err = identityMapRange(d.identifyFrames); err != nil {
		return nil, err
	}

	identifyBase := d.identifyFrames.Base.Address()
	ctrlPage := identifyBase
	nsPage := identifyBase + 1*uintptr(mem.PageSize)
	nsListPage := identifyBase + 2*uintptr(mem.PageSize)

	if err = d.identify(cnsController, 0, ctrlPage); err != nil {
		return nil, err
	}
	d.FlushSupported = *(*uint8)(unsafe.Pointer(ctrlPage + identifyCtrlVWC))&1 != 0
	if d.FlushSupported {
		if _, err = d.setFeatures(featureVolatileWriteCache, 1); err != nil {
			return nil, err
		}
	}

	// Discover the active namespaces and record the geometry of the last
	// one; controllers driven here expose a single namespace.
	if err = d.identify(cnsActiveNSList, 0, nsListPage); err != nil {
		return nil, err
	}

	var nsFound bool
	for i := uintptr(0); i < uintptr(mem.PageSize)/4; i++ {
		nsid := *(*uint32)(unsafe.Pointer(nsListPage + i*4))
		if nsid == 0 {
			break
		}

		if err = d.identify(cnsNamespace, nsid, nsPage); err != nil {
			return nil, err
		}
		d.parseNamespace(nsid, nsPage)
		nsFound = true
	}
	if !nsFound {
		return nil, errNoNamespace
	}

	// Request one I/O SQ and one I/O CQ; the controller answers with the
	// granted counts in CDW0 (zero-based).
	granted, err := d.setFeatures(featureNumberOfQueues, 0)
	if err != nil {
		return nil, err
	}
	d.grantedSQs = uint16(granted & 0xFFFF)
	d.grantedCQs = uint16(granted >> 16)

	// Bind an MSI-X vector to the I/O completion queue and install the
	// completion ISR before the queue exists, so no completion is lost.
	if d.vector, err = allocVectorFn(); err != nil {
		return nil, err
	}
	handleFn(d.vector, 0, completionHandler)
	vectorDisks[d.vector] = d

	msixTable := barPhys + uintptr(msixCap.TableOffset)
	configureMSIXFn(msixTable, 0, uint8(d.vector), apicIDFn())
	enableMSIXFn(dev, msixCap)

	// Create the I/O queue pair: completion queue first, bound to MSI-X
	// entry 0, then the submission queue pointing at it.
	createCQ := &sqEntry{
		OPC:   adminOpCreateCQ,
		PRP1:  uint64(ioCQPhys),
		CDW10: uint32(queueDepth-1)<<16 | 1,
		CDW11: 0<<16 | 1<<1 | 1, // interrupt vector 0, IEN, physically contiguous
	}
	if _, err = d.adminSubmit(createCQ); err != nil {
		return nil, err
	}

	createSQ := &sqEntry{
		OPC:   adminOpCreateSQ,
		PRP1:  uint64(ioSQPhys),
		CDW10: uint32(queueDepth-1)<<16 | 1,
		CDW11: 1<<16 | 1, // completion queue 1, physically contiguous
	}
	if _, err = d.adminSubmit(createSQ); err != nil {
		return nil, err
	}

	// PRP list pool: one page per I/O submission slot for transfers that
	// span more than two pages.
	if d.prpFrames, err = allocByCountFn(prpFrameCount, allocator.FrameFlagBlock|allocator.FrameFlagReserved); err != nil {
		return nil, err
	}
	if err = identityMapRange(d.prpFrames); err != nil {
		return nil, err
	}
	d.prpListBase = d.prpFrames.Base.Address()

	return d, nil
}

// waitReady polls CSTS.RDY until it matches the wanted state, sleeping
// 500*(CAP.TO+1) microseconds between polls. A set CSTS.CFS fails the
// device immediately.
func (d *Disk) waitReady(ready bool) *kernel.Error {
	var want uint32
	if ready {
		want = cstsReady
	}

	for tries := 0; tries < resetPollTries; tries++ {
		csts := d.regs.read32(regCSTS)
		if csts&cstsFatal != 0 {
			return errDeviceFault
		}
		if csts&cstsReady == want {
			return nil
		}

		spinSleepFn(uint64(500) * (uint64(d.caps.timeout) + 1))
	}

	return errDeviceTimeout
}
