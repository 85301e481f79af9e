package nvme

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/driver/video/console"
	"github.com/XSSpark/turnstone/kernel/gate"
	"github.com/XSSpark/turnstone/kernel/hal"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/mem/pmm"
	"github.com/XSSpark/turnstone/kernel/mem/pmm/allocator"
	"github.com/XSSpark/turnstone/kernel/mem/vmm"
	"github.com/XSSpark/turnstone/kernel/pci"
)

// fakeController emulates the NVMe hardware surface behind the driver's
// MMIO and PCI hooks: a register file, queue processing on doorbell writes
// and a small backing store.
type fakeController struct {
	t *testing.T

	barPhys uintptr

	cc  uint32
	aqa uint32

	// stuck keeps CSTS.RDY at 0 regardless of CC.EN; fatal raises
	// CSTS.CFS.
	stuck bool
	fatal bool

	// Admin queue emulation state. Entry memory is identity mapped, so
	// the ASQ/ACQ register values double as virtual addresses.
	asq, acq    uintptr
	adminHead   uint16
	adminCQTail uint16
	adminPhase  uint16

	// I/O queue pair, learned from the create commands.
	iosq, iocq  uintptr
	ioHead      uint16
	ioCQTail    uint16
	ioPhase     uint16
	createdCQ   bool
	createdSQ   bool
	ioSubmitted int
	flushes     int

	vwc  bool
	data []byte

	vector gate.InterruptNumber
	isr     func(*gate.Registers)
	eois    int

	pendingCleared int

	buffers [][]byte
}

// alignedBuffer returns the page-aligned base of a fresh buffer kept alive
// for the duration of the test.
func (f *fakeController) alignedBuffer(size int) uintptr {
	buf := make([]byte, size+int(mem.PageSize))
	f.buffers = append(f.buffers, buf)
	return (uintptr(unsafe.Pointer(&buf[0])) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
}

func (f *fakeController) read32(addr uintptr) uint32 {
	switch addr - f.barPhys {
	case regCC:
		return f.cc
	case regCSTS:
		var csts uint32
		if f.fatal {
			csts |= cstsFatal
		}
		if f.cc&ccEnable != 0 && !f.stuck {
			csts |= cstsReady
		}
		return csts
	case regAQA:
		return f.aqa
	}
	return 0
}

func (f *fakeController) write32(addr uintptr, val uint32) {
	switch addr - f.barPhys {
	case regCC:
		f.cc = val
	case regAQA:
		f.aqa = val
	case doorbellBase + 0: // admin SQ tail
		f.processAdmin(uint16(val))
	case doorbellBase + 4: // admin CQ head
	case doorbellBase + 8: // I/O SQ tail
		f.processIO(uint16(val))
	case doorbellBase + 12: // I/O CQ head
	}
}

func (f *fakeController) read64(addr uintptr) uint64 {
	if addr-f.barPhys == regCAP {
		// MQES 63, TO 1, DSTRD 0.
		return uint64(63) | uint64(1)<<24
	}
	return 0
}

func (f *fakeController) write64(addr uintptr, val uint64) {
	switch addr - f.barPhys {
	case regASQ:
		f.asq = uintptr(val)
	case regACQ:
		f.acq = uintptr(val)
	}
}

func (f *fakeController) postAdmin(cid uint16, cdw0 uint32) {
	cqe := (*cqEntry)(unsafe.Pointer(f.acq + uintptr(f.adminCQTail)*16))
	*cqe = cqEntry{CDW0: cdw0, CID: cid, Status: f.adminPhase}

	f.adminCQTail = (f.adminCQTail + 1) % queueDepth
	if f.adminCQTail == 0 {
		f.adminPhase ^= 1
	}
}

func (f *fakeController) processAdmin(newTail uint16) {
	for f.adminHead != newTail {
		e := (*sqEntry)(unsafe.Pointer(f.asq + uintptr(f.adminHead)*64))
		var cdw0 uint32

		switch e.OPC {
		case adminOpIdentify:
			data := uintptr(e.PRP1)
			switch e.CDW10 {
			case cnsController:
				if f.vwc {
					*(*uint8)(unsafe.Pointer(data + identifyCtrlVWC)) = 1
				}
			case cnsActiveNSList:
				*(*uint32)(unsafe.Pointer(data)) = 1
			case cnsNamespace:
				*(*uint64)(unsafe.Pointer(data + identifyNSSize)) = 0x100000
				*(*uint8)(unsafe.Pointer(data + identifyNSFLBAS)) = 0
				*(*uint32)(unsafe.Pointer(data + identifyNSLBAFBase)) = uint32(9) << 16
			}
		case adminOpSetFeatures:
			cdw0 = 0
		case adminOpCreateCQ:
			f.createdCQ = true
			f.iocq = uintptr(e.PRP1)
		case adminOpCreateSQ:
			f.createdSQ = true
			f.iosq = uintptr(e.PRP1)
		}

		f.postAdmin(e.CID, cdw0)
		f.adminHead = (f.adminHead + 1) % queueDepth
	}
}

func (f *fakeController) postIO(cid uint16) {
	cqe := (*cqEntry)(unsafe.Pointer(f.iocq + uintptr(f.ioCQTail)*16))
	*cqe = cqEntry{CID: cid, Status: f.ioPhase}

	f.ioCQTail = (f.ioCQTail + 1) % queueDepth
	if f.ioCQTail == 0 {
		f.ioPhase ^= 1
	}
}

func (f *fakeController) processIO(newTail uint16) {
	for f.ioHead != newTail {
		e := (*sqEntry)(unsafe.Pointer(f.iosq + uintptr(f.ioHead)*64))
		f.ioSubmitted++

		switch e.OPC {
		case ioOpRead, ioOpWrite:
			lba := uint64(e.CDW10) | uint64(e.CDW11)<<32
			byteLen := (uint64(e.CDW12) + 1) * 512
			pages := (byteLen + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

			pageAddrs := []uintptr{uintptr(e.PRP1)}
			switch {
			case pages == 2:
				pageAddrs = append(pageAddrs, uintptr(e.PRP2))
			case pages > 2:
				list := uintptr(e.PRP2)
				for i := uint64(0); i < pages-1; i++ {
					pageAddrs = append(pageAddrs, uintptr(*(*uint64)(unsafe.Pointer(list + uintptr(i)*8))))
				}
			}

			diskBase := uintptr(unsafe.Pointer(&f.data[0])) + uintptr(lba*512)
			remaining := mem.Size(byteLen)
			for _, page := range pageAddrs {
				chunk := mem.PageSize
				if remaining < chunk {
					chunk = remaining
				}

				if e.OPC == ioOpWrite {
					mem.Memcopy(diskBase, page, chunk)
				} else {
					mem.Memcopy(page, diskBase, chunk)
				}

				diskBase += uintptr(chunk)
				remaining -= chunk
			}
		case ioOpFlush:
			f.flushes++
			if e.NSID != 0xFFFFFFFF {
				f.t.Errorf("expected flush nsid 0xFFFFFFFF; got 0x%x", e.NSID)
			}
		}

		f.postIO(e.CID)
		f.ioHead = (f.ioHead + 1) % queueDepth
	}
}

// fireISR delivers the MSI-X completion interrupt the way the gate layer
// would.
func (f *fakeController) fireISR() {
	f.isr(&gate.Registers{Vector: uint64(f.vector)})
}

// mockTTY attaches a throwaway console so driver log output has somewhere
// to go.
func mockTTY(f *fakeController) {
	fb := make([]byte, 160*25)
	f.buffers = append(f.buffers, fb)
	cons := &console.Ega{}
	cons.Init(80, 25, uintptr(unsafe.Pointer(&fb[0])))
	hal.ActiveTerminal.AttachTo(cons)
}

func installFakeController(t *testing.T, vwc bool) *fakeController {
	t.Helper()

	f := &fakeController{
		t:          t,
		barPhys:    0xFEB00000,
		adminPhase: 1,
		ioPhase:    1,
		vwc:        vwc,
		data:       make([]byte, 1<<20),
	}

	var (
		origMMIOR32  = mmioRead32Fn
		origMMIOW32  = mmioWrite32Fn
		origMMIOR64  = mmioRead64Fn
		origMMIOW64  = mmioWrite64Fn
		origAlloc    = allocByCountFn
		origAddMap   = addMappingFn
		origXlate    = translateFn
		origRoot     = activeRootFn
		origSleep    = spinSleepFn
		origAPIC     = apicIDFn
		origEOI      = eoiFn
		origVector   = allocVectorFn
		origHandle   = handleFn
		origBAR      = barAddressFn
		origFindMSIX = findMSIXFn
		origEnMSIX   = enableMSIXFn
		origBusMstr  = enableBusMasterFn
		origCfgMSIX  = configureMSIXFn
		origClrPend  = clearPendingFn
		origVisit    = visitDevicesFn
	)
	t.Cleanup(func() {
		mmioRead32Fn = origMMIOR32
		mmioWrite32Fn = origMMIOW32
		mmioRead64Fn = origMMIOR64
		mmioWrite64Fn = origMMIOW64
		allocByCountFn = origAlloc
		addMappingFn = origAddMap
		translateFn = origXlate
		activeRootFn = origRoot
		spinSleepFn = origSleep
		apicIDFn = origAPIC
		eoiFn = origEOI
		allocVectorFn = origVector
		handleFn = origHandle
		barAddressFn = origBAR
		findMSIXFn = origFindMSIX
		enableMSIXFn = origEnMSIX
		enableBusMasterFn = origBusMstr
		configureMSIXFn = origCfgMSIX
		clearPendingFn = origClrPend
		visitDevicesFn = origVisit

		disks = nil
		vectorDisks = nil
		nextDiskID = 0
	})

	disks = nil
	vectorDisks = nil
	nextDiskID = 0

	mockTTY(f)

	mmioRead32Fn = f.read32
	mmioWrite32Fn = f.write32
	mmioRead64Fn = f.read64
	mmioWrite64Fn = f.write64

	allocByCountFn = func(n uint32, flags allocator.FrameFlag) (allocator.FrameRange, *kernel.Error) {
		base := f.alignedBuffer(int(n) * int(mem.PageSize))
		return allocator.FrameRange{Base: pmm.Frame(base >> mem.PageShift), Count: n, Flags: flags}, nil
	}
	addMappingFn = func(_ pmm.Frame, _ uintptr, _ pmm.Frame, _ vmm.PageTableEntryFlag, _ mem.PageOrder) *kernel.Error {
		return nil
	}
	translateFn = func(va uintptr) (uintptr, *kernel.Error) { return va, nil }
	activeRootFn = func() pmm.Frame { return pmm.Frame(42) }
	spinSleepFn = func(_ uint64) {}
	apicIDFn = func() uint32 { return 0 }
	eoiFn = func() { f.eois++ }
	allocVectorFn = func() (gate.InterruptNumber, *kernel.Error) {
		f.vector = gate.InterruptNumber(0x61)
		return f.vector, nil
	}
	handleFn = func(_ gate.InterruptNumber, _ uint8, h func(*gate.Registers)) { f.isr = h }

	barAddressFn = func(_ *pci.Device, _ uint8) (uintptr, mem.Size, *kernel.Error) {
		return f.barPhys, 16 * mem.Kb, nil
	}
	findMSIXFn = func(_ *pci.Device) (pci.MSIXCapability, *kernel.Error) {
		return pci.MSIXCapability{TableSize: 9, TableOffset: 0x2000, PBAOffset: 0x3000}, nil
	}
	enableMSIXFn = func(_ *pci.Device, _ pci.MSIXCapability) {}
	enableBusMasterFn = func(_ *pci.Device) {}
	configureMSIXFn = func(_ uintptr, _ uint16, _ uint8, _ uint32) {}
	clearPendingFn = func(_ uintptr, _ uint16) { f.pendingCleared++ }
	visitDevicesFn = func(visitor pci.DeviceVisitor) {
		visitor(&pci.Device{
			Addr:      pci.Addr{Bus: 0, Device: 3},
			ClassCode: pci.ClassMassStorage,
			Subclass:  pci.SubclassNVMe,
		})
	}

	return f
}

func TestControllerInit(t *testing.T) {
	f := installFakeController(t, true)

	if got := Detect(); got != 1 {
		t.Fatalf("expected one initialized disk; got %d", got)
	}

	d, err := DiskByID(0)
	if err != nil {
		t.Fatal(err)
	}

	if d.LBASize != 512 {
		t.Fatalf("expected a 512-byte LBA; got %d", d.LBASize)
	}
	if d.LBACount != 0x100000 {
		t.Fatalf("expected 0x100000 blocks; got 0x%x", d.LBACount)
	}
	if !d.FlushSupported {
		t.Fatal("expected flush support with VWC set")
	}
	if d.NSID != 1 {
		t.Fatalf("expected active namespace 1; got %d", d.NSID)
	}

	if f.aqa != uint32(queueDepth-1)<<16|uint32(queueDepth-1) {
		t.Fatalf("expected zero-based admin queue depths in AQA; got 0x%x", f.aqa)
	}
	if f.cc&ccEnable == 0 {
		t.Fatal("expected the controller to be enabled")
	}
	if f.cc&ccIOSQES == 0 || f.cc&ccIOCQES == 0 {
		t.Fatal("expected the I/O queue entry sizes to be programmed")
	}

	if !f.createdCQ || !f.createdSQ {
		t.Fatal("expected the I/O queue pair to be created through admin commands")
	}
	if f.isr == nil {
		t.Fatal("expected the completion ISR to be installed")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	f := installFakeController(t, true)
	if Detect() != 1 {
		t.Fatal("controller init failed")
	}
	d, _ := DiskByID(0)

	const size = 0x1000
	srcVA := f.alignedBuffer(size)
	for i := 0; i < size; i++ {
		*(*byte)(unsafe.Pointer(srcVA + uintptr(i))) = byte(i % 251)
	}

	wf, err := Write(0, 0, srcVA, size)
	if err != nil {
		t.Fatal(err)
	}
	f.fireISR()
	if status := wf.Await(); status != uint16(0) {
		t.Fatalf("expected a successful write; got status 0x%x", status)
	}

	dstVA := f.alignedBuffer(size)
	rf, err := Read(0, 0, dstVA, size)
	if err != nil {
		t.Fatal(err)
	}
	f.fireISR()
	if status := rf.Await(); status != uint16(0) {
		t.Fatalf("expected a successful read; got status 0x%x", status)
	}

	src := unsafe.Slice((*byte)(unsafe.Pointer(srcVA)), size)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(dstVA)), size)
	if !bytes.Equal(src, dst) {
		t.Fatal("expected the read to return the written bytes")
	}

	if d.ioCQ.head != 2 {
		t.Fatalf("expected the completion head to advance exactly twice; at %d", d.ioCQ.head)
	}
	if f.eois != 2 {
		t.Fatalf("expected one EOI per completion interrupt; got %d", f.eois)
	}
	if f.pendingCleared != 2 {
		t.Fatalf("expected the pending bit to be cleared per interrupt; got %d", f.pendingCleared)
	}
}

func TestLargeTransferBuildsPRPList(t *testing.T) {
	f := installFakeController(t, true)
	if Detect() != 1 {
		t.Fatal("controller init failed")
	}

	const size = 5 * 0x1000
	srcVA := f.alignedBuffer(size)
	for i := 0; i < size; i++ {
		*(*byte)(unsafe.Pointer(srcVA + uintptr(i))) = byte((i * 7) % 253)
	}

	wf, err := Write(0, 16, srcVA, size)
	if err != nil {
		t.Fatal(err)
	}
	f.fireISR()
	wf.Await()

	dstVA := f.alignedBuffer(size)
	rf, err := Read(0, 16, dstVA, size)
	if err != nil {
		t.Fatal(err)
	}
	f.fireISR()
	rf.Await()

	src := unsafe.Slice((*byte)(unsafe.Pointer(srcVA)), size)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(dstVA)), size)
	if !bytes.Equal(src, dst) {
		t.Fatal("expected a multi-page transfer to round trip through the PRP list")
	}
}

func TestRejectsInvalidTransfers(t *testing.T) {
	f := installFakeController(t, true)
	if Detect() != 1 {
		t.Fatal("controller init failed")
	}

	alignedVA := f.alignedBuffer(0x1000)

	specs := []struct {
		name string
		va   uintptr
		size mem.Size
	}{
		{"unaligned buffer", alignedVA + 512, 0x1000},
		{"non-multiple size", alignedVA, 0x1234},
		{"zero size", alignedVA, 0},
		{"oversized", alignedVA, maxTransferSize + mem.PageSize},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			future, err := Read(0, 0, spec.va, spec.size)
			if future != nil {
				t.Fatal("expected no future for a rejected transfer")
			}
			if err != errBadTransfer {
				t.Fatalf("expected errBadTransfer; got %v", err)
			}
		})
	}

	if f.ioSubmitted != 0 {
		t.Fatalf("expected rejected transfers to never touch the hardware; %d submissions", f.ioSubmitted)
	}
}

func TestConcurrentCommandsGetDistinctCIDs(t *testing.T) {
	f := installFakeController(t, true)
	if Detect() != 1 {
		t.Fatal("controller init failed")
	}
	d, _ := DiskByID(0)

	buf1 := f.alignedBuffer(0x1000)
	buf2 := f.alignedBuffer(0x1000)

	f1, err := Write(0, 0, buf1, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := Write(0, 8, buf2, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if f1 == f2 {
		t.Fatal("expected distinct futures per command")
	}
	if len(d.commands) != 2 {
		t.Fatalf("expected two outstanding commands with distinct cids; got %d", len(d.commands))
	}

	f.fireISR()

	if !f1.IsResolved() {
		t.Fatal("expected the first future to resolve")
	}
	if !f2.IsResolved() {
		t.Fatal("expected the second future to resolve independently")
	}
	if len(d.commands) != 0 {
		t.Fatalf("expected the command map to drain; %d left", len(d.commands))
	}
}

func TestFlush(t *testing.T) {
	f := installFakeController(t, true)
	if Detect() != 1 {
		t.Fatal("controller init failed")
	}

	ff, err := Flush(0)
	if err != nil {
		t.Fatal(err)
	}
	if ff == nil {
		t.Fatal("expected a future from a flush-capable disk")
	}
	f.fireISR()
	if status := ff.Await(); status != uint16(0) {
		t.Fatalf("expected a successful flush; got 0x%x", status)
	}
	if f.flushes != 1 {
		t.Fatalf("expected one flush command; got %d", f.flushes)
	}
}

func TestFlushWithoutWriteCache(t *testing.T) {
	installFakeController(t, false)
	if Detect() != 1 {
		t.Fatal("controller init failed")
	}

	d, _ := DiskByID(0)
	if d.FlushSupported {
		t.Fatal("expected no flush support without VWC")
	}

	ff, err := Flush(0)
	if err != nil {
		t.Fatal(err)
	}
	if ff != nil {
		t.Fatal("expected a nil future from a disk without a write cache")
	}
}

func TestInitSkipsStuckController(t *testing.T) {
	f := installFakeController(t, true)
	f.stuck = true

	if got := Detect(); got != 0 {
		t.Fatalf("expected a stuck controller to be skipped; got %d disks", got)
	}
}

func TestInitSkipsFatalController(t *testing.T) {
	f := installFakeController(t, true)
	f.fatal = true

	if got := Detect(); got != 0 {
		t.Fatalf("expected a fatal controller to be skipped; got %d disks", got)
	}
}
