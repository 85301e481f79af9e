package nvme

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/mem"
	"github.com/XSSpark/turnstone/kernel/sync"
)

// maxTransferSize bounds one command to what a single PRP list page can
// describe: 512 data pages of 4 KiB.
const maxTransferSize = mem.Size(512) * mem.PageSize

var errBadTransfer = &kernel.Error{Module: "nvme", Message: "transfer must be a non-zero multiple of 4K, at most 2M, from a 4K-aligned buffer", Kind: kernel.KindInvalidArgument}

// Read starts an asynchronous read of size bytes from the given starting LBA
// into the buffer at bufVA. It returns a future the caller may await; the
// completion ISR resolves it with the command's status field.
func Read(diskID uint64, lba uint64, bufVA uintptr, size mem.Size) (*sync.Future, *kernel.Error) {
	return submitIO(diskID, ioOpRead, lba, bufVA, size)
}

// Write starts an asynchronous write of size bytes from the buffer at bufVA
// to the given starting LBA.
func Write(diskID uint64, lba uint64, bufVA uintptr, size mem.Size) (*sync.Future, *kernel.Error) {
	return submitIO(diskID, ioOpWrite, lba, bufVA, size)
}

// Flush asks the controller to commit its volatile write cache. On a disk
// without one it returns a nil future: there is nothing to wait for.
func Flush(diskID uint64) (*sync.Future, *kernel.Error) {
	d, err := DiskByID(diskID)
	if err != nil {
		return nil, err
	}

	if !d.FlushSupported {
		return nil, nil
	}

	e := &sqEntry{
		OPC:  ioOpFlush,
		NSID: 0xFFFFFFFF,
	}

	return d.submit(e), nil
}

// submitIO validates a read/write request, builds its PRP descriptors and
// queues it. Requests that fail validation never touch the hardware.
func submitIO(diskID uint64, opcode uint8, lba uint64, bufVA uintptr, size mem.Size) (*sync.Future, *kernel.Error) {
	d, err := DiskByID(diskID)
	if err != nil {
		return nil, err
	}

	if size == 0 || size%mem.PageSize != 0 || size > maxTransferSize || bufVA%uintptr(mem.PageSize) != 0 {
		return nil, errBadTransfer
	}

	pages := uint32(size.Pages())

	prp1, err := translateFn(bufVA)
	if err != nil {
		return nil, errBadTransfer
	}

	// PRP rules: one page rides entirely in PRP1; two pages put the
	// second in PRP2; anything longer points PRP2 at this slot's list
	// page, filled with the physical addresses of pages 2..N.
	var prp2 uintptr
	switch {
	case pages == 2:
		if prp2, err = translateFn(bufVA + uintptr(mem.PageSize)); err != nil {
			return nil, errBadTransfer
		}

	case pages > 2:
		slot := d.ioSQ.tail
		listVA := d.prpListBase + uintptr(slot)*uintptr(mem.PageSize)
		mem.Memset(listVA, 0, mem.PageSize)

		for i := uint32(1); i < pages; i++ {
			pagePhys, terr := translateFn(bufVA + uintptr(i)*uintptr(mem.PageSize))
			if terr != nil {
				return nil, errBadTransfer
			}
			*(*uint64)(unsafe.Pointer(listVA + uintptr(i-1)*8)) = uint64(pagePhys)
		}

		// The list page is identity mapped: its VA is its PA.
		prp2 = listVA
	}

	blocks := uint64(size) / uint64(d.LBASize)
	e := &sqEntry{
		OPC:   opcode,
		NSID:  d.NSID,
		PRP1:  uint64(prp1),
		PRP2:  uint64(prp2),
		CDW10: uint32(lba),
		CDW11: uint32(lba >> 32),
		CDW12: uint32(blocks - 1),
	}

	return d.submit(e), nil
}

// submit assigns a fresh command id, registers the future the ISR will
// resolve, then publishes the entry. The future is registered before the
// doorbell write so the completion can never race past it.
func (d *Disk) submit(e *sqEntry) *sync.Future {
	e.CID = d.ioNextCID
	d.ioNextCID++

	future := sync.NewFuture()
	d.commands[e.CID] = future

	d.ioSQ.push(e)
	d.ioSQ.ring()

	return future
}
