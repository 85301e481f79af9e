package nvme

import "github.com/XSSpark/turnstone/kernel/gate"

// completionHandler services an MSI-X completion vector: it consumes every
// fresh entry at the I/O completion queue head, resolving the future
// registered under each entry's command id, then acknowledges the interrupt.
func completionHandler(regs *gate.Registers) {
	vector := gate.InterruptNumber(regs.Vector)
	d, ok := vectorDisks[vector]
	if !ok {
		eoiFn()
		return
	}

	for {
		cqe := d.ioCQ.headEntry()
		if cqe.phase() != d.ioCQ.phase {
			break
		}

		if future, ok := d.commands[cqe.CID]; ok {
			delete(d.commands, cqe.CID)
			future.Resolve(cqe.statusField())
		}

		// The head advances exactly once per completion.
		d.ioCQ.advance()
	}

	if msixCap, err := findMSIXFn(d.dev); err == nil {
		clearPendingFn(d.regs.base+uintptr(msixCap.PBAOffset), 0)
	}

	eoiFn()
}
