package sched

import (
	"unsafe"

	"github.com/XSSpark/turnstone/kernel"
	"github.com/XSSpark/turnstone/kernel/errors"
	"github.com/XSSpark/turnstone/kernel/heap"
	"github.com/XSSpark/turnstone/kernel/mem"
)

// IOBuffer is a fixed-capacity byte ring backed by a task's private heap.
// Each task owns three: input, output and error.
type IOBuffer struct {
	data uintptr
	size mem.Size

	// r and w are absolute byte counters; w-r is the unread length.
	r, w mem.Size
}

// newIOBuffer allocates a ring of the given capacity on h.
func newIOBuffer(h heap.Heap, size mem.Size) (*IOBuffer, *kernel.Error) {
	data, err := h.Malloc(size, 16)
	if err != nil {
		return nil, err
	}
	return &IOBuffer{data: data, size: size}, nil
}

// Len returns the number of unread bytes.
func (b *IOBuffer) Len() int {
	return int(b.w - b.r)
}

// Cap returns the ring capacity.
func (b *IOBuffer) Cap() int {
	return int(b.size)
}

// Write copies as much of p as fits into the ring and returns the number of
// bytes accepted.
func (b *IOBuffer) Write(p []byte) int {
	var n int
	for n < len(p) && b.w-b.r < b.size {
		*(*byte)(unsafe.Pointer(b.data + uintptr(b.w%b.size))) = p[n]
		b.w++
		n++
	}
	return n
}

// Read copies up to len(p) unread bytes into p and returns the number of
// bytes delivered.
func (b *IOBuffer) Read(p []byte) int {
	var n int
	for n < len(p) && b.r < b.w {
		p[n] = *(*byte)(unsafe.Pointer(b.data + uintptr(b.r%b.size)))
		b.r++
		n++
	}
	return n
}

// WriteByte implements io.ByteWriter.
func (b *IOBuffer) WriteByte(c byte) error {
	if b.w-b.r >= b.size {
		return errors.ErrBufferFull
	}

	*(*byte)(unsafe.Pointer(b.data + uintptr(b.w%b.size))) = c
	b.w++
	return nil
}

// ReadByte implements io.ByteReader.
func (b *IOBuffer) ReadByte() (byte, error) {
	if b.r == b.w {
		return 0, errors.ErrBufferEmpty
	}

	c := *(*byte)(unsafe.Pointer(b.data + uintptr(b.r%b.size)))
	b.r++
	return c, nil
}
