package sched

import (
	"testing"
	"unsafe"

	"github.com/XSSpark/turnstone/kernel/errors"
	"github.com/XSSpark/turnstone/kernel/heap"
	"github.com/XSSpark/turnstone/kernel/mem"
)

func testBuffer(t *testing.T, capacity int) *IOBuffer {
	t.Helper()

	backing := make([]byte, 64*1024)
	base := uintptr(unsafe.Pointer(&backing[0]))
	h := heap.NewSimple(base, base+uintptr(len(backing)))

	b, err := newIOBuffer(h, mem.Size(capacity))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestIOBufferRoundTrip(t *testing.T) {
	b := testBuffer(t, 64)

	payload := []byte("scheduler output")
	if n := b.Write(payload); n != len(payload) {
		t.Fatalf("expected %d bytes accepted; got %d", len(payload), n)
	}
	if b.Len() != len(payload) {
		t.Fatalf("expected %d unread bytes; got %d", len(payload), b.Len())
	}

	out := make([]byte, len(payload))
	if n := b.Read(out); n != len(payload) {
		t.Fatalf("expected %d bytes delivered; got %d", len(payload), n)
	}
	if string(out) != string(payload) {
		t.Fatalf("expected %q back; got %q", payload, out)
	}
}

func TestIOBufferByteInterface(t *testing.T) {
	b := testBuffer(t, 4)

	if _, err := b.ReadByte(); err != errors.ErrBufferEmpty {
		t.Fatalf("expected ErrBufferEmpty; got %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := b.WriteByte(byte('a' + i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.WriteByte('x'); err != errors.ErrBufferFull {
		t.Fatalf("expected ErrBufferFull; got %v", err)
	}

	// Draining a byte makes room again; the ring wraps.
	if c, err := b.ReadByte(); err != nil || c != 'a' {
		t.Fatalf("expected 'a'; got %q, %v", c, err)
	}
	if err := b.WriteByte('x'); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 4 {
		t.Fatalf("expected 4 unread bytes; got %d", b.Len())
	}
}
