package heap

import (
	"testing"
	"unsafe"
)

func testRegion(t *testing.T, size int) (uintptr, uintptr) {
	t.Helper()
	buf := make([]byte, size)
	start := uintptr(unsafe.Pointer(&buf[0]))
	return start, start + uintptr(size)
}

func TestSimpleHeapMallocFree(t *testing.T) {
	start, end := testRegion(t, 64*1024)
	h := NewSimple(start, end)

	ptr1, err := h.Malloc(100, 16)
	if err != nil {
		t.Fatal(err)
	}
	if ptr1%16 != 0 {
		t.Fatalf("expected 16-byte aligned pointer; got 0x%x", ptr1)
	}
	if ptr1 < start || ptr1+100 > end {
		t.Fatalf("allocation 0x%x outside the managed range", ptr1)
	}

	for i := uintptr(0); i < 100; i++ {
		if *(*byte)(unsafe.Pointer(ptr1 + i)) != 0 {
			t.Fatalf("expected allocation to be zeroed; byte %d is not", i)
		}
	}

	ptr2, err := h.Malloc(256, 64)
	if err != nil {
		t.Fatal(err)
	}
	if ptr2%64 != 0 {
		t.Fatalf("expected 64-byte aligned pointer; got 0x%x", ptr2)
	}
	if ptr2 == ptr1 {
		t.Fatal("expected distinct allocations")
	}

	if err := h.Free(ptr1); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr2); err != nil {
		t.Fatal(err)
	}

	// After everything is freed and coalesced, the original allocation
	// should be satisfiable again from the same spot.
	ptr3, err := h.Malloc(100, 16)
	if err != nil {
		t.Fatal(err)
	}
	if ptr3 != ptr1 {
		t.Fatalf("expected coalesced heap to reuse 0x%x; got 0x%x", ptr1, ptr3)
	}
}

func TestSimpleHeapExhaustion(t *testing.T) {
	start, end := testRegion(t, 4096)
	h := NewSimple(start, end)

	if _, err := h.Malloc(64*1024, 16); err != errHeapExhausted {
		t.Fatalf("expected errHeapExhausted; got %v", err)
	}

	// A sequence of small allocations eventually exhausts the range too.
	var count int
	for {
		if _, err := h.Malloc(256, 16); err != nil {
			if err != errHeapExhausted {
				t.Fatalf("expected errHeapExhausted; got %v", err)
			}
			break
		}
		count++
	}
	if count == 0 || count > 16 {
		t.Fatalf("expected between 1 and 16 successful 256-byte allocations from a 4K heap; got %d", count)
	}
}

func TestSimpleHeapBadFree(t *testing.T) {
	start, end := testRegion(t, 16*1024)
	h := NewSimple(start, end)

	if err := h.Free(start + 123); err == nil {
		t.Fatal("expected freeing an unallocated pointer to fail")
	}

	ptr, err := h.Malloc(64, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr); err != errHeapBadFree {
		t.Fatalf("expected double free to return errHeapBadFree; got %v", err)
	}
}

func TestSimpleHeapBadAlign(t *testing.T) {
	start, end := testRegion(t, 4096)
	h := NewSimple(start, end)

	if _, err := h.Malloc(64, 48); err != errHeapBadAlign {
		t.Fatalf("expected errHeapBadAlign; got %v", err)
	}
}

func TestHashHeapMallocFree(t *testing.T) {
	start, end := testRegion(t, 1024*1024)
	h := NewHash(start, end)

	ptr1, err := h.Malloc(100, 16)
	if err != nil {
		t.Fatal(err)
	}
	if ptr1%16 != 0 {
		t.Fatalf("expected 16-byte aligned pointer; got 0x%x", ptr1)
	}

	for i := uintptr(0); i < 100; i++ {
		if *(*byte)(unsafe.Pointer(ptr1 + i)) != 0 {
			t.Fatalf("expected allocation to be zeroed; byte %d is not", i)
		}
	}

	ptr2, err := h.Malloc(4096, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if ptr2%4096 != 0 {
		t.Fatalf("expected page aligned pointer; got 0x%x", ptr2)
	}

	if err := h.Free(ptr1); err != nil {
		t.Fatal(err)
	}

	// A same-class allocation must reuse the freed block.
	ptr3, err := h.Malloc(128, 16)
	if err != nil {
		t.Fatal(err)
	}
	if ptr3 != ptr1 {
		t.Fatalf("expected freed block 0x%x to be reused; got 0x%x", ptr1, ptr3)
	}

	if err := h.Free(ptr2); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr3); err != nil {
		t.Fatal(err)
	}
}

func TestHashHeapBadFree(t *testing.T) {
	start, end := testRegion(t, 256*1024)
	h := NewHash(start, end)

	ptr, err := h.Malloc(64, 16)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Free(ptr + 16); err != errHeapBadFree {
		t.Fatalf("expected errHeapBadFree for interior pointer; got %v", err)
	}
	if err := h.Free(ptr); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(ptr); err != errHeapBadFree {
		t.Fatalf("expected double free to return errHeapBadFree; got %v", err)
	}
}

func TestNewPicksVariantBySize(t *testing.T) {
	start, end := testRegion(t, 64*1024)
	if _, ok := New(start, end).(*SimpleHeap); !ok {
		t.Fatal("expected a small range to be served by SimpleHeap")
	}

	// Synthesize a range above the threshold without fully backing it:
	// NewHash only touches the allocation table region, so back just that.
	hugeSize := uintptr(32 * 1024 * 1024)
	tableBytes := int(hugeSize / hashTableDivisor * hashSlotSize)
	buf := make([]byte, tableBytes+int(minAlign))
	base := alignUp(uintptr(unsafe.Pointer(&buf[0])), minAlign)

	h := New(base, base+hugeSize)
	if _, ok := h.(*HashHeap); !ok {
		t.Fatal("expected a large range to be served by HashHeap")
	}
}
