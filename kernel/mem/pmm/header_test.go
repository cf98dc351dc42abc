package pmm

import (
	"testing"
	"unsafe"
)

func newTestRegion(t *testing.T, size int) uintptr {
	t.Helper()
	buf := make([]byte, size)
	t.Cleanup(func() { _ = buf })
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestWriteRegionRoundTrip(t *testing.T) {
	addr := newTestRegion(t, 4096)

	WriteRegion(addr, 4096, false)

	if got := RegionSize(addr); got != 4096 {
		t.Fatalf("expected region size 4096; got %d", got)
	}
	if IsAllocated(addr) {
		t.Fatalf("expected region to be free")
	}

	tag := BoundaryTagAddr(addr, 4096)
	if got := TagSize(tag); got != 4096 {
		t.Fatalf("expected tag size 4096; got %d", got)
	}
	if readSizeAndFlags(tag).isAllocated() {
		t.Fatalf("expected tag allocated bit to mirror header (free)")
	}
}

func TestMarkAllocatedMirrorsTag(t *testing.T) {
	addr := newTestRegion(t, 8192)

	WriteRegion(addr, 8192, false)
	MarkAllocated(addr, true)

	if !IsAllocated(addr) {
		t.Fatalf("expected header to report allocated")
	}

	tag := BoundaryTagAddr(addr, 8192)
	if !readSizeAndFlags(tag).isAllocated() {
		t.Fatalf("expected boundary tag allocated bit to mirror header")
	}
	if got := TagSize(tag); got != 8192 {
		t.Fatalf("expected tag size to stay 8192 after MarkAllocated; got %d", got)
	}

	MarkAllocated(addr, false)
	if IsAllocated(addr) {
		t.Fatalf("expected header to report free after unmarking")
	}
	if readSizeAndFlags(tag).isAllocated() {
		t.Fatalf("expected boundary tag to unmark along with header")
	}
}

func TestPackSizeAndFlagsRoundTrip(t *testing.T) {
	cases := []struct {
		size      uint64
		allocated bool
		colour    colour
	}{
		{4096, false, black},
		{4096, true, black},
		{1 << 20, false, red},
		{1 << 20, true, red},
	}

	for _, c := range cases {
		s := packSizeAndFlags(c.size, c.allocated, c.colour)
		if got := s.totalSize(); got != c.size {
			t.Errorf("size=%d allocated=%t colour=%v: totalSize() = %d", c.size, c.allocated, c.colour, got)
		}
		if got := s.isAllocated(); got != c.allocated {
			t.Errorf("size=%d allocated=%t colour=%v: isAllocated() = %t", c.size, c.allocated, c.colour, got)
		}
		if got := s.colour(); got != c.colour {
			t.Errorf("size=%d allocated=%t colour=%v: colour() = %v", c.size, c.allocated, c.colour, got)
		}
	}
}
