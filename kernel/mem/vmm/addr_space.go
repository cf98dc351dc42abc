package vmm

import (
	"nucleusos/kernel"
	"nucleusos/kernel/mem"
)

var (
	// earlyReserveLastUsed tracks the last reserved virtual address and
	// decreases after each reservation. It starts at tempMappingAddr,
	// which coincides with the end of the kernel's virtual address space.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned, contiguous region of virtual
// address space of the requested size and returns its start address. size is
// rounded up to a page boundary if necessary.
//
// Reservations grow downward from the end of the kernel address space; this
// function is intended for use only during early kernel initialization,
// before a general-purpose virtual memory allocator is available.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
