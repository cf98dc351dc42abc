// Package uefi provides a read-only view over the firmware-supplied UEFI
// memory map that the bootloader hands to the kernel after a call to
// ExitBootServices. It answers the three questions the physical frame
// allocator needs to build its initial free pool: whether an address lies in
// a region the OS may use, what that region's extents are, and where the
// next region begins.
package uefi

import (
	"unsafe"

	"nucleusos/kernel/mem"
)

// MemoryType identifies the purpose the firmware assigned to a memory
// region, mirroring the EFI_MEMORY_TYPE enumeration.
type MemoryType uint32

// nolint
const (
	EfiReservedMemoryType MemoryType = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
	EfiPersistentMemory
)

// MemoryDescriptor describes a single entry of the UEFI memory map. The
// layout matches EFI_MEMORY_DESCRIPTOR; Attribute is carried but currently
// unused by the allocator.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32 // padding to match firmware alignment
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// end returns the address one past the last byte of this descriptor's
// region.
func (d *MemoryDescriptor) end() uint64 {
	return d.PhysicalStart + d.NumberOfPages*uint64(mem.PageSize)
}

// isUsableType reports whether mt is one of the region types the allocator
// may claim for its free pool. LoaderCode/LoaderData are deliberately
// excluded: the boot stub's own image and data live there and must not be
// overwritten before the kernel is fully resident.
func isUsableType(mt MemoryType) bool {
	switch mt {
	case EfiBootServicesCode, EfiBootServicesData, EfiConventionalMemory, EfiPersistentMemory:
		return true
	default:
		return false
	}
}

// MemoryMap is a view over a firmware-supplied, fixed-stride descriptor
// array. The stride is supplied by the caller (as reported by
// GetMemoryMap's DescriptorSize out-parameter) rather than derived from
// unsafe.Sizeof(MemoryDescriptor{}), since future firmware revisions are
// free to report larger descriptors than the ones this kernel was compiled
// against.
type MemoryMap struct {
	basePtr          uintptr
	descriptorCount  int
	descriptorStride uintptr
}

// New constructs a MemoryMap view over count descriptors of stride bytes
// each, starting at basePtr. basePtr must remain valid for the lifetime of
// the returned MemoryMap.
func New(basePtr uintptr, count int, stride uintptr) *MemoryMap {
	return &MemoryMap{basePtr: basePtr, descriptorCount: count, descriptorStride: stride}
}

func (m *MemoryMap) descriptorAt(i int) *MemoryDescriptor {
	return (*MemoryDescriptor)(unsafe.Pointer(m.basePtr + uintptr(i)*m.descriptorStride))
}

// DescriptorVisitor is invoked once per descriptor by Visit. It returns true
// to continue the scan or false to abort it.
type DescriptorVisitor func(d *MemoryDescriptor) bool

// Visit calls visitor once for every descriptor in map order, stopping early
// if visitor returns false.
func (m *MemoryMap) Visit(visitor DescriptorVisitor) {
	for i := 0; i < m.descriptorCount; i++ {
		if !visitor(m.descriptorAt(i)) {
			return
		}
	}
}

// descriptorContaining returns the descriptor whose range contains addr, or
// nil if none does.
func (m *MemoryMap) descriptorContaining(addr uintptr) *MemoryDescriptor {
	a := uint64(addr)
	for i := 0; i < m.descriptorCount; i++ {
		d := m.descriptorAt(i)
		if a >= d.PhysicalStart && a < d.end() {
			return d
		}
	}
	return nil
}

// IsUsable reports whether addr lies inside a descriptor whose type is
// usable by the allocator and whose PhysicalStart is non-zero. The
// zero-page exclusion keeps a null pointer distinguishable from any
// legitimate region address.
func (m *MemoryMap) IsUsable(addr uintptr) bool {
	d := m.descriptorContaining(addr)
	return d != nil && d.PhysicalStart != 0 && isUsableType(d.Type)
}

// RegionOf returns the start and size of the descriptor containing addr.
// ok is false if addr is not covered by any descriptor.
func (m *MemoryMap) RegionOf(addr uintptr) (start uintptr, size mem.Size, ok bool) {
	d := m.descriptorContaining(addr)
	if d == nil {
		return 0, 0, false
	}
	return uintptr(d.PhysicalStart), mem.Size(d.NumberOfPages * uint64(mem.PageSize)), true
}

// NextRegionAfter returns the smallest PhysicalStart strictly greater than
// addr across the whole map, or 0 if there is none.
func (m *MemoryMap) NextRegionAfter(addr uintptr) uintptr {
	a := uint64(addr)
	var next uint64
	found := false
	for i := 0; i < m.descriptorCount; i++ {
		start := m.descriptorAt(i).PhysicalStart
		if start > a && (!found || start < next) {
			next = start
			found = true
		}
	}
	if !found {
		return 0
	}
	return uintptr(next)
}

// ExpectedEndOf returns PhysicalStart + NumberOfPages*PageSize of the
// descriptor containing addr, or 0 if addr is not covered by any
// descriptor.
func (m *MemoryMap) ExpectedEndOf(addr uintptr) uintptr {
	d := m.descriptorContaining(addr)
	if d == nil {
		return 0
	}
	return uintptr(d.end())
}
