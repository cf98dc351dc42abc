// Package allocator implements the kernel's physical frame allocator: a
// best-fit dynamic allocator operating directly on raw physical memory, with
// free-region metadata stored in-band and indexed by the red-black tree
// defined in kernel/mem/pmm.
package allocator

import (
	"nucleusos/kernel"
	"nucleusos/kernel/hal/uefi"
	"nucleusos/kernel/kfmt/early"
	"nucleusos/kernel/mem"
	"nucleusos/kernel/mem/pmm"
)

var (
	// ErrOutOfMemory is returned by Allocate when no free region large
	// enough to satisfy the request remains.
	ErrOutOfMemory = &kernel.Error{Module: "pmm_alloc", Message: "out of memory"}

	// ErrInvalidFree is raised (as a kernel panic, see Free) when a
	// pointer handed to Free does not refer to a region the allocator
	// recognizes as allocated. Detection is a debug-build convenience;
	// it is not required for correctness outside debug builds.
	ErrInvalidFree = &kernel.Error{Module: "pmm_alloc", Message: "invalid free"}

	// ErrMapExhaustion names the end-of-descriptor-table case in
	// buildInitialPool's diagnostics; it is never returned (New has no error
	// return). The scan stops once NextRegionAfter reports no further
	// descriptor, and memory that no scanned descriptor covers stays
	// unmanaged. The last descriptor of a run is always closed by the gap
	// check first (its expected end is never 0), so buildInitialPool does
	// not print the truncation line.
	ErrMapExhaustion = &kernel.Error{Module: "pmm_alloc", Message: "memory map exhausted mid-scan"}

	// DebugChecks gates the InvalidFree detection in Free. It defaults to
	// on, matching the kernel's general preference for fail-fast panics
	// over silently corrupting the free pool.
	DebugChecks = true

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler.
	panicFn = func(e interface{ Error() string }) { kernel.Panic(e) }
)

// MinSplitRemainder is the smallest remainder Allocate will carve off and
// reinsert into the free set after satisfying a request from a larger
// region. Below this threshold the whole victim region is handed out
// oversized instead, since a remainder smaller than one frame could never
// itself satisfy a future Allocate (needed sizes are always frame-rounded)
// and would only add churn to the tree.
const MinSplitRemainder = uint64(mem.PageSize)

// Stats is a snapshot of the allocator's current pool occupancy.
type Stats struct {
	TotalBytes  uint64
	FreeBytes   uint64
	FreeRegions int
}

// Allocator is a best-fit physical frame allocator. It owns no memory of its
// own: every free region's bookkeeping lives inside the region itself, and
// the only auxiliary state is the caller-supplied sentinel and the resulting
// index root.
type Allocator struct {
	mmap  *uefi.MemoryMap
	index *pmm.RedBlackIndex
	total uint64
}

// New scans mmap for usable memory, coalesces each maximal run of
// contiguous usable descriptors into a single free region, and indexes the
// resulting regions in a red-black tree rooted at sentinelAddr.
// sentinelAddr must point to at least pmm.FreeHeaderSize bytes of writable
// memory that lies outside any region the allocator will manage, and must
// remain valid for the allocator's lifetime.
func New(mmap *uefi.MemoryMap, sentinelAddr uintptr) *Allocator {
	a := &Allocator{
		mmap:  mmap,
		index: pmm.NewRedBlackIndex(sentinelAddr),
	}
	a.buildInitialPool()
	a.printStats()
	return a
}

// buildInitialPool walks the memory map from address 0, accumulating each
// maximal run of contiguous usable descriptors into a single free region.
// A run ends either when an unusable descriptor is encountered or when a
// gap is detected at a usable descriptor's far edge (two usable descriptors
// that are not actually contiguous in the map).
func (a *Allocator) buildInitialPool() {
	c := uintptr(0)
	for {
		if !a.mmap.IsUsable(c) {
			c = a.mmap.NextRegionAfter(c)
			if c == 0 {
				return
			}
			continue
		}

		first := c
		var acc uint64
		for a.mmap.IsUsable(c) {
			_, size, ok := a.mmap.RegionOf(c)
			if !ok {
				break
			}
			acc += uint64(size)

			next := a.mmap.NextRegionAfter(c)
			if uintptr(a.mmap.ExpectedEndOf(c)) != next {
				c = next
				break
			}
			c = next
			if c == 0 {
				early.Printf("[pmm_alloc] %s: run starting at 0x%x truncated at descriptor-table end\n", ErrMapExhaustion.Message, first)
				break
			}
		}

		pmm.WriteRegion(first, acc, false)
		a.index.Insert(first)
		a.total += acc

		if c == 0 {
			return
		}
	}
}

// needed rounds a requested payload size up to an integer number of frames
// that leaves room for the allocated header and trailing boundary tag.
func needed(size uint64) uint64 {
	raw := size + uint64(pmm.AllocatedHeaderSize) + uint64(pmm.BoundaryTagSize)
	pageSize := uint64(mem.PageSize)
	return (raw + pageSize - 1) &^ (pageSize - 1)
}

// Allocate reserves a frame-aligned physical region of at least size bytes
// and returns a pointer to the first payload byte (immediately after the
// allocated header). It returns (0, ErrOutOfMemory) without mutating any
// state if no free region is large enough.
func (a *Allocator) Allocate(size uint64) (uintptr, *kernel.Error) {
	want := needed(size)

	victim := a.index.FindBestFit(want)
	if victim == a.index.Sentinel() {
		early.Printf("[pmm_alloc] out of memory: requested %d bytes (needed %d)\n", size, want)
		return 0, ErrOutOfMemory
	}
	a.index.Delete(victim)

	have := pmm.RegionSize(victim)
	remainder := have - want

	if remainder < MinSplitRemainder {
		pmm.WriteRegion(victim, have, true)
	} else {
		pmm.WriteRegion(victim, want, true)

		rem := victim + uintptr(want)
		pmm.WriteRegion(rem, remainder, false)
		a.index.Insert(rem)
	}

	return victim + uintptr(pmm.AllocatedHeaderSize), nil
}

// leftNeighbour locates a free neighbour immediately to the left of
// regionAddr using boundary-tag arithmetic: the word directly before the
// region's header is the predecessor's trailing tag, which mirrors the
// predecessor's size and allocation bit, so the predecessor's start can be
// found by subtraction without scanning anything.
func (a *Allocator) leftNeighbour(regionAddr uintptr) (start uintptr, ok bool) {
	tagAddr := regionAddr - uintptr(pmm.BoundaryTagSize)
	if !a.mmap.IsUsable(tagAddr) {
		return 0, false
	}
	predStart := regionAddr - uintptr(pmm.TagSize(tagAddr))
	if pmm.IsAllocated(predStart) {
		return 0, false
	}
	return predStart, true
}

func (a *Allocator) rightNeighbour(regionAddr uintptr, regionSize uint64) (start uintptr, ok bool) {
	next := regionAddr + uintptr(regionSize)
	if !a.mmap.IsUsable(next) {
		return 0, false
	}
	if pmm.IsAllocated(next) {
		return 0, false
	}
	return next, true
}

// Free releases a region previously returned by Allocate, coalescing it with
// any immediately-adjacent free neighbours before reinserting the merged
// region into the free set.
func (a *Allocator) Free(ptr uintptr) {
	region := ptr - uintptr(pmm.AllocatedHeaderSize)

	if DebugChecks {
		if !a.mmap.IsUsable(region) || !pmm.IsAllocated(region) {
			panicFn(ErrInvalidFree)
			return
		}
	}

	size := pmm.RegionSize(region)

	leftStart, hasLeft := a.leftNeighbour(region)
	rightStart, hasRight := a.rightNeighbour(region, size)

	mergedStart := region
	mergedSize := size

	if hasLeft {
		mergedSize += pmm.RegionSize(leftStart)
		mergedStart = leftStart
	}
	if hasRight {
		mergedSize += pmm.RegionSize(rightStart)
	}

	if hasLeft {
		// The left region is already indexed; its key (size) is about
		// to change, so it must be removed and reinserted rather than
		// mutated in place.
		a.index.Delete(leftStart)
	}
	if hasRight {
		a.index.Delete(rightStart)
	}

	pmm.WriteRegion(mergedStart, mergedSize, false)
	a.index.Insert(mergedStart)
}

// Stats returns a snapshot of the allocator's current pool occupancy.
func (a *Allocator) Stats() Stats {
	return Stats{
		TotalBytes:  a.total,
		FreeBytes:   a.freeBytes(),
		FreeRegions: a.freeRegionCount(),
	}
}

func (a *Allocator) freeBytes() uint64 {
	var sum uint64
	a.index.Inorder(func(addr uintptr) { sum += pmm.RegionSize(addr) })
	return sum
}

func (a *Allocator) freeRegionCount() int {
	n := 0
	a.index.Inorder(func(uintptr) { n++ })
	return n
}

func (a *Allocator) printStats() {
	s := a.Stats()
	early.Printf("[pmm_alloc] pool stats: free: %d/%d bytes across %d regions\n", s.FreeBytes, s.TotalBytes, s.FreeRegions)
}

// AllocateFrame reserves a single physical frame and returns it as a
// pmm.Frame, bridging the Allocator to kernel/mem/vmm's FrameAllocatorFn
// contract.
func (a *Allocator) AllocateFrame() (pmm.Frame, *kernel.Error) {
	ptr, err := a.Allocate(uint64(mem.PageSize))
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return pmm.Frame(ptr >> mem.PageShift), nil
}

// FreeFrame releases a frame previously obtained from AllocateFrame.
func (a *Allocator) FreeFrame(f pmm.Frame) {
	a.Free(f.Address() + uintptr(pmm.AllocatedHeaderSize))
}

// active is the kernel's single allocator instance, installed by Init during
// startup. The package-level wrappers below exist so that call sites that
// predate the Allocator type (goruntime's sysAlloc plumbing, kmain) can keep
// using plain function values such as allocator.AllocFrame.
var active *Allocator

// Init constructs the kernel's allocator instance from the firmware-supplied
// UEFI memory map, using sentinelAddr as the red-black index's sentinel
// node. It must be called exactly once, before any of the package-level
// Allocate/Free/AllocFrame/FreeFrame wrappers.
func Init(mmap *uefi.MemoryMap, sentinelAddr uintptr) *kernel.Error {
	active = New(mmap, sentinelAddr)
	return nil
}

// Allocate delegates to the active allocator instance. See (*Allocator).Allocate.
func Allocate(size uint64) (uintptr, *kernel.Error) { return active.Allocate(size) }

// Free delegates to the active allocator instance. See (*Allocator).Free.
func Free(ptr uintptr) { active.Free(ptr) }

// AllocFrame delegates to the active allocator instance. It satisfies the
// func() (pmm.Frame, *kernel.Error) shape that goruntime's Go-allocator
// bootstrap and vmm.FrameAllocatorFn both expect.
func AllocFrame() (pmm.Frame, *kernel.Error) { return active.AllocateFrame() }

// FreeFrame delegates to the active allocator instance. See (*Allocator).FreeFrame.
func FreeFrame(f pmm.Frame) { active.FreeFrame(f) }

// ActiveStats delegates to the active allocator instance. See (*Allocator).Stats.
func ActiveStats() Stats { return active.Stats() }
