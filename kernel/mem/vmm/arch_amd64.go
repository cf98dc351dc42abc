package vmm

import "math"

const (
	// pageLevels indicates the number of page table levels used by the
	// amd64 paging scheme (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address encoded in a
	// page table entry: bits 12-51.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. mapping an inactive PDT page). It
	// resolves via table indices 510, 511, 511, 511 under the recursive
	// mapping scheme.
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the last
	// PDT entry: setting every page-level index to its maximum value
	// makes the MMU walk back to the PDT itself at every level.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual address bits consumed by
	// each page table level (9 bits -> 512 entries per level on amd64).
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit offset of each level's index field
	// within a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through caching instead of write-back.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagHugePage selects a 2MB page instead of a 4K page.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing this entry on a CR3 switch.
	FlagGlobal

	// FlagCopyOnWrite marks a RO page for copy-on-write handling. Mutually
	// exclusive with FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as containing non-executable data.
	FlagNoExecute = 1 << 63
)
