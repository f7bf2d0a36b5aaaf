// +build amd64

package vmm

import "math"

const (
	// pageLevels indicates the number of page table levels the MMU walks
	// in long mode (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address encoded in a
	// page table entry (bits 12-51).
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. working on an inactive PDT). It
	// resolves through the recursive mapping to table indices
	// {510, 511, 511, 511}.
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// heapStart is the bottom of the kernel heap (sbrk-managed) region.
	// The heap grows up from here; EarlyReserveRegion/the mmap region
	// grows down from tempMappingAddr towards it.
	heapStart = uintptr(0xffffff8000000000)

	// directMapBase is the virtual address at which the PMM's direct map
	// of all physical RAM begins.
	directMapBase = uintptr(0xffff800000000000)
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the last
	// PML4 entry: setting every page-level index to the all-ones pattern
	// makes the MMU fold back onto the PML4 itself at each level,
	// allowing the active page tables to be dereferenced like ordinary
	// memory.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual address bits consumed by
	// each page level (512 entries per level).
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the shift needed to extract each level's index
	// from a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through caching over
	// write-back when set.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for this page.
	FlagDoNotCache

	// FlagAccessed is set by the CPU the first time the page is touched.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagHugePage selects a 2MB page instead of a 4K page at this level.
	FlagHugePage

	// FlagGlobal prevents the TLB entry from being flushed on a CR3
	// reload.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page for copy-on-write handling.
	// Mutually exclusive with FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable. Requires NXE to be
	// set in IA32_EFER (see cpu.EFERNXE).
	FlagNoExecute = 1 << 63
)
