package vmm

import (
	"unsafe"

	"rainbow/kernel"
	"rainbow/kernel/cpu"
	"rainbow/kernel/mem"
	"rainbow/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT,
	// which will fault if called outside of ring 0.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT.
	switchPDTFn = cpu.SwitchPDT

	// mapFn, mapTemporaryFn and unmapFn are used by tests and are
	// automatically inlined by the compiler when compiling the kernel.
	mapFn         = Map
	mapTemporaryFn = MapTemporary
	unmapFn       = Unmap
)

// PageDirectoryTable describes the top-most table in the amd64 long-mode
// paging hierarchy (PML4). This is the only one of the architecture's three
// paging modes this tree ports -- see DESIGN.md's Open Question on the
// 32-bit and PAE backends for why.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init sets up the page directory table rooted at the supplied physical
// frame. If the frame is not the currently active PDT, Init treats it as a
// fresh table: it establishes a temporary mapping, clears the frame and
// installs the recursive self-mapping in the last PML4 entry.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	mem.Memset(pdtPage.Address(), 0, mem.PageSize)

	lastEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pdtFrame)

	unmapFn(pdtPage)

	return nil
}

// Map establishes a page -> frame mapping in this PDT. Unlike the package
// level Map function, this method also works on an inactive PDT: it
// temporarily re-targets the recursive mapping slot in the active PDT at
// this table's frame, performs the mapping through that alias and restores
// the slot afterwards.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)

	var (
		recurEntryAddr uintptr
		recurEntry     *pageTableEntry
	)
	if activeFrame != pdt.pdtFrame {
		recurEntryAddr = activeFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)
		recurEntry = (*pageTableEntry)(unsafe.Pointer(recurEntryAddr))
		recurEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(recurEntryAddr)
	}

	err := mapFn(page, frame, flags)

	if activeFrame != pdt.pdtFrame {
		recurEntry.SetFrame(activeFrame)
		flushTLBEntryFn(recurEntryAddr)
	}

	return err
}

// Unmap removes a mapping previously installed via Map on this PDT,
// supporting inactive PDTs the same way Map does.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)

	var (
		recurEntryAddr uintptr
		recurEntry     *pageTableEntry
	)
	if activeFrame != pdt.pdtFrame {
		recurEntryAddr = activeFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)
		recurEntry = (*pageTableEntry)(unsafe.Pointer(recurEntryAddr))
		recurEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(recurEntryAddr)
	}

	err := unmapFn(page)

	if activeFrame != pdt.pdtFrame {
		recurEntry.SetFrame(activeFrame)
		flushTLBEntryFn(recurEntryAddr)
	}

	return err
}

// Activate installs this table as the active PDT and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Root returns the physical frame backing this table's top-level directory.
// Used by the scheduler to decide whether a context switch needs to reload
// CR3, and by Clone to copy the kernel half into a freshly allocated table.
func (pdt PageDirectoryTable) Root() pmm.Frame {
	return pdt.pdtFrame
}

// Clone allocates a new top-level table and copies the kernel-half entries
// of pdt into it, leaving the user half empty. Per the data model's
// invariant that the kernel half of every live page table is bit-identical,
// cloning only ever needs to copy entries, never frames.
func (pdt PageDirectoryTable) Clone() (PageDirectoryTable, *kernel.Error) {
	var clone PageDirectoryTable

	newFrame, err := frameAllocator()
	if err != nil {
		return clone, err
	}

	if err := clone.Init(newFrame); err != nil {
		return clone, err
	}

	srcPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return clone, err
	}
	defer unmapFn(srcPage)

	dstPage, err := MapTemporary(newFrame)
	if err != nil {
		return clone, err
	}
	defer unmapFn(dstPage)

	// Copy only the upper half (kernel-half entries) of the top-level
	// table; the recursive slot was already installed by clone.Init and
	// the lower half (user space) stays zeroed.
	const entriesPerTable = 512
	entrySize := unsafe.Sizeof(pageTableEntry(0))
	half := (entriesPerTable / 2) * entrySize
	mem.Memcopy(srcPage.Address()+half, dstPage.Address()+half, mem.Size(half))

	return clone, nil
}
