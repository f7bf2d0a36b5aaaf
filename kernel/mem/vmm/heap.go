package vmm

import (
	"rainbow/kernel"
	"rainbow/kernel/mem"
)

// heapBreak is the current end of the committed kernel heap; heapEnd is the
// address up to which pages have actually been mapped (>= heapBreak, rounded
// to a page boundary). Both start at the bottom of the heap region and grow
// up. The mmap region (used by MapRegion/EarlyReserveRegion) grows down from
// the top of the same address range, so Sbrk refuses growth that would pass
// earlyReserveLastUsed, closing off a heap/mmap collision.
var (
	heapBreak = uintptr(heapStart)
	heapEnd   = uintptr(heapStart)

	errHeapCollision = &kernel.Error{Module: "vmm", Message: "sbrk would collide with the mmap region"}
)

// Sbrk extends (delta > 0) or shrinks (delta < 0) the kernel heap break by
// delta bytes and returns the break's value before the adjustment, matching
// the POSIX sbrk contract. Growth allocates and zeroes whatever whole pages
// are needed to back the new break; shrinking only moves the break back,
// consistent with component C's "adjusts the break only" contract.
func Sbrk(delta int64) (uintptr, *kernel.Error) {
	prevBreak := heapBreak
	newBreak := uintptr(int64(heapBreak) + delta)

	if delta > 0 && newBreak > earlyReserveLastUsed {
		return 0, errHeapCollision
	}

	if newBreak > heapEnd {
		growBy := mem.Size(newBreak - heapEnd)
		pageCount := (growBy + mem.PageSize - 1) >> mem.PageShift

		for i := mem.Size(0); i < pageCount; i++ {
			frame, err := frameAllocator()
			if err != nil {
				return 0, err
			}
			if err := Map(PageFromAddress(heapEnd), frame, KernelDataRW.Flags(WriteBack)); err != nil {
				return 0, err
			}
			mem.Memset(heapEnd, 0, mem.PageSize)
			heapEnd += uintptr(mem.PageSize)
		}
	}

	heapBreak = newBreak
	return prevBreak, nil
}

// AllocatePages allocates n frames (not assumed to be physically
// contiguous, since frameAllocator only ever hands out one frame at a time)
// and maps them as zeroed, writable kernel pages carved from the
// downward-growing mmap region, returning the mapped Page range's start.
// Intended for kernel objects larger than a typical heap block, including
// task kernel stacks.
func AllocatePages(n uint64) (Page, *kernel.Error) {
	size := mem.Size(n) << mem.PageShift
	startAddr, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}
	startPage := PageFromAddress(startAddr)

	for i := uint64(0); i < n; i++ {
		frame, err := frameAllocator()
		if err != nil {
			return 0, err
		}
		if err := mapFn(startPage+Page(i), frame, KernelDataRW.Flags(WriteBack)); err != nil {
			return 0, err
		}
	}

	mem.Memset(startPage.Address(), 0, size)
	return startPage, nil
}

// FreePages unmaps n pages starting at page. The underlying physical frames
// are not returned to the allocator.
func FreePages(page Page, n uint64) *kernel.Error {
	for i := uint64(0); i < n; i++ {
		if err := Unmap(page + Page(i)); err != nil {
			return err
		}
	}
	return nil
}
