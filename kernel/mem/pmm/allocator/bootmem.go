// Package allocator implements the kernel's physical frame allocator.
//
// The allocator keeps an unsorted list of free frame ranges built from the
// firmware-reported memory map. Ranges are split at the 1 MiB and 4 GiB
// boundaries so that "allocate below X" requests (used for DMA buffers and
// the SMP trampoline, which must live below 1 MiB) can skip past unrelated
// high-memory ranges instead of scanning the entire free list.
package allocator

import (
	"rainbow/kernel"
	"rainbow/kernel/hal/bootinfo"
	"rainbow/kernel/kfmt"
	"rainbow/kernel/mem"
	"rainbow/kernel/mem/pmm"
	"rainbow/kernel/sync"
)

const (
	splitBoundary1MB = uint64(1 * mem.Mb)
	splitBoundary4GB = uint64(4 * mem.Gb)
)

// frameRange is a half-open, page-aligned, [start, end) range of physical
// frames.
type frameRange struct {
	start, end pmm.Frame
}

// size returns the number of frames contained in this range.
func (r frameRange) size() uint64 {
	if r.end <= r.start {
		return 0
	}
	return uint64(r.end - r.start)
}

// BootMemAllocator is the kernel's physical frame allocator. It is
// initialized once at boot from the loader-supplied memory map and is then
// shared by the rest of the kernel for the lifetime of the system; the
// range list already supports FreeFrames, so there is no separate
// allocator generation to hand off to once boot completes.
type BootMemAllocator struct {
	lock sync.Spinlock

	ranges []frameRange

	totalFrames uint64
	freeFrames  uint64
}

var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

// Global is the kernel's single boot memory allocator instance, populated by
// Init during early boot and consulted for the rest of the system's
// lifetime. Kept as a package-level singleton, the same way the rest of
// this kernel's cross-package wiring hands out bound package-level
// functions instead of passing an allocator handle around explicitly.
var Global BootMemAllocator

// Init populates Global from the supplied boot record. Must be called once,
// before vmm.Init.
func Init(bi *bootinfo.BootInfo) *kernel.Error {
	return Global.Init(bi)
}

// AllocFrame allocates a single frame from Global. Matches
// vmm.FrameAllocatorFn's signature so it can be handed directly to
// vmm.SetFrameAllocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return Global.AllocateFrames(1)
}

// AllocFrameUnder allocates a single frame below limit from Global. Matches
// smp.FrameAllocatorUnderFn's signature so it can be handed directly to
// smp.SetFrameAllocatorUnder.
func AllocFrameUnder(limit pmm.Frame) (pmm.Frame, *kernel.Error) {
	return Global.AllocateFramesUnder(1, limit)
}

// FreeFrame releases a single frame back to Global.
func FreeFrame(frame pmm.Frame) {
	Global.FreeFrames(frame, 1)
}

// Init classifies every descriptor in the supplied boot memory map as
// available, reserved or unavailable, excludes the loaded kernel image and
// splits the resulting free ranges at the 1 MiB and 4 GiB boundaries.
func (a *BootMemAllocator) Init(bi *bootinfo.BootInfo) *kernel.Error {
	a.ranges = a.ranges[:0]
	a.totalFrames = 0
	a.freeFrames = 0

	kernelStartFrame := pmm.FrameFromAddress(bi.KernelStart)
	kernelEndFrame := pmm.Frame((bi.KernelEnd + uintptr(mem.PageSize) - 1) >> mem.PageShift)

	for i := range bi.MemoryMap {
		entry := &bi.MemoryMap[i]
		if entry.Type != bootinfo.Available {
			continue
		}

		// Round inward so that a page only partly covered by this region is
		// never handed out.
		pageMask := uint64(mem.PageSize - 1)
		startPage := (entry.Address + pageMask) &^ pageMask
		endPage := (entry.Address + entry.Size) &^ pageMask
		if endPage <= startPage {
			continue
		}

		a.addRange(pmm.Frame(startPage>>uint64(mem.PageShift)), pmm.Frame(endPage>>uint64(mem.PageShift)), kernelStartFrame, kernelEndFrame)
	}

	for _, r := range a.ranges {
		a.freeFrames += r.size()
	}
	a.totalFrames = a.freeFrames

	return nil
}

// addRange inserts [start, end) into the free list, carving out the kernel
// image if it overlaps, and splitting the result at the 1 MiB / 4 GiB
// boundaries.
func (a *BootMemAllocator) addRange(start, end, kernelStart, kernelEnd pmm.Frame) {
	// Carve out the kernel image.
	if kernelEnd > kernelStart && kernelStart < end && kernelEnd > start {
		if kernelStart > start {
			a.addRange(start, kernelStart, kernelStart, kernelStart)
		}
		if kernelEnd < end {
			a.addRange(kernelEnd, end, kernelStart, kernelStart)
		}
		return
	}

	boundary1MB := pmm.Frame(splitBoundary1MB >> uint64(mem.PageShift))
	boundary4GB := pmm.Frame(splitBoundary4GB >> uint64(mem.PageShift))

	for _, boundary := range [...]pmm.Frame{boundary1MB, boundary4GB} {
		if start < boundary && end > boundary {
			a.ranges = append(a.ranges, frameRange{start: start, end: boundary})
			start = boundary
		}
	}

	if end > start {
		a.ranges = append(a.ranges, frameRange{start: start, end: end})
	}
}

// AllocateFrames performs a first-fit search over ranges whose end lies above
// 1 MiB, reserving low memory for the SMP trampoline and other sub-1MiB
// consumers, and returns the first frame of an n-frame block.
func (a *BootMemAllocator) AllocateFrames(n uint64) (pmm.Frame, *kernel.Error) {
	boundary1MB := pmm.Frame(splitBoundary1MB >> uint64(mem.PageShift))

	a.lock.Acquire()
	defer a.lock.Release()

	for i := range a.ranges {
		r := &a.ranges[i]
		if r.end <= boundary1MB || r.size() < n {
			continue
		}

		frame := r.start
		r.start += pmm.Frame(n)
		a.freeFrames -= n
		return frame, nil
	}

	return pmm.InvalidFrame, errOutOfMemory
}

// AllocateFramesUnder performs a first-fit search over ranges that lie
// entirely below limit and returns the first frame of an n-frame block.
func (a *BootMemAllocator) AllocateFramesUnder(n uint64, limit pmm.Frame) (pmm.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	for i := range a.ranges {
		r := &a.ranges[i]
		if r.end > limit || r.size() < n {
			continue
		}

		frame := r.start
		r.start += pmm.Frame(n)
		a.freeFrames -= n
		return frame, nil
	}

	return pmm.InvalidFrame, errOutOfMemory
}

// FreeFrames releases n frames starting at frame back to the free list. The
// contract only promises that the memory eventually becomes available again;
// ranges are not coalesced with their neighbours.
func (a *BootMemAllocator) FreeFrames(frame pmm.Frame, n uint64) {
	a.lock.Acquire()
	defer a.lock.Release()

	a.ranges = append(a.ranges, frameRange{start: frame, end: frame + pmm.Frame(n)})
	a.freeFrames += n
}

// TotalFrames returns the number of frames classified as available at Init
// time.
func (a *BootMemAllocator) TotalFrames() uint64 {
	return a.totalFrames
}

// FreeFrameCount returns the number of frames not currently handed out.
func (a *BootMemAllocator) FreeFrameCount() uint64 {
	return a.freeFrames
}

// PrintMemoryMap logs the classified free ranges and the running totals.
func (a *BootMemAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] free ranges:\n")
	for _, r := range a.ranges {
		kfmt.Printf("\t[0x%16x - 0x%16x), frames: %8d\n", r.start.Address(), r.end.Address(), r.size())
	}
	kfmt.Printf("[pmm] total: %d frames, free: %d frames\n", a.totalFrames, a.freeFrames)
}
