package vmm

import (
	"rainbow/kernel"
	"rainbow/kernel/mem/pmm"
)

// DirectMapAddress returns the virtual address at which frame is reachable
// through the direct map: the kernel-half mapping of every physical frame,
// installed once by EstablishDirectMap after the PMM finishes classifying
// memory (component A's "ask the VMM to direct-map all physical RAM" step).
func DirectMapAddress(frame pmm.Frame) uintptr {
	return directMapBase + frame.Address()
}

// directMappedFrameCount is the number of frames, starting at frame 0,
// EstablishDirectMap has mapped into the direct map region. MapRegion
// consults it to decide whether a plain KernelDataRW request can be
// satisfied by pointer arithmetic instead of a page table walk.
var directMappedFrameCount uint64

// EstablishDirectMap maps every frame below frameCount into the direct map
// region. It is called once by cmd/kernel, after vmm.Init, with
// bootinfo.HighestFrame() as frameCount.
func EstablishDirectMap(frameCount uint64, flags PageTableEntryFlag) *kernel.Error {
	for f := uint64(0); f < frameCount; f++ {
		frame := pmm.Frame(f)
		page := PageFromAddress(DirectMapAddress(frame))
		if _, err := pteForAddress(page.Address()); err == nil {
			continue
		}
		if err := mapFn(page, frame, flags); err != nil {
			return err
		}
	}
	directMappedFrameCount = frameCount
	return nil
}
