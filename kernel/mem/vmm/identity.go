package vmm

import (
	"rainbow/kernel"
	"rainbow/kernel/mem"
	"rainbow/kernel/mem/pmm"
)

// IdentityMapRegion maps sizeBytes (rounded up to a page boundary) starting
// at the given physical frame to the virtual page with the same number,
// establishing any missing page table entries along the way. It is used to
// reach fixed-location, pre-paging structures described purely in terms of
// physical addresses -- the ACPI RSDP and the system's ACPI tables being the
// only consumer in this kernel.
func IdentityMapRegion(frame pmm.Frame, sizeBytes uintptr, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size := (mem.Size(sizeBytes) + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	pageCount := size >> mem.PageShift

	startPage := Page(frame)
	for page, curFrame := startPage, frame; pageCount > 0; pageCount, page, curFrame = pageCount-1, page+1, curFrame+1 {
		if _, err := pteForAddress(page.Address()); err == nil {
			continue
		}

		if err := mapFn(page, curFrame, flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}
