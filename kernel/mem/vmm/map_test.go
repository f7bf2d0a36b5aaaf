package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"rainbow/kernel"
	"rainbow/kernel/mem"
	"rainbow/kernel/mem/pmm"
)

func TestNextAddrFn(t *testing.T) {
	// Dummy test to keep coverage happy
	if exp, got := uintptr(123), nextAddrFn(uintptr(123)); exp != got {
		t.Fatalf("expected nextAddrFn to return %v; got %v", exp, got)
	}
}

func TestMapTemporaryAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr), origAlloc FrameAllocatorFn) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
		frameAllocator = origAlloc
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn, frameAllocator)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	nextPhysPage := 0

	// frameAllocator returns pages from index 1; we keep index 0 for the
	// P4 entry.
	SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
		nextPhysPage++
		pageAddr := unsafe.Pointer(&physPages[nextPhysPage][0])
		return pmm.Frame(uintptr(pageAddr) >> mem.PageShift), nil
	})

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
		return unsafe.Pointer(&physPages[pteCallCount-1][pteIndex])
	}

	nextAddrFn = func(entry uintptr) uintptr {
		return uintptr(unsafe.Pointer(&physPages[nextPhysPage][0]))
	}

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) {
		flushTLBEntryCallCount++
	}

	// The temporary mapping address breaks down to:
	// p4 index: 510
	// p3 index: 511
	// p2 index: 511
	// p1 index: 511
	frame := pmm.Frame(123)
	levelIndices := []uint{510, 511, 511, 511}

	page, err := MapTemporary(frame)
	if err != nil {
		t.Fatal(err)
	}

	if got := page.Address(); got != tempMappingAddr {
		t.Fatalf("expected temp mapping virtual address to be %x; got %x", tempMappingAddr, got)
	}

	for level, physPage := range physPages {
		pte := physPage[levelIndices[level]]
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[pte at level %d] expected entry to have FlagPresent and FlagRW set", level)
		}

		switch {
		case level < pageLevels-1:
			if exp, got := pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0]))>>mem.PageShift), pte.Frame(); got != exp {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, exp, got)
			}
		default:
			if got := pte.Frame(); got != frame {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, frame, got)
			}
		}
	}

	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

// TestMapTemporaryRetargetsWithoutPanic confirms MapTemporary's overwrite path
// can re-target an already-present entry, unlike Map.
func TestMapTemporaryRetargetsWithoutPanic(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	// ptePtrFn ignores the entry address it's handed, so the chain below
	// can live at index 0 for every level regardless of where
	// tempMappingAddr's real indices would fall.
	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(pmm.Frame(1))
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}
	flushTLBEntryFn = func(uintptr) {}

	// The target entry is already present; Map would panic, MapTemporary
	// must not.
	if _, err := MapTemporary(pmm.Frame(2)); err != nil {
		t.Fatal(err)
	}
}

func TestMapTemporaryErrorsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	// The reserved virt address uses the following page level indices: 510, 511, 511, 511
	p4Index := 510
	frame := pmm.Frame(123)

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][p4Index].SetFlags(FlagPresent | FlagHugePage)

		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}

		if _, err := MapTemporary(frame); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("allocFn returns an error", func(t *testing.T) {
		physPages[0][p4Index] = 0

		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			return 0, expErr
		})

		if _, err := MapTemporary(frame); err != expErr {
			t.Fatalf("got unexpected error %v", err)
		}
	})
}

// TestMapOverMapPanics exercises the map-over-map-is-fatal contract: calling
// Map twice against the same virtual page must panic rather than silently
// re-point the mapping.
func TestMapOverMapPanics(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	// Emulate a page already mapped at virtAddr 0 across all levels.
	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(pmm.Frame(1))
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}
	flushTLBEntryFn = func(uintptr) {}

	defer func() {
		r := recover()
		if r != errMapOverMap {
			t.Fatalf("expected Map to panic with errMapOverMap; got %v", r)
		}
	}()

	Map(PageFromAddress(0), pmm.Frame(2), FlagPresent|FlagRW)
	t.Fatal("expected Map to panic when re-mapping an already-present page")
}

// TestMapMasksUnsupportedFlags confirms Map intersects its flags argument
// with supportedFlagsMask before installing the entry, so a flag the CPU
// does not support (as probeNX leaves FlagNoExecute, absent NX support)
// never ends up set in a live page table entry.
func TestMapMasksUnsupportedFlags(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr), origMask PageTableEntryFlag) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
		supportedFlagsMask = origMask
	}(ptePtrFn, flushTLBEntryFn, supportedFlagsMask)

	supportedFlagsMask = ^PageTableEntryFlag(0) &^ FlagNoExecute

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	for level := 0; level < pageLevels-1; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}
	flushTLBEntryFn = func(uintptr) {}

	if err := Map(PageFromAddress(0), pmm.Frame(2), FlagPresent|FlagRW|FlagNoExecute); err != nil {
		t.Fatal(err)
	}

	last := physPages[pageLevels-1][0]
	if last.HasFlags(FlagNoExecute) {
		t.Error("expected FlagNoExecute to be masked out of the installed entry")
	}
	if !last.HasFlags(FlagPresent | FlagRW) {
		t.Error("expected FlagPresent and FlagRW to survive masking")
	}
}

func TestUnmapAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, flushTLBEntryFn)

	var (
		physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
		frame     = pmm.Frame(123)
	)

	for level := 0; level < pageLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < pageLevels-1 {
			physPages[level][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mem.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
		}
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		return unsafe.Pointer(&physPages[pteCallCount-1][0])
	}

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) {
		flushTLBEntryCallCount++
	}

	if err := Unmap(PageFromAddress(0)); err != nil {
		t.Fatal(err)
	}

	for level, physPage := range physPages {
		pte := physPage[0]

		switch {
		case level < pageLevels-1:
			if !pte.HasFlags(FlagPresent) {
				t.Errorf("[pte at level %d] expected entry to retain have FlagPresent set", level)
			}
			if exp, got := pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0]))>>mem.PageShift), pte.Frame(); got != exp {
				t.Errorf("[pte at level %d] expected entry frame to still be %d; got %d", level, exp, got)
			}
		default:
			if pte.HasFlags(FlagPresent) {
				t.Errorf("[pte at level %d] expected entry not to have FlagPresent set", level)
			}

			if got := pte.Frame(); got != frame {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, frame, got)
			}
		}
	}

	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

func TestUnmapErrorsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][0].SetFlags(FlagPresent | FlagHugePage)

		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}

		if err := Unmap(PageFromAddress(0)); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("virtual address not mapped", func(t *testing.T) {
		physPages[0][0].ClearFlags(FlagPresent)

		if err := Unmap(PageFromAddress(0)); err != ErrInvalidMapping {
			t.Fatalf("expected to get ErrInvalidMapping; got %v", err)
		}
	})
}

// TestMapRegionDirectMapFastPath confirms that a plain KernelDataRW request
// whose frames fall inside the established direct map skips the page table
// walk entirely and returns the direct-map address.
func TestMapRegionDirectMapFastPath(t *testing.T) {
	defer func(orig uint64) { directMappedFrameCount = orig }(directMappedFrameCount)

	directMappedFrameCount = 16
	frame := pmm.Frame(4)

	page, err := MapRegion(frame, mem.PageSize, KernelDataRW.Flags(WriteBack))
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := DirectMapAddress(frame), page.Address(); exp != got {
		t.Fatalf("expected direct-map fast path to return %x; got %x", exp, got)
	}
}

// TestMapRegionFallsBackOutsideDirectMap confirms a request whose frame
// range extends past the direct map falls through to the normal
// reserve-and-map path instead of handing back a bogus direct-map address.
func TestMapRegionFallsBackOutsideDirectMap(t *testing.T) {
	defer func(orig uint64, origEarlyReserve func(mem.Size) (uintptr, *kernel.Error), origMapFn func(Page, pmm.Frame, PageTableEntryFlag) *kernel.Error) {
		directMappedFrameCount = orig
		earlyReserveRegionFn = origEarlyReserve
		mapFn = origMapFn
	}(directMappedFrameCount, earlyReserveRegionFn, mapFn)

	directMappedFrameCount = 1
	frame := pmm.Frame(4)

	const reservedAddr = uintptr(0x1000)
	earlyReserveRegionFn = func(mem.Size) (uintptr, *kernel.Error) { return reservedAddr, nil }
	mapFn = func(Page, pmm.Frame, PageTableEntryFlag) *kernel.Error { return nil }

	page, err := MapRegion(frame, mem.PageSize, KernelDataRW.Flags(WriteBack))
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := reservedAddr, page.Address(); exp != got {
		t.Fatalf("expected fallback path to return %x; got %x", exp, got)
	}
}
