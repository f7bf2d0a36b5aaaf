package vmm

import "rainbow/kernel/mem"

// Page represents the page index for a particular virtual address.
type Page uintptr

// Address returns the virtual address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function always rounds down to the page that contains the
// address (i.e the page start address is always <= the supplied address).
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ (uintptr(mem.PageSize) - 1)) >> mem.PageShift)
}
