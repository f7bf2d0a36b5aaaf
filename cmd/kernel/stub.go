package main

// multibootInfoPtr, kernelImageStart and kernelImageEnd are populated by the
// rt0 assembly stub before it calls main: the physical address of the
// multiboot info payload handed over by the loader, and the physical bounds
// of the loaded kernel ELF image. They are declared as package-level
// variables (rather than passed as literal arguments) so the Go compiler
// cannot prove main's call to Kmain is dead code and strip it.
var (
	multibootInfoPtr uintptr
	kernelImageStart uintptr
	kernelImageEnd   uintptr
)
