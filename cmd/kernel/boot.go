package main

// main is the only Go symbol visible from the rt0 initialization code. It is
// a trampoline for Kmain, kept as a separate, intentionally uninlined call
// so the compiler cannot see through rt0's assembly and optimize the real
// kernel code away.
//
// main is invoked after rt0 has set up a GDT and a minimal g0 goroutine
// running on the small bootstrap stack assembled alongside it. It is not
// expected to return; if it does, rt0 halts the CPU.
//
//go:noinline
func main() {
	Kmain(multibootInfoPtr, kernelImageStart, kernelImageEnd)
}
