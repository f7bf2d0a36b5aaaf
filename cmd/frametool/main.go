// Command frametool decodes a built kernel ELF image and prints the
// identity-map plan a bootloader needs to build before handing control to
// Kmain: for every loadable, memory-resident section linked above the
// kernel's higher-half VMA it prints the virtual address range, the
// physical frame range the bootloader must identity-map it to, and the
// page protection flags (R/W/X) the section wants.
//
// It is a host-side tool, grounded on tools/redirects' use of debug/elf and
// flag, run against the freshly linked kernel image as a build step rather
// than shipped as part of the kernel binary itself.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"os"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
)

// kernelVMA is the virtual base address the kernel is linked at (the
// standard x86-64 higher-half layout: the top 2GiB of the address space).
// Sections below this address are part of the identity-mapped boot
// environment already and are not part of the plan this tool prints.
const kernelVMA = 0xffffffff80000000

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[frametool] error: %s\n", err.Error())
	os.Exit(1)
}

// mapping describes the identity-map the bootloader must set up for a
// single kernel ELF section: count frames contiguous physical frames
// starting at physStart, mapped to the section's virtual address range.
type mapping struct {
	name       string
	vmaStart   uint64
	physStart  uint64
	frameCount uint64
	writable   bool
	executable bool
}

// planFromSections derives the identity-map plan for every loadable,
// memory-resident section in secs that is linked above kernelVMA. Sections
// below kernelVMA (the early boot code/stack the loader already placed) are
// skipped, mirroring vmm.setupPDTForKernel's own filter.
func planFromSections(secs []*elf.Section) ([]mapping, error) {
	var plan []mapping

	for _, sec := range secs {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		if sec.Addr < kernelVMA {
			continue
		}

		physStart := sec.Addr - kernelVMA
		frameCount := (sec.Size + pageSize - 1) / pageSize
		if frameCount == 0 {
			frameCount = 1
		}

		plan = append(plan, mapping{
			name:       sec.Name,
			vmaStart:   sec.Addr,
			physStart:  physStart,
			frameCount: frameCount,
			writable:   sec.Flags&elf.SHF_WRITE != 0,
			executable: sec.Flags&elf.SHF_EXECINSTR != 0,
		})
	}

	return plan, nil
}

func printPlan(plan []mapping) {
	fmt.Printf("%-20s %-18s %-18s %10s  FLAGS\n", "SECTION", "VIRT START", "PHYS START", "FRAMES")
	for _, m := range plan {
		flags := "R"
		if m.writable {
			flags += "W"
		}
		if m.executable {
			flags += "X"
		}
		fmt.Printf("%-20s 0x%016x 0x%016x %10d  %s\n", m.name, m.vmaStart, m.physStart, m.frameCount, flags)
	}
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		exit(fmt.Errorf("usage: frametool <kernel-elf-image>"))
	}

	f, err := elf.Open(flag.Arg(0))
	if err != nil {
		exit(err)
	}
	defer f.Close()

	plan, err := planFromSections(f.Sections)
	if err != nil {
		exit(err)
	}

	printPlan(plan)
}
