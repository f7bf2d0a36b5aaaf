package multiboot

import (
	"rainbow/kernel/hal/bootinfo"
	"unsafe"
)

// ElfSectionFlag describes flags attached to an ELF64 section header as
// reported by the multiboot "ELF symbols" tag.
type ElfSectionFlag uint64

const (
	// ElfSectionWritable marks a writable section (SHF_WRITE).
	ElfSectionWritable ElfSectionFlag = 1 << 0
	// ElfSectionAlloc marks a section occupying memory during execution (SHF_ALLOC).
	ElfSectionAlloc ElfSectionFlag = 1 << 1
	// ElfSectionExecutable marks an executable section (SHF_EXECINSTR).
	ElfSectionExecutable ElfSectionFlag = 1 << 2
)

// elf64SectionHeader mirrors Elf64_Shdr.
type elf64SectionHeader struct {
	NameOff   uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// elfSymbolsHeader precedes the raw section header array in the multiboot
// "ELF symbols" tag.
type elfSymbolsHeader struct {
	num     uint32
	entsize uint32
	shndx   uint32
	_       uint32
}

// ElfSectionVisitor is invoked once per non-empty, memory-resident ELF
// section found in the kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, addr uintptr, size uint64)

// VisitElfSections walks the kernel ELF section headers supplied by the
// bootloader's ELF-symbols tag and invokes visitor for each section that
// occupies memory at runtime (SHF_ALLOC).
func VisitElfSections(visitor ElfSectionVisitor) {
	curPtr, size := findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	hdr := (*elfSymbolsHeader)(unsafe.Pointer(curPtr))
	secPtr := curPtr + unsafe.Sizeof(elfSymbolsHeader{})

	// The string table section is one of the sections in this very
	// array; its index is given by shndx.
	strTabSec := (*elf64SectionHeader)(unsafe.Pointer(secPtr + uintptr(hdr.shndx)*uintptr(hdr.entsize)))
	strTabAddr := uintptr(strTabSec.Addr)

	for i := uint32(0); i < hdr.num; i++ {
		sec := (*elf64SectionHeader)(unsafe.Pointer(secPtr + uintptr(i)*uintptr(hdr.entsize)))
		if sec.Flags&uint64(ElfSectionAlloc) == 0 || sec.Size == 0 {
			continue
		}

		visitor(cString(strTabAddr+uintptr(sec.NameOff)), ElfSectionFlag(sec.Flags), uintptr(sec.Addr), sec.Size)
	}
}

// cString reads a NUL-terminated string starting at addr.
func cString(addr uintptr) string {
	var buf []byte
	for p := addr; ; p++ {
		b := *(*byte)(unsafe.Pointer(p))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// GetBootCmdLine parses the boot command line tag into a set of key=value
// pairs, space separated, matching the convention hal.onConsoleInit relies
// on ("consoleLogo=off consoleFont=lat9-16").
func GetBootCmdLine() map[string]string {
	out := map[string]string{}

	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return out
	}

	line := make([]byte, 0, size)
	for i := uint32(0); i < size; i++ {
		b := *(*byte)(unsafe.Pointer(curPtr + uintptr(i)))
		if b == 0 {
			break
		}
		line = append(line, b)
	}

	start := 0
	for i := 0; i <= len(line); i++ {
		if i == len(line) || line[i] == ' ' {
			if i > start {
				tok := string(line[start:i])
				for j := 0; j < len(tok); j++ {
					if tok[j] == '=' {
						out[tok[:j]] = tok[j+1:]
						goto next
					}
				}
				out[tok] = ""
			next:
			}
			start = i + 1
		}
	}

	return out
}

// ToBootInfo normalizes the multiboot tag stream into a loader-independent
// bootinfo.BootInfo, so the rest of the kernel never needs to special-case
// the multiboot front end.
func ToBootInfo(kernelStart, kernelEnd uintptr) *bootinfo.BootInfo {
	bi := &bootinfo.BootInfo{
		Version:     1,
		Firmware:    bootinfo.FirmwareMultiboot,
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
	}

	VisitMemRegions(func(region *MemoryMapEntry) bool {
		var t bootinfo.DescriptorType
		switch region.Type {
		case MemAvailable:
			t = bootinfo.Available
		case MemAcpiReclaimable:
			t = bootinfo.AcpiReclaimable
		case MemNvs:
			t = bootinfo.AcpiNvs
		default:
			t = bootinfo.Reserved
		}

		bi.MemoryMap = append(bi.MemoryMap, bootinfo.MemoryMapEntry{
			Type:    t,
			Address: region.PhysAddress,
			Size:    region.Length,
		})
		return true
	})

	if fb := GetFramebufferInfo(); fb != nil {
		var format bootinfo.FramebufferFormat
		switch fb.Type {
		case FramebufferTypeRGB:
			format = bootinfo.FramebufferRGB
		case FramebufferTypeEGA:
			format = bootinfo.FramebufferEGA
		default:
			format = bootinfo.FramebufferIndexed
		}
		bi.Framebuffer = bootinfo.Framebuffer{
			VirtAddr: uintptr(fb.PhysAddr),
			Width:    fb.Width,
			Height:   fb.Height,
			Pitch:    fb.Pitch,
			Format:   format,
		}
	}

	return bi
}
