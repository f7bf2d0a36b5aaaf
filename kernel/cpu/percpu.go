package cpu

import "unsafe"

// MaxCPU bounds the number of logical CPUs the kernel can track. It is a
// compile-time limit on the per-CPU table, not a licensing restriction.
const MaxCPU = 64

// GDT entry indices. Every logical CPU gets its own GDT built from this
// fixed layout; TSS occupies two consecutive slots because a 64-bit TSS
// descriptor is twice the width of a regular segment descriptor.
const (
	GDTNull = iota
	GDTKernelCode
	GDTKernelData
	GDTUserCode32 // placeholder slot required by the SYSRET selector math
	GDTUserCode
	GDTUserData
	GDTTSSLo
	GDTTSSHi
	gdtEntryCount
)

// SegmentDescriptor is a single 8-byte GDT entry.
type SegmentDescriptor uint64

// TaskStateSegment mirrors the fields of the x86_64 TSS that the kernel
// actually uses: the ring-0 stack pointer loaded on every interrupt/syscall
// entry and the interrupt-stack-table slots used by a handful of
// non-reentrant exception vectors (NMI, double fault).
type TaskStateSegment struct {
	_    uint32
	RSP0 uint64
	RSP1 uint64
	RSP2 uint64
	_    uint64
	IST  [7]uint64
	_    uint64
	_    uint16
	IOMapBase uint16
}

// PerCPU holds the state that must be reachable via a segment-relative
// (GS-based) load from any context running on a given logical CPU: its
// descriptor tables, the task currently running on it, and the scratch
// stacks used while transitioning between privilege levels.
//
// CurrentTask is stored as an unsafe.Pointer-sized value so this package
// does not need to import the task package (which itself depends on cpu for
// the saved-context primitives); the scheduler casts it back to *task.Task.
type PerCPU struct {
	ID        uint32
	APICID    uint8
	Enabled   bool
	Bootstrap bool

	gdt [gdtEntryCount]SegmentDescriptor
	tss TaskStateSegment

	// CurrentTask points at the TCB currently running on this CPU. It is
	// written only by the scheduler running ON this CPU and read freely
	// by anyone dereferencing the per-CPU block.
	CurrentTask uintptr

	// UserStackScratch and KernelStackScratch back the SYSCALL/SYSENTER
	// trampoline: on entry from ring 3 the CPU has no valid kernel stack
	// loaded into a GPR, so the trampoline swaps RSP with
	// KernelStackScratch, saves the user RSP into UserStackScratch, and
	// proceeds.
	UserStackScratch   uintptr
	KernelStackScratch uintptr
}

var (
	perCPU     [MaxCPU]PerCPU
	perCPUUsed int
)

// AllocPerCPU reserves and returns the next PerCPU block, to be used for the
// bootstrap processor or for an AP discovered during SMP bring-up.
func AllocPerCPU(apicID uint8, bootstrap bool) *PerCPU {
	idx := perCPUUsed
	perCPUUsed++
	p := &perCPU[idx]
	p.ID = uint32(idx)
	p.APICID = apicID
	p.Bootstrap = bootstrap
	p.Enabled = true
	return p
}

// PerCPUCount returns the number of PerCPU blocks allocated so far.
func PerCPUCount() int {
	return perCPUUsed
}

// PerCPUAt returns the PerCPU block at the given index, or nil if out of
// range.
func PerCPUAt(idx int) *PerCPU {
	if idx < 0 || idx >= perCPUUsed {
		return nil
	}
	return &perCPU[idx]
}

// currentPerCPUIndex is mocked by tests; on real hardware it is implemented
// by reading GS:0 (a self-pointer installed by LoadPerCPU), giving O(1)
// access to the running CPU's block without a lookup table scan.
var currentPerCPUIndex = realCurrentPerCPUIndex

// realCurrentPerCPUIndex reads the per-CPU index out of GS-relative storage.
func realCurrentPerCPUIndex() uint32

// Current returns the PerCPU block for the CPU executing the call.
func Current() *PerCPU {
	return &perCPU[currentPerCPUIndex()]
}

// TSS returns the task state segment embedded in this per-CPU block.
func (p *PerCPU) TSS() *TaskStateSegment {
	return &p.tss
}

// SetKernelStack updates TSS.RSP0, the stack the CPU will switch to the next
// time an interrupt or syscall raises the privilege level to ring 0. The
// scheduler calls this on every context switch.
func (p *PerCPU) SetKernelStack(rsp0 uintptr) {
	p.tss.RSP0 = uint64(rsp0)
}

// loadGDT and loadTSS are implemented in assembly; they install the
// per-CPU descriptor tables via LGDT/LTR.
func loadGDT(base uintptr, limit uint16)
func loadTSS(selector uint16)

// LoadPerCPU installs this PerCPU block's GDT and TSS on the calling CPU and
// points the GS base at the block so currentPerCPUIndex() (and therefore
// Current()) resolves correctly from this point on.
func (p *PerCPU) LoadPerCPU() {
	p.buildGDT()
	loadGDT(uintptr(ptrToGDT(p)), uint16(len(p.gdt)*8-1))
	loadTSS(GDTTSSLo * 8)
	WriteMSR(MSRGSBase, uint64(ptrToSelf(p)))
}

func (p *PerCPU) buildGDT() {
	p.gdt[GDTNull] = 0
	p.gdt[GDTKernelCode] = segDescriptor(0, 0, true, true, false)
	p.gdt[GDTKernelData] = segDescriptor(0, 0, false, true, false)
	p.gdt[GDTUserCode] = segDescriptor(0, 0, true, true, true)
	p.gdt[GDTUserData] = segDescriptor(0, 0, false, true, true)
	lo, hi := tssDescriptor(ptrToTSS(p))
	p.gdt[GDTTSSLo] = lo
	p.gdt[GDTTSSHi] = hi
}

// segDescriptor builds a flat (base=0, limit=4G) long-mode segment
// descriptor. base/limit are accepted for signature symmetry with the
// 32-bit/PAE descriptor builder but are ignored in long mode, where
// segmentation is effectively disabled for code/data access.
func segDescriptor(base uint32, limit uint32, exec, present, user bool) SegmentDescriptor {
	var d uint64
	d |= 1 << 44 // S = 1 (code/data, not system)
	if present {
		d |= 1 << 47
	}
	if exec {
		d |= 1 << 43
		d |= 1 << 53 // L = 1 (64-bit code segment)
	} else {
		d |= 1 << 41 // writable data
	}
	if user {
		d |= 3 << 45 // DPL = 3
	}
	return SegmentDescriptor(d)
}

// tssDescriptor builds the two GDT slots that make up a 64-bit TSS
// descriptor (type 0x9, available 64-bit TSS).
func tssDescriptor(base uintptr) (lo, hi SegmentDescriptor) {
	limit := uint64(len(TaskStateSegment{}.IST))*8 + 103
	b := uint64(base)
	lo = SegmentDescriptor(limit&0xffff | (b&0xffffff)<<16 | 0x9<<40 | 1<<47 | ((limit>>16)&0xf)<<48 | ((b>>24)&0xff)<<56)
	hi = SegmentDescriptor((b >> 32) & 0xffffffff)
	return lo, hi
}

func ptrToGDT(p *PerCPU) uintptr  { return uintptr(unsafe.Pointer(&p.gdt[0])) }
func ptrToTSS(p *PerCPU) uintptr  { return uintptr(unsafe.Pointer(&p.tss)) }
func ptrToSelf(p *PerCPU) uintptr { return uintptr(unsafe.Pointer(p)) }
