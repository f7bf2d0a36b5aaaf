// Package smp brings up the application processors (APs) described by the
// ACPI MADT: for each enabled, non-bootstrap local APIC entry it installs a
// real-mode trampoline below 1 MiB, creates a kernel task that will run on
// the AP once it starts, and drives the INIT/STARTUP IPI sequence that wakes
// it, following the Intel MP spec's recommended 10ms INIT delay and 1ms/1s
// STARTUP poll windows.
package smp

import (
	"reflect"
	"unsafe"

	"rainbow/kernel"
	"rainbow/kernel/clock"
	"rainbow/kernel/cpu"
	"rainbow/kernel/driver/apic"
	"rainbow/kernel/irq"
	"rainbow/kernel/mem"
	"rainbow/kernel/mem/pmm"
	"rainbow/kernel/mem/vmm"
	"rainbow/kernel/sched"
	"rainbow/kernel/task"
)

// ptrAt converts a physical/virtual address into an unsafe.Pointer; the
// trampoline page is identity mapped so the two coincide.
func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// funcAddr extracts the code address of a bodyless or regular Go function,
// the same reflect-based idiom kernel/sched uses to locate trampolineEntry.
func funcAddr(fn func(*task.Task, uintptr)) uintptr {
	return uintptr(reflect.ValueOf(fn).Pointer())
}

// trampolineContext is a small block of state the real-mode trampoline
// reads to learn which page table, stack and Go entry point to jump to once
// it has switched to long mode. It is placed at a fixed offset inside the
// trampoline page.
type trampolineContext struct {
	flag       uint32
	cr3        uint32
	stack      uint64
	entryPoint uint64
	apicID     uint32
	_          uint32
}

const trampolineContextOffset = 0x0F00

// FrameAllocatorUnderFn allocates a single physical frame below limit. SMP
// bring-up needs the trampoline to live under 1 MiB since the AP starts in
// real mode and can only address the low megabyte. Set by cmd/kernel
// alongside vmm.SetFrameAllocator; kept as a function variable for the same
// reason the rest of this kernel avoids a direct import of the concrete
// allocator.
type FrameAllocatorUnderFn func(limit pmm.Frame) (pmm.Frame, *kernel.Error)

var frameAllocatorUnder FrameAllocatorUnderFn

// SetFrameAllocatorUnder registers the allocator used to obtain the
// trampoline's below-1MiB frame.
func SetFrameAllocatorUnder(fn FrameAllocatorUnderFn) {
	frameAllocatorUnder = fn
}

// trampolineBlobStart and trampolineBlobEnd bound the real-mode trampoline
// machine code assembled alongside this kernel's boot code (not part of
// this Go source tree, like the rest of this kernel's IDT/GDT assembly).
// After enabling paging the trampoline jumps to the address startOne
// stores in trampolineContext.entryPoint, which is apEntry's code address.
func trampolineBlobStart() uintptr
func trampolineBlobEnd() uintptr

const mem1MB = 0x100000

// installTrampoline copies the trampoline blob into a freshly allocated
// below-1MiB frame, identity maps it as executable, and returns its
// physical (== virtual, since it is identity mapped) address.
func installTrampoline() (uintptr, *kernel.Error) {
	frame, err := frameAllocatorUnder(pmm.Frame(mem1MB >> mem.PageShift))
	if err != nil {
		return 0, err
	}

	addr := frame.Address()

	// The trampoline is the one mapping in this kernel that genuinely needs
	// to be both writable (to receive the Memcopy below) and executable
	// (the AP fetches from it directly); no tag in Permission's set covers
	// that combination, so KernelCode is widened with an explicit FlagRW
	// rather than invented a tag for a single caller.
	if err := vmm.Map(vmm.PageFromAddress(addr), frame, vmm.KernelCode.Flags(vmm.WriteBack)|vmm.FlagRW); err != nil {
		return 0, err
	}

	size := trampolineBlobEnd() - trampolineBlobStart()
	kernel.Memcopy(trampolineBlobStart(), addr, size)

	return addr, nil
}

// CPUDescriptor is the subset of a MADT local APIC entry smp.Start needs:
// the id to target with IPIs and whether the entry represents the
// bootstrap processor (already running, and therefore skipped).
type CPUDescriptor struct {
	APICID    uint8
	Enabled   bool
	Bootstrap bool
}

// Start brings up every enabled, non-bootstrap CPU in cpus. It must be
// called from task 0 (or any task sharing the kernel's page table) after
// the scheduler, clock and local APIC are all initialized. Each AP is
// started sequentially, relying on the big kernel lock to keep only one
// bring-up in flight at a time.
func Start(cpus []CPUDescriptor) *kernel.Error {
	current := sched.Current()

	for _, c := range cpus {
		if !c.Enabled || c.Bootstrap {
			continue
		}
		if err := startOne(current, c.APICID); err != nil {
			return err
		}
	}

	// Give the freshly created AP tasks a chance to actually run.
	sched.Yield()
	return nil
}

func startOne(current *task.Task, apicID uint8) *kernel.Error {
	savedPriority := current.Priority
	current.Priority = task.PriorityHigh
	defer func() { current.Priority = savedPriority }()

	trampolinePhys, err := installTrampoline()
	if err != nil {
		return err
	}

	pageTable, err := current.PageTable.Clone()
	if err != nil {
		return err
	}

	apTask, err := sched.NewTask(&pageTable, apEntry, uintptr(apicID), 0)
	if err != nil {
		return err
	}

	ctx := (*trampolineContext)(ptrAt(trampolinePhys + trampolineContextOffset))
	*ctx = trampolineContext{
		cr3:        uint32(pageTable.Root().Address()),
		stack:      uint64(apTask.KernelStackTop),
		entryPoint: uint64(funcAddr(apEntry)),
		apicID:     uint32(apicID),
	}

	apic.SendInit(apicID)
	sched.Sleep(10 * 1000 * 1000) // 10ms INIT settle delay, per the Intel MP spec

	trampolinePage := uint8(trampolinePhys >> mem.PageShift)
	apic.SendStartup(apicID, trampolinePage)

	if !pollFlag(ctx, 1*1000*1000) { // poll for 1ms
		apic.SendStartup(apicID, trampolinePage)
		pollFlag(ctx, 1000*1000*1000) // poll for 1s
	}

	sched.AddTask(apTask)
	return nil
}

// pollFlag yields repeatedly until ctx.flag becomes non-zero or timeoutNs
// elapses, returning whether the flag was observed set.
func pollFlag(ctx *trampolineContext, timeoutNs uint64) bool {
	deadline := clock.NowNs() + timeoutNs
	for ctx.flag == 0 && clock.NowNs() < deadline {
		sched.Yield()
	}
	return ctx.flag != 0
}

// apEntry is the task entry point every AP's initial task starts in: it
// registers this CPU's per-CPU block and GDT/TSS, builds and loads this
// CPU's own IDT (every logical CPU owns its own IDTR even though all of
// them point at the same handler table), enables interrupts and falls into
// the idle loop.
func apEntry(t *task.Task, apicIDArg uintptr) {
	sched.InitAP(t)
	irq.Init()
	cpu.EnableInterrupts()
	sched.IdleLoop()
}
